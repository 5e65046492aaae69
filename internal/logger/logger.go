package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"secure-relay/internal/config"
)

// Setup 设置日志
func Setup(cfg *config.Config) (zerolog.Logger, error) {
	// 设置日志级别
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("无效的日志级别 '%s': %w", cfg.Logging.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	// 设置时间格式
	zerolog.TimeFieldFormat = time.RFC3339

	// 创建输出写入器
	var writers []io.Writer
	console := strings.ToLower(cfg.Logging.Format) == "console"

	// 根据配置选择输出目标
	switch strings.ToLower(cfg.Logging.Output) {
	case "stdout":
		writers = append(writers, consoleOr(os.Stdout, console))

	case "stderr":
		writers = append(writers, consoleOr(os.Stderr, console))

	case "file":
		// 确保日志目录存在
		logDir := filepath.Dir(cfg.Logging.FilePath)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return zerolog.Logger{}, fmt.Errorf("创建日志目录失败: %w", err)
		}

		// 配置日志轮转
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.Logging.FilePath,
			MaxSize:    cfg.Logging.MaxSize,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAge,
			Compress:   cfg.Logging.Compress,
		})

		// 如果是控制台格式，同时输出到控制台
		if console {
			writers = append(writers, consoleOr(os.Stdout, true))
		}

	default:
		return zerolog.Logger{}, fmt.Errorf("不支持的日志输出类型: %s", cfg.Logging.Output)
	}

	// 创建多写入器
	var writer io.Writer
	if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = io.MultiWriter(writers...)
	}

	// 创建日志器
	logger := zerolog.New(writer).With().
		Timestamp().
		Str("service", "secure-relay").
		Logger()

	// 设置全局日志器
	log.Logger = logger

	return logger, nil
}

func consoleOr(out *os.File, console bool) io.Writer {
	if console {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return out
}

// LoggerManager 日志管理器，持有主日志器和安全审计日志
type LoggerManager struct {
	mainLogger  zerolog.Logger
	auditLogger *AuditLogger
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewLoggerManager 创建日志管理器
func NewLoggerManager(ctx context.Context, cfg *config.Config) (*LoggerManager, error) {
	mainLogger, err := Setup(cfg)
	if err != nil {
		return nil, err
	}

	auditLogger, err := NewAuditLogger(&cfg.AuditLogging)
	if err != nil {
		return nil, fmt.Errorf("创建审计日志记录器失败: %w", err)
	}

	// 创建内部 context，继承自外部 context
	managerCtx, cancel := context.WithCancel(ctx)

	manager := &LoggerManager{
		mainLogger:  mainLogger,
		auditLogger: auditLogger,
		ctx:         managerCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	// 启动生命周期管理 goroutine
	go manager.lifecycleManager()

	return manager, nil
}

// GetMainLogger 获取主日志器
func (lm *LoggerManager) GetMainLogger() zerolog.Logger {
	return lm.mainLogger
}

// GetAuditLogger 获取审计日志器
func (lm *LoggerManager) GetAuditLogger() *AuditLogger {
	return lm.auditLogger
}

// lifecycleManager 生命周期管理
func (lm *LoggerManager) lifecycleManager() {
	defer close(lm.done)
	<-lm.ctx.Done()

	// 当 context 被取消时，自动关闭审计日志
	lm.mainLogger.Debug().Msg("日志管理器收到关闭信号，开始自动关闭")
	if err := lm.auditLogger.Close(); err != nil {
		lm.mainLogger.Error().Err(err).Msg("关闭审计日志失败")
	}
}

// Close 关闭所有日志器并等待完成
func (lm *LoggerManager) Close() error {
	lm.cancel()
	<-lm.done
	return nil
}
