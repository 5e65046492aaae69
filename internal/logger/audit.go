package logger

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"gopkg.in/natefinch/lumberjack.v2"

	"secure-relay/internal/config"
)

// 审计事件类型
const (
	AuditBan              = "ban"
	AuditConnectionReject = "connection_rejected"
	AuditDecryptFailure   = "decrypt_failure"
	AuditInvalidOnlineID  = "invalid_online_id"
	AuditTokenRejected    = "token_rejected"
)

// AuditEvent 安全审计事件
type AuditEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	ClientIP   string    `json:"client_ip"`
	EventType  string    `json:"event_type"`
	Transport  string    `json:"transport,omitempty"` // tcp, udp
	OnlineID   string    `json:"online_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	BanSeconds int64     `json:"ban_seconds,omitempty"`
	Violations int       `json:"violations,omitempty"`
	PeakRate   int       `json:"peak_rate,omitempty"`
}

// AuditLogger 安全审计日志记录器
type AuditLogger struct {
	config    *config.AuditLoggingConfig
	writer    io.Writer
	csvWriter *csv.Writer
	mutex     sync.Mutex
	enabled   bool
}

// NewAuditLogger 创建审计日志记录器，未启用时所有记录调用为空操作
func NewAuditLogger(cfg *config.AuditLoggingConfig) (*AuditLogger, error) {
	if !cfg.Enabled {
		return &AuditLogger{enabled: false}, nil
	}

	// 确保日志目录存在
	logDir := filepath.Dir(cfg.FilePath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("创建审计日志目录失败: %w", err)
	}

	// 配置日志轮转
	fileWriter := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	return newAuditLogger(cfg, fileWriter)
}

func newAuditLogger(cfg *config.AuditLoggingConfig, w io.Writer) (*AuditLogger, error) {
	logger := &AuditLogger{
		config:  cfg,
		writer:  w,
		enabled: true,
	}

	// 如果是CSV格式，初始化CSV写入器并写入表头
	if strings.ToLower(cfg.Format) == "csv" {
		logger.csvWriter = csv.NewWriter(w)
		if err := logger.writeCSVHeader(); err != nil {
			return nil, fmt.Errorf("写入CSV表头失败: %w", err)
		}
	}

	return logger, nil
}

// DisabledAuditLogger 返回未启用的审计日志记录器
func DisabledAuditLogger() *AuditLogger {
	return &AuditLogger{enabled: false}
}

// writeCSVHeader 写入CSV表头
func (al *AuditLogger) writeCSVHeader() error {
	headers := []string{
		"timestamp", "client_ip", "event_type", "transport", "online_id",
		"reason", "ban_seconds", "violations", "peak_rate",
	}
	if err := al.csvWriter.Write(headers); err != nil {
		return err
	}
	al.csvWriter.Flush()
	return al.csvWriter.Error()
}

// LogEvent 记录审计事件
func (al *AuditLogger) LogEvent(event *AuditEvent) error {
	if !al.enabled {
		return nil
	}

	al.mutex.Lock()
	defer al.mutex.Unlock()

	// 设置时间戳
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	switch strings.ToLower(al.config.Format) {
	case "csv":
		return al.writeCSV(event)
	default: // json
		return al.writeJSON(event)
	}
}

// writeJSON 写入JSON格式
func (al *AuditLogger) writeJSON(event *AuditEvent) error {
	data, err := sonic.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化审计事件失败: %w", err)
	}

	_, err = al.writer.Write(append(data, '\n'))
	return err
}

// writeCSV 写入CSV格式
func (al *AuditLogger) writeCSV(event *AuditEvent) error {
	record := []string{
		event.Timestamp.Format(time.RFC3339),
		event.ClientIP,
		event.EventType,
		event.Transport,
		event.OnlineID,
		event.Reason,
		strconv.FormatInt(event.BanSeconds, 10),
		strconv.Itoa(event.Violations),
		strconv.Itoa(event.PeakRate),
	}

	if err := al.csvWriter.Write(record); err != nil {
		return err
	}

	// 立即刷新到文件
	al.csvWriter.Flush()
	return al.csvWriter.Error()
}

// LogBan 记录封禁
func (al *AuditLogger) LogBan(clientIP string, duration time.Duration, violations, peakRate int) error {
	return al.LogEvent(&AuditEvent{
		ClientIP:   clientIP,
		EventType:  AuditBan,
		BanSeconds: int64(duration / time.Second),
		Violations: violations,
		PeakRate:   peakRate,
	})
}

// LogConnectionRejected 记录拒绝的控制连接
func (al *AuditLogger) LogConnectionRejected(clientIP, reason string) error {
	return al.LogEvent(&AuditEvent{
		ClientIP:  clientIP,
		EventType: AuditConnectionReject,
		Transport: "tcp",
		Reason:    reason,
	})
}

// LogDecryptFailure 记录解密失败
func (al *AuditLogger) LogDecryptFailure(clientIP, transport string) error {
	return al.LogEvent(&AuditEvent{
		ClientIP:  clientIP,
		EventType: AuditDecryptFailure,
		Transport: transport,
	})
}

// LogInvalidOnlineID 记录格式非法的在线 ID
func (al *AuditLogger) LogInvalidOnlineID(clientIP, transport, onlineID string) error {
	// 截断超长 ID
	if len(onlineID) > 32 {
		onlineID = onlineID[:32]
	}
	return al.LogEvent(&AuditEvent{
		ClientIP:  clientIP,
		EventType: AuditInvalidOnlineID,
		Transport: transport,
		OnlineID:  onlineID,
	})
}

// LogTokenRejected 记录令牌校验失败
func (al *AuditLogger) LogTokenRejected(clientIP, onlineID, reason string) error {
	return al.LogEvent(&AuditEvent{
		ClientIP:  clientIP,
		EventType: AuditTokenRejected,
		Transport: "tcp",
		OnlineID:  onlineID,
		Reason:    reason,
	})
}

// Close 关闭日志记录器
func (al *AuditLogger) Close() error {
	if !al.enabled {
		return nil
	}

	al.mutex.Lock()
	defer al.mutex.Unlock()

	if al.csvWriter != nil {
		al.csvWriter.Flush()
	}

	if closer, ok := al.writer.(io.Closer); ok {
		return closer.Close()
	}

	return nil
}

// IsEnabled 检查是否启用
func (al *AuditLogger) IsEnabled() bool {
	return al.enabled
}
