package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"secure-relay/internal/config"
)

// StatsFunc 返回一个组件的统计快照
type StatsFunc func() any

type statsSource struct {
	name string
	fn   StatsFunc
}

// HTTPServer 监控 HTTP 服务：健康检查、prometheus 指标和 JSON 统计
type HTTPServer struct {
	config  *config.Config
	logger  zerolog.Logger
	monitor *PerformanceMonitor
	proc    *process.Process

	mu      sync.RWMutex
	sources []statsSource

	httpServer *http.Server
}

// NewHTTPServer 创建监控服务
func NewHTTPServer(cfg *config.Config, logger zerolog.Logger, pm *PerformanceMonitor) *HTTPServer {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	l := logger.With().Str("component", "monitor").Logger()
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		l.Warn().Err(err).Msg("无法获取进程信息，/stats 将不包含进程统计")
	}

	return &HTTPServer{
		config:  cfg,
		logger:  l,
		monitor: pm,
		proc:    proc,
	}
}

// AddStats 注册一个出现在 /stats 中的统计来源
func (s *HTTPServer) AddStats(name string, fn StatsFunc) {
	s.mu.Lock()
	s.sources = append(s.sources, statsSource{name: name, fn: fn})
	s.mu.Unlock()
}

// Handler 构建路由
func (s *HTTPServer) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	mon := s.config.Monitoring
	router.GET(mon.HealthCheckPath, s.handleHealth)
	router.GET(mon.MetricsPath, gin.WrapH(promhttp.HandlerFor(s.monitor.Registry(), promhttp.HandlerOpts{})))
	router.GET(mon.StatsPath, s.handleStats)
	return router
}

// Run 监听并服务，ctx 结束后优雅关闭
func (s *HTTPServer) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Monitoring.MetricsPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("监控服务监听失败: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve 在给定监听器上服务
func (s *HTTPServer) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("address", ln.Addr().String()).Msg("启动监控服务")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("关闭监控服务失败")
		}
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("监控服务错误: %w", err)
	}
	s.logger.Info().Msg("监控服务已停止")
	return nil
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *HTTPServer) handleStats(c *gin.Context) {
	body, err := sonic.Marshal(s.Snapshot())
	if err != nil {
		s.logger.Error().Err(err).Msg("序列化统计失败")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

// Snapshot 汇总所有统计来源
func (s *HTTPServer) Snapshot() map[string]any {
	out := map[string]any{
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"performance": s.monitor.GetStats(),
	}
	if p := s.processStats(); p != nil {
		out["process"] = p
	}

	s.mu.RLock()
	sources := append([]statsSource(nil), s.sources...)
	s.mu.RUnlock()
	for _, src := range sources {
		out[src.name] = src.fn()
	}
	return out
}

func (s *HTTPServer) processStats() map[string]any {
	if s.proc == nil {
		return nil
	}
	stats := map[string]any{"pid": s.proc.Pid}
	if cpu, err := s.proc.CPUPercent(); err == nil {
		stats["cpu_percent"] = cpu
	}
	if mem, err := s.proc.MemoryInfo(); err == nil {
		stats["rss_mb"] = float64(mem.RSS) / 1024 / 1024
	}
	if n, err := s.proc.NumThreads(); err == nil {
		stats["threads"] = n
	}
	return stats
}

func (s *HTTPServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("监控请求")
	}
}
