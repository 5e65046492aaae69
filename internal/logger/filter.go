package logger

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// RateLimitedLogger 按消息键限流的日志器，同一键在间隔内只输出一次
// 被抑制的条数附加在下一次输出的 suppressed 字段上
type RateLimitedLogger struct {
	logger   zerolog.Logger
	interval time.Duration
	now      func() time.Time
	entries  sync.Map // map[string]*throttleEntry
}

type throttleEntry struct {
	lastLog atomic.Int64 // Unix 纳秒时间戳
	skipped atomic.Int64
}

// NewRateLimitedLogger 创建限流日志器
func NewRateLimitedLogger(logger zerolog.Logger, interval time.Duration) *RateLimitedLogger {
	return &RateLimitedLogger{
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// Warn 限流的 Warn 日志，被抑制时返回 nil 事件（调用链为空操作）
func (rl *RateLimitedLogger) Warn(key string) *zerolog.Event {
	return rl.event(key, rl.logger.Warn)
}

// Info 限流的 Info 日志
func (rl *RateLimitedLogger) Info(key string) *zerolog.Event {
	return rl.event(key, rl.logger.Info)
}

// Debug 限流的 Debug 日志
func (rl *RateLimitedLogger) Debug(key string) *zerolog.Event {
	return rl.event(key, rl.logger.Debug)
}

// Error 错误日志不限流
func (rl *RateLimitedLogger) Error() *zerolog.Event {
	return rl.logger.Error()
}

func (rl *RateLimitedLogger) event(key string, level func() *zerolog.Event) *zerolog.Event {
	skipped, ok := rl.shouldLog(key)
	if !ok {
		return nil
	}
	e := level()
	if skipped > 0 {
		e = e.Int64("suppressed", skipped)
	}
	return e.Str("log_key", key)
}

// shouldLog 检查是否应该记录，返回上次输出后被抑制的条数
func (rl *RateLimitedLogger) shouldLog(key string) (int64, bool) {
	value, ok := rl.entries.Load(key)
	if !ok {
		value, _ = rl.entries.LoadOrStore(key, &throttleEntry{})
	}
	entry := value.(*throttleEntry)

	now := rl.now().UnixNano()
	last := entry.lastLog.Load()
	if now-last > int64(rl.interval) && entry.lastLog.CompareAndSwap(last, now) {
		return entry.skipped.Swap(0), true
	}

	entry.skipped.Add(1)
	return 0, false
}
