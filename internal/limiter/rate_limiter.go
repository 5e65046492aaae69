package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"secure-relay/internal/config"
)

// maxBanMultiplier 封禁时长倍数上限
const maxBanMultiplier = 10

var (
	// ErrBanned 来源 IP 处于封禁期
	ErrBanned = errors.New("limiter: ip banned")
	// ErrRateLimited 来源 IP 超出每秒包数并被封禁
	ErrRateLimited = errors.New("limiter: rate limit exceeded")
	// ErrGlobalLimit 超出全局包预算
	ErrGlobalLimit = errors.New("limiter: global limit exceeded")
)

// BanError 本次请求触发了封禁
type BanError struct {
	IP          string
	Duration    time.Duration
	Violations  int
	CurrentRate int
	PeakRate    int
	Total       int64
}

func (e *BanError) Error() string {
	return fmt.Sprintf("limiter: %s banned for %s (violation #%d)", e.IP, e.Duration, e.Violations)
}

func (e *BanError) Unwrap() error { return ErrRateLimited }

// RateLimiter 每 IP 固定 1 秒窗口限流，超限后按违规次数递增封禁
type RateLimiter struct {
	config        *config.Config
	logger        zerolog.Logger
	clock         clock.Clock
	globalLimiter *rate.Limiter // nil 表示不做全局限制
	ipStats       sync.Map      // map[string]*ipStats

	// 统计信息
	totalPackets  atomic.Int64
	totalBans     atomic.Int64
	globalDropped atomic.Int64
	startTime     time.Time
}

// ipStats 单个 IP 的限流状态
type ipStats struct {
	mu           sync.Mutex
	packetCount  int
	windowStart  time.Time
	bannedUntil  time.Time
	violations   int
	totalPackets int64
	firstSeen    time.Time
	lastSeen     time.Time
	peakRate     int
	dead         bool // 已被 Cleanup 移出 map
}

// NewRateLimiter 创建限流器
func NewRateLimiter(cfg *config.Config, logger zerolog.Logger, clk clock.Clock) *RateLimiter {
	rl := &RateLimiter{
		config:    cfg,
		logger:    logger.With().Str("component", "rate_limiter").Logger(),
		clock:     clk,
		startTime: clk.Now(),
	}
	if n := cfg.Security.GlobalPacketsPerSecond; n > 0 {
		rl.globalLimiter = rate.NewLimiter(rate.Limit(n), n)
	}
	return rl
}

// Allow 记录一个来自 ip 的包并判断是否放行
// 返回 ErrBanned、ErrGlobalLimit 或 *BanError（可用 errors.Is(err, ErrRateLimited) 判断）
func (rl *RateLimiter) Allow(ip string) error {
	now := rl.clock.Now()
	stats := rl.lockEntry(ip, now)
	defer stats.mu.Unlock()

	stats.lastSeen = now
	if !stats.bannedUntil.IsZero() {
		if now.Before(stats.bannedUntil) {
			return ErrBanned
		}
		// 封禁期满，违规次数保留用于后续递增
		rl.logger.Info().
			Str("ip", ip).
			Int("violations", stats.violations).
			Msg("封禁期满，解除封禁")
		stats.bannedUntil = time.Time{}
		stats.packetCount = 0
		stats.windowStart = now
	}

	if now.Sub(stats.windowStart) >= time.Second {
		stats.packetCount = 0
		stats.windowStart = now
	}

	stats.packetCount++
	stats.totalPackets++
	rl.totalPackets.Add(1)
	if stats.packetCount > stats.peakRate {
		stats.peakRate = stats.packetCount
	}

	if stats.packetCount > rl.config.Security.MaxPacketsPerSecond {
		stats.violations++
		multiplier := min(stats.violations, maxBanMultiplier)
		duration := rl.config.Security.BanDuration * time.Duration(multiplier)
		stats.bannedUntil = now.Add(duration)
		rl.totalBans.Add(1)

		rl.logger.Warn().
			Str("ip", ip).
			Dur("ban_duration", duration).
			Int("violation", stats.violations).
			Int("current_rate", stats.packetCount).
			Int("limit", rl.config.Security.MaxPacketsPerSecond).
			Int("peak_rate", stats.peakRate).
			Int64("total_packets", stats.totalPackets).
			Dur("time_connected", now.Sub(stats.firstSeen)).
			Msg("IP 超出包速率，已封禁")

		return &BanError{
			IP:          ip,
			Duration:    duration,
			Violations:  stats.violations,
			CurrentRate: stats.packetCount,
			PeakRate:    stats.peakRate,
			Total:       stats.totalPackets,
		}
	}

	// 检查全局限流
	if rl.globalLimiter != nil && !rl.globalLimiter.Allow() {
		rl.globalDropped.Add(1)
		return ErrGlobalLimit
	}

	return nil
}

// IsBanned 检查 ip 当前是否处于封禁期
func (rl *RateLimiter) IsBanned(ip string) bool {
	value, ok := rl.ipStats.Load(ip)
	if !ok {
		return false
	}
	stats := value.(*ipStats)
	stats.mu.Lock()
	defer stats.mu.Unlock()
	return !stats.bannedUntil.IsZero() && rl.clock.Now().Before(stats.bannedUntil)
}

// lockEntry 获取并锁定 IP 状态，遇到已清理的条目时重新获取
func (rl *RateLimiter) lockEntry(ip string, now time.Time) *ipStats {
	for {
		stats := rl.getOrCreate(ip, now)
		stats.mu.Lock()
		if !stats.dead {
			return stats
		}
		stats.mu.Unlock()
	}
}

// getOrCreate 获取或创建 IP 状态
func (rl *RateLimiter) getOrCreate(ip string, now time.Time) *ipStats {
	if value, ok := rl.ipStats.Load(ip); ok {
		return value.(*ipStats)
	}

	stats := &ipStats{
		windowStart: now,
		firstSeen:   now,
		lastSeen:    now,
	}

	// 尝试存储，如果已存在则使用已存在的
	if actual, loaded := rl.ipStats.LoadOrStore(ip, stats); loaded {
		return actual.(*ipStats)
	}
	return stats
}

// Cleanup 清理长时间空闲且未被封禁的 IP 状态
// 有违规记录的条目至少保留到最长封禁时长之后，避免违规次数过早归零
func (rl *RateLimiter) Cleanup() int {
	now := rl.clock.Now()
	ttl := rl.config.Security.LimiterEntryTTL
	violatorTTL := max(ttl, rl.config.Security.BanDuration*maxBanMultiplier)
	removed := 0

	rl.ipStats.Range(func(key, value any) bool {
		stats := value.(*ipStats)
		stats.mu.Lock()
		banned := !stats.bannedUntil.IsZero() && now.Before(stats.bannedUntil)
		idle := now.Sub(stats.lastSeen)
		keep := banned || idle <= ttl || (stats.violations > 0 && idle <= violatorTTL)
		if !keep {
			stats.dead = true
			rl.ipStats.CompareAndDelete(key, value)
			removed++
		}
		stats.mu.Unlock()
		return true
	})

	if removed > 0 {
		rl.logger.Debug().
			Int("count", removed).
			Msg("清理空闲的 IP 限流状态")
	}
	return removed
}

// Run 周期性清理，直到 ctx 结束
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := rl.clock.Ticker(rl.config.Security.LimiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup()
		}
	}
}

// BannedCount 当前处于封禁期的 IP 数
func (rl *RateLimiter) BannedCount() int {
	now := rl.clock.Now()
	count := 0
	rl.ipStats.Range(func(_, value any) bool {
		stats := value.(*ipStats)
		stats.mu.Lock()
		if !stats.bannedUntil.IsZero() && now.Before(stats.bannedUntil) {
			count++
		}
		stats.mu.Unlock()
		return true
	})
	return count
}

// GetStats 获取统计信息
func (rl *RateLimiter) GetStats() map[string]any {
	activeIPs := 0
	rl.ipStats.Range(func(_, _ any) bool {
		activeIPs++
		return true
	})

	uptime := rl.clock.Since(rl.startTime)
	avg := 0.0
	if uptime > 0 {
		avg = float64(rl.totalPackets.Load()) / uptime.Seconds()
	}

	return map[string]any{
		"total_packets":          rl.totalPackets.Load(),
		"total_bans":             rl.totalBans.Load(),
		"global_dropped":         rl.globalDropped.Load(),
		"tracked_ip_count":       activeIPs,
		"banned_ip_count":        rl.BannedCount(),
		"avg_packets_per_second": avg,
		"ip_limit":               rl.config.Security.MaxPacketsPerSecond,
		"global_limit":           rl.config.Security.GlobalPacketsPerSecond,
	}
}

// GetIPStats 获取指定 IP 的统计信息
func (rl *RateLimiter) GetIPStats(ip string) map[string]any {
	value, ok := rl.ipStats.Load(ip)
	if !ok {
		return map[string]any{
			"ip":    ip,
			"found": false,
		}
	}

	stats := value.(*ipStats)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	now := rl.clock.Now()
	return map[string]any{
		"ip":            ip,
		"found":         true,
		"total_packets": stats.totalPackets,
		"peak_rate":     stats.peakRate,
		"violations":    stats.violations,
		"banned":        !stats.bannedUntil.IsZero() && now.Before(stats.bannedUntil),
		"banned_until":  stats.bannedUntil,
		"first_seen":    stats.firstSeen,
		"last_seen":     stats.lastSeen,
	}
}
