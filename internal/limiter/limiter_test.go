package limiter

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secure-relay/internal/config"
)

func newTestLimiter(t *testing.T, maxPPS int) (*RateLimiter, *clock.Mock) {
	t.Helper()
	cfg := config.Default()
	cfg.Security.MaxPacketsPerSecond = maxPPS
	cfg.Security.BanDuration = time.Minute
	cfg.Security.LimiterEntryTTL = 5 * time.Minute

	clk := clock.NewMock()
	return NewRateLimiter(cfg, zerolog.Nop(), clk), clk
}

// flood 在同一窗口内发送 n 个包，返回第一个错误
func flood(rl *RateLimiter, ip string, n int) error {
	for i := 0; i < n; i++ {
		if err := rl.Allow(ip); err != nil {
			return err
		}
	}
	return nil
}

func TestAllowWithinLimit(t *testing.T) {
	rl, clk := newTestLimiter(t, 5)

	require.NoError(t, flood(rl, "10.0.0.1", 5))

	// 新窗口计数重置
	clk.Add(time.Second)
	require.NoError(t, flood(rl, "10.0.0.1", 5))
	assert.False(t, rl.IsBanned("10.0.0.1"))
}

func TestBanOnExceed(t *testing.T) {
	rl, _ := newTestLimiter(t, 5)

	err := flood(rl, "10.0.0.1", 6)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))

	var ban *BanError
	require.ErrorAs(t, err, &ban)
	assert.Equal(t, time.Minute, ban.Duration)
	assert.Equal(t, 1, ban.Violations)

	assert.True(t, rl.IsBanned("10.0.0.1"))
	assert.ErrorIs(t, rl.Allow("10.0.0.1"), ErrBanned)

	// 其他 IP 不受影响
	assert.NoError(t, rl.Allow("10.0.0.2"))
}

func TestBanEscalates(t *testing.T) {
	rl, clk := newTestLimiter(t, 5)

	var previous time.Duration
	for i := 1; i <= 12; i++ {
		var ban *BanError
		require.ErrorAs(t, flood(rl, "10.0.0.1", 6), &ban)
		assert.Equal(t, i, ban.Violations)
		assert.GreaterOrEqual(t, ban.Duration, previous)
		assert.LessOrEqual(t, ban.Duration, 10*time.Minute)
		previous = ban.Duration

		// 封禁期满自动解除
		clk.Add(ban.Duration)
		assert.False(t, rl.IsBanned("10.0.0.1"))
	}
	assert.Equal(t, 10*time.Minute, previous)
}

func TestSecondBanLongerThanFirst(t *testing.T) {
	rl, clk := newTestLimiter(t, 3)

	var first, second *BanError
	require.ErrorAs(t, flood(rl, "10.0.0.9", 4), &first)
	clk.Add(first.Duration + time.Second)
	require.ErrorAs(t, flood(rl, "10.0.0.9", 4), &second)

	assert.Greater(t, second.Duration, first.Duration)
}

func TestCleanup(t *testing.T) {
	rl, clk := newTestLimiter(t, 5)

	require.NoError(t, rl.Allow("10.0.0.1"))
	require.Error(t, flood(rl, "10.0.0.2", 6))

	clk.Add(6 * time.Minute)
	require.NoError(t, rl.Allow("10.0.0.3"))

	// 10.0.0.1 空闲超时被清理；10.0.0.2 有违规记录被保留；10.0.0.3 刚活跃
	assert.Equal(t, 1, rl.Cleanup())
	assert.False(t, rl.GetIPStats("10.0.0.1")["found"].(bool))
	assert.True(t, rl.GetIPStats("10.0.0.2")["found"].(bool))
	assert.True(t, rl.GetIPStats("10.0.0.3")["found"].(bool))

	// 超过最长封禁时长后违规条目也会被清理
	clk.Add(11 * time.Minute)
	assert.Equal(t, 2, rl.Cleanup())
}

func TestAllowSkipsCleanedEntry(t *testing.T) {
	rl, clk := newTestLimiter(t, 5)
	ip := "10.0.0.1"

	require.NoError(t, rl.Allow(ip))
	stale := rl.getOrCreate(ip, clk.Now())

	clk.Add(6 * time.Minute)
	require.Equal(t, 1, rl.Cleanup())

	stale.mu.Lock()
	assert.True(t, stale.dead)
	stale.mu.Unlock()

	// 清理后的计数落在新条目上，违规仍然触发封禁
	require.Error(t, flood(rl, ip, 6))
	assert.True(t, rl.IsBanned(ip))

	fresh := rl.getOrCreate(ip, clk.Now())
	assert.NotSame(t, stale, fresh)
	assert.Equal(t, 1, rl.GetIPStats(ip)["violations"])
	assert.Equal(t, int64(1), stale.totalPackets)
}

func TestGlobalLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Security.GlobalPacketsPerSecond = 2
	rl := NewRateLimiter(cfg, zerolog.Nop(), clock.NewMock())

	require.NoError(t, rl.Allow("10.0.0.1"))
	require.NoError(t, rl.Allow("10.0.0.2"))
	assert.ErrorIs(t, rl.Allow("10.0.0.3"), ErrGlobalLimit)
	// 全局限流不封禁
	assert.False(t, rl.IsBanned("10.0.0.3"))
}

func TestConnectionLimiter(t *testing.T) {
	cl := NewConnectionLimiter(2)

	require.NoError(t, cl.Acquire("10.0.0.1"))
	require.NoError(t, cl.Acquire("10.0.0.1"))
	assert.ErrorIs(t, cl.Acquire("10.0.0.1"), ErrTooManyConnections)
	require.NoError(t, cl.Acquire("10.0.0.2"))

	cl.Release("10.0.0.1")
	assert.Equal(t, 1, cl.Count("10.0.0.1"))
	require.NoError(t, cl.Acquire("10.0.0.1"))

	cl.Release("10.0.0.2")
	cl.Release("10.0.0.2") // 多余的释放被忽略
	assert.Zero(t, cl.Count("10.0.0.2"))
	assert.EqualValues(t, 2, cl.GetStats()["active_connections"])
}
