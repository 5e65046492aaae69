package logger

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secure-relay/internal/config"
)

func TestAuditLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	al, err := newAuditLogger(&config.AuditLoggingConfig{Enabled: true, Format: "json"}, &buf)
	require.NoError(t, err)

	require.NoError(t, al.LogBan("10.0.0.1", 30*time.Minute, 2, 4001))

	var event AuditEvent
	require.NoError(t, sonic.Unmarshal(bytes.TrimSpace(buf.Bytes()), &event))
	assert.Equal(t, AuditBan, event.EventType)
	assert.Equal(t, "10.0.0.1", event.ClientIP)
	assert.EqualValues(t, 1800, event.BanSeconds)
	assert.Equal(t, 2, event.Violations)
	assert.False(t, event.Timestamp.IsZero())
}

func TestAuditLoggerCSV(t *testing.T) {
	var buf bytes.Buffer
	al, err := newAuditLogger(&config.AuditLoggingConfig{Enabled: true, Format: "csv"}, &buf)
	require.NoError(t, err)

	require.NoError(t, al.LogInvalidOnlineID("10.0.0.2", "udp", strings.Repeat("x", 100)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "timestamp,client_ip,event_type"))
	assert.Contains(t, lines[1], "invalid_online_id")
	// 在线 ID 被截断
	assert.Contains(t, lines[1], strings.Repeat("x", 32)+",")
	assert.NotContains(t, lines[1], strings.Repeat("x", 33))
}

func TestAuditLoggerDisabled(t *testing.T) {
	al := DisabledAuditLogger()
	assert.False(t, al.IsEnabled())
	assert.NoError(t, al.LogDecryptFailure("10.0.0.1", "tcp"))
	assert.NoError(t, al.Close())
}

func TestRateLimitedLogger(t *testing.T) {
	var buf bytes.Buffer
	rl := NewRateLimitedLogger(zerolog.New(&buf), time.Second)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	rl.Warn("drop").Msg("丢弃")
	rl.Warn("drop").Msg("丢弃")
	rl.Warn("drop").Msg("丢弃")
	// 不同的键互不影响
	rl.Warn("other").Msg("其他")

	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))

	now = now.Add(2 * time.Second)
	buf.Reset()
	rl.Warn("drop").Msg("丢弃")
	assert.Contains(t, buf.String(), `"suppressed":2`)
}

func TestSetupRejectsUnknownOutput(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Output = "syslog"
	_, err := Setup(cfg)
	assert.Error(t, err)
}
