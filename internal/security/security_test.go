package security

import (
	"bytes"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secure-relay/internal/config"
	"secure-relay/internal/limiter"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, KeySize)
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)

	for _, n := range []int{0, 1, 15, 16, 17, 31, 32, 1000, 65536} {
		plain := bytes.Repeat([]byte{byte(n)}, n)
		enc, err := c.Encrypt(plain)
		require.NoError(t, err)
		assert.Equal(t, 0, len(enc)%16, "长度 %d", n)
		assert.Greater(t, len(enc), len(plain))

		dec, err := c.Decrypt(enc)
		require.NoError(t, err)
		assert.Equal(t, len(plain), len(dec), "长度 %d", n)
		assert.True(t, bytes.Equal(plain, dec))
	}
}

func TestCipherRandomIV(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)

	a, err := c.Encrypt([]byte("hello"))
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("hello"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCipherDecryptFailures(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)

	_, err = c.Decrypt(nil)
	assert.ErrorIs(t, err, ErrDecrypt)
	_, err = c.Decrypt(make([]byte, 16))
	assert.ErrorIs(t, err, ErrDecrypt)
	_, err = c.Decrypt(make([]byte, 33))
	assert.ErrorIs(t, err, ErrDecrypt)

	// 其他密钥加密的数据几乎总是填充错误
	other, err := NewCipher(bytes.Repeat([]byte{0x01}, KeySize))
	require.NoError(t, err)
	enc, err := other.Encrypt(bytes.Repeat([]byte{0xAA}, 64))
	require.NoError(t, err)
	dec, err := c.Decrypt(enc)
	if err == nil {
		assert.NotEqual(t, bytes.Repeat([]byte{0xAA}, 64), dec)
	} else {
		assert.ErrorIs(t, err, ErrDecrypt)
	}
}

func TestNewCipherInvalidKey(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestValidateOnlineID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"ABCD1234", true},
		{"ZZZZZZZZ", true},
		{"00000000", true},
		{"abcd1234", false},
		{"ABCD123", false},
		{"ABCD12345", false},
		{"ABCD-234", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidateOnlineID(tt.id), "id=%q", tt.id)
	}
}

func TestValidatePacket(t *testing.T) {
	assert.ErrorIs(t, ValidatePacket(nil, 100), ErrEmptyPacket)
	assert.ErrorIs(t, ValidatePacket([]byte{1, 2, 3}, 100), ErrPacketTooSmall)
	assert.ErrorIs(t, ValidatePacket(make([]byte, 101), 100), ErrPacketTooLarge)
	assert.NoError(t, ValidatePacket(make([]byte, 4), 100))
	assert.NoError(t, ValidatePacket(make([]byte, 100), 100))
}

func TestAuthManager(t *testing.T) {
	clk := clock.NewMock()
	am := NewAuthManager(time.Hour, clk, zerolog.Nop())

	tok, err := am.Issue("ABCD1234", "10.0.0.1")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(tok)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	assert.True(t, am.Verify(tok, "10.0.0.1"))
	assert.False(t, am.Verify(tok, "10.0.0.2"))
	assert.False(t, am.Verify("bogus", "10.0.0.1"))

	got, ok := am.Lookup(tok)
	require.True(t, ok)
	assert.Equal(t, "ABCD1234", got.OnlineID)

	clk.Add(time.Hour)
	assert.False(t, am.Verify(tok, "10.0.0.1"))
	assert.Equal(t, 0, am.Count())
}

func TestAuthManagerSweepAndRevoke(t *testing.T) {
	clk := clock.NewMock()
	am := NewAuthManager(time.Minute, clk, zerolog.Nop())

	a, err := am.Issue("AAAAAAAA", "10.0.0.1")
	require.NoError(t, err)
	clk.Add(30 * time.Second)
	_, err = am.Issue("BBBBBBBB", "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, 2, am.Count())

	clk.Add(45 * time.Second)
	assert.Equal(t, 1, am.Sweep())
	assert.Equal(t, 1, am.Count())

	am.Revoke(a)
	assert.Equal(t, 1, am.Count())
}

func TestLoadOrCreateMasterKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master_key.txt")

	key, src, err := LoadOrCreateMasterKey("", path)
	require.NoError(t, err)
	assert.Equal(t, KeyFromGenerated, src)
	assert.Len(t, key, KeySize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	again, src, err := LoadOrCreateMasterKey("", path)
	require.NoError(t, err)
	assert.Equal(t, KeyFromFile, src)
	assert.Equal(t, key, again)

	configured := base64.StdEncoding.EncodeToString(testKey())
	got, src, err := LoadOrCreateMasterKey(configured, path)
	require.NoError(t, err)
	assert.Equal(t, KeyFromConfig, src)
	assert.Equal(t, testKey(), got)
}

func TestLoadOrCreateMasterKeyInvalid(t *testing.T) {
	_, _, err := LoadOrCreateMasterKey(base64.StdEncoding.EncodeToString([]byte("short")), "")
	assert.ErrorIs(t, err, ErrInvalidKey)

	path := filepath.Join(t.TempDir(), "bad.txt")
	require.NoError(t, os.WriteFile(path, []byte("!!!not base64"), 0600))
	_, _, err = LoadOrCreateMasterKey("", path)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func newTestLayer(t *testing.T, mutate func(*config.Config)) (*Layer, *clock.Mock) {
	t.Helper()
	cfg := config.Default()
	cfg.Security.MaxPacketsPerSecond = 3
	cfg.Security.MaxConnectionsPerIP = 2
	cfg.Security.BanDuration = time.Minute
	if mutate != nil {
		mutate(cfg)
	}
	clk := clock.NewMock()
	l, err := NewLayer(cfg, testKey(), clk, zerolog.Nop(), nil)
	require.NoError(t, err)
	return l, clk
}

func TestLayerRoundTrip(t *testing.T) {
	l, _ := newTestLayer(t, nil)

	enc, err := l.ProcessOutgoing([]byte("payload"))
	require.NoError(t, err)

	plain, err := l.ProcessIncoming(enc, "10.0.0.1", "tcp")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), plain)
}

func TestLayerPlaintextMode(t *testing.T) {
	l, _ := newTestLayer(t, func(c *config.Config) { c.Security.EnableEncryption = false })

	out, err := l.ProcessOutgoing([]byte("abcd"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), out)

	in, err := l.ProcessIncoming([]byte("abcd"), "10.0.0.1", "udp")
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), in)
}

func TestLayerRejectsGarbage(t *testing.T) {
	l, _ := newTestLayer(t, nil)

	_, err := l.ProcessIncoming(make([]byte, 40), "10.0.0.1", "udp")
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = l.ProcessIncoming([]byte{1}, "10.0.0.1", "udp")
	assert.ErrorIs(t, err, ErrPacketTooSmall)
}

func TestLayerBanAndAdmission(t *testing.T) {
	l, clk := newTestLayer(t, func(c *config.Config) { c.Security.EnableEncryption = false })
	ip := "10.0.0.9"

	for i := 0; i < 3; i++ {
		_, err := l.ProcessIncoming([]byte("abcd"), ip, "udp")
		require.NoError(t, err)
	}
	_, err := l.ProcessIncoming([]byte("abcd"), ip, "udp")
	assert.True(t, errors.Is(err, limiter.ErrRateLimited))
	assert.True(t, l.IsBanned(ip))

	_, err = l.ProcessIncoming([]byte("abcd"), ip, "udp")
	assert.ErrorIs(t, err, ErrBanned)
	assert.ErrorIs(t, l.AdmitConnection(ip), ErrBanned)

	clk.Add(time.Minute)
	assert.False(t, l.IsBanned(ip))
	require.NoError(t, l.AdmitConnection(ip))
	require.NoError(t, l.AdmitConnection(ip))
	assert.ErrorIs(t, l.AdmitConnection(ip), limiter.ErrTooManyConnections)

	l.ReleaseConnection(ip)
	assert.NoError(t, l.AdmitConnection(ip))
}

func TestLayerCountsUndecryptablePackets(t *testing.T) {
	l, _ := newTestLayer(t, nil)
	ip := "10.0.0.10"

	var err error
	for i := 0; i < 4; i++ {
		_, err = l.ProcessIncoming([]byte("abcd"), ip, "udp")
		if errors.Is(err, limiter.ErrRateLimited) {
			break
		}
		assert.ErrorIs(t, err, ErrDecrypt)
	}
	assert.ErrorIs(t, err, limiter.ErrRateLimited)
	assert.True(t, l.IsBanned(ip))
}

func TestLayerRateLimitingDisabled(t *testing.T) {
	l, _ := newTestLayer(t, func(c *config.Config) {
		c.Security.EnableRateLimiting = false
		c.Security.EnableEncryption = false
	})

	for i := 0; i < 100; i++ {
		_, err := l.ProcessIncoming([]byte("abcd"), "10.0.0.1", "udp")
		require.NoError(t, err)
	}
	assert.False(t, l.IsBanned("10.0.0.1"))
}

func TestLayerTokens(t *testing.T) {
	l, _ := newTestLayer(t, nil)

	tok, err := l.IssueToken("ABCD1234", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, l.VerifyToken(tok, "10.0.0.1"))

	owner, ok := l.TokenOwner(tok)
	require.True(t, ok)
	assert.Equal(t, "ABCD1234", owner)

	l.RevokeToken(tok)
	assert.False(t, l.VerifyToken(tok, "10.0.0.1"))
}
