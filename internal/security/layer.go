// Package security 控制面与数据面共用的安全层：加解密、限流封禁、连接准入、
// 在线 ID 校验和令牌签发
package security

import (
	"context"
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"secure-relay/internal/config"
	"secure-relay/internal/limiter"
	"secure-relay/internal/logger"
)

var (
	ErrInvalidKey     = errors.New("security: invalid master key")
	ErrDecrypt        = errors.New("security: decrypt failed")
	ErrEmptyPacket    = errors.New("security: empty packet")
	ErrPacketTooLarge = errors.New("security: packet too large")
	ErrPacketTooSmall = errors.New("security: packet too small")
	ErrBanned         = limiter.ErrBanned
	ErrRateLimited    = limiter.ErrRateLimited
	ErrGlobalLimit    = limiter.ErrGlobalLimit
)

// Layer 安全层门面，由控制面和数据面处理器共享
type Layer struct {
	config  *config.Config
	logger  zerolog.Logger
	cipher  *Cipher
	limiter *limiter.RateLimiter
	conns   *limiter.ConnectionLimiter
	auth    *AuthManager
	audit   *logger.AuditLogger
}

// NewLayer 创建安全层；启用加密时 key 必须为 32 字节
func NewLayer(cfg *config.Config, key []byte, clk clock.Clock, log zerolog.Logger, audit *logger.AuditLogger) (*Layer, error) {
	l := &Layer{
		config:  cfg,
		logger:  log.With().Str("component", "security").Logger(),
		limiter: limiter.NewRateLimiter(cfg, log, clk),
		conns:   limiter.NewConnectionLimiter(cfg.Security.MaxConnectionsPerIP),
		auth:    NewAuthManager(cfg.Security.TokenExpiration, clk, log),
		audit:   audit,
	}
	if l.audit == nil {
		l.audit = logger.DisabledAuditLogger()
	}

	if cfg.Security.EnableEncryption || key != nil {
		c, err := NewCipher(key)
		if err != nil {
			return nil, err
		}
		l.cipher = c
	}
	return l, nil
}

// Run 运行限流清理和令牌清理，直到 ctx 结束
func (l *Layer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.limiter.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		l.auth.Run(ctx, l.config.Security.TokenSweepInterval)
	}()
	wg.Wait()
}

// AdmitConnection 控制连接准入：先占用连接名额，再检查封禁
// 被拒绝时不占用名额
func (l *Layer) AdmitConnection(ip string) error {
	if err := l.conns.Acquire(ip); err != nil {
		l.logger.Warn().Str("ip", ip).Msg("连接数达到上限，拒绝连接")
		l.audit.LogConnectionRejected(ip, "connection_limit")
		return err
	}
	if l.IsBanned(ip) {
		l.conns.Release(ip)
		l.logger.Warn().Str("ip", ip).Msg("IP 已被封禁，拒绝连接")
		l.audit.LogConnectionRejected(ip, "banned")
		return ErrBanned
	}
	return nil
}

// ReleaseConnection 归还连接名额
func (l *Layer) ReleaseConnection(ip string) {
	l.conns.Release(ip)
}

// IsBanned 未启用限流时总是 false
func (l *Layer) IsBanned(ip string) bool {
	if !l.config.Security.EnableRateLimiting {
		return false
	}
	return l.limiter.IsBanned(ip)
}

// AllowPacket 对 ip 计数一个包
func (l *Layer) AllowPacket(ip string) error {
	if !l.config.Security.EnableRateLimiting {
		return nil
	}
	err := l.limiter.Allow(ip)
	var ban *limiter.BanError
	if errors.As(err, &ban) {
		l.audit.LogBan(ip, ban.Duration, ban.Violations, ban.PeakRate)
	}
	return err
}

// ValidatePacket 原始包大小校验
func (l *Layer) ValidatePacket(data []byte) error {
	return ValidatePacket(data, l.config.Security.MaxPacketSize)
}

// ValidateOnlineID 在线 ID 格式校验
func (l *Layer) ValidateOnlineID(s string) bool {
	return ValidateOnlineID(s)
}

// Encrypt 加密
func (l *Layer) Encrypt(data []byte) ([]byte, error) {
	if l.cipher == nil {
		return nil, ErrInvalidKey
	}
	return l.cipher.Encrypt(data)
}

// Decrypt 解密，失败返回 ErrDecrypt
func (l *Layer) Decrypt(data []byte) ([]byte, error) {
	if l.cipher == nil {
		return nil, ErrInvalidKey
	}
	return l.cipher.Decrypt(data)
}

// IssueToken 签发令牌
func (l *Layer) IssueToken(onlineID, ip string) (string, error) {
	return l.auth.Issue(onlineID, ip)
}

// VerifyToken 校验令牌
func (l *Layer) VerifyToken(token, ip string) bool {
	return l.auth.Verify(token, ip)
}

// TokenOwner 返回令牌签发给的在线 ID
func (l *Layer) TokenOwner(token string) (string, bool) {
	tok, ok := l.auth.Lookup(token)
	return tok.OnlineID, ok
}

// RevokeToken 回收令牌
func (l *Layer) RevokeToken(token string) {
	l.auth.Revoke(token)
}

// ProcessIncoming 入站处理：限流 -> 大小校验 -> 解密
// transport 仅用于审计记录（tcp/udp）
func (l *Layer) ProcessIncoming(data []byte, ip, transport string) ([]byte, error) {
	if err := l.AllowPacket(ip); err != nil {
		return nil, err
	}
	if err := l.ValidatePacket(data); err != nil {
		return nil, err
	}
	if !l.config.Security.EnableEncryption {
		return data, nil
	}

	plain, err := l.Decrypt(data)
	if err != nil {
		l.audit.LogDecryptFailure(ip, transport)
		return nil, err
	}
	return plain, nil
}

// ProcessOutgoing 出站处理：启用加密时加密
func (l *Layer) ProcessOutgoing(data []byte) ([]byte, error) {
	if !l.config.Security.EnableEncryption {
		return data, nil
	}
	return l.Encrypt(data)
}

// AuthEnabled 是否在 Connect 时签发令牌
func (l *Layer) AuthEnabled() bool {
	return l.config.Security.EnableAuthentication
}

// Audit 审计日志
func (l *Layer) Audit() *logger.AuditLogger {
	return l.audit
}

// RateLimiter 底层限流器
func (l *Layer) RateLimiter() *limiter.RateLimiter {
	return l.limiter
}

// GetStats 获取统计信息
func (l *Layer) GetStats() map[string]any {
	return map[string]any{
		"encryption":     l.config.Security.EnableEncryption,
		"authentication": l.config.Security.EnableAuthentication,
		"rate_limiting":  l.config.Security.EnableRateLimiting,
		"enforce_tokens": l.config.Security.EnforceTokens,
		"active_tokens":  l.auth.Count(),
		"rate_limiter":   l.limiter.GetStats(),
		"connections":    l.conns.GetStats(),
	}
}
