package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Token 已签发的认证令牌
type Token struct {
	Value     string
	OnlineID  string
	IP        string
	ExpiresAt time.Time
}

// AuthManager 签发、校验和回收认证令牌
type AuthManager struct {
	logger     zerolog.Logger
	clock      clock.Clock
	expiration time.Duration

	mu     sync.Mutex
	tokens map[string]Token
}

// NewAuthManager 创建令牌管理器
func NewAuthManager(expiration time.Duration, clk clock.Clock, logger zerolog.Logger) *AuthManager {
	return &AuthManager{
		logger:     logger.With().Str("component", "auth").Logger(),
		clock:      clk,
		expiration: expiration,
		tokens:     make(map[string]Token),
	}
}

// Issue 为 onlineID 签发绑定 ip 的令牌（32 字节随机数的 base64）
func (am *AuthManager) Issue(onlineID, ip string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("生成令牌失败: %w", err)
	}
	value := base64.StdEncoding.EncodeToString(raw)

	am.mu.Lock()
	am.tokens[value] = Token{
		Value:     value,
		OnlineID:  onlineID,
		IP:        ip,
		ExpiresAt: am.clock.Now().Add(am.expiration),
	}
	am.mu.Unlock()

	am.logger.Debug().
		Str("online_id", onlineID).
		Str("ip", ip).
		Msg("签发令牌")
	return value, nil
}

// Lookup 返回未过期的令牌，过期条目在查询时删除
func (am *AuthManager) Lookup(value string) (Token, bool) {
	am.mu.Lock()
	defer am.mu.Unlock()

	tok, ok := am.tokens[value]
	if !ok {
		return Token{}, false
	}
	if !am.clock.Now().Before(tok.ExpiresAt) {
		delete(am.tokens, value)
		return Token{}, false
	}
	return tok, true
}

// Verify 令牌存在、未过期且签发给同一 ip
func (am *AuthManager) Verify(value, ip string) bool {
	tok, ok := am.Lookup(value)
	return ok && tok.IP == ip
}

// Revoke 回收令牌
func (am *AuthManager) Revoke(value string) {
	am.mu.Lock()
	delete(am.tokens, value)
	am.mu.Unlock()
}

// Sweep 删除所有过期令牌，返回删除数量
func (am *AuthManager) Sweep() int {
	now := am.clock.Now()

	am.mu.Lock()
	removed := 0
	for value, tok := range am.tokens {
		if !now.Before(tok.ExpiresAt) {
			delete(am.tokens, value)
			removed++
		}
	}
	am.mu.Unlock()

	if removed > 0 {
		am.logger.Info().Int("count", removed).Msg("清理过期令牌")
	}
	return removed
}

// Count 当前令牌数
func (am *AuthManager) Count() int {
	am.mu.Lock()
	defer am.mu.Unlock()
	return len(am.tokens)
}

// Run 按 interval 周期清理，直到 ctx 结束
func (am *AuthManager) Run(ctx context.Context, interval time.Duration) {
	ticker := am.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.Sweep()
		}
	}
}
