package protocol

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"secure-relay/internal/security"
)

// ErrOnlineIDExhausted 多次重试仍然冲突
var ErrOnlineIDExhausted = errors.New("protocol: could not allocate a unique online id")

const maxAllocAttempts = 16

// KnownIDs 已被占用的在线 ID 集合
type KnownIDs interface {
	Known(oid string) bool
}

// OIDAllocator 分配进程内唯一的在线 ID
type OIDAllocator struct {
	known KnownIDs

	mu     sync.Mutex
	active map[string]struct{}
}

// NewOIDAllocator 创建分配器，known 用于排除房间中已使用的 ID
func NewOIDAllocator(known KnownIDs) *OIDAllocator {
	return &OIDAllocator{
		known:  known,
		active: make(map[string]struct{}),
	}
}

// Allocate 分配一个新的在线 ID
func (a *OIDAllocator) Allocate() (string, error) {
	for i := 0; i < maxAllocAttempts; i++ {
		oid, err := randomOnlineID()
		if err != nil {
			return "", err
		}

		a.mu.Lock()
		_, taken := a.active[oid]
		if !taken && (a.known == nil || !a.known.Known(oid)) {
			a.active[oid] = struct{}{}
			a.mu.Unlock()
			return oid, nil
		}
		a.mu.Unlock()
	}
	return "", ErrOnlineIDExhausted
}

// Release 连接断开后归还
func (a *OIDAllocator) Release(oid string) {
	a.mu.Lock()
	delete(a.active, oid)
	a.mu.Unlock()
}

// Count 已分配数量
func (a *OIDAllocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// randomOnlineID 8 位大写字母数字，拒绝采样避免取模偏差
func randomOnlineID() (string, error) {
	const alphabet = security.OnlineIDAlphabet
	const limit = 256 - 256%len(alphabet)

	out := make([]byte, 0, security.OnlineIDLength)
	var buf [16]byte
	for len(out) < security.OnlineIDLength {
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("生成在线 ID 失败: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == security.OnlineIDLength {
				break
			}
		}
	}
	return string(out), nil
}
