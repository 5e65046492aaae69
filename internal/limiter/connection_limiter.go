package limiter

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrTooManyConnections 来源 IP 的并发控制连接数已达上限
var ErrTooManyConnections = errors.New("limiter: too many connections")

// ConnectionLimiter 限制每个 IP 的并发控制连接数
type ConnectionLimiter struct {
	maxPerIP int
	mu       sync.Mutex
	counts   map[string]int

	total    atomic.Int64
	rejected atomic.Int64
}

// NewConnectionLimiter 创建连接限制器
func NewConnectionLimiter(maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		maxPerIP: maxPerIP,
		counts:   make(map[string]int),
	}
}

// Acquire 为 ip 占用一个连接名额
func (c *ConnectionLimiter) Acquire(ip string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counts[ip] >= c.maxPerIP {
		c.rejected.Add(1)
		return ErrTooManyConnections
	}
	c.counts[ip]++
	c.total.Add(1)
	return nil
}

// Release 归还 ip 的连接名额，计数归零时删除条目
func (c *ConnectionLimiter) Release(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.counts[ip]
	if !ok {
		return
	}
	if n <= 1 {
		delete(c.counts, ip)
	} else {
		c.counts[ip] = n - 1
	}
	c.total.Add(-1)
}

// Count 返回 ip 当前的连接数
func (c *ConnectionLimiter) Count(ip string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[ip]
}

// GetStats 获取统计信息
func (c *ConnectionLimiter) GetStats() map[string]any {
	c.mu.Lock()
	ips := len(c.counts)
	c.mu.Unlock()

	return map[string]any{
		"active_connections": c.total.Load(),
		"active_ips":         ips,
		"rejected":           c.rejected.Load(),
		"max_per_ip":         c.maxPerIP,
	}
}
