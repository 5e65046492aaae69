package network

import (
	"sync"
	"sync/atomic"
)

// ConnectionManager 分片的活动连接表
type ConnectionManager struct {
	shards    []*connectionShard
	shardMask uint64
	count     atomic.Int64
}

type connectionShard struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewConnectionManager 创建连接管理器，分片数向上取整到 2 的幂
func NewConnectionManager(shardCount int) *ConnectionManager {
	if shardCount <= 0 {
		shardCount = 16
	}

	n := 1
	for n < shardCount {
		n <<= 1
	}

	shards := make([]*connectionShard, n)
	for i := range shards {
		shards[i] = &connectionShard{
			connections: make(map[string]*Connection),
		}
	}

	return &ConnectionManager{
		shards:    shards,
		shardMask: uint64(n - 1),
	}
}

func (cm *ConnectionManager) shard(connID string) *connectionShard {
	return cm.shards[fnv1a(connID)&cm.shardMask]
}

// Store 登记连接
func (cm *ConnectionManager) Store(conn *Connection) {
	s := cm.shard(conn.ID)
	s.mu.Lock()
	if _, exists := s.connections[conn.ID]; !exists {
		cm.count.Add(1)
	}
	s.connections[conn.ID] = conn
	s.mu.Unlock()
}

// Load 按 ID 查找连接
func (cm *ConnectionManager) Load(connID string) (*Connection, bool) {
	s := cm.shard(connID)
	s.mu.RLock()
	conn, ok := s.connections[connID]
	s.mu.RUnlock()
	return conn, ok
}

// Delete 移除连接
func (cm *ConnectionManager) Delete(connID string) {
	s := cm.shard(connID)
	s.mu.Lock()
	if _, exists := s.connections[connID]; exists {
		delete(s.connections, connID)
		cm.count.Add(-1)
	}
	s.mu.Unlock()
}

// Count 活动连接数
func (cm *ConnectionManager) Count() int64 {
	return cm.count.Load()
}

// Range 遍历所有连接，fn 返回 false 时停止
func (cm *ConnectionManager) Range(fn func(conn *Connection) bool) {
	for _, s := range cm.shards {
		s.mu.RLock()
		for _, conn := range s.connections {
			if !fn(conn) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// CloseAll 关闭所有连接，返回关闭数量
// 连接由各自的关闭回调从表中移除
func (cm *ConnectionManager) CloseAll() int {
	var conns []*Connection
	cm.Range(func(conn *Connection) bool {
		conns = append(conns, conn)
		return true
	})
	for _, conn := range conns {
		conn.Close()
	}
	return len(conns)
}

func fnv1a(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	hash := uint64(offset64)
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return hash
}
