package pool

import (
	"sync"
)

// BufferPool 定长读缓冲区池，用于 UDP 接收
type BufferPool struct {
	pool sync.Pool
	size int
}

// NewBufferPool 创建缓冲区池
func NewBufferPool(size int) *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		},
		size: size,
	}
}

// Get 获取长度为 size 的缓冲区
func (p *BufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put 归还缓冲区，容量不符的丢弃
func (p *BufferPool) Put(buf *[]byte) {
	if cap(*buf) != p.size {
		return
	}
	*buf = (*buf)[:p.size]
	p.pool.Put(buf)
}

// Size 缓冲区长度
func (p *BufferPool) Size() int {
	return p.size
}

// EncodePool 编码缓冲区池，用于拼装出站帧和数据报
type EncodePool struct {
	pool    sync.Pool
	maxKeep int
}

// NewEncodePool 创建编码缓冲区池，超过 maxKeep 容量的缓冲区不回收
func NewEncodePool(initial, maxKeep int) *EncodePool {
	return &EncodePool{
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, 0, initial)
				return &buf
			},
		},
		maxKeep: maxKeep,
	}
}

// Get 获取长度为 0 的缓冲区
func (p *EncodePool) Get() *[]byte {
	buf := p.pool.Get().(*[]byte)
	*buf = (*buf)[:0]
	return buf
}

// Put 归还缓冲区
func (p *EncodePool) Put(buf *[]byte) {
	if cap(*buf) <= p.maxKeep {
		p.pool.Put(buf)
	}
}
