package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"secure-relay/internal/config"
	"secure-relay/internal/pool"
)

// DatagramHandler 数据报处理器
// data 在 HandleDatagram 返回后被回收，处理器不得保留
type DatagramHandler interface {
	HandleDatagram(data []byte, addr *net.UDPAddr)
}

// UDPServer 数据面 UDP 服务器，每个数据报由独立 goroutine 处理
type UDPServer struct {
	config   *config.Config
	logger   zerolog.Logger
	conn     *net.UDPConn
	buffers  *pool.BufferPool
	running  atomic.Bool
	inflight sync.WaitGroup
	ctx      context.Context

	received atomic.Int64
	sent     atomic.Int64
}

// NewUDPServer 绑定 UDP 端口
func NewUDPServer(cfg *config.Config, logger zerolog.Logger, ctx context.Context) (*UDPServer, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.GetUDPAddress())
	if err != nil {
		return nil, fmt.Errorf("解析 UDP 地址失败: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("创建 UDP 监听失败: %w", err)
	}

	return &UDPServer{
		config:  cfg,
		logger:  logger.With().Str("component", "udp_server").Logger(),
		conn:    conn,
		buffers: pool.NewBufferPool(cfg.Server.UDPBufferSize),
		ctx:     ctx,
	}, nil
}

// Serve 接收循环，阻塞直到 ctx 结束
func (s *UDPServer) Serve(handler DatagramHandler) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("UDP 服务器已经在运行")
	}

	s.logger.Info().
		Str("address", s.config.GetUDPAddress()).
		Int("buffer_size", s.buffers.Size()).
		Msg("启动数据面服务器")

	go func() {
		<-s.ctx.Done()
		s.running.Store(false)
		s.conn.Close()
	}()

	for {
		buf := s.buffers.Get()
		n, addr, err := s.conn.ReadFromUDP(*buf)
		if err != nil {
			s.buffers.Put(buf)
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn().Err(err).Msg("读取数据报失败")
			continue
		}
		s.received.Add(1)

		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			defer s.buffers.Put(buf)
			handler.HandleDatagram((*buf)[:n], addr)
		}()
	}

	s.inflight.Wait()
	s.logger.Info().Msg("数据面服务器已停止")
	return nil
}

// WriteToUDP 发送数据报
func (s *UDPServer) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	n, err := s.conn.WriteToUDP(b, addr)
	if err == nil {
		s.sent.Add(1)
	}
	return n, err
}

// LocalAddr 实际绑定的地址
func (s *UDPServer) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// GetStats 获取统计信息
func (s *UDPServer) GetStats() map[string]any {
	return map[string]any{
		"received": s.received.Load(),
		"sent":     s.sent.Load(),
		"running":  s.running.Load(),
	}
}
