//go:build windows

package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"secure-relay/internal/config"
)

// Server 控制面 TCP 服务器 (Windows 版本，使用标准库 net)
type Server struct {
	config      *config.Config
	logger      zerolog.Logger
	listener    net.Listener
	handler     ConnectionHandler
	admitter    Admitter
	connections *ConnectionManager
	running     atomic.Bool
	rejected    atomic.Int64
	ctx         context.Context
}

// NewServer 创建控制面服务器 (Windows 版本)
func NewServer(cfg *config.Config, logger zerolog.Logger, handler ConnectionHandler, admitter Admitter, ctx context.Context) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.GetTCPAddress())
	if err != nil {
		return nil, fmt.Errorf("创建监听器失败: %w", err)
	}

	logger.Debug().Msg("控制面服务器创建成功 (Windows)")
	return &Server{
		config:      cfg,
		logger:      logger.With().Str("component", "tcp_server").Logger(),
		listener:    listener,
		handler:     handler,
		admitter:    admitter,
		connections: NewConnectionManager(32),
		ctx:         ctx,
	}, nil
}

// Start 启动服务器，阻塞直到监听器关闭
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("服务器已经在运行")
	}

	s.logger.Info().
		Str("address", s.config.GetTCPAddress()).
		Int("max_connections_per_ip", s.config.Security.MaxConnectionsPerIP).
		Msg("启动控制面服务器 (Windows)")

	go s.lifecycleManager()

	return s.acceptConnections()
}

func (s *Server) lifecycleManager() {
	<-s.ctx.Done()

	s.logger.Info().Msg("收到关闭信号，开始停止控制面服务器")
	s.running.Store(false)

	if err := s.listener.Close(); err != nil {
		s.logger.Error().Err(err).Msg("关闭监听器失败")
	}
	closed := s.connections.CloseAll()
	s.logger.Info().Int("closed_connections", closed).Msg("控制面服务器已停止")
}

func (s *Server) acceptConnections() error {
	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn().Err(err).Msg("接受连接失败，稍后重试")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		go s.handleConnection(conn)
	}
	return nil
}

func (s *Server) handleConnection(c net.Conn) {
	ip, err := remoteIP(c.RemoteAddr())
	if err != nil {
		s.logger.Error().Err(err).Msg("拒绝连接")
		c.Close()
		return
	}

	if err := s.admitter.AdmitConnection(ip); err != nil {
		s.rejected.Add(1)
		c.Close()
		return
	}

	conn := NewConnection(c, ip, s.logger)
	s.connections.Store(conn)
	defer s.onConnectionClose(conn)

	ctx := withConnection(s.ctx, conn)
	if err := s.handler.HandleConnection(ctx, conn); err != nil {
		conn.Logger.Debug().Err(err).Msg("连接处理结束")
	}
	conn.Close()
}

func (s *Server) onConnectionClose(conn *Connection) {
	s.admitter.ReleaseConnection(conn.RemoteIP)
	s.connections.Delete(conn.ID)

	conn.Logger.Debug().
		Dur("duration", time.Since(conn.StartTime)).
		Msg("连接关闭")
}

// ConnectionCount 活动连接数
func (s *Server) ConnectionCount() int64 {
	return s.connections.Count()
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() map[string]any {
	return map[string]any{
		"connection_count":    s.connections.Count(),
		"rejected_connection": s.rejected.Load(),
		"running":             s.running.Load(),
	}
}
