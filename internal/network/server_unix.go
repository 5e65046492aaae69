//go:build !windows

package network

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cloudwego/netpoll"
	"github.com/rs/zerolog"

	"secure-relay/internal/config"
)

// Server 控制面 TCP 服务器 (Unix 版本，使用 netpoll)
type Server struct {
	config      *config.Config
	logger      zerolog.Logger
	eventLoop   netpoll.EventLoop
	listener    netpoll.Listener
	handler     ConnectionHandler
	admitter    Admitter
	connections *ConnectionManager
	running     atomic.Bool
	rejected    atomic.Int64
	ctx         context.Context
}

// NewServer 创建控制面服务器 (Unix 版本)
func NewServer(cfg *config.Config, logger zerolog.Logger, handler ConnectionHandler, admitter Admitter, ctx context.Context) (*Server, error) {
	server := &Server{
		config:      cfg,
		logger:      logger.With().Str("component", "tcp_server").Logger(),
		handler:     handler,
		admitter:    admitter,
		connections: NewConnectionManager(32),
		ctx:         ctx,
	}

	if cfg.Server.NumLoops > 0 {
		if err := netpoll.SetNumLoops(cfg.Server.NumLoops); err != nil {
			return nil, fmt.Errorf("设置事件循环数量失败: %w", err)
		}
	}

	listener, err := netpoll.CreateListener("tcp", cfg.GetTCPAddress())
	if err != nil {
		return nil, fmt.Errorf("创建监听器失败: %w", err)
	}
	server.listener = listener

	opts := []netpoll.Option{netpoll.WithOnPrepare(server.onPrepare)}
	if cfg.Server.ReadTimeout > 0 {
		opts = append(opts, netpoll.WithReadTimeout(cfg.Server.ReadTimeout))
	}
	if cfg.Server.IdleTimeout > 0 {
		opts = append(opts, netpoll.WithIdleTimeout(cfg.Server.IdleTimeout))
	}

	eventLoop, err := netpoll.NewEventLoop(server.onRequest, opts...)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("创建事件循环失败: %w", err)
	}
	server.eventLoop = eventLoop

	logger.Debug().Msg("控制面服务器创建成功 (Unix)")
	return server, nil
}

// Start 启动服务器，阻塞直到事件循环退出
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("服务器已经在运行")
	}

	s.logger.Info().
		Str("address", s.config.GetTCPAddress()).
		Int("max_connections_per_ip", s.config.Security.MaxConnectionsPerIP).
		Msg("启动控制面服务器 (Unix)")

	go s.lifecycleManager()

	return s.eventLoop.Serve(s.listener)
}

func (s *Server) lifecycleManager() {
	<-s.ctx.Done()

	s.logger.Info().Msg("收到关闭信号，开始停止控制面服务器")
	s.running.Store(false)

	closed := s.connections.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.eventLoop.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("停止事件循环失败")
		return
	}
	s.logger.Info().Int("closed_connections", closed).Msg("控制面服务器已停止")
}

// onPrepare 新连接：准入检查并登记
func (s *Server) onPrepare(connection netpoll.Connection) context.Context {
	ip, err := remoteIP(connection.RemoteAddr())
	if err != nil {
		s.logger.Error().Err(err).Msg("拒绝连接")
		connection.Close()
		return s.ctx
	}

	if err := s.admitter.AdmitConnection(ip); err != nil {
		s.rejected.Add(1)
		connection.Close()
		return s.ctx
	}

	conn := NewConnection(connection, ip, s.logger)
	connection.AddCloseCallback(func(netpoll.Connection) error {
		s.onConnectionClose(conn)
		return nil
	})
	s.connections.Store(conn)

	return withConnection(s.ctx, conn)
}

// onRequest 连接可读时调用，处理器在连接关闭前不返回
func (s *Server) onRequest(ctx context.Context, connection netpoll.Connection) error {
	conn, ok := connectionFrom(ctx)
	if !ok {
		connection.Close()
		return nil
	}

	if err := s.handler.HandleConnection(ctx, conn); err != nil {
		conn.Logger.Debug().Err(err).Msg("连接处理结束")
		connection.Close()
		return err
	}
	return nil
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
