package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ConnectionHandler 连接处理器接口
type ConnectionHandler interface {
	HandleConnection(ctx context.Context, conn *Connection) error
}

// Admitter 连接准入控制
type Admitter interface {
	AdmitConnection(ip string) error
	ReleaseConnection(ip string)
}

// Connection 控制连接包装器
type Connection struct {
	net.Conn
	ID        string
	RemoteIP  string
	StartTime time.Time
	Logger    zerolog.Logger
}

// NewConnection 包装一个已建立的连接
func NewConnection(c net.Conn, remoteIP string, logger zerolog.Logger) *Connection {
	id := uuid.NewString()
	return &Connection{
		Conn:      c,
		ID:        id,
		RemoteIP:  remoteIP,
		StartTime: time.Now(),
		Logger: logger.With().
			Str("conn_id", id).
			Str("remote_ip", remoteIP).
			Logger(),
	}
}

type connKey struct{}

func withConnection(ctx context.Context, conn *Connection) context.Context {
	return context.WithValue(ctx, connKey{}, conn)
}

func connectionFrom(ctx context.Context) (*Connection, bool) {
	conn, ok := ctx.Value(connKey{}).(*Connection)
	return conn, ok
}

// remoteIP 取地址中的 IP 部分
func remoteIP(addr net.Addr) (string, error) {
	if addr == nil {
		return "", fmt.Errorf("远程地址为空")
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", fmt.Errorf("解析远程地址失败: %w", err)
	}
	return host, nil
}
