package protocol

import (
	"sync"

	"github.com/rs/zerolog"

	"secure-relay/internal/network"
	"secure-relay/internal/pool"
	"secure-relay/internal/room"
	"secure-relay/internal/security"
	"secure-relay/internal/wire"
)

// Session 单个控制连接的状态与发送队列
// 出站消息经过队列串行写出，队列满时断开连接
type Session struct {
	conn     *network.Connection
	security *security.Layer
	frames   *pool.EncodePool
	logger   zerolog.Logger

	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// 以下字段只由连接处理 goroutine 访问
	onlineID string
	token    string

	mu     sync.Mutex
	member string // 所在房间使用的在线 ID
}

func newSession(conn *network.Connection, sec *security.Layer, frames *pool.EncodePool, queueSize int) *Session {
	return &Session{
		conn:     conn,
		security: sec,
		frames:   frames,
		logger:   conn.Logger,
		queue:    make(chan []byte, queueSize),
		done:     make(chan struct{}),
	}
}

// writeLoop 写协程，直到会话关闭
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.queue:
			if err := s.write(payload); err != nil {
				s.logger.Debug().Err(err).Msg("写入失败，关闭连接")
				s.Close()
				return
			}
		}
	}
}

func (s *Session) write(payload []byte) error {
	out, err := s.security.ProcessOutgoing(payload)
	if err != nil {
		return err
	}

	buf := s.frames.Get()
	defer s.frames.Put(buf)
	*buf = wire.AppendFrame(*buf, out)
	_, err = s.conn.Write(*buf)
	return err
}

// Send 非阻塞入队
func (s *Session) Send(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.queue <- payload:
		return true
	default:
		s.logger.Warn().Int("queue_size", cap(s.queue)).Msg("发送队列已满，断开慢速连接")
		s.Close()
		return false
	}
}

// Notify 实现 room.Member
func (s *Session) Notify(n room.Notification) {
	switch n.Kind {
	case room.NotifyHosted:
		s.Send(wire.EncodeTag(wire.PacketHost))
	case room.NotifyJoined:
		s.Send(wire.EncodeTag(wire.PacketJoin))
	case room.NotifyPeerList:
		s.Send(wire.EncodePeerList(toWirePeers(n.Peers)))
	case room.NotifyLeaveRoom:
		s.setMember("")
		s.Send(wire.EncodeTag(wire.PacketLeaveRoom))
	}
}

func toWirePeers(peers []room.Peer) []wire.Peer {
	out := make([]wire.Peer, len(peers))
	for i, p := range peers {
		out[i] = wire.Peer{OnlineID: p.OnlineID, NumericID: p.NumericID}
	}
	return out
}

func (s *Session) setMember(oid string) {
	s.mu.Lock()
	s.member = oid
	s.mu.Unlock()
}

// Member 当前所在房间使用的在线 ID，不在房间时为空
func (s *Session) Member() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.member
}

// Close 关闭会话和底层连接，可重复调用
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
