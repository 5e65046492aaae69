package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog"

	"secure-relay/internal/config"
	"secure-relay/internal/network"
	"secure-relay/internal/pool"
	"secure-relay/internal/room"
	"secure-relay/internal/security"
	"secure-relay/internal/wire"
)

// ControlHandler 控制面协议处理器，每个连接一个读循环
type ControlHandler struct {
	config      *config.Config
	logger      zerolog.Logger
	security    *security.Layer
	rooms       *room.Registry
	oids        *OIDAllocator
	metrics     Metrics
	frames      *pool.EncodePool
	disconnects chan<- Disconnect

	sessions          atomic.Int64
	droppedDisconnect atomic.Int64
}

// NewControlHandler 创建控制面处理器
// disconnects 可为 nil；非 nil 时每个断开的连接发送一个事件
func NewControlHandler(cfg *config.Config, logger zerolog.Logger, sec *security.Layer, rooms *room.Registry, metrics Metrics, disconnects chan<- Disconnect) *ControlHandler {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &ControlHandler{
		config:      cfg,
		logger:      logger.With().Str("component", "control_handler").Logger(),
		security:    sec,
		rooms:       rooms,
		oids:        NewOIDAllocator(rooms),
		metrics:     metrics,
		frames:      pool.NewEncodePool(512, 64*1024),
		disconnects: disconnects,
	}
}

// HandleConnection 读取并分发帧，直到连接关闭
func (h *ControlHandler) HandleConnection(ctx context.Context, conn *network.Connection) error {
	sess := newSession(conn, h.security, h.frames, h.config.Server.SendQueueSize)
	go sess.writeLoop()

	h.sessions.Add(1)
	h.metrics.SessionOpened()
	defer func() {
		h.disconnect(sess)
		h.sessions.Add(-1)
		h.metrics.SessionClosed()
	}()

	for {
		frame, err := wire.ReadFrame(conn, h.config.Security.MaxPacketSize)
		if err != nil {
			return h.readError(conn, err)
		}
		// 空帧同样计入限流，由 ProcessIncoming 拒绝
		h.metrics.PacketReceived(TransportTCP)

		payload, err := h.security.ProcessIncoming(frame, conn.RemoteIP, TransportTCP)
		if err != nil {
			h.metrics.PacketDropped(TransportTCP, dropReason(err))
			if errors.Is(err, security.ErrBanned) || errors.Is(err, security.ErrRateLimited) {
				conn.Logger.Warn().Err(err).Msg("触发限流，断开连接")
				return err
			}
			conn.Logger.Debug().Err(err).Msg("丢弃无效帧")
			continue
		}

		h.dispatch(sess, payload)

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (h *ControlHandler) readError(conn *network.Connection, err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return nil
	case errors.Is(err, wire.ErrFrameTooLarge):
		h.metrics.PacketDropped(TransportTCP, "oversized")
		conn.Logger.Warn().Err(err).Msg("帧长度超限，断开连接")
		return err
	default:
		conn.Logger.Debug().Err(err).Msg("读取失败")
		return nil
	}
}

func (h *ControlHandler) dispatch(sess *Session, payload []byte) {
	typ, body, err := wire.SplitPacket(payload)
	if err != nil {
		h.metrics.PacketDropped(TransportTCP, "malformed")
		return
	}
	h.metrics.ControlMessage(typ.String())

	switch typ {
	case wire.PacketConnect:
		h.handleConnect(sess)
	case wire.PacketHost:
		h.handleHost(sess, body)
	case wire.PacketJoin:
		h.handleJoin(sess, body)
	case wire.PacketPeerList:
		sess.logger.Debug().Msg("收到客户端 PeerList，忽略")
	case wire.PacketLeaveRoom:
		h.handleLeave(sess)
	case wire.PacketPromoteToHost:
		h.handlePromote(sess)
	default:
		h.metrics.PacketDropped(TransportTCP, "unknown_type")
		sess.logger.Debug().Stringer("type", typ).Msg("未知消息类型")
	}
}

func (h *ControlHandler) handleConnect(sess *Session) {
	if sess.onlineID != "" {
		sess.logger.Debug().Str("online_id", sess.onlineID).Msg("重复的 Connect，忽略")
		return
	}

	oid, err := h.oids.Allocate()
	if err != nil {
		sess.logger.Error().Err(err).Msg("分配在线 ID 失败")
		return
	}
	sess.onlineID = oid

	withToken := h.security.AuthEnabled()
	if withToken {
		token, err := h.security.IssueToken(oid, sess.conn.RemoteIP)
		if err != nil {
			sess.logger.Error().Err(err).Msg("签发令牌失败")
			return
		}
		sess.token = token
	}

	sess.Send(wire.EncodeConnectResponse(oid, sess.token, withToken))
	sess.logger.Debug().Str("online_id", oid).Bool("token", withToken).Msg("分配在线 ID")
}

// authorize 启用令牌强制校验时，请求的在线 ID 必须是本连接签发的且令牌有效
func (h *ControlHandler) authorize(sess *Session, oid string) bool {
	if !h.config.Security.EnforceTokens || !h.security.AuthEnabled() {
		return true
	}

	reason := ""
	switch {
	case sess.token == "":
		reason = "no_token"
	case !h.security.VerifyToken(sess.token, sess.conn.RemoteIP):
		reason = "token_invalid"
	case oid != sess.onlineID:
		reason = "online_id_mismatch"
	}
	if reason == "" {
		return true
	}

	h.metrics.PacketDropped(TransportTCP, "unauthorized")
	h.security.Audit().LogTokenRejected(sess.conn.RemoteIP, oid, reason)
	sess.logger.Warn().Str("requested", oid).Str("reason", reason).Msg("令牌校验失败，拒绝请求")
	return false
}

func (h *ControlHandler) validID(sess *Session, oid string) bool {
	if h.security.ValidateOnlineID(oid) {
		return true
	}
	h.metrics.PacketDropped(TransportTCP, "invalid_online_id")
	h.security.Audit().LogInvalidOnlineID(sess.conn.RemoteIP, TransportTCP, oid)
	sess.logger.Warn().Int("len", len(oid)).Msg("在线 ID 格式无效")
	return false
}

func (h *ControlHandler) handleHost(sess *Session, body []byte) {
	oid, err := wire.NewReader(body).String()
	if err != nil {
		h.metrics.PacketDropped(TransportTCP, "malformed")
		return
	}
	if !h.validID(sess, oid) || !h.authorize(sess, oid) {
		return
	}
	if cur := sess.Member(); cur != "" {
		sess.logger.Warn().Str("member", cur).Msg("连接已在房间中，忽略 Host")
		return
	}

	sess.setMember(oid)
	if err := h.rooms.Host(oid, sess); err != nil {
		sess.setMember("")
		sess.logger.Warn().Err(err).Str("room_id", oid).Msg("创建房间失败")
	}
}

func (h *ControlHandler) handleJoin(sess *Session, body []byte) {
	r := wire.NewReader(body)
	oid, err := r.String()
	if err != nil {
		h.metrics.PacketDropped(TransportTCP, "malformed")
		return
	}
	hostOid, err := r.String()
	if err != nil {
		h.metrics.PacketDropped(TransportTCP, "malformed")
		return
	}
	if !h.validID(sess, oid) || !h.validID(sess, hostOid) || !h.authorize(sess, oid) {
		return
	}
	if cur := sess.Member(); cur != "" {
		sess.logger.Warn().Str("member", cur).Msg("连接已在房间中，忽略 Join")
		return
	}

	sess.setMember(oid)
	if _, err := h.rooms.Join(oid, hostOid, sess); err != nil {
		sess.setMember("")
		// 房间不存在时不回复
		sess.logger.Debug().Err(err).Str("room_id", hostOid).Msg("加入房间失败")
	}
}

func (h *ControlHandler) handleLeave(sess *Session) {
	oid := sess.Member()
	if oid == "" {
		return
	}
	sess.setMember("")
	if err := h.rooms.LeaveMember(oid, sess); err != nil {
		sess.logger.Debug().Err(err).Msg("离开房间失败")
		return
	}
	sess.Send(wire.EncodeTag(wire.PacketLeaveRoom))
}

func (h *ControlHandler) handlePromote(sess *Session) {
	oid := sess.Member()
	ok := oid != "" && h.authorize(sess, oid)
	if ok {
		if err := h.rooms.Promote(oid); err != nil {
			sess.logger.Debug().Err(err).Msg("提升主机失败")
			ok = false
		}
	}
	sess.Send(wire.EncodePromoteResponse(ok))
}

// disconnect 断开等同于离开房间，并通知数据面清理端点
func (h *ControlHandler) disconnect(sess *Session) {
	// 只清理本会话仍持有的端点，同一 ID 已被新会话接管时保留
	var ids []string
	if oid := sess.Member(); oid != "" {
		sess.setMember("")
		err := h.rooms.LeaveMember(oid, sess)
		switch {
		case err == nil:
			ids = append(ids, oid)
		case !errors.Is(err, room.ErrNotInRoom):
			sess.logger.Warn().Err(err).Msg("断开时离开房间失败")
		}
	}
	if oid := sess.onlineID; oid != "" {
		h.oids.Release(oid)
		if _, inRoom := h.rooms.RoomOf(oid); !inRoom && (len(ids) == 0 || ids[0] != oid) {
			ids = append(ids, oid)
		}
	}
	if sess.token != "" {
		h.security.RevokeToken(sess.token)
	}
	sess.Close()

	if h.disconnects != nil && len(ids) > 0 {
		select {
		case h.disconnects <- Disconnect{OnlineIDs: ids}:
		default:
			h.droppedDisconnect.Add(1)
		}
	}
}

// SessionCount 活动会话数
func (h *ControlHandler) SessionCount() int64 {
	return h.sessions.Load()
}

// GetStats 获取统计信息
func (h *ControlHandler) GetStats() map[string]any {
	return map[string]any{
		"sessions":            h.sessions.Load(),
		"allocated_ids":       h.oids.Count(),
		"dropped_disconnects": h.droppedDisconnect.Load(),
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, security.ErrBanned):
		return "banned"
	case errors.Is(err, security.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, security.ErrGlobalLimit):
		return "global_limit"
	case errors.Is(err, security.ErrDecrypt):
		return "decrypt"
	case errors.Is(err, security.ErrPacketTooLarge):
		return "oversized"
	case errors.Is(err, security.ErrPacketTooSmall), errors.Is(err, security.ErrEmptyPacket):
		return "undersized"
	default:
		return "invalid"
	}
}
