package protocol

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"secure-relay/internal/config"
	"secure-relay/internal/logger"
	"secure-relay/internal/pool"
	"secure-relay/internal/room"
	"secure-relay/internal/security"
	"secure-relay/internal/wire"
)

// RelayHandler 数据面中继：学习发送者端点，按房间广播或单播
type RelayHandler struct {
	config    *config.Config
	logger    zerolog.Logger
	throttled *logger.RateLimitedLogger
	security  *security.Layer
	rooms     *room.Registry
	writer    PacketWriter
	metrics   Metrics
	encode    *pool.EncodePool
	endpoints *expirable.LRU[string, *net.UDPAddr]

	relayed    atomic.Int64
	dropped    atomic.Int64
	rendezvous atomic.Int64
}

// NewRelayHandler 创建数据面处理器
func NewRelayHandler(cfg *config.Config, log zerolog.Logger, sec *security.Layer, rooms *room.Registry, writer PacketWriter, metrics Metrics) *RelayHandler {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	l := log.With().Str("component", "relay_handler").Logger()
	return &RelayHandler{
		config:    cfg,
		logger:    l,
		throttled: logger.NewRateLimitedLogger(l, 10*time.Second),
		security:  sec,
		rooms:     rooms,
		writer:    writer,
		metrics:   metrics,
		encode:    pool.NewEncodePool(2048, 2*cfg.Server.UDPBufferSize),
		endpoints: expirable.NewLRU[string, *net.UDPAddr](cfg.Server.EndpointCache, nil, cfg.Server.EndpointTTL),
	}
}

// HandleDatagram 处理一个入站数据报，所有失败都静默丢弃
func (h *RelayHandler) HandleDatagram(data []byte, addr *net.UDPAddr) {
	ip := addr.IP.String()
	h.metrics.PacketReceived(TransportUDP)

	if h.security.IsBanned(ip) {
		h.drop("banned")
		return
	}

	plain, err := h.security.ProcessIncoming(data, ip, TransportUDP)
	if err != nil {
		h.drop(dropReason(err))
		h.throttled.Debug("udp_reject").Err(err).Str("ip", ip).Msg("拒绝数据报")
		return
	}

	dg, err := wire.DecodeDatagram(plain)
	if err != nil {
		h.drop("malformed")
		return
	}

	if !h.security.ValidateOnlineID(dg.Sender) {
		h.drop("invalid_online_id")
		h.security.Audit().LogInvalidOnlineID(ip, TransportUDP, dg.Sender)
		h.throttled.Warn("udp_invalid_sender").Str("ip", ip).Msg("发送者 ID 格式无效")
		return
	}
	h.endpoints.Add(dg.Sender, addr)

	switch dg.Target {
	case wire.TargetServer:
		h.handleRendezvous(dg, addr)
	case wire.TargetBroadcast:
		h.broadcast(dg)
	default:
		if !h.security.ValidateOnlineID(dg.Target) {
			h.drop("invalid_online_id")
			return
		}
		h.unicast(dg)
	}
}

// handleRendezvous 打洞探测，不涉及房间状态
func (h *RelayHandler) handleRendezvous(dg wire.Datagram, addr *net.UDPAddr) {
	if string(dg.Payload) != wire.UDPConnect {
		h.drop("unknown_server_request")
		return
	}
	h.rendezvous.Add(1)
	if h.send(wire.TargetServer, dg.Sender, []byte(wire.UDPConnectResponse), addr) {
		h.throttled.Debug("udp_rendezvous").Str("online_id", dg.Sender).Msg("UDP 打洞确认")
	}
}

func (h *RelayHandler) broadcast(dg wire.Datagram) {
	_, members, ok := h.rooms.Members(dg.Sender)
	if !ok {
		h.drop("not_in_room")
		return
	}

	sent := 0
	for _, oid := range members {
		if oid == dg.Sender {
			continue
		}
		addr, ok := h.endpoints.Get(oid)
		if !ok {
			continue
		}
		if h.send(dg.Sender, oid, dg.Payload, addr) {
			sent++
		}
	}
	h.relayed.Add(int64(sent))
	h.metrics.DatagramsRelayed(sent)
}

func (h *RelayHandler) unicast(dg wire.Datagram) {
	if dg.Target == dg.Sender || !h.rooms.SameRoom(dg.Sender, dg.Target) {
		h.drop("not_same_room")
		return
	}
	addr, ok := h.endpoints.Get(dg.Target)
	if !ok {
		h.drop("unknown_endpoint")
		return
	}
	if h.send(dg.Sender, dg.Target, dg.Payload, addr) {
		h.relayed.Add(1)
		h.metrics.DatagramsRelayed(1)
	}
}

// send 以接收者为目标重新编码并发送
func (h *RelayHandler) send(sender, target string, payload []byte, addr *net.UDPAddr) bool {
	buf := h.encode.Get()
	defer h.encode.Put(buf)
	*buf = wire.AppendDatagram(*buf, sender, target, payload)

	out, err := h.security.ProcessOutgoing(*buf)
	if err != nil {
		h.throttled.Error().Err(err).Msg("加密数据报失败")
		return false
	}
	if _, err := h.writer.WriteToUDP(out, addr); err != nil {
		h.throttled.Warn("udp_write").Err(err).Str("addr", addr.String()).Msg("发送数据报失败")
		return false
	}
	return true
}

func (h *RelayHandler) drop(reason string) {
	h.dropped.Add(1)
	h.metrics.PacketDropped(TransportUDP, reason)
}

// Forget 移除在线 ID 的端点
func (h *RelayHandler) Forget(oids ...string) {
	for _, oid := range oids {
		h.endpoints.Remove(oid)
	}
}

// Endpoint 查询在线 ID 的端点
func (h *RelayHandler) Endpoint(oid string) (*net.UDPAddr, bool) {
	return h.endpoints.Get(oid)
}

// EndpointCount 缓存中的端点数
func (h *RelayHandler) EndpointCount() int {
	return h.endpoints.Len()
}

// ConsumeDisconnects 消费控制面断开事件，直到 ctx 结束
func (h *RelayHandler) ConsumeDisconnects(ctx context.Context, events <-chan Disconnect) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			h.Forget(ev.OnlineIDs...)
		}
	}
}

// GetStats 获取统计信息
func (h *RelayHandler) GetStats() map[string]any {
	return map[string]any{
		"endpoints":  h.EndpointCount(),
		"relayed":    h.relayed.Load(),
		"dropped":    h.dropped.Load(),
		"rendezvous": h.rendezvous.Load(),
	}
}
