package wire

import "fmt"

// PacketType 控制面消息类型
type PacketType uint32

const (
	PacketConnect PacketType = iota
	PacketHost
	PacketJoin
	PacketPeerList
	PacketLeaveRoom
	PacketPromoteToHost
)

var packetNames = [...]string{"connect", "host", "join", "peer_list", "leave_room", "promote_to_host"}

func (t PacketType) String() string {
	if int(t) < len(packetNames) {
		return packetNames[t]
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// 数据面保留目标
const (
	TargetBroadcast = "0"
	TargetServer    = "SERVER"

	UDPConnect         = "UDP_CONNECT"
	UDPConnectResponse = "UDP_CONNECT_RES"
)

// Peer 房间成员及其数字 ID
type Peer struct {
	OnlineID  string
	NumericID uint32
}

// SplitPacket 拆分控制消息的类型标签和消息体
func SplitPacket(payload []byte) (PacketType, []byte, error) {
	if len(payload) < 4 {
		return 0, nil, ErrShortBuffer
	}
	return PacketType(UnpackU32(payload, 0)), payload[4:], nil
}

// EncodeTag 只含类型标签的消息（Host/Join 确认、LeaveRoom）
func EncodeTag(t PacketType) []byte {
	return PackU32(uint32(t))
}

// EncodeConnectResponse Connect 响应，withToken 为 false 时不带令牌字段
func EncodeConnectResponse(onlineID, token string, withToken bool) []byte {
	buf := make([]byte, 0, 16+len(onlineID)+len(token))
	buf = AppendU32(buf, uint32(PacketConnect))
	buf = AppendString(buf, onlineID)
	if withToken {
		buf = AppendString(buf, token)
	}
	return buf
}

// DecodeConnectResponse 解析 Connect 响应体（不含类型标签）
func DecodeConnectResponse(body []byte) (onlineID, token string, err error) {
	r := NewReader(body)
	if onlineID, err = r.String(); err != nil {
		return "", "", err
	}
	if r.Len() == 0 {
		return onlineID, "", nil
	}
	if token, err = r.String(); err != nil {
		return "", "", err
	}
	return onlineID, token, nil
}

// EncodeHostRequest Host 请求
func EncodeHostRequest(onlineID string) []byte {
	return AppendString(EncodeTag(PacketHost), onlineID)
}

// EncodeJoinRequest Join 请求
func EncodeJoinRequest(onlineID, hostOnlineID string) []byte {
	buf := AppendString(EncodeTag(PacketJoin), onlineID)
	return AppendString(buf, hostOnlineID)
}

// EncodePeerList 推送给房间成员的列表
func EncodePeerList(peers []Peer) []byte {
	size := 8
	for _, p := range peers {
		size += 8 + len(p.OnlineID)
	}
	buf := make([]byte, 0, size)
	buf = AppendU32(buf, uint32(PacketPeerList))
	buf = AppendU32(buf, uint32(len(peers)))
	for _, p := range peers {
		buf = AppendString(buf, p.OnlineID)
		buf = AppendU32(buf, p.NumericID)
	}
	return buf
}

// DecodePeerList 解析成员列表消息体（不含类型标签）
func DecodePeerList(body []byte) ([]Peer, error) {
	r := NewReader(body)
	count, err := r.U32()
	if err != nil {
		return nil, err
	}
	// 每个成员至少 8 字节
	if uint64(count)*8 > uint64(r.Len()) {
		return nil, ErrShortBuffer
	}
	peers := make([]Peer, 0, count)
	for i := uint32(0); i < count; i++ {
		oid, err := r.String()
		if err != nil {
			return nil, err
		}
		nid, err := r.U32()
		if err != nil {
			return nil, err
		}
		peers = append(peers, Peer{OnlineID: oid, NumericID: nid})
	}
	return peers, nil
}

// EncodePromoteResponse PromoteToHost 响应：类型标签加一个状态字节
func EncodePromoteResponse(ok bool) []byte {
	buf := EncodeTag(PacketPromoteToHost)
	if ok {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// Datagram 数据面报文
type Datagram struct {
	Sender  string
	Target  string
	Payload []byte
}

// AppendDatagram 追加编码后的数据报
func AppendDatagram(dst []byte, sender, target string, payload []byte) []byte {
	dst = AppendString(dst, sender)
	dst = AppendString(dst, target)
	return append(dst, payload...)
}

// EncodeDatagram 编码数据报
func EncodeDatagram(sender, target string, payload []byte) []byte {
	return AppendDatagram(make([]byte, 0, 8+len(sender)+len(target)+len(payload)), sender, target, payload)
}

// DecodeDatagram 解析数据报，Payload 引用输入切片
func DecodeDatagram(b []byte) (Datagram, error) {
	r := NewReader(b)
	sender, err := r.String()
	if err != nil {
		return Datagram{}, err
	}
	target, err := r.String()
	if err != nil {
		return Datagram{}, err
	}
	return Datagram{Sender: sender, Target: target, Payload: r.Rest()}, nil
}
