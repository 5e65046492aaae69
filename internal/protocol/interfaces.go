package protocol

import "net"

// 传输标识，用于审计与指标
const (
	TransportTCP = "tcp"
	TransportUDP = "udp"
)

// Metrics 处理器上报的指标
type Metrics interface {
	PacketReceived(transport string)
	PacketDropped(transport, reason string)
	ControlMessage(kind string)
	DatagramsRelayed(n int)
	SessionOpened()
	SessionClosed()
}

// PacketWriter 数据报发送端
type PacketWriter interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// Disconnect 控制连接断开事件，数据面据此清理端点缓存
type Disconnect struct {
	OnlineIDs []string
}

type nopMetrics struct{}

func (nopMetrics) PacketReceived(string)         {}
func (nopMetrics) PacketDropped(string, string)  {}
func (nopMetrics) ControlMessage(string)         {}
func (nopMetrics) DatagramsRelayed(int)          {}
func (nopMetrics) SessionOpened()                {}
func (nopMetrics) SessionClosed()                {}
