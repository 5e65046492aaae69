// Package room 房间注册表与主机迁移状态机
//
// 锁顺序：先房间锁，再注册表锁。注册表锁只保护 rooms 与 index 两个映射，
// 持有时间很短；成员、编号分配和迁移状态全部由房间锁保护。
package room

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	ErrRoomNotFound  = errors.New("room: room not found")
	ErrRoomExists    = errors.New("room: room already exists")
	ErrAlreadyInRoom = errors.New("room: online id already in a room")
	ErrNotInRoom     = errors.New("room: online id not in a room")
	ErrNotMigrating  = errors.New("room: room is not migrating")
	ErrNotMember     = errors.New("room: online id is not a member")
)

// HostNumericID 主机的数字 ID
const HostNumericID uint32 = 1

// State 迁移状态
type State int

const (
	Stable State = iota
	Migrating
)

func (s State) String() string {
	if s == Migrating {
		return "migrating"
	}
	return "stable"
}

// Peer 房间成员及其数字 ID
type Peer struct {
	OnlineID  string `json:"online_id"`
	NumericID uint32 `json:"numeric_id"`
}

// NotificationKind 推送给成员的通知类型
type NotificationKind int

const (
	// NotifyHosted 创建房间成功
	NotifyHosted NotificationKind = iota
	// NotifyJoined 加入房间成功
	NotifyJoined
	// NotifyPeerList 成员列表更新
	NotifyPeerList
	// NotifyLeaveRoom 房间关闭，成员被移出
	NotifyLeaveRoom
)

// Notification 推送给成员的通知
type Notification struct {
	Kind   NotificationKind
	RoomID string
	Peers  []Peer
}

// Member 房间成员的连接句柄
// Notify 在房间锁内调用，必须非阻塞且不能回调注册表
type Member interface {
	Notify(n Notification)
}

// EventKind 注册表对外事件类型
type EventKind int

const (
	// RoomClosed 房间已关闭
	RoomClosed EventKind = iota
)

// 关闭原因
const (
	ReasonMigrationTimeout = "migration_timeout"
	ReasonEmpty            = "empty"
)

// Event 注册表对外事件
type Event struct {
	Kind   EventKind
	RoomID string
	Reason string
	At     time.Time
}

// Room 单个会话的权威状态
type Room struct {
	id string
	mu sync.Mutex

	host       string // 当前主机，迁移中为空
	formerHost string // 迁移中离开的主机
	assigned   map[string]uint32
	nextNID    uint32
	members    map[string]Member

	state          State
	migratingSince time.Time
	generation     uint64
	timer          *clock.Timer
	closed         bool
}

func newRoom(id string, host Member) *Room {
	return &Room{
		id:       id,
		host:     id,
		assigned: map[string]uint32{id: HostNumericID},
		nextNID:  HostNumericID + 1,
		members:  map[string]Member{id: host},
	}
}

// assign 返回 oid 的数字 ID，首次出现时分配新编号
func (r *Room) assign(oid string) uint32 {
	if nid, ok := r.assigned[oid]; ok {
		return nid
	}
	nid := r.nextNID
	r.nextNID++
	r.assigned[oid] = nid
	return nid
}

// peers 按数字 ID 排序的在线成员
func (r *Room) peers() []Peer {
	out := make([]Peer, 0, len(r.members))
	for oid := range r.members {
		out = append(out, Peer{OnlineID: oid, NumericID: r.assigned[oid]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NumericID < out[j].NumericID })
	return out
}

func (r *Room) broadcastPeers() {
	n := Notification{Kind: NotifyPeerList, RoomID: r.id, Peers: r.peers()}
	for _, m := range r.members {
		m.Notify(n)
	}
}

func (r *Room) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// reclaim 迁移中原主机重新回到房间
func (r *Room) reclaim(oid string, m Member) {
	r.members[oid] = m
	r.assigned[oid] = HostNumericID
	r.host = oid
	r.formerHost = ""
	r.state = Stable
	r.migratingSince = time.Time{}
	r.generation++
	r.stopTimer()
}

// Info 房间快照
type Info struct {
	ID             string    `json:"id"`
	Host           string    `json:"host"`
	State          string    `json:"state"`
	Peers          []Peer    `json:"peers"`
	MigratingSince time.Time `json:"migrating_since,omitempty"`
}

func (r *Room) info() Info {
	return Info{
		ID:             r.id,
		Host:           r.host,
		State:          r.state.String(),
		Peers:          r.peers(),
		MigratingSince: r.migratingSince,
	}
}
