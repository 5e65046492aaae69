package room

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"secure-relay/internal/config"
)

// Registry 房间注册表：room id -> Room，online id -> room id
type Registry struct {
	logger  zerolog.Logger
	clock   clock.Clock
	timeout time.Duration

	mu    sync.RWMutex
	rooms map[string]*Room
	index map[string]string

	events        chan Event
	droppedEvents atomic.Int64
	closedRooms   atomic.Int64
	migrations    atomic.Int64
}

// NewRegistry 创建房间注册表
func NewRegistry(cfg config.RoomConfig, clk clock.Clock, logger zerolog.Logger) *Registry {
	return &Registry{
		logger:  logger.With().Str("component", "rooms").Logger(),
		clock:   clk,
		timeout: cfg.MigrationTimeout,
		rooms:   make(map[string]*Room),
		index:   make(map[string]string),
		events:  make(chan Event, max(cfg.EventBuffer, 1)),
	}
}

// Events 房间关闭事件
func (r *Registry) Events() <-chan Event {
	return r.events
}

func (r *Registry) lookup(roomID string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

func (r *Registry) roomOf(oid string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.index[oid]
	if !ok {
		return nil
	}
	return r.rooms[id]
}

// Host 以 oid 为 id 创建房间，oid 获得数字 ID 1
// 若该房间正在迁移且 oid 是离开的主机，则收回主机身份并取消迁移
func (r *Registry) Host(oid string, m Member) error {
	if existing := r.lookup(oid); existing != nil {
		return r.reclaim(existing, oid, m, NotifyHosted)
	}

	r.mu.Lock()
	if _, ok := r.index[oid]; ok {
		r.mu.Unlock()
		return ErrAlreadyInRoom
	}
	if _, ok := r.rooms[oid]; ok {
		r.mu.Unlock()
		return ErrRoomExists
	}
	rm := newRoom(oid, m)
	// 新房间在发布前先加锁，保证首个通知先于其他成员的操作
	rm.mu.Lock()
	r.rooms[oid] = rm
	r.index[oid] = oid
	r.mu.Unlock()
	defer rm.mu.Unlock()

	m.Notify(Notification{Kind: NotifyHosted, RoomID: oid})
	rm.broadcastPeers()

	r.logger.Info().Str("room_id", oid).Msg("创建房间")
	return nil
}

// reclaim 对已存在的同名房间执行 Host：仅迁移中的原主机可收回
func (r *Registry) reclaim(rm *Room, oid string, m Member, kind NotificationKind) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.closed {
		return ErrRoomNotFound
	}
	if rm.state != Migrating || rm.formerHost != oid {
		return ErrRoomExists
	}
	if err := r.claimIndex(oid, rm.id); err != nil {
		return err
	}

	rm.reclaim(oid, m)
	m.Notify(Notification{Kind: kind, RoomID: rm.id})
	rm.broadcastPeers()

	r.logger.Info().Str("room_id", rm.id).Str("online_id", oid).Msg("原主机重新连接，取消迁移")
	return nil
}

// claimIndex 登记 oid 所属房间；oid 已在其他房间时失败
func (r *Registry) claimIndex(oid, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.index[oid]; ok && cur != roomID {
		return ErrAlreadyInRoom
	}
	r.index[oid] = roomID
	return nil
}

// Join 将 oid 加入 hostOid 的房间，返回分配的数字 ID
// 重复加入返回原有编号
func (r *Registry) Join(oid, hostOid string, m Member) (uint32, error) {
	rm := r.lookup(hostOid)
	if rm == nil {
		return 0, ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.closed {
		return 0, ErrRoomNotFound
	}
	if rm.state == Migrating && rm.formerHost == oid {
		if err := r.claimIndex(oid, rm.id); err != nil {
			return 0, err
		}
		rm.reclaim(oid, m)
		m.Notify(Notification{Kind: NotifyJoined, RoomID: rm.id})
		rm.broadcastPeers()
		r.logger.Info().Str("room_id", rm.id).Str("online_id", oid).Msg("原主机重新加入，取消迁移")
		return HostNumericID, nil
	}
	if err := r.claimIndex(oid, rm.id); err != nil {
		return 0, err
	}

	nid := rm.assign(oid)
	rm.members[oid] = m
	m.Notify(Notification{Kind: NotifyJoined, RoomID: rm.id})
	rm.broadcastPeers()

	r.logger.Info().
		Str("room_id", rm.id).
		Str("online_id", oid).
		Uint32("numeric_id", nid).
		Int("members", len(rm.members)).
		Msg("加入房间")
	return nid, nil
}

// Leave 将 oid 移出所在房间
// 主机离开时房间进入迁移状态；房间无人时立即关闭
func (r *Registry) Leave(oid string) error {
	return r.leave(oid, nil)
}

// LeaveMember 同 Leave，但仅当 oid 当前由 m 持有时才移出
func (r *Registry) LeaveMember(oid string, m Member) error {
	return r.leave(oid, m)
}

func (r *Registry) leave(oid string, m Member) error {
	rm := r.roomOf(oid)
	if rm == nil {
		return ErrNotInRoom
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.closed {
		return ErrNotInRoom
	}
	cur, ok := rm.members[oid]
	if !ok || (m != nil && cur != m) {
		return ErrNotInRoom
	}

	delete(rm.members, oid)
	r.mu.Lock()
	if r.index[oid] == rm.id {
		delete(r.index, oid)
	}
	r.mu.Unlock()

	if len(rm.members) == 0 {
		r.closeLocked(rm, ReasonEmpty)
		return nil
	}

	if oid == rm.host {
		r.startMigration(rm, oid)
	} else {
		r.logger.Info().Str("room_id", rm.id).Str("online_id", oid).Msg("离开房间")
	}
	rm.broadcastPeers()
	return nil
}

func (r *Registry) startMigration(rm *Room, oldHost string) {
	rm.host = ""
	rm.formerHost = oldHost
	rm.state = Migrating
	rm.migratingSince = r.clock.Now()
	rm.generation++
	gen := rm.generation
	rm.stopTimer()
	rm.timer = r.clock.AfterFunc(r.timeout, func() { r.expire(rm, gen) })
	r.migrations.Add(1)

	r.logger.Warn().
		Str("room_id", rm.id).
		Str("former_host", oldHost).
		Dur("timeout", r.timeout).
		Msg("主机离开，房间进入迁移状态")
}

// expire 迁移超时回调；generation 不匹配说明迁移已结束
func (r *Registry) expire(rm *Room, gen uint64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.closed || rm.state != Migrating || rm.generation != gen {
		return
	}
	r.logger.Warn().Str("room_id", rm.id).Msg("迁移超时，关闭房间")
	r.closeLocked(rm, ReasonMigrationTimeout)
}

// closeLocked 关闭房间，调用方持有房间锁
func (r *Registry) closeLocked(rm *Room, reason string) {
	rm.closed = true
	rm.stopTimer()

	n := Notification{Kind: NotifyLeaveRoom, RoomID: rm.id}
	for _, m := range rm.members {
		m.Notify(n)
	}

	r.mu.Lock()
	for oid := range rm.members {
		if r.index[oid] == rm.id {
			delete(r.index, oid)
		}
	}
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
	}
	r.mu.Unlock()

	rm.members = map[string]Member{}
	r.closedRooms.Add(1)

	r.logger.Info().Str("room_id", rm.id).Str("reason", reason).Msg("房间已关闭")
	r.emit(Event{Kind: RoomClosed, RoomID: rm.id, Reason: reason, At: r.clock.Now()})
}

func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.droppedEvents.Add(1)
		r.logger.Warn().Str("room_id", ev.RoomID).Msg("事件队列已满，丢弃房间事件")
	}
}

// Promote 迁移期间将成员 oid 提升为主机
// 原主机的编号换成新的未使用编号，oid 获得编号 1
func (r *Registry) Promote(oid string) error {
	rm := r.roomOf(oid)
	if rm == nil {
		return ErrNotInRoom
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.closed {
		return ErrRoomNotFound
	}
	if rm.state != Migrating {
		return ErrNotMigrating
	}
	if _, ok := rm.members[oid]; !ok {
		return ErrNotMember
	}

	if rm.formerHost != "" {
		rm.assigned[rm.formerHost] = rm.nextNID
		rm.nextNID++
	}
	rm.assigned[oid] = HostNumericID
	rm.host = oid
	rm.formerHost = ""
	rm.state = Stable
	rm.migratingSince = time.Time{}
	rm.generation++
	rm.stopTimer()
	rm.broadcastPeers()

	r.logger.Info().Str("room_id", rm.id).Str("new_host", oid).Msg("迁移完成，新主机已就位")
	return nil
}

// Members 返回 oid 所在房间的全部在线成员 id
func (r *Registry) Members(oid string) (string, []string, bool) {
	rm := r.roomOf(oid)
	if rm == nil {
		return "", nil, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return "", nil, false
	}
	if _, ok := rm.members[oid]; !ok {
		return "", nil, false
	}
	out := make([]string, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	return rm.id, out, true
}

// SameRoom a 与 b 是否是同一房间的在线成员
func (r *Registry) SameRoom(a, b string) bool {
	rm := r.roomOf(a)
	if rm == nil {
		return false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return false
	}
	_, okA := rm.members[a]
	_, okB := rm.members[b]
	return okA && okB
}

// Known oid 是否已被某个房间或成员占用
func (r *Registry) Known(oid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.index[oid]; ok {
		return true
	}
	_, ok := r.rooms[oid]
	return ok
}

// RoomOf 返回 oid 所在房间 id
func (r *Registry) RoomOf(oid string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.index[oid]
	return id, ok
}

// Room 返回房间快照
func (r *Registry) Room(id string) (Info, bool) {
	rm := r.lookup(id)
	if rm == nil {
		return Info{}, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return Info{}, false
	}
	return rm.info(), true
}

func (r *Registry) snapshot() []*Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm)
	}
	return out
}

// Stats 注册表统计
type Stats struct {
	Rooms         int    `json:"rooms"`
	Peers         int    `json:"peers"`
	Migrating     int    `json:"migrating"`
	ClosedRooms   int64  `json:"closed_rooms"`
	Migrations    int64  `json:"migrations"`
	DroppedEvents int64  `json:"dropped_events"`
	Details       []Info `json:"details"`
}

// Stats 汇总所有房间
func (r *Registry) Stats() Stats {
	st := Stats{
		ClosedRooms:   r.closedRooms.Load(),
		Migrations:    r.migrations.Load(),
		DroppedEvents: r.droppedEvents.Load(),
	}
	for _, rm := range r.snapshot() {
		rm.mu.Lock()
		if !rm.closed {
			info := rm.info()
			st.Rooms++
			st.Peers += len(info.Peers)
			if rm.state == Migrating {
				st.Migrating++
			}
			st.Details = append(st.Details, info)
		}
		rm.mu.Unlock()
	}
	sort.Slice(st.Details, func(i, j int) bool { return st.Details[i].ID < st.Details[j].ID })
	return st
}

// RoomCount 当前房间数
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// PeerCount 当前在房间中的成员数
func (r *Registry) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

// Close 停止所有迁移计时器
func (r *Registry) Close() {
	for _, rm := range r.snapshot() {
		rm.mu.Lock()
		rm.generation++
		rm.stopTimer()
		rm.mu.Unlock()
	}
}
