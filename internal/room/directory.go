package room

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"sudooom.chat.relay/internal/apperrors"
)

// Service 外部房间存在性校验协作方
type Service interface {
	Exists(ctx context.Context, roomID string) (bool, error)
}

// Subscriber 房间广播通道订阅方（由总线实现）
type Subscriber interface {
	SubscribeRoom(roomID string) error
}

// Directory 房间目录
// 房间的存在性是全局的（首次经外部协作方校验一次），
// 成员集合只是本实例持有连接的子集缓存；跨实例的权威视图
// 是所有实例集合的并集，但从不物化
type Directory struct {
	mu          sync.RWMutex
	svc         Service
	subs        Subscriber
	defaultRoom string

	// members 本实例各房间的成员集合
	members map[string]map[string]struct{}
	// subscribed 已订阅广播通道的房间，保证订阅幂等
	subscribed map[string]struct{}
}

// NewDirectory 创建房间目录
// 默认房间视为始终存在，不经外部校验
func NewDirectory(svc Service, subs Subscriber, defaultRoom string) *Directory {
	if defaultRoom == "" {
		defaultRoom = "general"
	}
	return &Directory{
		svc:         svc,
		subs:        subs,
		defaultRoom: defaultRoom,
		members:     make(map[string]map[string]struct{}),
		subscribed:  make(map[string]struct{}),
	}
}

// DefaultRoom 默认房间 ID
func (d *Directory) DefaultRoom() string {
	return d.defaultRoom
}

// validRoomID 房间 ID 必须能作为 broker 的通道名片段
func validRoomID(roomID string) bool {
	if roomID == "" {
		return false
	}
	return !strings.ContainsAny(roomID, ". *>\t\n")
}

// Ensure 确认房间存在并准备好本地状态
// 缓存命中走快路径；未命中时对外部协作方校验一次，
// 成功后建立空成员集合并订阅广播通道（经 subscribed 集合幂等）
func (d *Directory) Ensure(ctx context.Context, roomID string) error {
	if !validRoomID(roomID) {
		return apperrors.ErrRoomInvalid
	}

	d.mu.RLock()
	_, cached := d.members[roomID]
	d.mu.RUnlock()
	if cached {
		return nil
	}

	if roomID != d.defaultRoom {
		exists, err := d.svc.Exists(ctx, roomID)
		if err != nil {
			return fmt.Errorf("validate room %s: %w", roomID, err)
		}
		if !exists {
			return apperrors.ErrRoomNotFound
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.members[roomID]; !ok {
		d.members[roomID] = make(map[string]struct{})
	}
	if _, ok := d.subscribed[roomID]; !ok {
		if err := d.subs.SubscribeRoom(roomID); err != nil {
			delete(d.members, roomID)
			return fmt.Errorf("subscribe room %s: %w", roomID, err)
		}
		d.subscribed[roomID] = struct{}{}
	}
	return nil
}

// Join 将用户加入本地成员集合
func (d *Directory) Join(roomID, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.members[roomID]
	if !ok {
		set = make(map[string]struct{})
		d.members[roomID] = set
	}
	set[userID] = struct{}{}
}

// Leave 将用户移出本地成员集合
// 非默认房间的集合清空后丢弃缓存条目，但保留通道订阅，
// 后续本地加入无需重新订阅
func (d *Directory) Leave(roomID, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.members[roomID]
	if !ok {
		return
	}
	delete(set, userID)
	if len(set) == 0 && roomID != d.defaultRoom {
		delete(d.members, roomID)
	}
}

// Members 本地成员集合的快照（扇出迭代前必须快照）
func (d *Directory) Members(roomID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	set, ok := d.members[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for userID := range set {
		out = append(out, userID)
	}
	return out
}

// Subscribed 是否已订阅某房间的广播通道（用于测试与监控）
func (d *Directory) Subscribed(roomID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.subscribed[roomID]
	return ok
}
