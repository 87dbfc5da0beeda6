package bus

import (
	"sync"

	"sudooom.chat.relay/internal/protocol"
)

// MemoryBroker 进程内广播代理
// 在测试和单机运行时替代 NATS，多个 MemoryBus 通过同一个代理互联，
// 投递语义与真实 broker 一致：发布者自己的订阅同样会收到消息
type MemoryBroker struct {
	mu       sync.RWMutex
	roomSubs map[string][]*MemoryBus
	instSubs map[string]*MemoryBus
}

// NewMemoryBroker 创建进程内代理
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		roomSubs: make(map[string][]*MemoryBus),
		instSubs: make(map[string]*MemoryBus),
	}
}

// Bind 创建挂在该代理上的总线端点
func (br *MemoryBroker) Bind() *MemoryBus {
	return &MemoryBus{broker: br}
}

// MemoryBus 单个实例的进程内总线端点
type MemoryBus struct {
	broker     *MemoryBroker
	instanceID string
	router     EventRouter
}

func (b *MemoryBus) Start(instanceID string, router EventRouter) error {
	b.instanceID = instanceID
	b.router = router

	b.broker.mu.Lock()
	defer b.broker.mu.Unlock()
	b.broker.instSubs[instanceID] = b
	return nil
}

func (b *MemoryBus) PublishRoom(roomID string, env *protocol.Envelope) error {
	b.broker.mu.RLock()
	subs := make([]*MemoryBus, len(b.broker.roomSubs[roomID]))
	copy(subs, b.broker.roomSubs[roomID])
	b.broker.mu.RUnlock()

	for _, sub := range subs {
		sub.router.HandleRoomBroadcast(RoomBroadcast{RoomID: roomID, Envelope: env})
	}
	return nil
}

func (b *MemoryBus) PublishInstance(instanceID string, d *Directed) error {
	b.broker.mu.RLock()
	target := b.broker.instSubs[instanceID]
	b.broker.mu.RUnlock()

	if target != nil {
		target.router.HandleInstanceDirected(InstanceDirected{Directed: d})
	}
	return nil
}

func (b *MemoryBus) SubscribeRoom(roomID string) error {
	if b.router == nil {
		return ErrNotStarted
	}
	b.broker.mu.Lock()
	defer b.broker.mu.Unlock()
	for _, sub := range b.broker.roomSubs[roomID] {
		if sub == b {
			return nil
		}
	}
	b.broker.roomSubs[roomID] = append(b.broker.roomSubs[roomID], b)
	return nil
}

func (b *MemoryBus) Close() {
	b.broker.mu.Lock()
	defer b.broker.mu.Unlock()

	delete(b.broker.instSubs, b.instanceID)
	for roomID, subs := range b.broker.roomSubs {
		kept := subs[:0]
		for _, sub := range subs {
			if sub != b {
				kept = append(kept, sub)
			}
		}
		b.broker.roomSubs[roomID] = kept
	}
}
