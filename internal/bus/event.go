package bus

import (
	"sudooom.chat.relay/internal/protocol"
)

// Directed 实例定向投递的载荷
// Kind 区分普通投递与驱逐通知；驱逐时 Envelope 为空
type Directed struct {
	TargetUserID string             `json:"userId"`
	Kind         string             `json:"kind,omitempty"`
	Envelope     *protocol.Envelope `json:"payload,omitempty"`
}

const (
	// KindDeliver 普通投递（私聊等），Kind 为空时同义
	KindDeliver = ""
	// KindEvict 驱逐通知：目标用户的旧连接需要被关闭
	KindEvict = "evict"
)

// RoomBroadcast 房间广播事件
type RoomBroadcast struct {
	RoomID   string
	Envelope *protocol.Envelope
}

// InstanceDirected 实例定向事件
type InstanceDirected struct {
	Directed *Directed
}

// EventRouter 入站总线事件路由
// 事件以带类型的联合体分发，取代按通道前缀做字符串匹配
type EventRouter interface {
	HandleRoomBroadcast(ev RoomBroadcast)
	HandleInstanceDirected(ev InstanceDirected)
}

// Bus 共享广播总线
// 每个房间一条广播通道，每个实例一条专属通道
type Bus interface {
	// Start 订阅本实例专属通道并绑定事件路由
	Start(instanceID string, router EventRouter) error

	// PublishRoom 向房间广播通道发布信封
	PublishRoom(roomID string, env *protocol.Envelope) error

	// PublishInstance 向指定实例专属通道发布定向载荷
	PublishInstance(instanceID string, d *Directed) error

	// SubscribeRoom 订阅房间广播通道（幂等由调用方保证）
	SubscribeRoom(roomID string) error

	// Close 关闭总线
	Close()
}
