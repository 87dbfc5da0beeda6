package bus

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"sudooom.chat.relay/internal/config"
	"sudooom.chat.relay/internal/protocol"
	"sudooom.chat.relay/internal/workerpool"
)

// ErrNotStarted 尚未 Start 就发起订阅
var ErrNotStarted = errors.New("bus: not started")

// Connect 建立 NATS 连接
func Connect(cfg config.NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	return nats.Connect(cfg.URL, opts...)
}

// NATSBus NATS 实现的广播总线
type NATSBus struct {
	nc     *nats.Conn
	pool   *workerpool.Pool
	router EventRouter
	logger *slog.Logger
	subs   []*nats.Subscription
}

// NewNATSBus 创建 NATS 总线
func NewNATSBus(nc *nats.Conn, pool *workerpool.Pool, logger *slog.Logger) *NATSBus {
	return &NATSBus{
		nc:     nc,
		pool:   pool,
		logger: logger,
	}
}

// Start 绑定事件路由并订阅本实例专属通道
func (b *NATSBus) Start(instanceID string, router EventRouter) error {
	b.router = router

	subject := BuildInstanceSubject(instanceID)
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		b.dispatchInstance(msg.Data)
	})
	if err != nil {
		return err
	}
	b.subs = append(b.subs, sub)

	b.logger.Info("Subscribed to instance subject", "subject", subject)
	return nil
}

// PublishRoom 向房间广播通道发布信封
func (b *NATSBus) PublishRoom(roomID string, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.nc.Publish(BuildRoomSubject(roomID), data)
}

// PublishInstance 向指定实例专属通道发布定向载荷
func (b *NATSBus) PublishInstance(instanceID string, d *Directed) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return b.nc.Publish(BuildInstanceSubject(instanceID), data)
}

// SubscribeRoom 订阅房间广播通道
func (b *NATSBus) SubscribeRoom(roomID string) error {
	if b.router == nil {
		return ErrNotStarted
	}
	subject := BuildRoomSubject(roomID)
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		b.dispatchRoom(msg.Subject, msg.Data)
	})
	if err != nil {
		return err
	}
	b.subs = append(b.subs, sub)

	b.logger.Debug("Subscribed to room subject", "subject", subject)
	return nil
}

// dispatchRoom 解码房间广播并经工作池分发
func (b *NATSBus) dispatchRoom(subject string, data []byte) {
	roomID := strings.TrimPrefix(subject, SubjectRoomPrefix)

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Error("Failed to unmarshal room broadcast", "subject", subject, "error", err)
		return
	}

	// 同房间的广播固定散列到同一 worker，保持通道投递顺序
	ev := RoomBroadcast{RoomID: roomID, Envelope: &env}
	if !b.pool.SubmitKeyed(roomID, func() { b.router.HandleRoomBroadcast(ev) }) {
		b.logger.Warn("Worker pool is shutting down, broadcast dropped", "roomId", roomID)
	}
}

// dispatchInstance 解码实例定向载荷并经工作池分发
func (b *NATSBus) dispatchInstance(data []byte) {
	var d Directed
	if err := json.Unmarshal(data, &d); err != nil {
		b.logger.Error("Failed to unmarshal instance-directed payload", "error", err)
		return
	}

	// 同一目标用户的定向载荷保持顺序（驱逐与投递不可互换）
	ev := InstanceDirected{Directed: &d}
	if !b.pool.SubmitKeyed(d.TargetUserID, func() { b.router.HandleInstanceDirected(ev) }) {
		b.logger.Warn("Worker pool is shutting down, directed payload dropped",
			"targetUserId", d.TargetUserID)
	}
}

// Close 取消所有订阅
func (b *NATSBus) Close() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Error("Failed to unsubscribe", "subject", sub.Subject, "error", err)
		}
	}
	b.subs = nil
}
