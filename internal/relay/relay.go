package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"sudooom.chat.relay/internal/apperrors"
	"sudooom.chat.relay/internal/auth"
	"sudooom.chat.relay/internal/bus"
	"sudooom.chat.relay/internal/connection"
	"sudooom.chat.relay/internal/presence"
	"sudooom.chat.relay/internal/protocol"
	"sudooom.chat.relay/internal/queue"
	"sudooom.chat.relay/internal/ratelimit"
	"sudooom.chat.relay/internal/room"
)

// Relay 连接中继
// 每个实例一个，负责连接生命周期、入站帧分发和总线事件路由。
// 房间广播经总线回流到所有订阅实例（包括发布方自己），
// 本地投递只在 HandleRoomBroadcast 中发生，发送方不回显。
type Relay struct {
	instanceID string
	verifier   auth.Verifier
	rooms      *room.Directory
	presence   presence.Registry
	bus        bus.Bus
	queue      queue.Queue
	limiter    *ratelimit.Limiter
	manager    *connection.Manager
	logger     *slog.Logger
}

// New 创建连接中继
func New(instanceID string, verifier auth.Verifier, rooms *room.Directory, registry presence.Registry, b bus.Bus, q queue.Queue, limiter *ratelimit.Limiter, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		instanceID: instanceID,
		verifier:   verifier,
		rooms:      rooms,
		presence:   registry,
		bus:        b,
		queue:      q,
		limiter:    limiter,
		manager:    connection.NewManager(),
		logger:     logger,
	}
}

// Count 本实例当前连接数
func (r *Relay) Count() int {
	return r.manager.Count()
}

// HandleConnection 处理一条新的 WebSocket 连接，阻塞直到连接关闭
func (r *Relay) HandleConnection(ctx context.Context, ws *websocket.Conn, roomID, token string) {
	conn := connection.New(ws, r.logger)

	if roomID == "" {
		roomID = r.rooms.DefaultRoom()
	}

	if token == "" {
		r.reject(conn, apperrors.ErrAuthRequired)
		return
	}

	identity, err := r.verifier.Verify(ctx, token)
	if err != nil {
		r.logger.Warn("Authentication failed", "error", err)
		r.reject(conn, err)
		return
	}

	if err := r.rooms.Ensure(ctx, roomID); err != nil {
		r.logger.Warn("Room validation failed", "room_id", roomID, "user_id", identity.UserID, "error", err)
		r.reject(conn, err)
		return
	}

	// 先登记在线位置并驱逐旧连接，再激活新连接
	prev, err := r.presence.Register(ctx, identity.UserID)
	if err != nil {
		// 登记失败时连接仍然可用，只是跨实例私聊找不到该用户
		r.logger.Error("Failed to register presence", "user_id", identity.UserID, "error", err)
	}
	if prev != "" {
		r.evict(prev, identity.UserID)
	}

	user := &connection.User{
		ID:       identity.UserID,
		Name:     identity.DisplayName,
		RoomID:   roomID,
		Conn:     conn,
		JoinedAt: time.Now(),
	}
	// 先登记连接再入房：被驱逐的旧连接在收尾时据此判断成员身份已被接管
	r.manager.Add(user)
	r.rooms.Join(roomID, user.ID)
	defer r.cleanup(user)

	r.logger.Info("User connected", "user_id", user.ID, "username", user.Name, "room_id", roomID)

	r.enqueue(ctx, &queue.QueuedMessage{
		Type:       protocol.TypeJoin,
		Content:    "joined the room",
		SenderID:   user.ID,
		SenderName: user.Name,
		RoomID:     roomID,
		Timestamp:  protocol.Now(),
	})
	if err := r.bus.PublishRoom(roomID, protocol.NewJoin(roomID, user.ID, user.Name, r.instanceID)); err != nil {
		r.logger.Error("Failed to publish join", "room_id", roomID, "error", err)
	}

	r.sendUserList(user)

	r.readLoop(ctx, user)
}

// evict 驱逐用户的旧连接：同实例直接关闭，跨实例经专属通道通知
func (r *Relay) evict(prevInstance, userID string) {
	if prevInstance == r.instanceID {
		if old := r.manager.Get(userID); old != nil {
			old.MarkSuperseded()
			old.Conn.CloseWithCode(protocol.CloseNormal, "superseded by new connection")
		}
		return
	}
	d := &bus.Directed{TargetUserID: userID, Kind: bus.KindEvict}
	if err := r.bus.PublishInstance(prevInstance, d); err != nil {
		r.logger.Error("Failed to publish eviction", "user_id", userID, "instance_id", prevInstance, "error", err)
	}
}

// readLoop 入站帧循环，连接出错或关闭时返回
func (r *Relay) readLoop(ctx context.Context, user *connection.User) {
	for {
		data, err := user.Conn.ReadMessage()
		if err != nil {
			return
		}

		var in protocol.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			r.logger.Warn("Malformed inbound frame", "user_id", user.ID, "error", err)
			continue
		}

		if d := r.limiter.Allow(user.ID); d.Limited {
			r.sendError(user, d.Reason)
			continue
		}

		switch in.Type {
		case protocol.TypePrivate, protocol.TypePrivateMessage:
			r.handlePrivate(ctx, user, &in)
		default:
			r.handleRoomMessage(ctx, user, in.Content)
		}
	}
}

// handleRoomMessage 处理房间消息：先入持久化队列，再经总线广播
func (r *Relay) handleRoomMessage(ctx context.Context, user *connection.User, content string) {
	r.enqueue(ctx, &queue.QueuedMessage{
		Type:       protocol.TypeMessage,
		Content:    content,
		SenderID:   user.ID,
		SenderName: user.Name,
		RoomID:     user.RoomID,
		Timestamp:  protocol.Now(),
	})

	env := protocol.NewMessage(user.RoomID, user.ID, user.Name, content, r.instanceID)
	if err := r.bus.PublishRoom(user.RoomID, env); err != nil {
		r.logger.Error("Failed to publish room message", "room_id", user.RoomID, "user_id", user.ID, "error", err)
		r.sendError(user, apperrors.ErrServerError.Message)
	}
}

// handlePrivate 处理私聊：无论收件人是否在线都先入持久化队列
func (r *Relay) handlePrivate(ctx context.Context, user *connection.User, in *protocol.Inbound) {
	if in.RecipientID == "" {
		r.sendError(user, apperrors.ErrMissingRecipient.Message)
		return
	}

	env := protocol.NewPrivateMessage(user.ID, user.Name, in.Content, in.RecipientID, r.instanceID)
	r.enqueue(ctx, &queue.QueuedMessage{
		Type:        protocol.TypePrivateMessage,
		Content:     in.Content,
		SenderID:    user.ID,
		SenderName:  user.Name,
		RecipientID: in.RecipientID,
		Timestamp:   env.Timestamp,
	})

	instanceID, ok, err := r.presence.Lookup(ctx, in.RecipientID)
	if err != nil {
		r.logger.Error("Presence lookup failed", "recipient_id", in.RecipientID, "error", err)
		r.sendError(user, apperrors.ErrServerError.Message)
		return
	}
	if !ok {
		r.sendError(user, apperrors.ErrRecipientOffline.Message)
		return
	}

	if instanceID == r.instanceID {
		target := r.manager.Get(in.RecipientID)
		if target == nil {
			r.sendError(user, apperrors.ErrRecipientOffline.Message)
			return
		}
		r.deliver(target, env)
	} else {
		d := &bus.Directed{TargetUserID: in.RecipientID, Envelope: env}
		if err := r.bus.PublishInstance(instanceID, d); err != nil {
			r.logger.Error("Failed to publish private message", "recipient_id", in.RecipientID, "instance_id", instanceID, "error", err)
			r.sendError(user, apperrors.ErrServerError.Message)
			return
		}
	}

	r.deliver(user, protocol.NewSystemMessage("Message sent successfully"))
}

// enqueue 把一条消息追加到持久化队列
// 队列不可用时只记错误不阻断投递，掉的是历史不是聊天
func (r *Relay) enqueue(ctx context.Context, msg *queue.QueuedMessage) {
	if err := r.queue.Enqueue(ctx, msg); err != nil {
		r.logger.Error("Failed to enqueue message for persistence",
			"type", msg.Type,
			"sender_id", msg.SenderID,
			"error", err)
	}
}

// cleanup 连接关闭后的收尾，defer 保证恰好执行一次
func (r *Relay) cleanup(user *connection.User) {
	ctx := context.Background()
	user.Conn.Close()

	// 被新连接取代的旧连接不得清掉新连接刚写入的在线记录
	if !user.Superseded() {
		if err := r.presence.Remove(ctx, user.ID); err != nil {
			r.logger.Error("Failed to remove presence", "user_id", user.ID, "error", err)
		}
	}

	r.manager.Remove(user)

	// 同实例重连时新连接可能已接管同房间的成员身份，
	// 此时旧连接既不能摘成员也不能发离开事件
	fresh := r.manager.Get(user.ID)
	takenOver := fresh != nil && fresh.RoomID == user.RoomID
	if !takenOver {
		r.rooms.Leave(user.RoomID, user.ID)
	}
	if takenOver || user.Superseded() {
		// 用户仍然在线（本实例或别处），新连接的 join 已经广播过
		r.logger.Debug("Superseded connection cleaned up", "user_id", user.ID, "room_id", user.RoomID)
		return
	}

	r.enqueue(ctx, &queue.QueuedMessage{
		Type:       protocol.TypeLeave,
		Content:    "left the room",
		SenderID:   user.ID,
		SenderName: user.Name,
		RoomID:     user.RoomID,
		Timestamp:  protocol.Now(),
	})
	if err := r.bus.PublishRoom(user.RoomID, protocol.NewLeave(user.RoomID, user.ID, user.Name, r.instanceID)); err != nil {
		r.logger.Error("Failed to publish leave", "room_id", user.RoomID, "error", err)
	}

	r.logger.Info("User disconnected", "user_id", user.ID, "room_id", user.RoomID)
}

// Shutdown 关停时主动关闭全部本地连接并摘掉它们的在线记录，
// 不能把指向死实例的位置留给 30 秒的过期清扫
func (r *Relay) Shutdown(ctx context.Context) {
	users := r.manager.All()
	for _, u := range users {
		if err := r.presence.Remove(ctx, u.ID); err != nil {
			r.logger.Error("Failed to remove presence on shutdown", "user_id", u.ID, "error", err)
		}
		u.Conn.CloseWithCode(protocol.CloseNormal, "server shutting down")
	}
	if len(users) > 0 {
		r.logger.Info("Closed connections on shutdown", "count", len(users))
	}
}

// HandleRoomBroadcast 总线房间广播回流，投递给本实例该房间的成员（发送方除外）
func (r *Relay) HandleRoomBroadcast(ev bus.RoomBroadcast) {
	if ev.Envelope == nil {
		return
	}
	for _, userID := range r.rooms.Members(ev.RoomID) {
		if userID == ev.Envelope.SenderID {
			continue
		}
		if u := r.manager.Get(userID); u != nil {
			r.deliver(u, ev.Envelope)
		}
	}
}

// HandleInstanceDirected 本实例专属通道事件：驱逐通知或定向投递
func (r *Relay) HandleInstanceDirected(ev bus.InstanceDirected) {
	d := ev.Directed
	if d == nil {
		return
	}

	switch d.Kind {
	case bus.KindEvict:
		if u := r.manager.Get(d.TargetUserID); u != nil {
			u.MarkSuperseded()
			u.Conn.CloseWithCode(protocol.CloseNormal, "superseded by new connection")
		}
	default:
		if d.Envelope == nil {
			return
		}
		if u := r.manager.Get(d.TargetUserID); u != nil {
			r.deliver(u, d.Envelope)
		}
	}
}

// RunHeartbeat 周期性刷新本实例所有在线用户的心跳，直到 ctx 取消
func (r *Relay) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			userIDs := r.manager.UserIDs()
			if len(userIDs) == 0 {
				continue
			}
			if err := r.presence.Heartbeat(ctx, userIDs...); err != nil {
				r.logger.Error("Failed to refresh heartbeats", "count", len(userIDs), "error", err)
			}
		}
	}
}

// sendUserList 把房间当前成员快照发给新连接（仅本人）
func (r *Relay) sendUserList(user *connection.User) {
	var entries []protocol.UserEntry
	for _, userID := range r.rooms.Members(user.RoomID) {
		u := r.manager.Get(userID)
		if u == nil {
			continue
		}
		entries = append(entries, protocol.UserEntry{UserID: u.ID, Username: u.Name})
	}

	env, err := protocol.NewUserList(user.RoomID, entries, r.instanceID)
	if err != nil {
		r.logger.Error("Failed to build user list", "room_id", user.RoomID, "error", err)
		return
	}
	r.deliver(user, env)
}

func (r *Relay) deliver(user *connection.User, env *protocol.Envelope) {
	if err := user.Conn.SendJSON(env); err != nil {
		r.logger.Warn("Failed to deliver envelope", "user_id", user.ID, "type", env.Type, "error", err)
	}
}

func (r *Relay) sendError(user *connection.User, reason string) {
	r.deliver(user, protocol.NewError(reason))
}

// reject 发送错误信封后以认证失败码关闭连接
func (r *Relay) reject(conn *connection.Conn, err error) {
	msg := apperrors.GetMessage(err)
	if sendErr := conn.SendJSON(protocol.NewError(msg)); sendErr != nil {
		r.logger.Warn("Failed to send rejection", "error", sendErr)
	}
	conn.CloseWithCode(protocol.CloseAuthFailure, msg)
}
