package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"sudooom.chat.relay/internal/apperrors"
	"sudooom.chat.relay/internal/auth"
	"sudooom.chat.relay/internal/bus"
	"sudooom.chat.relay/internal/protocol"
	"sudooom.chat.relay/internal/queue"
	"sudooom.chat.relay/internal/ratelimit"
	"sudooom.chat.relay/internal/room"
)

// fakeVerifier 把 token 直接映射成身份
type fakeVerifier struct {
	users map[string]*auth.Identity
}

func (f *fakeVerifier) Verify(_ context.Context, token string) (*auth.Identity, error) {
	id, ok := f.users[token]
	if !ok {
		return nil, apperrors.ErrTokenInvalid
	}
	return id, nil
}

// fakeRoomService 固定的房间存在性表
type fakeRoomService struct {
	rooms map[string]bool
}

func (f *fakeRoomService) Exists(_ context.Context, roomID string) (bool, error) {
	return f.rooms[roomID], nil
}

// sharedPresence 多实例共享的在线位置存储
type sharedPresence struct {
	mu      sync.Mutex
	entries map[string]string
}

func newSharedPresence() *sharedPresence {
	return &sharedPresence{entries: make(map[string]string)}
}

// presenceView 某个实例对共享存储的视图
type presenceView struct {
	store      *sharedPresence
	instanceID string
}

func (p *presenceView) Register(_ context.Context, userID string) (string, error) {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	prev := p.store.entries[userID]
	p.store.entries[userID] = p.instanceID
	return prev, nil
}

func (p *presenceView) Lookup(_ context.Context, userID string) (string, bool, error) {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	inst, ok := p.store.entries[userID]
	return inst, ok, nil
}

func (p *presenceView) Remove(_ context.Context, userID string) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	delete(p.store.entries, userID)
	return nil
}

func (p *presenceView) Heartbeat(_ context.Context, _ ...string) error { return nil }

func (p *presenceView) Sweep(_ context.Context, _ time.Duration) (int, error) { return 0, nil }

// rig 一个完整的实例：中继挂在共享代理和共享在线存储上
type rig struct {
	relay  *Relay
	queue  *queue.MemoryQueue
	server *httptest.Server
}

func newRig(t *testing.T, instanceID string, broker *bus.MemoryBroker, shared *sharedPresence) *rig {
	t.Helper()

	verifier := &fakeVerifier{users: map[string]*auth.Identity{
		"token-alice": {UserID: "alice", DisplayName: "Alice A"},
		"token-bob":   {UserID: "bob", DisplayName: "Bob B"},
	}}
	svc := &fakeRoomService{rooms: map[string]bool{"r1": true}}
	registry := &presenceView{store: shared, instanceID: instanceID}
	q := queue.NewMemoryQueue()
	limiter := ratelimit.New(ratelimit.Config{Window: time.Second, MaxMessages: 100, Cooldown: time.Second})
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	b := broker.Bind()
	rooms := room.NewDirectory(svc, b, "general")
	r := New(instanceID, verifier, rooms, registry, b, q, limiter, logger)
	if err := b.Start(instanceID, r); err != nil {
		t.Fatalf("start bus: %v", err)
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.HandleConnection(req.Context(), ws, req.URL.Query().Get("room"), req.URL.Query().Get("token"))
	}))
	t.Cleanup(srv.Close)

	return &rig{relay: r, queue: q, server: srv}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (rg *rig) dial(t *testing.T, roomID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(rg.server.URL, "http") + "/chat?room=" + roomID + "&token=" + token
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn) *protocol.Envelope {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return &env
}

// expectSilence 断言短时间内没有任何入站帧
func expectSilence(t *testing.T, c *websocket.Conn) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, data, err := c.ReadMessage()
	if err == nil {
		t.Fatalf("expected no frame, got %q", data)
	}
	var netErr interface{ Timeout() bool }
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

func sendInbound(t *testing.T, c *websocket.Conn, in protocol.Inbound) {
	t.Helper()
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// TestRoomMessageFanout 房间消息送达同房间其他成员，发送方不回显
func TestRoomMessageFanout(t *testing.T) {
	broker := bus.NewMemoryBroker()
	rg := newRig(t, "inst-a", broker, newSharedPresence())

	alice := rg.dial(t, "r1", "token-alice")
	if env := readEnvelope(t, alice); env.Type != protocol.TypeUserList {
		t.Fatalf("expected user_list first, got %q", env.Type)
	}

	bob := rg.dial(t, "r1", "token-bob")
	if env := readEnvelope(t, bob); env.Type != protocol.TypeUserList {
		t.Fatalf("expected user_list first, got %q", env.Type)
	}
	if env := readEnvelope(t, alice); env.Type != protocol.TypeJoin || env.SenderID != "bob" {
		t.Fatalf("expected bob join, got %+v", env)
	}

	sendInbound(t, alice, protocol.Inbound{Type: protocol.TypeMessage, Content: "hello"})

	env := readEnvelope(t, bob)
	if env.Type != protocol.TypeMessage || env.SenderID != "alice" || env.Content != "hello" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.SenderName != "Alice A" {
		t.Errorf("expected resolved sender name, got %q", env.SenderName)
	}

	expectSilence(t, alice)
}

// TestCrossInstanceFanout 不同实例、同一房间的成员也能收到广播
func TestCrossInstanceFanout(t *testing.T) {
	broker := bus.NewMemoryBroker()
	shared := newSharedPresence()
	rgA := newRig(t, "inst-a", broker, shared)
	rgB := newRig(t, "inst-b", broker, shared)

	alice := rgA.dial(t, "r1", "token-alice")
	readEnvelope(t, alice) // user_list

	bob := rgB.dial(t, "r1", "token-bob")
	readEnvelope(t, bob) // user_list
	if env := readEnvelope(t, alice); env.Type != protocol.TypeJoin || env.SenderID != "bob" {
		t.Fatalf("expected bob join via broker, got %+v", env)
	}

	sendInbound(t, bob, protocol.Inbound{Type: protocol.TypeMessage, Content: "hi from b"})

	env := readEnvelope(t, alice)
	if env.Type != protocol.TypeMessage || env.Content != "hi from b" || env.InstanceID != "inst-b" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

// TestPrivateMessageSameInstance 同实例私聊直接投递并回执
func TestPrivateMessageSameInstance(t *testing.T) {
	broker := bus.NewMemoryBroker()
	rg := newRig(t, "inst-a", broker, newSharedPresence())

	alice := rg.dial(t, "r1", "token-alice")
	readEnvelope(t, alice)
	bob := rg.dial(t, "r1", "token-bob")
	readEnvelope(t, bob)
	readEnvelope(t, alice) // bob join

	sendInbound(t, alice, protocol.Inbound{Type: protocol.TypePrivate, Content: "psst", RecipientID: "bob"})

	env := readEnvelope(t, bob)
	if env.Type != protocol.TypePrivateMessage || env.Content != "psst" || env.RecipientID != "bob" {
		t.Fatalf("unexpected private envelope: %+v", env)
	}

	ack := readEnvelope(t, alice)
	if ack.SenderID != protocol.SystemSenderID || ack.Content != "Message sent successfully" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

// TestPrivateMessageCrossInstance 跨实例私聊经实例专属通道送达
func TestPrivateMessageCrossInstance(t *testing.T) {
	broker := bus.NewMemoryBroker()
	shared := newSharedPresence()
	rgA := newRig(t, "inst-a", broker, shared)
	rgB := newRig(t, "inst-b", broker, shared)

	alice := rgA.dial(t, "r1", "token-alice")
	readEnvelope(t, alice)
	bob := rgB.dial(t, "r1", "token-bob")
	readEnvelope(t, bob)
	readEnvelope(t, alice) // bob join

	sendInbound(t, alice, protocol.Inbound{Type: protocol.TypePrivate, Content: "over here", RecipientID: "bob"})

	env := readEnvelope(t, bob)
	if env.Type != protocol.TypePrivateMessage || env.Content != "over here" {
		t.Fatalf("unexpected private envelope: %+v", env)
	}
}

// TestPrivateMessageOfflineStillPersisted 收件人离线时发送方收到提示，消息仍入队
func TestPrivateMessageOfflineStillPersisted(t *testing.T) {
	broker := bus.NewMemoryBroker()
	rg := newRig(t, "inst-a", broker, newSharedPresence())

	alice := rg.dial(t, "r1", "token-alice")
	readEnvelope(t, alice)

	before, _ := rg.queue.Len(context.Background())
	sendInbound(t, alice, protocol.Inbound{Type: protocol.TypePrivate, Content: "anyone?", RecipientID: "ghost"})

	env := readEnvelope(t, alice)
	if env.Type != protocol.TypeError || env.Content != "User is not currently online" {
		t.Fatalf("expected offline error, got %+v", env)
	}

	after, _ := rg.queue.Len(context.Background())
	if after != before+1 {
		t.Errorf("private message must be enqueued before delivery is attempted, queue %d -> %d", before, after)
	}
}

// TestPrivateMessageMissingRecipient 缺收件人的私聊只回错误，不入队
func TestPrivateMessageMissingRecipient(t *testing.T) {
	broker := bus.NewMemoryBroker()
	rg := newRig(t, "inst-a", broker, newSharedPresence())

	alice := rg.dial(t, "r1", "token-alice")
	readEnvelope(t, alice)

	before, _ := rg.queue.Len(context.Background())
	sendInbound(t, alice, protocol.Inbound{Type: protocol.TypePrivate, Content: "to nobody"})

	if env := readEnvelope(t, alice); env.Type != protocol.TypeError {
		t.Fatalf("expected error envelope, got %+v", env)
	}
	after, _ := rg.queue.Len(context.Background())
	if after != before {
		t.Errorf("recipient-less private message must not be enqueued")
	}
}

// TestReconnectEvictsOldConnection 同用户重连时旧连接被正常关闭，在线记录指向新实例
func TestReconnectEvictsOldConnection(t *testing.T) {
	broker := bus.NewMemoryBroker()
	shared := newSharedPresence()
	rgA := newRig(t, "inst-a", broker, shared)
	rgB := newRig(t, "inst-b", broker, shared)

	old := rgA.dial(t, "r1", "token-alice")
	readEnvelope(t, old)

	fresh := rgB.dial(t, "r1", "token-alice")
	readEnvelope(t, fresh)

	// 旧连接收到关闭帧，码 1000
	old.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := old.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("expected close frame, got %v", err)
		}
		if closeErr.Code != protocol.CloseNormal {
			t.Fatalf("expected close code %d, got %d", protocol.CloseNormal, closeErr.Code)
		}
		break
	}

	// 等旧连接的清理流程跑完，在线记录必须仍指向新实例
	deadline := time.Now().Add(2 * time.Second)
	for rgA.relay.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	inst, ok, _ := (&presenceView{store: shared}).Lookup(context.Background(), "alice")
	if !ok || inst != "inst-b" {
		t.Fatalf("expected presence on inst-b, got %q ok=%v", inst, ok)
	}

	// 新连接仍然可用
	sendInbound(t, fresh, protocol.Inbound{Type: protocol.TypeMessage, Content: "still here"})
	expectSilence(t, fresh)
}

// TestRejectMissingToken 缺 token 的连接收到错误信封并以 4000 关闭
func TestRejectMissingToken(t *testing.T) {
	broker := bus.NewMemoryBroker()
	rg := newRig(t, "inst-a", broker, newSharedPresence())

	c := rg.dial(t, "r1", "")
	if env := readEnvelope(t, c); env.Type != protocol.TypeError || env.Content != "Authentication required" {
		t.Fatalf("unexpected rejection envelope: %+v", env)
	}
	assertClosedWith(t, c, protocol.CloseAuthFailure)
}

// TestRejectBadToken 非法 token 的连接以 4000 关闭
func TestRejectBadToken(t *testing.T) {
	broker := bus.NewMemoryBroker()
	rg := newRig(t, "inst-a", broker, newSharedPresence())

	c := rg.dial(t, "r1", "token-nope")
	if env := readEnvelope(t, c); env.Type != protocol.TypeError || env.Content != "Invalid authentication" {
		t.Fatalf("unexpected rejection envelope: %+v", env)
	}
	assertClosedWith(t, c, protocol.CloseAuthFailure)
}

// TestRejectUnknownRoom 不存在的房间以 4000 关闭
func TestRejectUnknownRoom(t *testing.T) {
	broker := bus.NewMemoryBroker()
	rg := newRig(t, "inst-a", broker, newSharedPresence())

	c := rg.dial(t, "no-such-room", "token-alice")
	if env := readEnvelope(t, c); env.Type != protocol.TypeError || env.Content != "Invalid room" {
		t.Fatalf("unexpected rejection envelope: %+v", env)
	}
	assertClosedWith(t, c, protocol.CloseAuthFailure)
}

// TestMalformedFrameIgnored 无法解析的入站帧被忽略，连接保持
func TestMalformedFrameIgnored(t *testing.T) {
	broker := bus.NewMemoryBroker()
	rg := newRig(t, "inst-a", broker, newSharedPresence())

	alice := rg.dial(t, "r1", "token-alice")
	readEnvelope(t, alice)

	if err := alice.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectSilence(t, alice)

	// 连接仍然可用
	sendInbound(t, alice, protocol.Inbound{Type: protocol.TypeMessage, Content: "ok"})
	expectSilence(t, alice)
}

// TestRateLimitErrorOnlyToSender 超限时错误只发给发送方，其他人收不到消息
func TestRateLimitErrorOnlyToSender(t *testing.T) {
	broker := bus.NewMemoryBroker()
	shared := newSharedPresence()
	rg := newRig(t, "inst-a", broker, shared)

	// 限流阈值单独压低
	rg.relay.limiter = ratelimit.New(ratelimit.Config{Window: time.Minute, MaxMessages: 1, Cooldown: time.Minute})

	alice := rg.dial(t, "r1", "token-alice")
	readEnvelope(t, alice)
	bob := rg.dial(t, "r1", "token-bob")
	readEnvelope(t, bob)
	readEnvelope(t, alice) // bob join

	sendInbound(t, alice, protocol.Inbound{Type: protocol.TypeMessage, Content: "one"})
	if env := readEnvelope(t, bob); env.Content != "one" {
		t.Fatalf("expected first message through, got %+v", env)
	}

	sendInbound(t, alice, protocol.Inbound{Type: protocol.TypeMessage, Content: "two"})
	if env := readEnvelope(t, alice); env.Type != protocol.TypeError {
		t.Fatalf("expected rate limit error, got %+v", env)
	}
	expectSilence(t, bob)
}

// TestJoinAndMessageEnqueued 加入事件和消息都先进入持久化队列
func TestJoinAndMessageEnqueued(t *testing.T) {
	broker := bus.NewMemoryBroker()
	rg := newRig(t, "inst-a", broker, newSharedPresence())

	alice := rg.dial(t, "r1", "token-alice")
	readEnvelope(t, alice)

	sendInbound(t, alice, protocol.Inbound{Type: protocol.TypeMessage, Content: "hello"})

	// 等消息经读循环入队
	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := rg.queue.Len(ctx); n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected join and message in queue")
		}
		time.Sleep(10 * time.Millisecond)
	}

	entries, _ := rg.queue.Peek(ctx, 10)
	first, err := queue.Decode(entries[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Type != protocol.TypeJoin || first.SenderID != "alice" || first.Content != "joined the room" {
		t.Fatalf("unexpected first entry: %+v", first)
	}
	second, err := queue.Decode(entries[1])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.Type != protocol.TypeMessage || second.Content != "hello" {
		t.Fatalf("unexpected second entry: %+v", second)
	}
}

// TestSameInstanceReconnectKeepsMembership 同实例重连后新连接保有房间成员身份，
// 旧连接的收尾不得摘成员、不得广播离开
func TestSameInstanceReconnectKeepsMembership(t *testing.T) {
	broker := bus.NewMemoryBroker()
	rg := newRig(t, "inst-a", broker, newSharedPresence())

	old := rg.dial(t, "r1", "token-alice")
	readEnvelope(t, old)
	bob := rg.dial(t, "r1", "token-bob")
	readEnvelope(t, bob)
	readEnvelope(t, old) // bob join

	fresh := rg.dial(t, "r1", "token-alice")
	readEnvelope(t, fresh)
	if env := readEnvelope(t, bob); env.Type != protocol.TypeJoin || env.SenderID != "alice" {
		t.Fatalf("expected alice re-join, got %+v", env)
	}

	assertClosedWith(t, old, protocol.CloseNormal)

	// 等旧连接的收尾流程跑完
	time.Sleep(100 * time.Millisecond)

	members := rg.relay.rooms.Members("r1")
	found := false
	for _, id := range members {
		if id == "alice" {
			found = true
		}
	}
	if !found {
		t.Fatalf("alice must stay a member after reconnect, members %v", members)
	}

	// 旧连接不得触发离开广播
	expectSilence(t, bob)

	sendInbound(t, bob, protocol.Inbound{Type: protocol.TypeMessage, Content: "hello"})
	if env := readEnvelope(t, fresh); env.Type != protocol.TypeMessage || env.Content != "hello" {
		t.Fatalf("fresh connection must receive room messages, got %+v", env)
	}
}

// TestShutdownClosesConnectionsAndPresence 关停时连接被正常关闭，在线记录同步摘除
func TestShutdownClosesConnectionsAndPresence(t *testing.T) {
	broker := bus.NewMemoryBroker()
	shared := newSharedPresence()
	rg := newRig(t, "inst-a", broker, shared)

	alice := rg.dial(t, "r1", "token-alice")
	readEnvelope(t, alice)

	rg.relay.Shutdown(context.Background())

	assertClosedWith(t, alice, protocol.CloseNormal)

	if _, ok, _ := (&presenceView{store: shared}).Lookup(context.Background(), "alice"); ok {
		t.Error("presence must be removed on shutdown, not left for the sweeper")
	}
}

// failingQueue 入队永远失败的队列
type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, *queue.QueuedMessage) error {
	return errors.New("queue down")
}
func (failingQueue) Peek(context.Context, int) ([]string, error) { return nil, nil }
func (failingQueue) Trim(context.Context, int) error             { return nil }
func (failingQueue) Len(context.Context) (int64, error)          { return 0, nil }

// TestEnqueueFailureDoesNotBlockDelivery 持久化队列不可用时消息仍然实时送达
func TestEnqueueFailureDoesNotBlockDelivery(t *testing.T) {
	broker := bus.NewMemoryBroker()
	rg := newRig(t, "inst-a", broker, newSharedPresence())
	rg.relay.queue = failingQueue{}

	alice := rg.dial(t, "r1", "token-alice")
	readEnvelope(t, alice)
	bob := rg.dial(t, "r1", "token-bob")
	readEnvelope(t, bob)
	readEnvelope(t, alice) // bob join

	sendInbound(t, alice, protocol.Inbound{Type: protocol.TypeMessage, Content: "hello"})
	if env := readEnvelope(t, bob); env.Content != "hello" {
		t.Fatalf("delivery must survive a queue outage, got %+v", env)
	}
}

func assertClosedWith(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("expected close frame, got %v", err)
		}
		if closeErr.Code != code {
			t.Fatalf("expected close code %d, got %d", code, closeErr.Code)
		}
		return
	}
}
