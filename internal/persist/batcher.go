package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sudooom.chat.relay/internal/protocol"
	"sudooom.chat.relay/internal/queue"
)

// RoomChecker 排空批次内使用的廉价房间存在性检查
// 消息入队后房间可能已被删除，落库前按批复查一次
type RoomChecker interface {
	Exists(ctx context.Context, roomID string) (bool, error)
}

// Sink 外部持久化协作方，按批落库
type Sink interface {
	SaveBatch(ctx context.Context, msgs []*queue.QueuedMessage) error
}

// Config 批量持久化配置
type Config struct {
	DrainInterval time.Duration // 排空周期
	BatchSize     int           // 每次排空的最大条数
}

// Batcher 写回队列的批量持久化器
// 周期性从队头取一批、校验、落库；落库成功才移除队头条目，
// 失败则原样保留，下个周期自然重试（至少一次语义）
type Batcher struct {
	queue    queue.Queue
	rooms    RoomChecker
	sink     Sink
	cfg      Config
	logger   *slog.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewBatcher 创建批量持久化器
func NewBatcher(q queue.Queue, rooms RoomChecker, sink Sink, cfg Config) *Batcher {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Batcher{
		queue:    q,
		rooms:    rooms,
		sink:     sink,
		cfg:      cfg,
		logger:   slog.Default(),
		stopChan: make(chan struct{}),
	}
}

// Start 启动排空循环
func (b *Batcher) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.worker(ctx)
	b.logger.Info("Message batcher started",
		"drainInterval", b.cfg.DrainInterval,
		"batchSize", b.cfg.BatchSize)
}

// Stop 停止排空循环，并尽力排空一次剩余条目
func (b *Batcher) Stop() {
	close(b.stopChan)
	b.wg.Wait()
	b.logger.Info("Message batcher stopped")
}

// worker 后台排空协程
func (b *Batcher) worker(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopChan:
			// 关停前的最后一次排空
			b.DrainOnce(context.Background())
			return
		case <-ticker.C:
			b.DrainOnce(ctx)
		}
	}
}

// DrainOnce 执行一次排空：取批、校验、落库、移除
func (b *Batcher) DrainOnce(ctx context.Context) {
	entries, err := b.queue.Peek(ctx, b.cfg.BatchSize)
	if err != nil {
		b.logger.Error("Failed to peek message queue", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	startTime := time.Now()
	valid := b.validate(ctx, entries)

	if len(valid) > 0 {
		if err := b.sink.SaveBatch(ctx, valid); err != nil {
			// 不移除队头条目，下个周期整批重试
			b.logger.Error("Failed to persist message batch, will retry",
				"count", len(valid),
				"error", err)
			return
		}
	}

	if err := b.queue.Trim(ctx, len(entries)); err != nil {
		b.logger.Error("Failed to trim message queue", "error", err)
		return
	}

	b.logger.Debug("Drain completed",
		"total", len(entries),
		"persisted", len(valid),
		"dropped", len(entries)-len(valid),
		"elapsed", time.Since(startTime))
}

// validate 解析并校验一批队列条目
// 校验失败的条目记 Warn 后丢弃，不影响同批其他条目
func (b *Batcher) validate(ctx context.Context, entries []string) []*queue.QueuedMessage {
	valid := make([]*queue.QueuedMessage, 0, len(entries))
	// 房间存在性按排空周期记忆化，同房多条消息只查一次
	roomKnown := make(map[string]bool)

	for _, entry := range entries {
		msg, err := queue.Decode(entry)
		if err != nil {
			b.logger.Warn("Skipping unparseable queue entry", "error", err)
			continue
		}

		if msg.SenderID == "" {
			b.logger.Warn("Skipping message without senderId", "type", msg.Type)
			continue
		}

		switch msg.Type {
		case protocol.TypePrivateMessage:
			if msg.RecipientID == "" {
				b.logger.Warn("Skipping private message without recipientId",
					"senderId", msg.SenderID)
				continue
			}
			// 私聊不挂房间
			msg.RoomID = ""
			valid = append(valid, msg)

		case protocol.TypeMessage, protocol.TypeJoin, protocol.TypeLeave:
			if msg.RoomID == "" {
				b.logger.Warn("Skipping room event without roomId",
					"type", msg.Type,
					"senderId", msg.SenderID)
				continue
			}
			exists, known := roomKnown[msg.RoomID]
			if !known {
				var err error
				exists, err = b.rooms.Exists(ctx, msg.RoomID)
				if err != nil {
					b.logger.Warn("Failed to verify room existence, skipping message",
						"roomId", msg.RoomID,
						"error", err)
					continue
				}
				roomKnown[msg.RoomID] = exists
			}
			if !exists {
				b.logger.Warn("Skipping message for non-existent room",
					"roomId", msg.RoomID,
					"senderId", msg.SenderID)
				continue
			}
			valid = append(valid, msg)

		default:
			// 其他系统类事件原样保留
			valid = append(valid, msg)
		}
	}
	return valid
}
