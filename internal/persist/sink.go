package persist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.chat.relay/internal/queue"
)

// insertQuery 消息落库语句
const insertQuery = `
	INSERT INTO chat_messages (type, content, sender_id, sender_name, room_id, recipient_id, timestamp)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
`

// PGSink Postgres 持久化，按子批走事务
// 子批之间互不影响：一个子批失败不会丢掉其他子批的行，
// 但整批返回错误让排空器保留队列重试
type PGSink struct {
	db           *pgxpool.Pool
	subBatchSize int
	logger       *slog.Logger
}

// NewPGSink 创建 Postgres 持久化
func NewPGSink(db *pgxpool.Pool, subBatchSize int) *PGSink {
	if subBatchSize <= 0 {
		subBatchSize = 20
	}
	return &PGSink{
		db:           db,
		subBatchSize: subBatchSize,
		logger:       slog.Default(),
	}
}

// SaveBatch 分子批落库，每个子批一个事务
func (s *PGSink) SaveBatch(ctx context.Context, msgs []*queue.QueuedMessage) error {
	var firstErr error
	for start := 0; start < len(msgs); start += s.subBatchSize {
		end := start + s.subBatchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		if err := s.saveSubBatch(ctx, msgs[start:end]); err != nil {
			s.logger.Error("Sub-batch insert failed",
				"offset", start,
				"size", end-start,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// saveSubBatch 单个子批：一个事务内批量插入
func (s *PGSink) saveSubBatch(ctx context.Context, msgs []*queue.QueuedMessage) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	pgBatch := &pgx.Batch{}
	for _, m := range msgs {
		pgBatch.Queue(insertQuery,
			m.Type,
			m.Content,
			m.SenderID,
			m.SenderName,
			nullable(m.RoomID),
			nullable(m.RecipientID),
			time.UnixMilli(m.Timestamp),
		)
	}

	br := tx.SendBatch(ctx, pgBatch)
	for range msgs {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// nullable 空串映射为 NULL
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
