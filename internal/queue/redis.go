package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// queueKey 写回队列的 Redis List Key
const queueKey = "chat:messages:queue"

// RedisQueue Redis List 实现的持久化写回队列
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue 创建 Redis 队列
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg *QueuedMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode queued message: %w", err)
	}
	return q.client.RPush(ctx, queueKey, data).Err()
}

func (q *RedisQueue) Peek(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	return q.client.LRange(ctx, queueKey, 0, int64(n-1)).Result()
}

func (q *RedisQueue) Trim(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	return q.client.LTrim(ctx, queueKey, int64(n), -1).Err()
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, queueKey).Result()
}
