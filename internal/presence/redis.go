package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// connectionKeyPrefix 在线记录 Key 前缀
	// Key: chat:connections:{userId}, Hash{instance_id, ts}
	connectionKeyPrefix = "chat:connections:"

	fieldInstanceID = "instance_id"
	fieldTimestamp  = "ts"
)

// buildConnectionKey 构建在线记录 Key
func buildConnectionKey(userID string) string {
	return connectionKeyPrefix + userID
}

// RedisRegistry Redis 实现的在线注册表
type RedisRegistry struct {
	client     *redis.Client
	instanceID string
	logger     *slog.Logger
}

// NewRedisRegistry 创建 Redis 在线注册表
func NewRedisRegistry(client *redis.Client, instanceID string) *RedisRegistry {
	return &RedisRegistry{
		client:     client,
		instanceID: instanceID,
		logger:     slog.Default(),
	}
}

// Register 注册用户位置，覆盖并返回前任实例
func (r *RedisRegistry) Register(ctx context.Context, userID string) (string, error) {
	key := buildConnectionKey(userID)

	prev, err := r.client.HGet(ctx, key, fieldInstanceID).Result()
	if err != nil && err != redis.Nil {
		return "", fmt.Errorf("lookup previous owner: %w", err)
	}

	err = r.client.HSet(ctx, key,
		fieldInstanceID, r.instanceID,
		fieldTimestamp, time.Now().UnixMilli(),
	).Err()
	if err != nil {
		return "", fmt.Errorf("register connection: %w", err)
	}

	if prev == r.instanceID {
		// 本实例内的重连，调用方就地驱逐即可
		return prev, nil
	}

	r.logger.Debug("Registered user connection",
		"userId", userID,
		"instanceId", r.instanceID,
		"previous", prev)
	return prev, nil
}

// Lookup 查询用户所在实例
func (r *RedisRegistry) Lookup(ctx context.Context, userID string) (string, bool, error) {
	instanceID, err := r.client.HGet(ctx, buildConnectionKey(userID), fieldInstanceID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return instanceID, instanceID != "", nil
}

// Remove 移除用户位置
func (r *RedisRegistry) Remove(ctx context.Context, userID string) error {
	return r.client.Del(ctx, buildConnectionKey(userID)).Err()
}

// heartbeatScript 只刷新仍归本实例持有的记录
// 裸 HSET 会把刚被 Remove/Sweep 删掉的 Key 重建成只剩 ts 的幽灵哈希，
// 也会覆盖已迁去别的实例的记录，先校验 instance_id 再续期
var heartbeatScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'instance_id') == ARGV[1] then
    redis.call('HSET', KEYS[1], 'ts', ARGV[2])
    return 1
end
return 0
`)

// Heartbeat 刷新一批本地用户的在线时间戳
func (r *RedisRegistry) Heartbeat(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	var firstErr error
	for _, userID := range userIDs {
		keys := []string{buildConnectionKey(userID)}
		if err := heartbeatScript.Run(ctx, r.client, keys, r.instanceID, now).Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Sweep 扫描并删除心跳过期的在线记录
func (r *RedisRegistry) Sweep(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().Add(-staleAfter).UnixMilli()
	removed := 0

	iter := r.client.Scan(ctx, 0, connectionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		tsStr, err := r.client.HGet(ctx, key, fieldTimestamp).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return removed, err
		}
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil || ts < cutoff {
			if err := r.client.Del(ctx, key).Err(); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	return removed, nil
}

// Ping 检查 Redis 连接
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
