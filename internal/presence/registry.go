package presence

import (
	"context"
	"time"
)

// Entry 共享存储中的一条在线记录
type Entry struct {
	UserID     string
	InstanceID string
	Heartbeat  time.Time
}

// Registry 用户在线位置注册表
// 记录 userId -> 持有其活跃连接的实例，供任意实例做跨实例寻址。
// 同一用户最多一条记录，新连接覆盖旧记录；Register 本身不驱逐旧 socket，
// 调用方需根据返回的前任实例自行通知驱逐。
type Registry interface {
	// Register 注册（覆盖）用户位置，返回被覆盖的前任实例 ID（没有则为空串）
	Register(ctx context.Context, userID string) (prevInstance string, err error)

	// Lookup 查询用户所在实例，不在线时 ok 为 false
	Lookup(ctx context.Context, userID string) (instanceID string, ok bool, err error)

	// Remove 移除用户位置
	Remove(ctx context.Context, userID string) error

	// Heartbeat 刷新一批用户的在线时间戳
	// 只续期仍归本实例持有的记录，已移除或已迁移的记录不受影响
	Heartbeat(ctx context.Context, userIDs ...string) error

	// Sweep 清理心跳早于 staleAfter 的记录，返回清理条数
	Sweep(ctx context.Context, staleAfter time.Duration) (int, error)
}
