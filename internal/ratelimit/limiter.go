package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Config 限流配置
type Config struct {
	Window      time.Duration // 滑动窗口长度
	MaxMessages int           // 窗口内最大消息数
	Cooldown    time.Duration // 超限后的冷却时长
}

// DefaultConfig 默认配置：1 秒窗口内 5 条，超限冷却 5 秒
func DefaultConfig() Config {
	return Config{
		Window:      time.Second,
		MaxMessages: 5,
		Cooldown:    5 * time.Second,
	}
}

// Decision 单次限流判定结果
type Decision struct {
	Limited bool
	Reason  string
}

// userWindow 单个用户的窗口状态
type userWindow struct {
	windowStart   time.Time
	messageCount  int
	cooldownUntil time.Time
}

// Limiter 按用户维护滑动窗口 + 冷却状态，纯内存无 I/O
type Limiter struct {
	mu    sync.Mutex
	cfg   Config
	users map[string]*userWindow
	nowFn func() time.Time
}

// New 创建限流器
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Second
	}
	return &Limiter{
		cfg:   cfg,
		users: make(map[string]*userWindow),
		nowFn: time.Now,
	}
}

// Allow 判定一条入站消息是否放行
// 冷却期内先行拒绝并返回剩余秒数（冷却比窗口长，必须先判，
// 否则窗口过期会提前解除冷却）；窗口不存在或已过期则开启新窗口；
// 计数达到上限则进入冷却并拒绝；否则计数加一放行
func (l *Limiter) Allow(userID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	w, ok := l.users[userID]

	if ok && w.cooldownUntil.After(now) {
		remaining := int((w.cooldownUntil.Sub(now) + time.Second - 1) / time.Second)
		return Decision{
			Limited: true,
			Reason:  fmt.Sprintf("Please wait %d seconds before sending more messages.", remaining),
		}
	}

	if !ok || now.Sub(w.windowStart) >= l.cfg.Window {
		l.users[userID] = &userWindow{
			windowStart:  now,
			messageCount: 1,
		}
		return Decision{}
	}

	if w.messageCount >= l.cfg.MaxMessages {
		w.cooldownUntil = now.Add(l.cfg.Cooldown)
		return Decision{
			Limited: true,
			Reason:  fmt.Sprintf("You've sent too many messages. Please wait %d seconds.", int(l.cfg.Cooldown/time.Second)),
		}
	}

	w.messageCount++
	return Decision{}
}

// Cleanup 清理长期不活跃的用户状态，防止内存泄漏
// 按周期调用，空闲阈值取 5 倍（窗口 + 冷却）
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	idle := 5 * (l.cfg.Window + l.cfg.Cooldown)
	for userID, w := range l.users {
		if now.Sub(w.windowStart) > idle && !w.cooldownUntil.After(now) {
			delete(l.users, userID)
		}
	}
}

// Size 当前跟踪的用户数（用于监控）
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}
