package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry 内存实现的在线注册表
// 与 RedisRegistry 遵循同一契约，用于测试替身和单机运行
type MemoryRegistry struct {
	mu         sync.Mutex
	instanceID string
	entries    map[string]*Entry
	nowFn      func() time.Time
}

// NewMemoryRegistry 创建内存在线注册表
func NewMemoryRegistry(instanceID string) *MemoryRegistry {
	return &MemoryRegistry{
		instanceID: instanceID,
		entries:    make(map[string]*Entry),
		nowFn:      time.Now,
	}
}

func (r *MemoryRegistry) Register(_ context.Context, userID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := ""
	if e, ok := r.entries[userID]; ok {
		prev = e.InstanceID
	}
	r.entries[userID] = &Entry{
		UserID:     userID,
		InstanceID: r.instanceID,
		Heartbeat:  r.nowFn(),
	}
	return prev, nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, userID string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok {
		return "", false, nil
	}
	return e.InstanceID, true, nil
}

func (r *MemoryRegistry) Remove(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, userID)
	return nil
}

func (r *MemoryRegistry) Heartbeat(_ context.Context, userIDs ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	for _, userID := range userIDs {
		if e, ok := r.entries[userID]; ok && e.InstanceID == r.instanceID {
			e.Heartbeat = now
		}
	}
	return nil
}

func (r *MemoryRegistry) Sweep(_ context.Context, staleAfter time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.nowFn().Add(-staleAfter)
	removed := 0
	for userID, e := range r.entries {
		if e.Heartbeat.Before(cutoff) {
			delete(r.entries, userID)
			removed++
		}
	}
	return removed, nil
}
