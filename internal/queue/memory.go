package queue

import (
	"context"
	"sync"
)

// MemoryQueue 内存实现的写回队列，用于测试替身和单机运行
type MemoryQueue struct {
	mu      sync.Mutex
	entries []string
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg *QueuedMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, string(data))
	return nil
}

// EnqueueRaw 直接追加原始条目（测试构造坏数据用）
func (q *MemoryQueue) EnqueueRaw(entry string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
}

func (q *MemoryQueue) Peek(_ context.Context, n int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || len(q.entries) == 0 {
		return nil, nil
	}
	if n > len(q.entries) {
		n = len(q.entries)
	}
	out := make([]string, n)
	copy(out, q.entries[:n])
	return out, nil
}

func (q *MemoryQueue) Trim(_ context.Context, n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if n >= len(q.entries) {
		q.entries = nil
		return nil
	}
	q.entries = q.entries[n:]
	return nil
}

func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.entries)), nil
}
