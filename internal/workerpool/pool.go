package workerpool

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Task 任务函数类型
type Task func()

// Pool 有界工作池
// 每个 worker 独占一条队列：同 key 的任务固定散列到同一 worker，
// 按提交顺序串行执行。总线回调把扇出工作提交到这里，
// 同一房间通道的消息保持 FIFO，慢速 socket 也不会阻塞订阅回调
type Pool struct {
	workers int
	queues  []chan Task
	next    atomic.Uint32
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	logger *slog.Logger
}

// New 创建工作池
// workers: worker 数量; queueSize: 每个 worker 的队列大小
func New(workers int, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 32
	}
	if queueSize <= 0 {
		queueSize = 64
	}

	pool := &Pool{
		workers: workers,
		queues:  make([]chan Task, workers),
		logger:  logger,
	}

	for i := 0; i < workers; i++ {
		pool.queues[i] = make(chan Task, queueSize)
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		"workers", workers,
		"queue_size", queueSize)

	return pool
}

// worker 工作协程，只消费自己的队列，队列关闭且排空后退出
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.queues[id] {
		// 执行任务，捕获 panic
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("Task panic recovered",
						"worker_id", id,
						"panic", r)
				}
			}()
			task()
		}()
	}
}

// Submit 轮转提交无序任务，队列满时阻塞直到有空位；池已关闭返回 false
func (p *Pool) Submit(task Task) bool {
	idx := int(p.next.Add(1) % uint32(p.workers))
	return p.submitTo(idx, task)
}

// SubmitKeyed 按 key 提交任务
// 同 key 的任务落在同一 worker 的队列上，保证按提交顺序执行
func (p *Pool) SubmitKeyed(key string, task Task) bool {
	h := fnv.New32a()
	h.Write([]byte(key))
	idx := int(h.Sum32() % uint32(p.workers))
	return p.submitTo(idx, task)
}

func (p *Pool) submitTo(idx int, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.queues[idx] <- task
	return true
}

// Shutdown 优雅关闭：拒绝新任务，等待已排队任务全部执行完
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for _, q := range p.queues {
		close(q)
	}
	p.wg.Wait()
	p.logger.Info("Worker pool shutdown completed")
}
