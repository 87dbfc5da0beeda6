package presence

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper 周期清理过期在线记录
type Sweeper struct {
	registry     Registry
	staleTimeout time.Duration
	interval     time.Duration
	logger       *slog.Logger
}

// NewSweeper 创建清理器
func NewSweeper(registry Registry, staleTimeout, interval time.Duration) *Sweeper {
	if staleTimeout <= 0 {
		staleTimeout = 30 * time.Second
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sweeper{
		registry:     registry,
		staleTimeout: staleTimeout,
		interval:     interval,
		logger:       slog.Default(),
	}
}

// Start 启动清理循环（阻塞，应在 goroutine 中调用）
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Presence sweeper started",
		"staleTimeout", s.staleTimeout,
		"interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Presence sweeper stopped")
			return
		case <-ticker.C:
			removed, err := s.registry.Sweep(ctx, s.staleTimeout)
			if err != nil {
				s.logger.Error("Presence sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Info("Swept stale presence entries", "removed", removed)
			}
		}
	}
}
