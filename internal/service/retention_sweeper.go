package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/GoPolymarket/apigate/internal/pkg/logger"
	"github.com/GoPolymarket/apigate/internal/pkg/metrics"
)

// DefaultRetentionInterval is the wall-clock gap between two sweeps.
const DefaultRetentionInterval = 24 * time.Hour

// ExpiredPurger deletes audit rows older than the retention window.
type ExpiredPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// SweepLock serialises sweeps across replicas. Optional.
type SweepLock interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// RetentionSweeper periodically purges expired audit rows.
type RetentionSweeper struct {
	purger   ExpiredPurger
	lock     SweepLock
	interval time.Duration
	enabled  bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRetentionSweeper(purger ExpiredPurger, interval time.Duration, enabled bool) *RetentionSweeper {
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}
	return &RetentionSweeper{
		purger:   purger,
		interval: interval,
		enabled:  enabled,
	}
}

// WithLock makes every sweep acquire lock first; a held lock skips the tick.
func (s *RetentionSweeper) WithLock(lock SweepLock) *RetentionSweeper {
	s.lock = lock
	return s
}

// Start launches the sweep loop. It returns immediately.
func (s *RetentionSweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.Run(ctx)
	}()
}

// Stop cancels the loop and waits for it to exit.
func (s *RetentionSweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *RetentionSweeper) Run(ctx context.Context) {
	if !s.enabled {
		logger.Info("Audit retention disabled (no retention_days configured)")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// 关闭信号优先于新的清理
		if ctx.Err() != nil {
			return
		}
		if !s.enabled {
			continue
		}
		_, _ = s.RunOnce(ctx)
	}
}

// RunOnce performs a single sweep. Errors are logged and returned; they
// never stop the loop.
func (s *RetentionSweeper) RunOnce(ctx context.Context) (int64, error) {
	if s.lock != nil {
		acquired, err := s.lock.TryAcquire(ctx)
		if err != nil {
			metrics.RetentionSweeps.WithLabelValues("failed").Inc()
			logger.Warn("Audit retention lock unavailable", "error", err)
			return 0, err
		}
		if !acquired {
			metrics.RetentionSweeps.WithLabelValues("skipped").Inc()
			logger.Debug("Audit retention sweep held by another instance")
			return 0, nil
		}
		defer func() {
			// 用独立的 context 释放, 关闭过程中也能归还锁
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.lock.Release(releaseCtx); err != nil {
				logger.Warn("Failed to release audit retention lock", "error", err)
			}
		}()
	}

	removed, err := s.purger.PurgeExpired(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// graceful shutdown
			return removed, err
		}
		metrics.RetentionSweeps.WithLabelValues("failed").Inc()
		logger.Warn("Audit retention job failed", "error", err, "removed", removed)
		return removed, err
	}

	metrics.RetentionSweeps.WithLabelValues("ok").Inc()
	if removed > 0 {
		logger.Info("Audit retention removed expired records", "count", removed)
	}
	return removed, nil
}
