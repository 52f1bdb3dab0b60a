package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type tokenPurger interface {
	PurgeExpiredTokens(ctx context.Context) (int64, error)
}

// PurgeScheduler sweeps expired refresh tokens on a fixed interval. It
// only removes rows already past their validity horizon, so it needs no
// coordination with live rotation.
type PurgeScheduler struct {
	purger   tokenPurger
	logger   *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewPurgeScheduler constructs a scheduler with the given sweep interval.
func NewPurgeScheduler(purger tokenPurger, logger *zap.Logger, interval time.Duration) *PurgeScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &PurgeScheduler{purger: purger, logger: logger, interval: interval}
}

// Start launches the background sweep loop. Safe to call once.
func (s *PurgeScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.started = true

	go s.run(ctx)
	s.logger.Info("token purge scheduler started", zap.Duration("interval", s.interval))
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *PurgeScheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	done := s.done
	s.mu.Unlock()
	<-done
	s.logger.Info("token purge scheduler stopped")
}

func (s *PurgeScheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *PurgeScheduler) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	n, err := s.purger.PurgeExpiredTokens(ctx)
	if err != nil {
		s.logger.Error("scheduled token purge failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled token purge completed", zap.Int64("removed", n))
}
