package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingPurger struct {
	calls atomic.Int64
	err   error
}

func (p *countingPurger) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	p.calls.Add(1)
	if p.err != nil {
		return 0, p.err
	}
	return 2, nil
}

func TestPurgeSchedulerSweepsOnInterval(t *testing.T) {
	purger := &countingPurger{}
	scheduler := NewPurgeScheduler(purger, zap.NewNop(), 10*time.Millisecond)

	scheduler.Start(context.Background())
	require.Eventually(t, func() bool {
		return purger.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	scheduler.Stop()

	after := purger.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, purger.calls.Load(), "no sweeps after Stop")
}

func TestPurgeSchedulerSurvivesSweepErrors(t *testing.T) {
	purger := &countingPurger{err: errors.New("db down")}
	scheduler := NewPurgeScheduler(purger, zap.NewNop(), 10*time.Millisecond)

	scheduler.Start(context.Background())
	require.Eventually(t, func() bool {
		return purger.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	scheduler.Stop()
}

func TestPurgeSchedulerStartIsIdempotent(t *testing.T) {
	purger := &countingPurger{}
	scheduler := NewPurgeScheduler(purger, zap.NewNop(), time.Hour)

	scheduler.Start(context.Background())
	scheduler.Start(context.Background())
	scheduler.Stop()
	scheduler.Stop()
}

func TestPurgeSchedulerDefaultsInterval(t *testing.T) {
	scheduler := NewPurgeScheduler(&countingPurger{}, nil, 0)
	assert.Equal(t, 24*time.Hour, scheduler.interval)
}
