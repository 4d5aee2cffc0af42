package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"settlement-service/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingRetrier struct {
	calls atomic.Int32
}

func (c *countingRetrier) RetryPending(ctx context.Context, limit int) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestDepositMonitor(t *testing.T) {
	retrier := &countingRetrier{}
	dm := NewDepositMonitor(retrier, 5*time.Millisecond, 10, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- dm.Start(context.Background()) }()

	require.Eventually(t, func() bool { return retrier.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	dm.Stop()
	assert.NoError(t, <-done)
}

type fakeRunner struct {
	mu        sync.Mutex
	pending   []string
	processed map[string]int
	active    atomic.Int32
	peak      atomic.Int32
}

func (f *fakeRunner) PendingIDs(ctx context.Context, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out, nil
}

func (f *fakeRunner) Process(ctx context.Context, id string) (*domain.SettlementResult, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)

	f.mu.Lock()
	f.processed[id]++
	f.mu.Unlock()
	return &domain.SettlementResult{RequestID: id, TxHash: "0x01"}, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.processed {
		total += n
	}
	return total
}

func TestWithdrawalProcessor(t *testing.T) {
	t.Run("should process polled and notified requests with bounded concurrency", func(t *testing.T) {
		runner := &fakeRunner{
			pending:   []string{"a", "b", "c", "d", "e", "f"},
			processed: map[string]int{},
		}
		wp := NewWithdrawalProcessor(runner, 5*time.Millisecond, 2, zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- wp.Start(ctx) }()

		wp.Notify("g")
		require.Eventually(t, func() bool { return runner.count() == 7 }, 2*time.Second, 5*time.Millisecond)
		cancel()
		assert.NoError(t, <-done)

		assert.LessOrEqual(t, runner.peak.Load(), int32(2))
		for id, n := range runner.processed {
			assert.Equal(t, 1, n, id)
		}
	})

	t.Run("should not block on a full queue", func(t *testing.T) {
		wp := NewWithdrawalProcessor(&fakeRunner{processed: map[string]int{}}, time.Hour, 1, zap.NewNop())
		for i := 0; i < 300; i++ {
			wp.Notify("x")
		}
		assert.Len(t, wp.queue, cap(wp.queue))
	})
}

type fakeSweeper struct {
	sweeps atomic.Int32
	stuck  time.Duration
}

func (f *fakeSweeper) RefreshGauge(ctx context.Context) int { return 1 }

func (f *fakeSweeper) SweepStuck(ctx context.Context, olderThan time.Duration, limit int) (int, int, error) {
	f.stuck = olderThan
	f.sweeps.Add(1)
	return 0, 0, nil
}

func TestReviewReporter(t *testing.T) {
	sweeper := &fakeSweeper{}
	rr := NewReviewReporter(sweeper, time.Hour, 0, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rr.Start(ctx) }()

	require.Eventually(t, func() bool { return sweeper.sweeps.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, 10*time.Minute, sweeper.stuck)
}
