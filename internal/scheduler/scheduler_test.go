package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	job := func(context.Context) error { return nil }

	_, err := New(Config{Interval: time.Second}, nil)
	assert.Error(t, err, "nil job")
	_, err = New(Config{}, job)
	assert.Error(t, err, "zero interval")

	s, err := New(Config{Interval: time.Second}, job)
	require.NoError(t, err)
	assert.Equal(t, time.Second, s.cfg.Timeout, "timeout should default to interval")
}

func TestRun_ImmediateAndPeriodic(t *testing.T) {
	var calls atomic.Int64
	s, err := New(Config{Interval: 20 * time.Millisecond}, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)

	st := s.Stats()
	assert.GreaterOrEqual(t, int64(st.Runs), int64(3))
	assert.Zero(t, st.Failures)
	assert.False(t, st.LastSuccess.IsZero())
}

func TestRun_NoOverlap(t *testing.T) {
	var active, maxActive atomic.Int64
	s, err := New(Config{Interval: 5 * time.Millisecond, Timeout: time.Second}, func(context.Context) error {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.Equal(t, int64(1), maxActive.Load(), "runs overlapped")
}

func TestRun_FailuresAndRecovery(t *testing.T) {
	var calls atomic.Int64
	boom := errors.New("boom")

	s, err := New(Config{Interval: time.Hour}, func(context.Context) error {
		switch calls.Add(1) {
		case 1:
			return boom
		case 2:
			panic("bad job")
		default:
			return nil
		}
	})
	require.NoError(t, err)

	ctx := context.Background()

	s.execute(ctx)
	st := s.Stats()
	assert.EqualValues(t, 1, st.Failures)
	assert.EqualValues(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, "boom", st.LastError)

	s.execute(ctx)
	st = s.Stats()
	assert.EqualValues(t, 2, st.Failures)
	assert.EqualValues(t, 2, st.ConsecutiveFailures)
	assert.Equal(t, "panic: bad job", st.LastError)

	s.execute(ctx)
	st = s.Stats()
	assert.EqualValues(t, 3, st.Runs)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.False(t, st.LastSuccess.IsZero())
}

func TestRun_Timeout(t *testing.T) {
	s, err := New(Config{Interval: time.Hour, Timeout: 10 * time.Millisecond}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	s.execute(context.Background())
	st := s.Stats()
	assert.EqualValues(t, 1, st.Failures)
	assert.Equal(t, context.DeadlineExceeded.Error(), st.LastError)
}

func TestTrigger(t *testing.T) {
	var calls atomic.Int64
	s, err := New(Config{Interval: time.Hour}, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	// Collapses while nobody is receiving.
	s.Trigger()
	s.Trigger()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, int64(2), calls.Load(), "immediate run plus one triggered run")
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	var calls atomic.Int64
	s, err := New(Config{Interval: time.Hour}, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Run(ctx)

	assert.Zero(t, calls.Load())
}
