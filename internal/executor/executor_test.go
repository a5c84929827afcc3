package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mail-triage/internal/model"
	"github.com/sells-group/mail-triage/internal/resilience"
)

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func sleepTasks(n int, d time.Duration) []Task[string] {
	tasks := make([]Task[string], n)
	for i := range tasks {
		id := fmt.Sprintf("item-%03d", i)
		tasks[i] = Task[string]{ID: id, Run: func(ctx context.Context) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(d):
				return id, nil
			}
		}}
	}
	return tasks
}

func TestExecute_ConcurrencyBound(t *testing.T) {
	e := New(Config{Concurrency: 4, Retry: fastRetry(1)})

	outcomes, err := Execute(context.Background(), e, sleepTasks(100, 5*time.Millisecond), nil)
	require.NoError(t, err)
	require.Len(t, outcomes, 100)

	for i, o := range outcomes {
		assert.True(t, o.OK(), o.ID)
		assert.Equal(t, fmt.Sprintf("item-%03d", i), o.Value, "outcomes are in task order")
		assert.Equal(t, 1, o.Attempts)
	}

	stats := e.Stats()
	assert.LessOrEqual(t, stats.PeakInFlight, int64(4))
	assert.Greater(t, stats.PeakInFlight, int64(1))
	assert.Equal(t, int64(100), stats.Started)
	assert.Equal(t, int64(100), stats.Completed)
}

func TestExecute_HungCallIsIsolated(t *testing.T) {
	e := New(Config{Concurrency: 2, Timeout: 30 * time.Millisecond, Retry: fastRetry(1)})

	tasks := sleepTasks(6, time.Millisecond)
	tasks[0].Run = func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	start := time.Now()
	outcomes, err := Execute(context.Background(), e, tasks, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.False(t, outcomes[0].OK())
	assert.Equal(t, model.FailureTimeout, outcomes[0].Kind)
	for _, o := range outcomes[1:] {
		assert.True(t, o.OK(), o.ID)
	}
}

func TestExecute_RetriesTimeoutThenSucceeds(t *testing.T) {
	e := New(Config{Concurrency: 1, Timeout: 20 * time.Millisecond, Retry: fastRetry(3)})

	var calls atomic.Int32
	tasks := []Task[string]{{ID: "slow-once", Run: func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "ok", nil
	}}}

	outcomes, err := Execute(context.Background(), e, tasks, nil)
	require.NoError(t, err)
	assert.True(t, outcomes[0].OK())
	assert.Equal(t, "ok", outcomes[0].Value)
	assert.Equal(t, 2, outcomes[0].Attempts)
}

func TestExecute_TaskTimeoutOverridesConfig(t *testing.T) {
	e := New(Config{Concurrency: 2, Timeout: time.Second, Retry: fastRetry(1)})

	hang := func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	tasks := []Task[string]{{ID: "short", Run: hang, Timeout: 20 * time.Millisecond}}

	start := time.Now()
	outcomes, err := Execute(context.Background(), e, tasks, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, model.FailureTimeout, outcomes[0].Kind)
}

func TestExecute_ParseFailureNotRetried(t *testing.T) {
	e := New(Config{Concurrency: 1, Retry: fastRetry(3)})

	var calls atomic.Int32
	tasks := []Task[string]{{ID: "bad", Run: func(context.Context) (string, error) {
		calls.Add(1)
		return "", resilience.ParseFailure(errors.New("no json"))
	}}}

	outcomes, err := Execute(context.Background(), e, tasks, nil)
	require.NoError(t, err)
	assert.Equal(t, model.FailureParse, outcomes[0].Kind)
	assert.Equal(t, 1, outcomes[0].Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_CanceledBeforeStart(t *testing.T) {
	e := New(Config{Concurrency: 2, Retry: fastRetry(1)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes, err := Execute(ctx, e, sleepTasks(5, time.Millisecond), nil)
	require.NoError(t, err)
	require.Len(t, outcomes, 5)
	for _, o := range outcomes {
		assert.Equal(t, model.FailureCanceled, o.Kind)
		assert.Equal(t, 0, o.Attempts)
	}
	assert.Equal(t, int64(0), e.Stats().Started)
}

func TestExecute_FatalOnDoneStopsBatch(t *testing.T) {
	e := New(Config{Concurrency: 1, Retry: fastRetry(1)})
	writeErr := resilience.StoreWriteFailure(errors.New("disk full"))

	var seen []string
	outcomes, err := Execute(context.Background(), e, sleepTasks(5, time.Millisecond), func(o Outcome[string]) error {
		seen = append(seen, o.ID)
		if o.ID == "item-001" {
			return writeErr
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, model.FailureStoreWrite, resilience.KindOf(err))

	require.Len(t, outcomes, 5)
	assert.Len(t, seen, 5, "every task still reports an outcome")
	assert.True(t, outcomes[0].OK())
	for _, o := range outcomes[2:] {
		assert.Equal(t, model.FailureCanceled, o.Kind, o.ID)
	}
}

func TestExecute_BatchDelay(t *testing.T) {
	e := New(Config{Concurrency: 2, BatchDelay: 40 * time.Millisecond, Retry: fastRetry(1)})
	ctx := context.Background()

	start := time.Now()
	_, err := Execute(ctx, e, sleepTasks(2, 0), nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 40*time.Millisecond, "first run is not delayed")

	start = time.Now()
	_, err = Execute(ctx, e, sleepTasks(2, 0), nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestExecute_RatePacing(t *testing.T) {
	e := New(Config{Concurrency: 1, RatePerSec: 50, Retry: fastRetry(1)})

	start := time.Now()
	outcomes, err := Execute(context.Background(), e, sleepTasks(6, 0), nil)
	require.NoError(t, err)
	for _, o := range outcomes {
		assert.True(t, o.OK())
	}
	// Burst of 1, then 5 more at 20ms intervals.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestExecute_Empty(t *testing.T) {
	outcomes, err := Execute[string](context.Background(), New(Config{}), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestNew_Defaults(t *testing.T) {
	assert.Equal(t, 1, New(Config{}).Concurrency())
}
