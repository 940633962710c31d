package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/types"
)

func echoWorker(name string) Worker {
	return NewWorkerFunc(name, func(ctx context.Context, input any) (*types.TaskResult, error) {
		return types.Succeeded("", input, nil), nil
	})
}

func TestWorkerPool_RegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()
	p := NewWorkerPool(zap.NewNop())
	require.NoError(t, p.Register(echoWorker("a"), WorkerOptions{}))
	err := p.Register(echoWorker("a"), WorkerOptions{})
	assert.True(t, types.IsCode(err, types.ErrValidation))
	assert.Equal(t, []string{"a"}, p.Names())
}

func TestWorkerPool_SelectWithoutWorkers(t *testing.T) {
	t.Parallel()
	p := NewWorkerPool(nil)
	_, err := p.Select(&types.Task{ID: "t"})
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestMetadataPolicy(t *testing.T) {
	t.Parallel()
	p := NewWorkerPool(nil)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, p.Register(echoWorker(name), WorkerOptions{}))
	}

	preferred := &types.Task{ID: "t", Metadata: map[string]any{types.MetaWorker: "c"}}
	for i := 0; i < 3; i++ {
		name, err := p.Select(preferred)
		require.NoError(t, err)
		assert.Equal(t, "c", name)
	}

	unknown := &types.Task{ID: "t", Metadata: map[string]any{types.MetaWorker: "zzz"}}
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		name, err := p.Select(unknown)
		require.NoError(t, err)
		seen[name] = true
	}
	assert.Len(t, seen, 3, "round-robin should visit every worker")
}

func TestWorkerPool_AdmissionGate(t *testing.T) {
	t.Parallel()
	var inFlight, peak atomic.Int32
	slow := NewWorkerFunc("slow", func(ctx context.Context, input any) (*types.TaskResult, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return types.Succeeded("", input, nil), nil
	})

	p := NewWorkerPool(nil)
	require.NoError(t, p.Register(slow, WorkerOptions{MaxConcurrent: 2}))

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Call(context.Background(), "slow", i)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestWorkerPool_BreakerRemovesFailingWorker(t *testing.T) {
	t.Parallel()
	failing := NewWorkerFunc("flaky", func(ctx context.Context, input any) (*types.TaskResult, error) {
		return nil, errors.New("backend down")
	})
	p := NewWorkerPool(nil, WithBreakerConfig(BreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Hour,
		HalfOpenProbes:   1,
		SuccessThreshold: 1,
	}))
	require.NoError(t, p.Register(failing, WorkerOptions{}))
	require.NoError(t, p.Register(echoWorker("steady"), WorkerOptions{}))

	for i := 0; i < 2; i++ {
		_, err := p.Call(context.Background(), "flaky", nil)
		require.Error(t, err)
	}

	tk := &types.Task{ID: "t", Metadata: map[string]any{types.MetaWorker: "flaky"}}
	for i := 0; i < 3; i++ {
		name, err := p.Select(tk)
		require.NoError(t, err)
		assert.Equal(t, "steady", name)
	}

	_, err := p.Call(context.Background(), "flaky", nil)
	assert.True(t, types.IsRetryable(err))

	stats := p.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "open", stats[0].Breaker)
	assert.Equal(t, "closed", stats[1].Breaker)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()
	now := time.Unix(0, 0)
	cb := newCircuitBreaker("w", BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		HalfOpenProbes:   1,
		SuccessThreshold: 1,
	}, zap.NewNop())
	cb.now = func() time.Time { return now }

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.Error(t, cb.Allow())

	now = now.Add(time.Second)
	assert.True(t, cb.Available())
	require.NoError(t, cb.Allow())
	assert.Equal(t, BreakerHalfOpen, cb.State())
	assert.Error(t, cb.Allow(), "only one half-open call allowed")

	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
}
