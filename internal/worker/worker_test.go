package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"possync/internal/gateway/broker"
	"possync/internal/gateway/broker/brokertest"
	"possync/internal/pkg/circuit"
	"possync/internal/queue"
	"possync/internal/retry"
	"possync/internal/store/memstore"
	"possync/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func enqueueN(t *testing.T, q *queue.Queue, n, tier int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := q.Enqueue(context.Background(), types.Contract{ID: fmt.Sprintf("c%02d", i), Symbol: "SPY"}, tier)
		require.NoError(t, err)
	}
}

func TestRunOnceDrainsInBatches(t *testing.T) {
	ctx := context.Background()
	b := brokertest.New()
	q := queue.New(memstore.NewQueue(), queue.Config{MaxRetries: 3})
	snaps := memstore.NewSnapshots()
	w := New(b, q, snaps, fastPolicy(3), Config{BatchSize: 10, MaxTier: 3})
	enqueueN(t, q, 25, 2)

	var sizes []int
	for q.Len() > 0 {
		sizes = append(sizes, w.RunOnce(ctx).Success)
	}
	assert.Equal(t, []int{10, 10, 5}, sizes)
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("c%02d", i)
		assert.Equal(t, 1, b.FetchCalls(id), id)
		snap, err := snaps.Latest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.SourceBatch, snap.Source)
	}
	assert.Equal(t, Stats{TotalProcessed: 25, TotalSuccess: 25}, w.Stats())
}

func TestRetryableFailureExhaustsToPermanentFailure(t *testing.T) {
	ctx := context.Background()
	b := brokertest.New()
	b.FetchFn = func(context.Context, types.Contract) (types.PositionSnapshot, error) {
		return types.PositionSnapshot{}, broker.NewError("fetch", broker.CodeConnectivityLost, "connectivity lost")
	}
	q := queue.New(memstore.NewQueue(), queue.Config{MaxRetries: 2})
	w := New(b, q, memstore.NewSnapshots(), fastPolicy(2), Config{BatchSize: 10, MaxTier: 3})
	enqueueN(t, q, 1, 2)

	cycles := 0
	for q.Len() > 0 && cycles < 10 {
		w.RunOnce(ctx)
		cycles++
	}
	assert.Equal(t, 3, cycles)
	assert.Equal(t, 6, b.FetchCalls("c00"))
	failures, err := q.PermanentFailures(ctx, 0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "connection", failures[0].Category)
	assert.Equal(t, int64(3), w.Stats().TotalFailed)
}

func TestContractNotFoundAttemptedOnce(t *testing.T) {
	ctx := context.Background()
	b := brokertest.New()
	b.FetchFn = func(context.Context, types.Contract) (types.PositionSnapshot, error) {
		return types.PositionSnapshot{}, broker.NewError("fetch", broker.CodeNoSecurityDef, "No security definition has been found")
	}
	q := queue.New(memstore.NewQueue(), queue.Config{MaxRetries: 5})
	w := New(b, q, memstore.NewSnapshots(), fastPolicy(3), Config{BatchSize: 10, MaxTier: 3})
	enqueueN(t, q, 1, 2)

	res := w.RunOnce(ctx)
	assert.Equal(t, 1, res.Permanent)
	assert.Equal(t, 1, b.FetchCalls("c00"))
	assert.False(t, q.Contains("c00"))
}

func TestBatchNeverOverwritesNewerStreamedSnapshot(t *testing.T) {
	ctx := context.Background()
	t2 := time.Date(2026, 5, 1, 15, 0, 10, 0, time.UTC)
	t1 := t2.Add(-5 * time.Second)
	snaps := memstore.NewSnapshots()
	_, err := snaps.Reconcile(ctx, types.PositionSnapshot{ContractID: "c00", MarketPrice: 2, Timestamp: t2, Source: types.SourceStreamed})
	require.NoError(t, err)

	b := brokertest.New()
	b.FetchFn = func(_ context.Context, c types.Contract) (types.PositionSnapshot, error) {
		return types.PositionSnapshot{ContractID: c.ID, MarketPrice: 1, Timestamp: t1}, nil
	}
	q := queue.New(memstore.NewQueue(), queue.Config{})
	w := New(b, q, snaps, fastPolicy(1), Config{BatchSize: 10, MaxTier: 3})
	enqueueN(t, q, 1, 2)

	res := w.RunOnce(ctx)
	assert.Equal(t, 1, res.Stale)
	assert.Equal(t, 1, res.Success)
	cur, err := snaps.Latest(ctx, "c00")
	require.NoError(t, err)
	assert.Equal(t, t2, cur.Timestamp)
	assert.Equal(t, types.SourceStreamed, cur.Source)
}

func TestOpenBreakerSkipsBatch(t *testing.T) {
	ctx := context.Background()
	b := brokertest.New()
	q := queue.New(memstore.NewQueue(), queue.Config{})
	cb := circuit.NewCircuitBreaker("broker", 1, time.Hour)
	cb.RecordFailure()
	w := New(b, q, memstore.NewSnapshots(), fastPolicy(1), Config{BatchSize: 10, MaxTier: 3}).WithBreaker(cb)
	enqueueN(t, q, 3, 2)

	res := w.RunOnce(ctx)
	assert.Equal(t, 0, res.Dequeued)
	assert.Equal(t, 3, q.Len())
}

func TestStopWaitsForInFlightBatch(t *testing.T) {
	b := brokertest.New()
	entered := make(chan struct{}, 1)
	b.FetchFn = func(_ context.Context, c types.Contract) (types.PositionSnapshot, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		time.Sleep(50 * time.Millisecond)
		return types.PositionSnapshot{ContractID: c.ID, Timestamp: time.Now().UTC()}, nil
	}
	q := queue.New(memstore.NewQueue(), queue.Config{})
	w := New(b, q, memstore.NewSnapshots(), fastPolicy(1), Config{
		Interval: time.Hour, BatchSize: 2, MaxTier: 3, DrainTimeout: time.Second, RunImmediately: true,
	})
	enqueueN(t, q, 2, 2)

	require.NoError(t, w.Start(context.Background()))
	<-entered
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))

	assert.Equal(t, int64(2), w.Stats().TotalSuccess)
	assert.Equal(t, 0, q.Len()+q.InFlight())
}

func TestDrainTimeoutReleasesWithoutCountingAttempt(t *testing.T) {
	b := brokertest.New()
	entered := make(chan struct{}, 1)
	b.FetchFn = func(ctx context.Context, _ types.Contract) (types.PositionSnapshot, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return types.PositionSnapshot{}, ctx.Err()
	}
	q := queue.New(memstore.NewQueue(), queue.Config{MaxRetries: 0})
	w := New(b, q, memstore.NewSnapshots(), fastPolicy(1), Config{
		Interval: time.Hour, BatchSize: 2, MaxTier: 3, DrainTimeout: 20 * time.Millisecond, RunImmediately: true,
	})
	enqueueN(t, q, 2, 2)

	require.NoError(t, w.Start(context.Background()))
	<-entered
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))

	pending := q.Pending()
	require.Len(t, pending, 2)
	for _, it := range pending {
		assert.Equal(t, 0, it.RetryCount, it.Contract.ID)
		assert.Empty(t, it.LastErrorCategory, it.Contract.ID)
	}
	failures, err := q.PermanentFailures(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, int64(0), w.Stats().TotalFailed)
}
