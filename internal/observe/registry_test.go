// ABOUTME: Tests for the table-version registry and live queries
// ABOUTME: Covers fan-out, table isolation, coalescing, cancellation and Watch re-runs

package observe

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func assertSilent(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpected notification")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegistry_PublishWakesSubscriber(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	ch, _ := r.Subscribe(t.Context(), "statuses")
	r.Publish("statuses")

	receive(t, ch)
}

func TestRegistry_TablesAreIsolated(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	statuses, _ := r.Subscribe(t.Context(), "statuses")
	filters, _ := r.Subscribe(t.Context(), "filters")

	r.Publish("statuses", "accounts")

	receive(t, statuses)
	assertSilent(t, filters)
}

func TestRegistry_MultipleSubscribersSameTable(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	ch1, _ := r.Subscribe(t.Context(), "timelines")
	ch2, _ := r.Subscribe(t.Context(), "timelines", "statuses")

	r.Publish("timelines")

	receive(t, ch1)
	receive(t, ch2)
}

func TestRegistry_WakeupsCoalesce(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	ch, _ := r.Subscribe(t.Context(), "statuses")
	for range 50 {
		r.Publish("statuses")
	}

	receive(t, ch)
	assertSilent(t, ch)
	assert.Equal(t, uint64(50), r.Versions("statuses")["statuses"])
}

func TestRegistry_VersionsUnpublishedTableIsZero(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	r.Publish("accounts")
	snap := r.Versions("accounts", "filters")

	assert.Equal(t, Snapshot{"accounts": 1, "filters": 0}, snap)
}

func TestSnapshot_Equal(t *testing.T) {
	a := Snapshot{"accounts": 1, "statuses": 2}

	assert.True(t, a.Equal(Snapshot{"statuses": 2, "accounts": 1}))
	assert.False(t, a.Equal(Snapshot{"accounts": 1, "statuses": 3}))
	assert.False(t, a.Equal(Snapshot{"accounts": 1}))
	assert.False(t, a.Equal(Snapshot{"accounts": 1, "filters": 2}))
}

func TestRegistry_ContextCancellationCleansUp(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, subID := r.Subscribe(ctx, "statuses")

	r.mu.RLock()
	_, exists := r.subs[subID]
	r.mu.RUnlock()
	assert.True(t, exists, "subscription should exist before cancel")

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}

	r.mu.RLock()
	_, exists = r.subs[subID]
	r.mu.RUnlock()
	assert.False(t, exists, "subscription should be removed after context cancel")
}

func TestRegistry_NoDeliveryAfterUnsubscribe(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	ch, subID := r.Subscribe(t.Context(), "statuses")
	r.Unsubscribe(subID)

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")

	// Must not panic on the closed channel.
	r.Publish("statuses")
	r.Unsubscribe(subID)
}

func TestRegistry_CloseClosesAllSubscriptions(t *testing.T) {
	r := NewRegistry(nil)

	ch1, _ := r.Subscribe(t.Context(), "accounts")
	ch2, _ := r.Subscribe(t.Context(), "filters")

	r.Close()

	for i, ch := range []<-chan struct{}{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channel %d should be closed after Close()", i)
		case <-time.After(time.Second):
			t.Fatalf("channel %d not closed after Close()", i)
		}
	}

	late, _ := r.Subscribe(t.Context(), "accounts")
	_, ok := <-late
	assert.False(t, ok, "subscribing to a closed registry yields a closed channel")
}

func TestRegistry_RemovalEndsContextWatchers(t *testing.T) {
	baseline := runtime.NumGoroutine()

	r := NewRegistry(nil)
	var ids []string
	for range 50 {
		// Contexts that are never cancelled.
		_, subID := r.Subscribe(context.Background(), "statuses")
		ids = append(ids, subID)
	}
	for _, subID := range ids[:25] {
		r.Unsubscribe(subID)
	}
	r.Close()

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline
	}, 2*time.Second, 10*time.Millisecond, "unsubscribed or closed subscriptions left goroutines behind")
}

func TestRegistry_ConcurrentPublishSubscribe(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()
			ch, _ := r.Subscribe(ctx, "statuses")
			for range 5 {
				select {
				case <-ch:
				case <-time.After(200 * time.Millisecond):
					return
				}
			}
		})
	}
	for range 10 {
		wg.Go(func() {
			for range 20 {
				r.Publish("statuses")
			}
		})
	}
	wg.Wait()

	assert.Equal(t, uint64(200), r.Versions("statuses")["statuses"])
}

func next[T any](t *testing.T, ch <-chan Result[T]) Result[T] {
	t.Helper()
	select {
	case res, ok := <-ch:
		require.True(t, ok, "watch channel closed unexpectedly")
		return res
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch result")
	}
	return Result[T]{}
}

func TestWatch_EmitsInitialAndOnChange(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	var calls atomic.Int64
	fetch := func(ctx context.Context) (int64, error) {
		return calls.Add(1), nil
	}

	results := Watch(t.Context(), r, []string{"statuses"}, fetch)

	assert.Equal(t, int64(1), next(t, results).Value)

	r.Publish("statuses")
	assert.Equal(t, int64(2), next(t, results).Value)

	// Unrelated tables do not re-run the query.
	r.Publish("filters")
	select {
	case res := <-results:
		t.Fatalf("unexpected emission %v", res)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, int64(2), calls.Load())
}

func TestWatch_DeliversFetchErrors(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	boom := errors.New("boom")
	fail := true
	var mu sync.Mutex
	fetch := func(ctx context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			fail = false
			return "", boom
		}
		return "ok", nil
	}

	results := Watch(t.Context(), r, []string{"accounts"}, fetch)

	first := next(t, results)
	assert.ErrorIs(t, first.Err, boom)

	r.Publish("accounts")
	second := next(t, results)
	require.NoError(t, second.Err)
	assert.Equal(t, "ok", second.Value)
}

func TestWatch_ClosesOnCancel(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	results := Watch(ctx, r, []string{"statuses"}, func(ctx context.Context) (int, error) {
		return 1, nil
	})
	next(t, results)

	cancel()

	select {
	case _, ok := <-results:
		assert.False(t, ok, "watch channel should close after cancel")
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}
