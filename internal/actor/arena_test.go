package actor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomhaye/vaultsync/internal/identity"
)

func testID(key string) identity.ObjectID {
	return identity.DeriveObjectID("test", "alice", key)
}

func TestArena_RunsSubmittedWork(t *testing.T) {
	a := NewArena(0)
	defer a.Close()

	ran := false
	err := a.Do(context.Background(), testID("pk-1"), func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestArena_PropagatesWorkError(t *testing.T) {
	a := NewArena(0)
	defer a.Close()

	want := errors.New("boom")
	err := a.Do(context.Background(), testID("pk-1"), func(context.Context) error {
		return want
	})
	assert.ErrorIs(t, err, want)
}

// TestArena_FIFOPerID verifies effects for one id are observable in
// acceptance order even when submitted from many goroutines.
func TestArena_FIFOPerID(t *testing.T) {
	a := NewArena(0)
	defer a.Close()

	id := testID("pk-1")
	const n = 100

	// Hold the actor on a gate task so subsequent submissions queue up.
	gate := make(chan struct{})
	started := make(chan struct{})
	go a.Do(context.Background(), id, func(context.Context) error {
		close(started)
		<-gate
		return nil
	})
	<-started

	// Acceptance order is the submit order; submit directly so it is known.
	var order []int
	last := task{done: make(chan struct{})}
	for i := 0; i < n; i++ {
		i := i
		tk := task{done: make(chan struct{})}
		tk.run = func() {
			defer close(tk.done)
			order = append(order, i)
		}
		require.NoError(t, a.submit(id.String(), tk))
		if i == n-1 {
			last = tk
		}
	}

	close(gate)
	select {
	case <-last.done:
	case <-time.After(2 * time.Second):
		t.Fatal("queued work never drained")
	}

	require.Len(t, order, n)
	for i, got := range order {
		assert.Equal(t, i, got, "effect %d applied out of order", i)
	}
}

// TestArena_IdsRunIndependently verifies a blocked actor does not stall
// work addressed to a different id.
func TestArena_IdsRunIndependently(t *testing.T) {
	a := NewArena(0)
	defer a.Close()

	release := make(chan struct{})
	blockedStarted := make(chan struct{})
	go a.Do(context.Background(), testID("pk-blocked"), func(context.Context) error {
		close(blockedStarted)
		<-release
		return nil
	})
	<-blockedStarted

	done := make(chan struct{})
	go func() {
		a.Do(context.Background(), testID("pk-free"), func(context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("independent id was blocked behind another actor")
	}
	close(release)
}

func TestArena_IdleEviction(t *testing.T) {
	a := NewArena(20 * time.Millisecond)
	defer a.Close()

	id := testID("pk-1")
	require.NoError(t, a.Do(context.Background(), id, func(context.Context) error { return nil }))
	assert.Equal(t, 1, a.Len())

	// Context evicts after the idle timeout.
	assert.Eventually(t, func() bool { return a.Len() == 0 }, time.Second, 5*time.Millisecond)

	// Eviction is transparent: the next call recreates the context.
	require.NoError(t, a.Do(context.Background(), id, func(context.Context) error { return nil }))
	assert.Equal(t, 1, a.Len())
}

func TestArena_DoAfterCloseFails(t *testing.T) {
	a := NewArena(0)
	a.Close()

	err := a.Do(context.Background(), testID("pk-1"), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestArena_CloseDrainsAcceptedWork(t *testing.T) {
	a := NewArena(0)

	var mu sync.Mutex
	count := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Do(context.Background(), testID("pk-1"), func(context.Context) error {
				mu.Lock()
				count++
				mu.Unlock()
				return nil
			})
		}()
	}

	// Let submissions land before closing.
	time.Sleep(50 * time.Millisecond)
	a.Close()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, count)
}

func TestArena_CancelledWaiterStillRuns(t *testing.T) {
	a := NewArena(0)
	defer a.Close()

	id := testID("pk-1")
	release := make(chan struct{})
	started := make(chan struct{})
	go a.Do(context.Background(), id, func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	// The second call queues behind the blocked one; cancel its waiter.
	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Do(ctx, id, func(context.Context) error {
			close(ran)
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// At-least-once: the accepted effect still executes after release.
	close(release)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("accepted task never ran after caller cancellation")
	}
}
