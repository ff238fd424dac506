package actor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tomhaye/vaultsync/internal/identity"
)

// ErrClosed is returned by Do after the arena has shut down.
var ErrClosed = errors.New("actor arena is closed")

// DefaultIdleEviction is how long a context may sit idle before its
// goroutine exits and its map entry is reclaimed.
const DefaultIdleEviction = 5 * time.Minute

// Arena routes work to per-ObjectID serialized execution contexts.
//
// Work submitted for the same id runs in FIFO acceptance order on one
// goroutine; distinct ids run independently in parallel. Contexts are
// created lazily and evicted after IdleEviction of inactivity.
type Arena struct {
	idleEviction time.Duration

	mu       sync.Mutex
	contexts map[string]*mailbox
	closed   bool
	wg       sync.WaitGroup
}

// NewArena creates an empty arena. idleEviction <= 0 selects the default.
func NewArena(idleEviction time.Duration) *Arena {
	if idleEviction <= 0 {
		idleEviction = DefaultIdleEviction
	}
	return &Arena{
		idleEviction: idleEviction,
		contexts:     make(map[string]*mailbox),
	}
}

// Do runs fn on the id's serialized context and returns its error.
//
// The caller suspends until fn has run, queued behind any earlier calls to
// the same id but never behind calls to other ids. If ctx is cancelled while
// waiting, Do returns ctx.Err() - the accepted fn still runs (at-least-once),
// so effects submitted through the arena must be idempotent.
func (a *Arena) Do(ctx context.Context, id identity.ObjectID, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var runErr error
	t := task{done: make(chan struct{})}
	t.run = func() {
		defer close(t.done)
		runErr = fn(ctx)
	}

	if err := a.submit(id.String(), t); err != nil {
		return err
	}

	select {
	case <-t.done:
		return runErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit enqueues a task, creating the id's context if absent.
// Creation, enqueue, and eviction all hold a.mu, so a task can never land
// in a context that eviction already removed from the map.
func (a *Arena) submit(key string, t task) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	mb := a.contexts[key]
	if mb == nil {
		mb = newMailbox()
		a.contexts[key] = mb
		a.wg.Add(1)
		go a.runContext(key, mb)
	}

	if !mb.Enqueue(t) {
		return ErrClosed
	}
	return nil
}

// runContext is the single logical thread of execution for one id.
func (a *Arena) runContext(key string, mb *mailbox) {
	defer a.wg.Done()

	idle := time.NewTimer(a.idleEviction)
	defer idle.Stop()

	for {
		if t, ok := mb.TryDequeue(); ok {
			t.run()
			resetTimer(idle, a.idleEviction)
			continue
		}

		select {
		case _, open := <-mb.Wait():
			if !open {
				// Shutdown: drain whatever was accepted, then exit.
				for {
					t, ok := mb.TryDequeue()
					if !ok {
						return
					}
					t.run()
				}
			}
		case <-idle.C:
			if a.tryEvict(key, mb) {
				return
			}
			idle.Reset(a.idleEviction)
		}
	}
}

// tryEvict removes an idle context from the arena.
// Holds a.mu so a concurrent submit either finds the entry still present or
// creates a fresh one - never enqueues into the evicted mailbox.
func (a *Arena) tryEvict(key string, mb *mailbox) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if mb.Len() > 0 {
		return false
	}
	if a.contexts[key] == mb {
		delete(a.contexts, key)
	}
	return true
}

// Len returns the number of live contexts. Used for diagnostics and tests.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.contexts)
}

// Close stops accepting work, drains accepted tasks, and waits for every
// context goroutine to exit.
func (a *Arena) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	for _, mb := range a.contexts {
		mb.Close()
	}
	a.contexts = make(map[string]*mailbox)
	a.mu.Unlock()

	a.wg.Wait()
}

// resetTimer restarts a timer, discarding a pending fire if necessary.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
