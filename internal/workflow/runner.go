package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tomhaye/vaultsync/internal/store"
)

// Checkpointer persists workflow step cursors. Implemented by *store.Store.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error
	LoadCheckpoint(ctx context.Context, workflow, key string) (store.Checkpoint, bool, error)
	DeleteCheckpoint(ctx context.Context, workflow, key string) error
}

// StepRetry bounds the per-step backoff schedule.
type StepRetry struct {
	Attempts   int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultStepRetry retries each step up to 5 times, 100ms doubling to 2s.
var DefaultStepRetry = StepRetry{
	Attempts:   5,
	BaseDelay:  100 * time.Millisecond,
	Multiplier: 2,
	MaxDelay:   2 * time.Second,
}

// Handle tracks one workflow instance. All callers that triggered the same
// running instance share the same handle.
type Handle struct {
	Workflow string
	Key      string

	done chan struct{}
	err  error // set before done closes
}

// Wait blocks until the instance reaches a terminal state or ctx expires.
// Returns nil on completion and *FailedError on terminal failure. Cancelling
// the wait does not cancel the workflow.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) resolve(err error) {
	h.err = err
	close(h.done)
}

func resolvedHandle(workflow, key string, err error) *Handle {
	h := &Handle{Workflow: workflow, Key: key, done: make(chan struct{})}
	h.resolve(err)
	return h
}

// Runner executes registered workflows with durable step cursors.
type Runner struct {
	reg   *Registry
	cps   Checkpointer
	retry StepRetry

	mu      sync.Mutex
	running map[string]*Handle
}

// NewRunner wires a runner to its registry and checkpoint store.
func NewRunner(reg *Registry, cps Checkpointer, retry StepRetry) *Runner {
	if retry.Attempts < 1 {
		retry = DefaultStepRetry
	}
	return &Runner{
		reg:     reg,
		cps:     cps,
		retry:   retry,
		running: make(map[string]*Handle),
	}
}

// Trigger starts (or resumes) the named workflow for key.
//
// Idempotent while running: a second trigger for the same (name, key) returns
// the in-flight handle, so concurrent triggers share exactly one execution.
// A previously failed instance stays terminal; its trigger returns a handle
// that immediately reports the failure.
//
// ctx covers the trigger itself (checkpoint access). The workflow body runs
// detached, surviving the caller.
func (r *Runner) Trigger(ctx context.Context, name, key string) (*Handle, error) {
	def, ok := r.reg.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	instance := name + "/" + key
	if h, ok := r.running[instance]; ok {
		return h, nil
	}

	cp, found, err := r.cps.LoadCheckpoint(ctx, name, key)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for %s: %w", instance, err)
	}

	cursor := 0
	if found {
		if cp.State == store.CheckpointFailed {
			step := "unknown"
			if cp.StepCursor < len(def.Steps) {
				step = def.Steps[cp.StepCursor].Name
			}
			return resolvedHandle(name, key, &FailedError{
				Workflow: name,
				Key:      key,
				Step:     step,
				Err:      fmt.Errorf("previously failed, not restarted"),
			}), nil
		}
		cursor = cp.StepCursor
	} else {
		if err := r.cps.SaveCheckpoint(ctx, store.Checkpoint{
			Workflow:   name,
			Key:        key,
			StepCursor: 0,
			State:      store.CheckpointRunning,
		}); err != nil {
			return nil, fmt.Errorf("recording workflow start for %s: %w", instance, err)
		}
	}

	h := &Handle{Workflow: name, Key: key, done: make(chan struct{})}
	r.running[instance] = h
	go r.run(def, key, cursor, h)
	return h, nil
}

// run executes steps from cursor onward, recording the cursor after each.
func (r *Runner) run(def Definition, key string, cursor int, h *Handle) {
	ctx := context.Background()
	instance := def.Name + "/" + key

	defer func() {
		r.mu.Lock()
		delete(r.running, instance)
		r.mu.Unlock()
	}()

	for i := cursor; i < len(def.Steps); i++ {
		step := def.Steps[i]
		if err := r.runStep(ctx, instance, step, key); err != nil {
			slog.Error("workflow step exhausted retries",
				"workflow", def.Name, "key", key, "step", step.Name, "error", err)
			if saveErr := r.cps.SaveCheckpoint(ctx, store.Checkpoint{
				Workflow:   def.Name,
				Key:        key,
				StepCursor: i,
				State:      store.CheckpointFailed,
			}); saveErr != nil {
				slog.Error("recording workflow failure", "workflow", def.Name, "key", key, "error", saveErr)
			}
			h.resolve(&FailedError{Workflow: def.Name, Key: key, Step: step.Name, Err: err})
			return
		}

		if err := r.cps.SaveCheckpoint(ctx, store.Checkpoint{
			Workflow:   def.Name,
			Key:        key,
			StepCursor: i + 1,
			State:      store.CheckpointRunning,
		}); err != nil {
			// The step's effect is durable but the cursor is not; the step
			// must tolerate a replay on resume, so fail here rather than
			// continue with an untracked cursor.
			h.resolve(&FailedError{Workflow: def.Name, Key: key, Step: step.Name, Err: err})
			return
		}
	}

	if err := r.cps.DeleteCheckpoint(ctx, def.Name, key); err != nil {
		slog.Warn("removing completed workflow checkpoint", "workflow", def.Name, "key", key, "error", err)
	}
	slog.Info("workflow complete", "workflow", def.Name, "key", key)
	h.resolve(nil)
}

// runStep retries one step with bounded exponential backoff.
func (r *Runner) runStep(ctx context.Context, instance string, step Step, key string) error {
	delay := r.retry.BaseDelay
	var err error
	for attempt := 1; attempt <= r.retry.Attempts; attempt++ {
		err = step.Run(ctx, key)
		if err == nil {
			return nil
		}
		if attempt == r.retry.Attempts {
			break
		}
		slog.Warn("workflow step failed, retrying",
			"instance", instance, "step", step.Name, "attempt", attempt, "error", err)
		time.Sleep(delay)
		delay = time.Duration(float64(delay) * r.retry.Multiplier)
		if r.retry.MaxDelay > 0 && delay > r.retry.MaxDelay {
			delay = r.retry.MaxDelay
		}
	}
	return err
}
