package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tomhaye/vaultsync/internal/observability"
)

// State is the pool lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateShuttingDown
	StateTerminated
)

// String implements fmt.Stringer for log and error output.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// DefaultInvokeTimeout bounds how long Invoke blocks for a result.
const DefaultInvokeTimeout = 30 * time.Second

// DefaultResultCacheSize bounds the idempotency record. Oldest entries are
// evicted first, so a key older than the cap loses replay protection.
const DefaultResultCacheSize = 4096

// Options configures a Pool.
type Options struct {
	// Workers is the number of resident worker goroutines. Min 1.
	Workers int
	// Capacity is the total cost weight runnable at once. Zero means Workers.
	Capacity int
	// InvokeTimeout bounds Invoke's wait for a result. Zero means default.
	InvokeTimeout time.Duration
	// ResultCacheSize caps retained idempotency results. Zero means default.
	ResultCacheSize int
	// Correlation generates invoke correlation ids. Nil means UUIDv7.
	Correlation CorrelationGenerator
	// Metrics receives dispatch counters. Nil disables.
	Metrics *observability.Registry
}

// item is one queued request plus its completion channel.
type item struct {
	req    Request
	plan   Plan
	emit   bool
	respCh chan Response // buffered 1; nil for emit
}

// Pool dispatches tagged requests to a bounded set of workers.
// Construct with NewPool, then call Init before submitting work.
type Pool struct {
	table         *Table
	workers       int
	capacity      int
	invokeTimeout time.Duration
	corr          CorrelationGenerator
	metrics       *observability.Registry

	mu      sync.Mutex
	state   State
	pending map[string]int           // queued+running per tag, bounded by plan
	space   map[string]chan struct{} // per-tag queue-space signals
	work    chan *item

	workersWg sync.WaitGroup

	capMu   sync.Mutex
	capCond *sync.Cond
	running int // cost units currently executing

	resMu    sync.Mutex
	results  map[string]Response // completed invokes by idempotency key
	resOrder []string            // insertion order, oldest first
	resCap   int
}

// NewPool creates a pool over an immutable plan table.
// The pool is Uninitialized until Init is called.
func NewPool(table *Table, opts Options) *Pool {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	capacity := opts.Capacity
	if capacity < 1 {
		capacity = workers
	}
	timeout := opts.InvokeTimeout
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	corr := opts.Correlation
	if corr == nil {
		corr = UUIDv7Generator{}
	}
	resCap := opts.ResultCacheSize
	if resCap < 1 {
		resCap = DefaultResultCacheSize
	}

	p := &Pool{
		table:         table,
		workers:       workers,
		capacity:      capacity,
		invokeTimeout: timeout,
		corr:          corr,
		metrics:       opts.Metrics,
		pending:       make(map[string]int),
		space:         make(map[string]chan struct{}),
		results:       make(map[string]Response),
		resCap:        resCap,
	}
	p.capCond = sync.NewCond(&p.capMu)
	return p
}

// Init brings the pool to Ready: sizes the queue, pre-warms the workers.
// Invoke and Emit fail with NotReadyError until Init returns.
func (p *Pool) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateUninitialized:
	case StateReady:
		return nil // already initialized
	default:
		return fmt.Errorf("init from state %s", p.state)
	}
	p.state = StateInitializing

	// The queue buffer holds every admissible item: admission never exceeds
	// the per-plan bounds, so the channel send under p.mu cannot block.
	total := 0
	for _, tag := range p.table.Tags() {
		plan, _ := p.table.Lookup(tag)
		total += plan.QueueBound
	}
	p.work = make(chan *item, total)

	for i := 0; i < p.workers; i++ {
		p.workersWg.Add(1)
		go p.worker()
	}

	p.state = StateReady
	slog.Info("scheduler pool ready", "workers", p.workers, "capacity", p.capacity, "plans", len(p.table.Tags()))
	return nil
}

// State returns the current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Invoke submits a request and suspends until the matching worker result.
//
// The wait is bounded by ctx and the pool's invoke timeout. Cancelling the
// wait does not cancel an accepted request - the effect may still run, so a
// retried invoke should carry the same IdempotencyKey: a completed result is
// replayed from the idempotency record without re-running the effect.
func (p *Pool) Invoke(ctx context.Context, req Request) (Response, error) {
	plan, ok := p.table.Lookup(req.Tag)
	if !ok {
		return Response{}, fmt.Errorf("%w: %q", ErrUnknownTag, req.Tag)
	}
	if req.CorrelationID == "" {
		req.CorrelationID = p.corr.Generate()
	}

	if req.IdempotencyKey != "" {
		p.resMu.Lock()
		cached, hit := p.results[req.IdempotencyKey]
		p.resMu.Unlock()
		if hit {
			p.count("invoke", req.Tag, "cached")
			return cached, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.invokeTimeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "scheduler.invoke",
		attribute.String("plan.tag", req.Tag))
	defer span.End()

	it := &item{req: req, plan: plan, respCh: make(chan Response, 1)}
	if err := p.admit(ctx, it, true); err != nil {
		p.count("invoke", req.Tag, "rejected")
		return Response{}, err
	}

	select {
	case resp := <-it.respCh:
		if resp.Err != nil {
			p.count("invoke", req.Tag, "error")
			return resp, resp.Err
		}
		p.count("invoke", req.Tag, "ok")
		return resp, nil
	case <-ctx.Done():
		p.count("invoke", req.Tag, "cancelled")
		return Response{}, ctx.Err()
	}
}

// Emit submits a request fire-and-forget.
//
// Returns immediately once the request is queued; the effect runs at least
// once subject to worker availability and is not cancellable afterwards. A
// full plan queue rejects with BackpressureError instead of blocking.
func (p *Pool) Emit(req Request) error {
	plan, ok := p.table.Lookup(req.Tag)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTag, req.Tag)
	}

	it := &item{req: req, plan: plan, emit: true}
	if err := p.admit(context.Background(), it, false); err != nil {
		p.count("emit", req.Tag, "rejected")
		return err
	}
	p.count("emit", req.Tag, "queued")
	return nil
}

// admit enforces lifecycle and per-plan queue bounds.
// With wait=true (invoke) a full queue blocks the caller until space or ctx
// expiry; with wait=false (emit) it rejects with BackpressureError.
func (p *Pool) admit(ctx context.Context, it *item, wait bool) error {
	for {
		p.mu.Lock()
		switch p.state {
		case StateReady:
		case StateUninitialized, StateInitializing:
			state := p.state
			p.mu.Unlock()
			return &NotReadyError{State: state}
		default:
			p.mu.Unlock()
			return &ShuttingDownError{}
		}

		tag := it.plan.Tag
		if p.pending[tag] < it.plan.QueueBound {
			p.pending[tag]++
			p.work <- it // buffered to the sum of bounds; never blocks here
			p.mu.Unlock()
			return nil
		}

		if !wait {
			bp := &BackpressureError{Tag: tag, Bound: it.plan.QueueBound, Pending: p.pending[tag]}
			p.mu.Unlock()
			return bp
		}

		spaceCh := p.spaceFor(tag)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-spaceCh:
		}
	}
}

// spaceFor returns the tag's queue-space signal channel. Callers hold p.mu.
func (p *Pool) spaceFor(tag string) chan struct{} {
	ch := p.space[tag]
	if ch == nil {
		ch = make(chan struct{}, 1)
		p.space[tag] = ch
	}
	return ch
}

// worker is one resident pool goroutine. Exits when the queue is closed
// and drained.
func (p *Pool) worker() {
	defer p.workersWg.Done()

	for it := range p.work {
		p.acquire(it.plan.Cost)
		p.runItem(it)
		p.release(it.plan.Cost)

		p.mu.Lock()
		p.pending[it.plan.Tag]--
		ch := p.spaceFor(it.plan.Tag)
		p.mu.Unlock()

		// Non-blocking - buffer of 1 coalesces multiple signals
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// runItem executes the handler, converts panics to failures, records
// idempotent results, and resolves any waiter.
func (p *Pool) runItem(it *item) {
	resp := Response{CorrelationID: it.req.CorrelationID}

	func() {
		defer func() {
			if r := recover(); r != nil {
				resp.Err = fmt.Errorf("worker crashed running plan %q: %v", it.plan.Tag, r)
			}
		}()
		h := it.plan.Handler
		if it.emit {
			h = it.plan.EmitHandler
		}
		// Handlers run detached from the submitting caller: an invoke
		// waiter that gave up must not cancel an accepted effect.
		resp.Payload, resp.Err = h(context.Background(), it.req.Payload)
	}()

	if !it.emit && resp.Err == nil && it.req.IdempotencyKey != "" {
		p.recordResult(it.req.IdempotencyKey, resp)
	}
	if it.emit && resp.Err != nil {
		slog.Warn("emitted task failed", "tag", it.plan.Tag, "error", resp.Err)
	}

	if it.respCh != nil {
		it.respCh <- resp
	}
}

// recordResult stores a completed invoke for replay, evicting the oldest
// entries once the cap is reached so the record stays bounded on long-lived
// pools.
func (p *Pool) recordResult(key string, resp Response) {
	p.resMu.Lock()
	defer p.resMu.Unlock()

	if _, exists := p.results[key]; !exists {
		p.resOrder = append(p.resOrder, key)
	}
	p.results[key] = resp

	for len(p.results) > p.resCap {
		oldest := p.resOrder[0]
		p.resOrder = p.resOrder[1:]
		delete(p.results, oldest)
	}
}

// acquire blocks until cost units of capacity are free.
// Costs above total capacity are clamped so the item can still run.
func (p *Pool) acquire(cost int) {
	if cost > p.capacity {
		cost = p.capacity
	}
	p.capMu.Lock()
	for p.running+cost > p.capacity {
		p.capCond.Wait()
	}
	p.running += cost
	p.capMu.Unlock()
}

func (p *Pool) release(cost int) {
	if cost > p.capacity {
		cost = p.capacity
	}
	p.capMu.Lock()
	p.running -= cost
	p.capCond.Broadcast()
	p.capMu.Unlock()
}

// Shutdown drains accepted work and terminates the pool.
// New Invoke/Emit calls fail with ShuttingDownError the moment shutdown
// begins; requests already accepted run to completion. Blocks until the
// drain finishes or ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateReady:
		p.state = StateShuttingDown
		close(p.work)
	case StateShuttingDown:
		// A concurrent Shutdown already closed the queue; fall through to wait.
	case StateUninitialized, StateInitializing:
		p.state = StateTerminated
		p.mu.Unlock()
		return nil
	case StateTerminated:
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workersWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.mu.Lock()
		p.state = StateTerminated
		p.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// count records a dispatch outcome.
func (p *Pool) count(mode, tag, result string) {
	p.metrics.IncCounter("scheduler_dispatch_total",
		map[string]string{"mode": mode, "tag": tag, "result": result}, 1)
}
