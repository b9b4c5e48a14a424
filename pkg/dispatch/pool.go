package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sttq/pkg/telemetry"
)

// Option configures a Pool.
type Option func(*Pool)

// WithGate sets the rate gate. Default: a fresh MemoryGate.
func WithGate(g Gate) Option {
	return func(p *Pool) { p.gate = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithResultHandler registers the callback receiving every TaskResult.
// Calls are serialized; the handler never runs concurrently with itself.
func WithResultHandler(fn func(TaskResult)) Option {
	return func(p *Pool) { p.onResult = fn }
}

// WithErrorMarkers replaces DefaultErrorMarkers.
func WithErrorMarkers(markers []string) Option {
	return func(p *Pool) { p.markers = markers }
}

// WithPrompt sets the system prompt sent with every task.
func WithPrompt(system string) Option {
	return func(p *Pool) { p.systemPrompt = system }
}

// WithRetireHandler registers a callback invoked when a provider retires.
func WithRetireHandler(fn func(Retirement)) Option {
	return func(p *Pool) { p.onRetire = fn }
}

type worker struct {
	cfg    ProviderConfig
	caller Caller
}

// Pool dispatches tasks to one worker per active provider.
//
// The shared queue is bounded to the number of live workers: Submit blocks
// while it is full. Tasks handed back by a retiring worker bypass the bound.
// State changes are broadcast by closing and replacing wake.
type Pool struct {
	gate         Gate
	logger       *slog.Logger
	onResult     func(TaskResult)
	onRetire     func(Retirement)
	markers      []string
	systemPrompt string
	nowFunc      func() time.Time

	workers []*worker
	retired []Retirement // providers that never started (Failed or connect error)

	mu        sync.Mutex
	wake      chan struct{}
	queue     []Task
	pending   int // submitted tasks without a delivered result
	alive     int // running workers
	started   bool
	closed    bool
	completed int
	wg        sync.WaitGroup

	resultMu sync.Mutex
}

// NewPool builds a pool over configs. connect creates the Caller for each
// provider not marked Failed; a provider whose connect fails is recorded as
// retired. It returns ErrNoProviders when no worker could be created.
func NewPool(configs []ProviderConfig, connect func(ProviderConfig) (Caller, error), opts ...Option) (*Pool, error) {
	p := &Pool{
		logger:  slog.Default(),
		markers: DefaultErrorMarkers,
		nowFunc: time.Now,
		wake:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.gate == nil {
		p.gate = NewMemoryGate()
	}

	for _, cfg := range configs {
		if cfg.Failed {
			p.retired = append(p.retired, Retirement{Provider: cfg.Name, Reason: "marked failed", At: p.nowFunc()})
			continue
		}
		caller, err := connect(cfg)
		if err != nil {
			p.logger.Warn("provider unavailable",
				slog.String("provider", cfg.Name),
				slog.String("error", err.Error()))
			p.retired = append(p.retired, Retirement{Provider: cfg.Name, Reason: err.Error(), At: p.nowFunc()})
			continue
		}
		p.workers = append(p.workers, &worker{cfg: cfg, caller: caller})
	}
	if len(p.workers) == 0 {
		return nil, fmt.Errorf("%w (%d configured)", ErrNoProviders, len(configs))
	}
	return p, nil
}

// Size returns the number of workers the pool starts with.
func (p *Pool) Size() int { return len(p.workers) }

// Start launches the workers. ctx is the run context: once it is cancelled
// workers finish their in-flight call and stop pulling tasks.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.alive = len(p.workers)
	for _, w := range p.workers {
		p.wg.Add(1)
		go p.runWorker(ctx, w)
	}
	p.logger.Info("dispatch pool started", slog.Int("workers", len(p.workers)))
}

// Submit enqueues a task, blocking while the queue holds as many tasks as
// there are live workers. Once every worker has retired the bound no longer
// applies and the task is accepted so Drain can report it.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		limit := p.alive
		if !p.started {
			limit = len(p.workers)
		}
		if limit == 0 || len(p.queue) < limit {
			p.queue = append(p.queue, task)
			p.pending++
			telemetry.DispatchQueueDepth.Set(float64(len(p.queue)))
			p.broadcastLocked()
			p.mu.Unlock()
			return nil
		}
		wake := p.wake
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
		p.mu.Lock()
	}
}

// Drain waits until every submitted task has a result or no worker is left,
// stops the workers and reports. Tasks still queued are delivered with
// ErrUnprocessed. If ctx ends first Drain stops waiting, lets in-flight calls
// finish and reports whatever is left as unprocessed.
func (p *Pool) Drain(ctx context.Context) Report {
	p.mu.Lock()
wait:
	for p.started && p.pending > 0 && p.alive > 0 {
		wake := p.wake
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			p.mu.Lock()
			break wait
		case <-wake:
		}
		p.mu.Lock()
	}
	p.closed = true
	p.broadcastLocked()
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	leftovers := p.queue
	p.queue = nil
	p.pending -= len(leftovers)
	telemetry.DispatchQueueDepth.Set(0)
	report := Report{
		Completed:   p.completed,
		Retired:     append([]Retirement(nil), p.retired...),
		Unprocessed: leftovers,
	}
	p.mu.Unlock()

	for _, task := range leftovers {
		telemetry.DispatchTasks.WithLabelValues("none", "unprocessed").Inc()
		p.deliver(TaskResult{Task: task, Err: ErrUnprocessed})
	}

	if len(leftovers) > 0 {
		ids := make([]string, len(leftovers))
		for i, t := range leftovers {
			ids[i] = t.ID
		}
		p.logger.Warn("dispatch finished with unprocessed tasks",
			slog.Int("unprocessed", len(leftovers)),
			slog.Any("task_ids", ids))
	}
	p.logger.Info("dispatch pool drained",
		slog.Int("completed", report.Completed),
		slog.Int("retired", len(report.Retired)),
		slog.Int("unprocessed", len(report.Unprocessed)))
	return report
}

// next pops a task for w, blocking while the queue is empty. It returns
// false when the pool is closing or ctx is done.
func (p *Pool) next(ctx context.Context) (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed || ctx.Err() != nil {
			return Task{}, false
		}
		if len(p.queue) > 0 {
			task := p.queue[0]
			p.queue = p.queue[1:]
			telemetry.DispatchQueueDepth.Set(float64(len(p.queue)))
			p.broadcastLocked()
			return task, true
		}
		wake := p.wake
		p.mu.Unlock()
		select {
		case <-ctx.Done():
		case <-wake:
		}
		p.mu.Lock()
	}
}

func (p *Pool) runWorker(ctx context.Context, w *worker) {
	defer p.wg.Done()
	name := w.cfg.Name
	log := p.logger.With(slog.String("provider", name))

	for {
		task, ok := p.next(ctx)
		if !ok {
			p.exitWorker()
			return
		}

		var outcome Outcome
		if err := p.gate.Wait(ctx, name, w.cfg.MinInterval); err != nil {
			if ctx.Err() != nil {
				// Run context ended while waiting for a slot; hand the task back.
				log.Debug("rate gate wait interrupted", slog.String("task", task.ID))
				p.requeue(task)
				p.exitWorker()
				return
			}
			outcome = Retire("rate gate: " + err.Error())
		} else {
			outcome = p.call(ctx, w, task)
		}
		if outcome.Retired() {
			r := Retirement{Provider: name, Reason: outcome.Reason, At: p.nowFunc()}
			log.Warn("provider retired, task requeued",
				slog.String("task", task.ID),
				slog.String("reason", outcome.Reason))
			telemetry.DispatchTasks.WithLabelValues(name, "requeued").Inc()
			telemetry.DispatchRetired.WithLabelValues(name).Inc()
			p.retire(task, r)
			return
		}

		log.Debug("task completed", slog.String("task", task.ID))
		telemetry.DispatchTasks.WithLabelValues(name, "completed").Inc()
		p.deliver(TaskResult{Task: task, Provider: name, Output: outcome.Output})

		p.mu.Lock()
		p.pending--
		p.completed++
		p.broadcastLocked()
		p.mu.Unlock()
	}
}

// call runs one provider call. The call is detached from the run context so
// a cancellation lets it finish; it is bounded by the provider timeout.
func (p *Pool) call(ctx context.Context, w *worker, task Task) Outcome {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.callTimeout())
	defer cancel()

	start := time.Now()
	out, err := w.caller.Complete(callCtx, p.systemPrompt, task.Payload)
	telemetry.DispatchCallSeconds.WithLabelValues(w.cfg.Name).Observe(time.Since(start).Seconds())
	return Classify(out, err, p.markers)
}

func (p *Pool) deliver(r TaskResult) {
	if p.onResult == nil {
		return
	}
	p.resultMu.Lock()
	defer p.resultMu.Unlock()
	p.onResult(r)
}

func (p *Pool) requeue(task Task) {
	p.mu.Lock()
	p.queue = append(p.queue, task)
	p.broadcastLocked()
	p.mu.Unlock()
}

func (p *Pool) retire(task Task, r Retirement) {
	p.mu.Lock()
	p.queue = append(p.queue, task)
	p.retired = append(p.retired, r)
	p.alive--
	p.broadcastLocked()
	p.mu.Unlock()

	if p.onRetire != nil {
		p.onRetire(r)
	}
}

func (p *Pool) exitWorker() {
	p.mu.Lock()
	p.alive--
	p.broadcastLocked()
	p.mu.Unlock()
}

// broadcastLocked wakes every goroutine waiting on a state change.
// Caller must hold p.mu.
func (p *Pool) broadcastLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}
