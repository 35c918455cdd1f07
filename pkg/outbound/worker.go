package outbound

import (
	"context"
	"log/slog"
	"sync"
)

// Worker models the single-threaded cooperative runtime described in
// spec §5: one goroutine drains a queue of closures, and every
// connection created through the Worker confines its state mutation,
// registry membership, and metric collection to that goroutine. Fields
// that other goroutines also read or write sit behind small mutexes:
// the observable state surface in base, the Registry list, and the TCP
// connection/pump handles and write queue, so a TCP Data event takes
// two short locks on its way to the socket.
//
// Blocking operations (DNS, dial, socket read/write) run on their own
// goroutines and report their result back by scheduling a closure on
// the Worker, which is the Go analogue of a callback completing on
// the reactor thread in the source design.
type Worker struct {
	tasks    chan func()
	registry *Registry
	resolver Resolver
	sched    Scheduler
	logger   *slog.Logger

	metricsMu sync.Mutex
	metrics   *metricsBundle

	// done is closed when Run returns, so a caller blocked handing work
	// to a Worker whose loop has stopped (e.g. a metrics scrape via
	// registryCollector.Collect) can give up instead of hanging forever.
	doneOnce sync.Once
	done     chan struct{}
}

// WorkerOption configures a Worker at construction.
type WorkerOption func(*Worker)

// WithResolver overrides the Worker's default Resolver.
func WithResolver(r Resolver) WorkerOption {
	return func(w *Worker) { w.resolver = r }
}

// WithScheduler overrides the Worker's default Scheduler.
func WithScheduler(s Scheduler) WorkerOption {
	return func(w *Worker) { w.sched = s }
}

// WithWorkerLogger overrides the Worker's base logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// NewWorker creates a Worker with its own Registry. Call Run on a
// dedicated goroutine to start draining scheduled work.
func NewWorker(opts ...WorkerOption) *Worker {
	w := &Worker{
		tasks:  make(chan func(), 256),
		sched:  NewScheduler(),
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	w.registry = newRegistry()
	for _, opt := range opts {
		opt(w)
	}
	if w.resolver == nil {
		w.resolver = NewResolver()
	}
	return w
}

// Run drains the Worker's task queue until ctx is cancelled. It is
// meant to be the sole goroutine touching the Worker's Registry and
// connection state; callers typically run it with `go worker.Run(ctx)`.
func (w *Worker) Run(ctx context.Context) {
	defer w.doneOnce.Do(func() { close(w.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-w.tasks:
			task()
		}
	}
}

// run schedules f to execute on the Worker's goroutine. Safe to call
// from any goroutine, including from within a task already running on
// the Worker (it will simply run after currently queued tasks). tasks
// is bounded (see NewWorker): a caller on another goroutine blocks here
// while the queue is full until Run drains some, but a task that
// itself enqueues more follow-ups than the queue has room for blocks
// the Worker's own goroutine, so Run never drains and the Worker
// deadlocks. It is not a general-purpose unbounded queue.
func (w *Worker) run(f func()) {
	w.tasks <- f
}

// Registry returns the Worker's per-worker connection registry.
func (w *Worker) Registry() *Registry { return w.registry }
