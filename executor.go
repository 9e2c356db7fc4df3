package taskgraph

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kestrelrun/taskgraph/internal/ctxlog"
)

// EventKind distinguishes the two things Yielding can report.
type EventKind int

const (
	// EventChunk reports one value streamed by a node.
	EventChunk EventKind = iota
	// EventNodeDone reports that a node finished, successfully or not.
	EventNodeDone
)

// YieldEvent is one item produced by Executor.Yielding.
type YieldEvent struct {
	Kind  EventKind
	Chunk Chunk
	Node  Runnable
}

// ExecutorOption configures an Executor at construction time.
type ExecutorOption func(*Executor)

// WithClock overrides the Executor's time source, used by the dynamic
// worker-pool supervisor.
func WithClock(c Clock) ExecutorOption {
	return func(e *Executor) { e.clock = c }
}

// WithSpawner overrides the Executor's task-spawn primitive.
func WithSpawner(s Spawner) ExecutorOption {
	return func(e *Executor) { e.spawner = s }
}

// WithMaxWorkers caps the dynamic worker pool's ceiling.
func WithMaxWorkers(n int) ExecutorOption {
	return func(e *Executor) { e.maxWorkers = n }
}

// WithSupervisorInterval overrides how often the dynamic-sizing
// supervisor samples queue depth.
func WithSupervisorInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.supervisorInterval = d }
}

// WithLogger attaches a *slog.Logger threaded through ctx for every
// operation this Executor drives. The default is slog.Default().
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// Executor drives a set of root nodes to completion, scheduling each node
// as soon as its parents have all completed, with a dynamically sized
// worker pool and a first-failure stop policy: the first node error (or an
// explicit StopTree call) stops admitting new nodes from readyChan and
// skips every node still pending, without cascading cancellation into
// nodes already running. Admission and in-flight execution are governed by
// two distinct contexts for exactly this reason: execCtx, derived only
// from the context passed to Run/Yielding, is the only thing a node's own
// per-node timeout context is derived from, while admitCtx additionally
// ends on a sibling failure or StopTree, gating readyChan consumption.
type Executor struct {
	ID string

	roots []Runnable

	clock              Clock
	spawner            Spawner
	maxWorkers         int
	supervisorInterval time.Duration
	logger             *slog.Logger

	readyChan chan Runnable
	events    chan YieldEvent
	drained   chan struct{}

	workerSem    *semaphore.Weighted
	workersAlive atomic.Int32
	wg           sync.WaitGroup

	mu   sync.Mutex
	errs []NodeError

	execCtx     context.Context
	admitCancel context.CancelFunc
	started     atomic.Bool
	stopped     atomic.Bool
}

// NewExecutor constructs an Executor over roots.
func NewExecutor(id string, roots []Runnable, opts ...ExecutorOption) *Executor {
	if id == "" {
		id = uuid.NewString()
	}
	e := &Executor{
		ID:                 id,
		roots:              roots,
		clock:              SystemClock{},
		spawner:            GoSpawner{},
		maxWorkers:         defaultMaxWorkers(),
		supervisorInterval: DefaultSupervisorInterval,
		logger:             slog.Default(),
		drained:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.workerSem = semaphore.NewWeighted(int64(e.maxWorkers))
	return e
}

// Leaves returns every node reachable from the roots that has no
// children, i.e. the tree's terminal nodes.
func (e *Executor) Leaves() []Runnable {
	all := e.reachable()
	leaves := make([]Runnable, 0, len(all))
	for _, n := range all {
		if len(n.Children()) == 0 {
			leaves = append(leaves, n)
		}
	}
	return leaves
}

// reachable returns every node reachable from the roots, each exactly
// once, via BFS over Children.
func (e *Executor) reachable() []Runnable {
	seen := make(map[string]bool)
	var order []Runnable
	queue := append([]Runnable{}, e.roots...)
	for _, r := range e.roots {
		seen[r.ID()] = true
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, c := range n.Children() {
			if !seen[c.ID()] {
				seen[c.ID()] = true
				queue = append(queue, c)
			}
		}
	}
	return order
}

// StopTree requests that the run stop at the next opportunity: every node
// not currently running is skipped with ErrStopped. It only stops
// admission of new work from readyChan; a node already running is left to
// finish or time out entirely on its own, never cancelled by this call.
func (e *Executor) StopTree() {
	e.stopped.Store(true)
	e.stopAdmission()
}

// stopAdmission ends admitCtx, the context gating readyChan consumption,
// without touching execCtx, the context every node's own timeout is
// derived from.
func (e *Executor) stopAdmission() {
	if e.admitCancel != nil {
		e.admitCancel()
	}
}

// Errors returns every NodeError recorded so far, in completion order.
func (e *Executor) Errors() []NodeError {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]NodeError, len(e.errs))
	copy(out, e.errs)
	return out
}

// Run drives every reachable node to completion or first failure,
// blocking until the run finishes, and returns the completed nodes, every
// chunk streamed along the way, and the first recorded error, if any.
func (e *Executor) Run(ctx context.Context) ([]Runnable, []Chunk, error) {
	var completed []Runnable
	var chunks []Chunk
	for ev := range e.Yielding(ctx, e.supervisorInterval) {
		switch ev.Kind {
		case EventChunk:
			chunks = append(chunks, ev.Chunk)
		case EventNodeDone:
			completed = append(completed, ev.Node)
		}
	}
	errs := e.Errors()
	if len(errs) > 0 {
		return completed, chunks, errs[0]
	}
	return completed, chunks, nil
}

// Yielding drives the tree and returns an iterator over every chunk
// streamed and every node completed, in the order the worker pool
// observes them. latency is not used: the iterator blocks on the worker
// pool's event stream rather than polling it, and returns as soon as that
// stream closes, once every reachable node has finished or been skipped.
func (e *Executor) Yielding(ctx context.Context, latency time.Duration) iter.Seq[YieldEvent] {
	return func(yield func(YieldEvent) bool) {
		if !e.started.CompareAndSwap(false, true) {
			return
		}
		execCtx, execCancel := context.WithCancel(ctx)
		defer execCancel()
		execCtx = ctxlog.WithLogger(execCtx, e.logger)
		e.execCtx = execCtx

		// admitCtx governs only readyChan admission: it additionally ends
		// on a sibling failure or StopTree, but (unlike execCtx) never on
		// its own cancellation reaches a node already executing, since
		// every node's own timeout context is derived from execCtx alone.
		admitCtx, admitCancel := context.WithCancel(execCtx)
		e.admitCancel = admitCancel
		defer admitCancel()

		all := e.reachable()
		e.readyChan = make(chan Runnable, len(all)+1)
		e.events = make(chan YieldEvent, 64)

		e.wg.Add(len(all))
		for _, n := range all {
			if n.pendingParents() == 0 {
				e.readyChan <- n
			}
		}

		initialWorkers := len(e.roots)
		if initialWorkers < 1 {
			initialWorkers = 1
		}
		if initialWorkers > e.maxWorkers {
			initialWorkers = e.maxWorkers
		}
		for i := 0; i < initialWorkers; i++ {
			e.spawnWorker(admitCtx)
		}

		sup := newPoolSupervisor(e)
		e.spawner.Go(func() { sup.run(admitCtx) })

		e.spawner.Go(func() {
			e.wg.Wait()
			close(e.drained)
			close(e.events)
			// Every node has reported in: release the worker pool and
			// the supervisor, which otherwise sit parked on readyChan
			// and their sampling sleep forever.
			admitCancel()
		})

		if len(all) == 0 {
			return
		}

		for {
			select {
			case ev, ok := <-e.events:
				if !ok {
					return
				}
				if !yield(ev) {
					e.StopTree()
					return
				}
			case <-admitCtx.Done():
				// Drain remaining events so completed-node bookkeeping
				// stays consistent even after admission stops.
				for ev := range e.events {
					if !yield(ev) {
						return
					}
				}
				return
			}
		}
	}
}

// spawnWorker launches one worker goroutine against workerSem's ceiling,
// tracking it in workersAlive for the supervisor's backlog sampling.
// admitCtx gates the worker's readyChan consumption only; every node it
// runs executes against e.execCtx.
func (e *Executor) spawnWorker(admitCtx context.Context) {
	if !e.workerSem.TryAcquire(1) {
		return
	}
	e.workersAlive.Add(1)
	e.spawner.Go(func() {
		defer e.workerSem.Release(1)
		defer e.workersAlive.Add(-1)
		e.worker(admitCtx)
	})
}

// worker is the core processing loop for one concurrent worker: pick up a
// ready node, execute it, unlock its children whose last pending parent
// it was, and on failure stop admission and skip every node that can no
// longer make progress. admitCtx only gates dequeuing from readyChan; the
// node itself always executes against e.execCtx, so a sibling failure or
// StopTree can never reach into an already-running callable.
func (e *Executor) worker(admitCtx context.Context) {
	logger := ctxlog.FromContext(e.execCtx)
	for {
		select {
		case n, ok := <-e.readyChan:
			if !ok {
				return
			}
			e.runOne(admitCtx, n, logger)
		case <-admitCtx.Done():
			// Skip whatever is still queued before exiting, so every node
			// left in readyChan still accounts for its wg slot.
			for {
				select {
				case n := <-e.readyChan:
					e.runOne(admitCtx, n, logger)
				default:
					return
				}
			}
		}
	}
}

func (e *Executor) runOne(admitCtx context.Context, n Runnable, logger *slog.Logger) {
	if admitCtx.Err() != nil || e.stopped.Load() {
		if n.markSkipped(ErrStopped) {
			e.recordError(n.ID(), ErrStopped)
			e.events <- YieldEvent{Kind: EventNodeDone, Node: n}
			e.wg.Done()
			e.skipDependents(n)
		}
		return
	}

	if !n.tryAcquireExecLock() {
		// The only way a node dequeued exactly once can fail to acquire
		// its own exec lock is if a sibling edge already skipped it; that
		// path already recorded the error, emitted its event, and called
		// wg.Done(), so this one does nothing further.
		return
	}

	execCtx := e.execCtx
	err := n.execute(execCtx, func(c Chunk) {
		select {
		case e.events <- YieldEvent{Kind: EventChunk, Chunk: c}:
		case <-execCtx.Done():
		}
	})
	n.releaseExecLock()

	if err != nil {
		logger.Error("node execution failed", "node", n.ID(), "error", err)
		e.recordError(n.ID(), err)
		e.stopAdmission()
		e.skipDependents(n)
		e.events <- YieldEvent{Kind: EventNodeDone, Node: n}
		e.wg.Done()
		return
	}

	logger.Debug("node execution succeeded", "node", n.ID())
	for _, child := range n.Children() {
		if out, ok := n.outputAny(); ok {
			if ferr := child.receiveForward(n.ID(), out); ferr != nil {
				// Only the parent whose forward failure actually flips the
				// child to Failed accounts for its wg slot; a second
				// concurrent failure on the same child is a no-op here,
				// since decrementPendingParents is withheld on this edge
				// either way, pendingParents can never reach zero again.
				if child.markSkipped(ferr) {
					e.recordError(child.ID(), ferr)
					e.stopAdmission()
					e.events <- YieldEvent{Kind: EventNodeDone, Node: child}
					e.wg.Done()
					e.skipDependents(child)
				}
				continue
			}
		}
		if child.decrementPendingParents() == 0 {
			e.readyChan <- child
		}
	}
	e.events <- YieldEvent{Kind: EventNodeDone, Node: n}
	e.wg.Done()
}

// skipDependents recursively marks every descendant of a failed node as
// skipped, each exactly once.
func (e *Executor) skipDependents(n Runnable) {
	for _, child := range n.Children() {
		if child.markSkipped(ErrStopped) {
			e.recordError(child.ID(), ErrStopped)
			e.events <- YieldEvent{Kind: EventNodeDone, Node: child}
			e.wg.Done()
			e.skipDependents(child)
		}
	}
}

func (e *Executor) recordError(nodeID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, NodeError{NodeID: nodeID, Err: err})
}
