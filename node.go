package taskgraph

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelrun/taskgraph/internal/ctxlog"
)

// DefaultTimeout is the timeout applied to a node's execution when none is
// set via WithTimeout.
const DefaultTimeout = 60 * time.Second

// SingleShotFunc is a callable that produces exactly one value of type E.
type SingleShotFunc[E any] func(ctx context.Context, args Args) (E, error)

// StreamFunc is a callable producing a lazy finite sequence of values of
// type E. Using a range-over-func iterator is the direct Go realization of
// "a lazy finite sequence": the node drains it with a `for v, err := range
// seq` loop, stopping at the first error or at natural exhaustion.
type StreamFunc[E any] func(ctx context.Context, args Args) iter.Seq2[E, error]

// Node is a single vertex in the execution tree: a callable, its fixed
// bindings, its declared parameters, and the hooks that fire around its
// lifecycle. Node is parameterized by the type its callable produces; a
// tree mixing nodes of different element types is held together through
// the type-erased Runnable interface.
type Node[E any] struct {
	id string

	mu       sync.RWMutex
	parents  []Runnable
	children []Runnable

	params     []string
	acceptsAny bool

	bindings     map[string]Binding
	forward      map[string]any          // paramName -> resolved value installed by a completed parent
	forwardRules map[string]*forwardRule // parentID -> forwarding rule installed by Connect

	validator Validator
	timeout   time.Duration

	single     SingleShotFunc[E]
	stream     StreamFunc[E]
	streamMode bool

	onConnect    []hook
	onDisconnect []hook
	onBeforeRun  []hook
	onAfterRun   []hook

	pendingParentsCount atomic.Int32
	execLocked          atomic.Bool
	state               atomicState
	skipOnce            sync.Once
	skipped             atomic.Bool

	output   E
	hasOut   atomic.Bool
	err      error
	errMu    sync.Mutex
	metadata Metadata
}

// NodeOption configures a Node at construction time.
type NodeOption[E any] func(*Node[E])

// WithTimeout overrides DefaultTimeout for this node's execution.
func WithTimeout[E any](d time.Duration) NodeOption[E] {
	return func(n *Node[E]) { n.timeout = d }
}

// WithParams declares the parameter names this node's callable accepts as
// forwarding or binding targets. Go cannot recover a function's parameter
// names by reflection, so the node declares them explicitly instead.
func WithParams[E any](names ...string) NodeOption[E] {
	return func(n *Node[E]) { n.params = append(n.params, names...) }
}

// WithAcceptsAny marks the node as accepting forwarded or bound parameters
// under any name, a variadic sink that skips declared-parameter checks.
func WithAcceptsAny[E any]() NodeOption[E] {
	return func(n *Node[E]) { n.acceptsAny = true }
}

// WithBinding fixes a parameter to a value or thunk at construction time.
func WithBinding[E any](param string, b Binding) NodeOption[E] {
	return func(n *Node[E]) { n.bindings[param] = b }
}

// WithValidator attaches a Validator checked against every value this
// node produces, single-shot or streamed, and against every forwarded
// value it receives from a parent, after any beforeForward transform.
func WithValidator[E any](v Validator) NodeOption[E] {
	return func(n *Node[E]) { n.validator = v }
}

// WithOnConnect registers a hook fired whenever this node participates in
// a successful Connect call, as either parent or child. fixed is resolved
// into a plain Args map immediately before each firing, so a Thunk entry
// is evaluated lazily rather than handed to fn unresolved.
func WithOnConnect[E any](fn HookFunc, fixed FixedBindings) NodeOption[E] {
	return func(n *Node[E]) { n.onConnect = append(n.onConnect, hook{fn, fixed}) }
}

// WithOnDisconnect registers a hook fired whenever this node participates
// in a successful Disconnect call. fixed is resolved the same way
// WithOnConnect's is.
func WithOnDisconnect[E any](fn HookFunc, fixed FixedBindings) NodeOption[E] {
	return func(n *Node[E]) { n.onDisconnect = append(n.onDisconnect, hook{fn, fixed}) }
}

// WithOnBeforeRun registers a hook fired on the worker goroutine just
// before the node's callable is invoked. fixed is resolved the same way
// WithOnConnect's is.
func WithOnBeforeRun[E any](fn HookFunc, fixed FixedBindings) NodeOption[E] {
	return func(n *Node[E]) { n.onBeforeRun = append(n.onBeforeRun, hook{fn, fixed}) }
}

// WithOnAfterRun registers a hook fired on the worker goroutine after the
// node's callable returns, successfully or not. fixed is resolved the same
// way WithOnConnect's is.
func WithOnAfterRun[E any](fn HookFunc, fixed FixedBindings) NodeOption[E] {
	return func(n *Node[E]) { n.onAfterRun = append(n.onAfterRun, hook{fn, fixed}) }
}

// NewNode constructs a Node wrapping callable, which must be a
// SingleShotFunc[E] or a StreamFunc[E]. Any other shape panics: the
// mismatch is a programmer error discoverable at construction, not a
// runtime data error.
func NewNode[E any](id string, callable any, opts ...NodeOption[E]) *Node[E] {
	n := &Node[E]{
		id:       id,
		bindings: make(map[string]Binding),
		forward:  make(map[string]any),
		timeout:  DefaultTimeout,
	}

	switch fn := callable.(type) {
	case SingleShotFunc[E]:
		n.single = fn
	case StreamFunc[E]:
		n.stream = fn
		n.streamMode = true
	case func(context.Context, Args) (E, error):
		n.single = fn
	case func(context.Context, Args) iter.Seq2[E, error]:
		n.stream = fn
		n.streamMode = true
	default:
		panic(fmt.Sprintf("taskgraph: node %q: callable must be a SingleShotFunc or StreamFunc", id))
	}

	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ID returns the node's identifier.
func (n *Node[E]) ID() string { return n.id }

// Level returns the node's recorded depth in the tree. A new node is at
// level 0; whenever Connect or Redirect adds an edge, the level is raised
// to 1+max(parent.Level()) over the node's parents if that is larger, and
// the rise is pushed down to its descendants. Removing an edge through
// Disconnect or Redirect never lowers it, so after a removal the level can
// exceed 1+max(parent.Level()).
func (n *Node[E]) Level() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.metadata.Level
}

// Metadata returns a snapshot of the node's bookkeeping fields.
func (n *Node[E]) Metadata() Metadata {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.metadata
}

// State returns the node's current execution state.
func (n *Node[E]) State() State { return n.state.Load() }

// Output returns the last value this node produced (its single-shot
// return, or the last chunk of a streaming run) and whether any value has
// been stored yet. A run that fails after storing a value (a stream failing
// after some chunks, or a failing after-run hook) leaves that value here.
func (n *Node[E]) Output() (E, bool) {
	if !n.hasOut.Load() {
		var zero E
		return zero, false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.output, true
}

// Err returns the error recorded by the node's last failed or skipped run.
func (n *Node[E]) Err() error {
	n.errMu.Lock()
	defer n.errMu.Unlock()
	return n.err
}

func (n *Node[E]) setErr(err error) {
	n.errMu.Lock()
	n.err = err
	n.errMu.Unlock()
}

// Connect wires parent's output into child, installing a forwarding rule
// described by opts. With no ForwardOption the edge carries no value, a
// plain ordering dependency. Connect rejects self-edges, edges that would
// create a cycle, forwarding rules that can't be resolved against the
// child's declared parameters, and any attempt to mutate a node that
// currently holds its own exec_lock.
func Connect[P, C any](parent *Node[P], child *Node[C], opts ...ForwardOption) error {
	rule := &forwardRule{mode: forwardNone}
	for _, opt := range opts {
		opt(rule)
	}

	if wouldCycle(parent, child) {
		return &CycleError{NodeID: child.ID()}
	}

	paramName, err := resolveForwardTarget(child, rule)
	if err != nil {
		return err
	}
	rule.resolvedParam = paramName

	if err := connectLocked(parent, child, rule, paramName); err != nil {
		return err
	}
	propagateLevels(child)

	if err := parent.runConnectHooks(context.Background()); err != nil {
		return err
	}
	return child.runConnectHooks(context.Background())
}

// connectLocked performs the edge splice under a single two-node lock
// acquisition, taken in canonical ID order regardless of which node is
// parent or child, so two concurrent Connect calls with reversed roles can
// never deadlock on each other's locks.
func connectLocked(parent, child Runnable, rule *forwardRule, paramName string) error {
	lockPair(parent, child)
	defer unlockPair(parent, child)

	if parent.execRunning() {
		return &SafeExecutionError{NodeID: parent.ID()}
	}
	if child.execRunning() {
		return &SafeExecutionError{NodeID: child.ID()}
	}
	if child.hasConflict(paramName, parent.ID()) {
		return &ForwardingOverrideError{ChildID: child.ID(), Parameter: paramName}
	}

	parent.addChildEdge(child)
	child.addParentEdge(parent, rule)
	return nil
}

// Disconnect removes the edge between parent and child, undoing any
// forwarding rule Connect installed and decrementing the child's pending
// parent count. Disconnecting an edge that was never connected is a no-op.
// Disconnect refuses to mutate a node that currently holds its own
// exec_lock, the same as Connect.
func Disconnect[P, C any](parent *Node[P], child *Node[C]) error {
	found, err := disconnectLocked(parent, child)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := parent.runDisconnectHooks(context.Background()); err != nil {
		return err
	}
	return child.runDisconnectHooks(context.Background())
}

func disconnectLocked(parent, child Runnable) (bool, error) {
	lockPair(parent, child)
	defer unlockPair(parent, child)

	if parent.execRunning() {
		return false, &SafeExecutionError{NodeID: parent.ID()}
	}
	if child.execRunning() {
		return false, &SafeExecutionError{NodeID: child.ID()}
	}

	found := parent.removeChildEdge(child.ID())
	child.removeParentEdge(parent.ID())
	return found, nil
}

// lockPair locks a and b in canonical ID order, so any two calls racing
// over an overlapping pair of nodes always acquire their locks in the same
// global order and can never deadlock on each other.
func lockPair(a, b Runnable) {
	if a.ID() < b.ID() {
		a.lockMu()
		b.lockMu()
	} else {
		b.lockMu()
		a.lockMu()
	}
}

func unlockPair(a, b Runnable) {
	a.unlockMu()
	b.unlockMu()
}

// Redirect atomically replaces parent's entire set of children with
// newChildren: every current child absent from newChildren is disconnected,
// and every member of newChildren absent from the current children is
// connected with opts applied to the new edge. The whole replacement is
// done under one lock acquisition spanning every node it touches, so no
// observer ever sees an intermediate edge set. Redirect is a no-op on the
// edge set when newChildren is exactly parent's current children, and
// refuses to mutate any node — parent or child — that currently holds its
// own exec_lock.
func Redirect(parent Runnable, newChildren []Runnable, opts ...ForwardOption) error {
	current := parent.Children()
	want := make(map[string]Runnable, len(newChildren))
	for _, c := range newChildren {
		want[c.ID()] = c
	}
	have := make(map[string]bool, len(current))
	var toRemove []Runnable
	for _, c := range current {
		have[c.ID()] = true
		if _, keep := want[c.ID()]; !keep {
			toRemove = append(toRemove, c)
		}
	}
	var toAdd []Runnable
	for _, c := range newChildren {
		if !have[c.ID()] {
			toAdd = append(toAdd, c)
		}
	}
	if len(toRemove) == 0 && len(toAdd) == 0 {
		return nil
	}

	rules := make(map[string]*forwardRule, len(toAdd))
	for _, c := range toAdd {
		if wouldCycle(parent, c) {
			return &CycleError{NodeID: c.ID()}
		}
		rule := &forwardRule{mode: forwardNone}
		for _, opt := range opts {
			opt(rule)
		}
		paramName, err := resolveForwardTarget(c, rule)
		if err != nil {
			return err
		}
		rule.resolvedParam = paramName
		rules[c.ID()] = rule
	}

	locked := lockAll(parent, toRemove, toAdd)
	unlocked := false
	unlockAllOnce := func() {
		if !unlocked {
			unlockAll(locked)
			unlocked = true
		}
	}
	defer unlockAllOnce()

	if parent.execRunning() {
		return &SafeExecutionError{NodeID: parent.ID()}
	}
	for _, c := range toRemove {
		if c.execRunning() {
			return &SafeExecutionError{NodeID: c.ID()}
		}
	}
	for _, c := range toAdd {
		if c.execRunning() {
			return &SafeExecutionError{NodeID: c.ID()}
		}
		if c.hasConflict(rules[c.ID()].resolvedParam, parent.ID()) {
			return &ForwardingOverrideError{ChildID: c.ID(), Parameter: rules[c.ID()].resolvedParam}
		}
	}

	for _, c := range toRemove {
		parent.removeChildEdge(c.ID())
		c.removeParentEdge(parent.ID())
	}
	for _, c := range toAdd {
		parent.addChildEdge(c)
		c.addParentEdge(parent, rules[c.ID()])
	}
	unlockAllOnce()

	for _, c := range toAdd {
		propagateLevels(c)
	}

	for _, c := range toRemove {
		if err := parent.runDisconnectHooks(context.Background()); err != nil {
			return err
		}
		if err := c.runDisconnectHooks(context.Background()); err != nil {
			return err
		}
	}
	for _, c := range toAdd {
		if err := parent.runConnectHooks(context.Background()); err != nil {
			return err
		}
		if err := c.runConnectHooks(context.Background()); err != nil {
			return err
		}
	}
	return nil
}

// lockAll locks parent and every node in removed/added, deduplicated by ID
// and acquired in a single ascending order, so Redirect's multi-node
// mutation follows the same global lock order as lockPair and can never
// deadlock against a concurrent Connect, Disconnect, or Redirect call
// touching an overlapping set of nodes.
func lockAll(parent Runnable, removed, added []Runnable) []Runnable {
	seen := map[string]Runnable{parent.ID(): parent}
	for _, c := range removed {
		seen[c.ID()] = c
	}
	for _, c := range added {
		seen[c.ID()] = c
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	nodes := make([]Runnable, len(ids))
	for i, id := range ids {
		nodes[i] = seen[id]
	}
	for _, n := range nodes {
		n.lockMu()
	}
	return nodes
}

func unlockAll(nodes []Runnable) {
	for _, n := range nodes {
		n.unlockMu()
	}
}

// propagateLevels keeps level = 1 + max(parent.level) correct after
// Connect/Redirect installs a new edge into start: a deeper parent
// connecting several edges downstream can raise not just start's own
// level but every one of its descendants', so this BFS-walks forward
// through Children, recomputing each node's level from its parents' and
// only continuing into a node's own children when its level actually rose.
// Each node is locked individually (via recomputeLevel's self-locking
// Level() reads), never two at once, so this can never deadlock against a
// concurrent Connect/Disconnect/Redirect's lockPair/lockAll.
func propagateLevels(start Runnable) {
	queue := []Runnable{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n.recomputeLevel() {
			queue = append(queue, n.Children()...)
		}
	}
}

func removeRunnable(list *[]Runnable, id string) bool {
	for i, r := range *list {
		if r.ID() == id {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

// Run executes the node's callable as a single shot, blocking until it
// completes, fails, or its timeout elapses. It is an error to call Run on
// a node whose callable is streaming.
func (n *Node[E]) Run(ctx context.Context) (E, error) {
	var zero E
	if n.streamMode {
		return zero, &NotAsyncCallableError{NodeID: n.id, Wanted: "single-shot"}
	}
	ctx = ctxlog.WithLogger(ctx, ctxlog.FromContextOr(ctx, slog.Default()))
	if !n.tryAcquireExecLock() {
		return zero, ErrAlreadyRunning
	}
	defer n.releaseExecLock()

	if err := n.execute(ctx, nil); err != nil {
		return zero, err
	}
	out, _ := n.Output()
	return out, nil
}

// RunYielding executes a streaming node, returning an iterator over its
// chunks. It is an error to call RunYielding on a node whose callable is
// single-shot.
func (n *Node[E]) RunYielding(ctx context.Context) iter.Seq2[E, error] {
	return func(yield func(E, error) bool) {
		if !n.streamMode {
			yield(*new(E), &NotAsyncCallableError{NodeID: n.id, Wanted: "streaming"})
			return
		}
		ctx = ctxlog.WithLogger(ctx, ctxlog.FromContextOr(ctx, slog.Default()))
		if !n.tryAcquireExecLock() {
			yield(*new(E), ErrAlreadyRunning)
			return
		}
		defer n.releaseExecLock()

		err := n.execute(ctx, func(c Chunk) {
			v, _ := ChunkValue[E](c)
			yield(v, nil)
		})
		if err != nil {
			yield(*new(E), err)
		}
	}
}

// Parents returns this node's current parent edges, a snapshot safe to
// range over without holding any lock.
func (n *Node[E]) Parents() []Runnable {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Runnable, len(n.parents))
	copy(out, n.parents)
	return out
}

// Children returns this node's current child edges, a snapshot safe to
// range over without holding any lock.
func (n *Node[E]) Children() []Runnable {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Runnable, len(n.children))
	copy(out, n.children)
	return out
}

// --- Runnable implementation ---

func (n *Node[E]) declaredParams() ([]string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, len(n.params))
	copy(out, n.params)
	return out, n.acceptsAny
}

func (n *Node[E]) hasBinding(param string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.bindings[param]
	return ok
}

func (n *Node[E]) hasForwardTarget(param string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, rule := range n.forwardRules {
		if rule.resolvedParam == param {
			return true
		}
	}
	return false
}

// execRunning reports whether a worker currently holds this node's own
// exec_lock, used by Connect/Disconnect/Redirect to refuse mutating a node
// mid-execution.
func (n *Node[E]) execRunning() bool { return n.execLocked.Load() }

func (n *Node[E]) lockMu()   { n.mu.Lock() }
func (n *Node[E]) unlockMu() { n.mu.Unlock() }

// recomputeLevel recalculates this node's level from its current parents.
// It reads every parent's Level before taking this node's own lock, so it
// never holds two nodes' locks at once.
func (n *Node[E]) recomputeLevel() bool {
	n.mu.RLock()
	parents := make([]Runnable, len(n.parents))
	copy(parents, n.parents)
	n.mu.RUnlock()

	newLevel := 0
	for _, p := range parents {
		if l := p.Level() + 1; l > newLevel {
			newLevel = l
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if newLevel > n.metadata.Level {
		n.metadata.Level = newLevel
		return true
	}
	return false
}

// hasConflict reports whether installing a forwarding rule targeting
// paramName would collide with an existing fixed binding, or with another
// parent's forwarding rule (any parent ID other than exceptParentID). The
// caller must already hold mu.
func (n *Node[E]) hasConflict(paramName, exceptParentID string) bool {
	if paramName == "" {
		return false
	}
	if _, bound := n.bindings[paramName]; bound {
		return true
	}
	for pid, existing := range n.forwardRules {
		if pid != exceptParentID && existing.resolvedParam == paramName {
			return true
		}
	}
	return false
}

// addChildEdge appends child to this node's children. The caller must
// already hold mu.
func (n *Node[E]) addChildEdge(child Runnable) {
	n.children = append(n.children, child)
}

// removeChildEdge removes child by ID, reporting whether it was present.
// The caller must already hold mu.
func (n *Node[E]) removeChildEdge(id string) bool {
	return removeRunnable(&n.children, id)
}

// addParentEdge appends parent to this node's parents, installs rule keyed
// by parent's ID if it resolved to a parameter, and bumps pendingParents.
// The caller must already hold mu on both nodes. It does not itself fix up
// level: that only takes effect once propagateLevels walks forward from
// this node after the caller's lock is released, since a new parent can
// raise the level of nodes several edges downstream, not just this one.
func (n *Node[E]) addParentEdge(parent Runnable, rule *forwardRule) {
	n.parents = append(n.parents, parent)
	if rule != nil && rule.mode != forwardNone {
		if n.forwardRules == nil {
			n.forwardRules = make(map[string]*forwardRule)
		}
		n.forwardRules[parent.ID()] = rule
	}
	n.pendingParentsCount.Add(1)
}

// removeParentEdge removes parent by ID, undoing any forwarding rule it
// installed and decrementing pendingParents. The caller must already hold
// mu.
func (n *Node[E]) removeParentEdge(id string) bool {
	found := removeRunnable(&n.parents, id)
	if found {
		if n.forwardRules != nil {
			delete(n.forwardRules, id)
		}
		if n.pendingParentsCount.Load() > 0 {
			n.pendingParentsCount.Add(-1)
		}
	}
	return found
}

func (n *Node[E]) runConnectHooks(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, ctxlog.FromContextOr(ctx, slog.Default()))
	return runHooks(ctx, n.id, n.onConnect)
}

func (n *Node[E]) runDisconnectHooks(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, ctxlog.FromContextOr(ctx, slog.Default()))
	return runHooks(ctx, n.id, n.onDisconnect)
}

func (n *Node[E]) receiveForward(parentID string, value any) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	rule := n.forwardRules[parentID]
	if rule == nil || rule.resolvedParam == "" {
		return nil
	}
	v := value
	if rule.beforeForward != nil {
		fixed, err := rule.fixed.resolve()
		if err != nil {
			return fmt.Errorf("node %q: resolving beforeForward fixed bindings: %w", n.id, err)
		}
		transformed, err := rule.beforeForward(context.Background(), value, fixed)
		if err != nil {
			return fmt.Errorf("node %q: beforeForward: %w", n.id, err)
		}
		v = transformed
	}
	if n.validator != nil {
		if err := n.validator(v); err != nil {
			return err
		}
	}
	if n.forward == nil {
		n.forward = make(map[string]any)
	}
	n.forward[rule.resolvedParam] = v
	return nil
}

func (n *Node[E]) outputAny() (any, bool) {
	if !n.hasOut.Load() {
		return nil, false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.output, true
}

func (n *Node[E]) pendingParents() int32 { return n.pendingParentsCount.Load() }

func (n *Node[E]) decrementPendingParents() int32 {
	return n.pendingParentsCount.Add(-1)
}

// tryAcquireExecLock refuses a node already marked skipped, closing the
// race where a still-succeeding second parent later forwards into a child
// another, failing parent already skipped: that forward's pendingParents
// decrement must never resurrect the child into the ready queue for a
// second execution. A node that merely failed on its own (not skipped) is
// still free to be re-acquired, so a caller retrying Run is not mistaken
// for this case.
//
// It briefly takes n.mu, the same lock Connect/Disconnect/Redirect hold
// while checking execRunning, so a structural mutation against this node
// and the start of its own run can never interleave: one always
// happens-before the other.
func (n *Node[E]) tryAcquireExecLock() bool {
	if n.skipped.Load() {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.execLocked.CompareAndSwap(false, true) {
		return false
	}
	n.state.Store(Running)
	return true
}

func (n *Node[E]) releaseExecLock() {
	n.execLocked.Store(false)
}

// markSkipped marks the node Failed with err exactly once, returning true
// the first time it is called for this node.
func (n *Node[E]) markSkipped(err error) bool {
	didSkip := false
	n.skipOnce.Do(func() {
		n.skipped.Store(true)
		n.state.Store(Failed)
		n.setErr(err)
		didSkip = true
	})
	return didSkip
}

// execute assembles this node's Args and invokes its callable, recording
// output/err and state, and timing its RuntimeSeconds. For a streaming
// node each produced value is both recorded as the running Output and
// handed to emit, draining the iterator to completion or first error.
func (n *Node[E]) execute(ctx context.Context, emit func(Chunk)) (retErr error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	logger := ctxlog.FromContext(ctx).With("node", n.id)
	logger.Info("▶️ running node")

	defer func() {
		n.mu.Lock()
		n.metadata.RuntimeSeconds = time.Since(start).Seconds()
		n.mu.Unlock()
		if retErr != nil {
			n.state.Store(Failed)
			n.setErr(retErr)
			logger.Error("node failed", "error", retErr)
		} else {
			n.state.Store(Done)
			logger.Info("✅ node done")
		}
		if err := runHooks(ctx, n.id, n.onAfterRun); err != nil {
			logger.Error("onAfterRun hook failed", "error", err)
			if retErr == nil {
				retErr = err
				n.state.Store(Failed)
				n.setErr(err)
			}
		}
	}()

	if err := runHooks(ctx, n.id, n.onBeforeRun); err != nil {
		logger.Error("onBeforeRun hook failed", "error", err)
		return err
	}

	args, err := n.assembleArgs()
	if err != nil {
		return err
	}
	logger.Debug("node arguments assembled")

	if n.streamMode {
		return n.runStream(ctx, args, emit)
	}
	return n.runSingle(ctx, args)
}

// runSingle runs the node's callable on its own goroutine and races its
// completion against ctx.Done(), so a callable that never checks ctx
// itself still can't keep the node running past its timeout: the deadline
// wins regardless of whether the callable ever returns.
func (n *Node[E]) runSingle(ctx context.Context, args Args) error {
	type result struct {
		v   E
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: &PanicError{NodeID: n.id, Panic: r}}
			}
		}()
		v, err := n.single(ctx, args)
		done <- result{v: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return res.err
		}
		if n.validator != nil {
			if verr := n.validator(res.v); verr != nil {
				return verr
			}
		}
		n.mu.Lock()
		n.output = res.v
		n.mu.Unlock()
		n.hasOut.Store(true)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runStream drains the node's stream on its own goroutine, forwarding each
// item to the caller, and races every step against ctx.Done() the same way
// runSingle does: a streaming callable that ignores ctx still can't outlive
// its timeout from this loop's perspective, even though the orphaned
// producer goroutine may keep running until it next checks ctx itself.
func (n *Node[E]) runStream(ctx context.Context, args Args, emit func(Chunk)) error {
	type item struct {
		v    E
		err  error
		done bool
	}
	items := make(chan item, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				select {
				case items <- item{err: &PanicError{NodeID: n.id, Panic: r}}:
				case <-ctx.Done():
				}
			}
		}()
		for v, err := range n.stream(ctx, args) {
			select {
			case items <- item{v: v, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
		select {
		case items <- item{done: true}:
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case it := <-items:
			if it.err != nil {
				return it.err
			}
			if it.done {
				return nil
			}
			if n.validator != nil {
				if verr := n.validator(it.v); verr != nil {
					return verr
				}
			}
			n.mu.Lock()
			n.output = it.v
			n.mu.Unlock()
			n.hasOut.Store(true)
			if emit != nil {
				emit(Chunk{SourceID: n.id, Value: it.v})
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// assembleArgs merges bindings and forwarded values: bindings resolve
// first, then forwarded values overwrite any binding sharing the same
// parameter name.
func (n *Node[E]) assembleArgs() (Args, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	args := make(Args, len(n.bindings)+len(n.forward))
	for k, b := range n.bindings {
		v, err := b.resolve()
		if err != nil {
			return nil, fmt.Errorf("node %q: resolving binding %q: %w", n.id, k, err)
		}
		args[k] = v
		n.bindings[k] = b
	}
	for k, v := range n.forward {
		args[k] = v
	}
	return args, nil
}
