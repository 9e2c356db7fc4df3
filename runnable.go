package taskgraph

import "context"

// Runnable is the type-erased view of a Node[E] that lets an Executor hold
// roots of different element types side by side. It is implemented only by
// *Node[E] in this package; external packages can hold and pass around a
// Runnable value but cannot implement one.
type Runnable interface {
	ID() string
	Level() int
	Metadata() Metadata
	Parents() []Runnable
	Children() []Runnable

	declaredParams() (names []string, acceptsAny bool)
	hasBinding(param string) bool
	hasForwardTarget(param string) bool
	receiveForward(parentID string, value any) error
	outputAny() (any, bool)

	pendingParents() int32
	decrementPendingParents() int32

	tryAcquireExecLock() bool
	releaseExecLock()
	execRunning() bool

	markSkipped(err error) bool

	execute(ctx context.Context, emit func(Chunk)) error

	// The methods below back Connect/Disconnect/Redirect's edge mutation.
	// Each requires the caller to already hold this node's own mu (taken
	// via lockMu, in a canonical node-ID order shared across every caller
	// so no two mutations can deadlock on each other's locks).
	lockMu()
	unlockMu()
	hasConflict(paramName, exceptParentID string) bool
	addChildEdge(child Runnable)
	removeChildEdge(id string) bool
	addParentEdge(parent Runnable, rule *forwardRule)
	removeParentEdge(id string) bool
	runConnectHooks(ctx context.Context) error
	runDisconnectHooks(ctx context.Context) error

	// recomputeLevel refreshes this node's own Level from its current
	// parents' Level (each read through the self-locking Level(), never
	// while holding this node's own lock, so no two nodes' locks are ever
	// held at once), reporting whether the level increased. propagateLevels
	// uses this to push a level increase down through descendants after
	// Connect/Redirect adds an edge, since a new deeper parent can raise the
	// level of nodes many edges downstream, not just its immediate child.
	recomputeLevel() bool
}

// wouldCycle reports whether connecting parent -> child would create a
// cycle, i.e. whether child already reaches parent through the existing
// graph. It is a bounded BFS over child's descendants, run once per
// Connect call rather than re-validating the entire tree on every edge.
func wouldCycle(parent, child Runnable) bool {
	if parent.ID() == child.ID() {
		return true
	}
	seen := map[string]bool{child.ID(): true}
	queue := []Runnable{child}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, d := range n.Children() {
			if d.ID() == parent.ID() {
				return true
			}
			if !seen[d.ID()] {
				seen[d.ID()] = true
				queue = append(queue, d)
			}
		}
	}
	return false
}
