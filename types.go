package taskgraph

import "sync/atomic"

// State is the execution state of a Node. A node starts Idle, enters
// Running when it acquires its exec_lock, and ends Done or Failed; a node
// skipped without running goes from Idle straight to Failed. Nothing sets
// a node back to Idle, and a later Run call on a node that was not skipped
// moves it from Done or Failed to Running again.
type State int32

const (
	// Idle indicates the node has not yet started, or is between graph
	// mutations and execution.
	Idle State = iota
	// Running indicates a worker currently holds the node's exec_lock.
	Running
	// Done indicates the node completed successfully.
	Done
	// Failed indicates the node's callable returned an error, was skipped
	// after a sibling failure, or was stopped explicitly.
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Metadata holds the bookkeeping attached to every node: how long its last
// run took and its depth in the tree (root nodes are level 0).
type Metadata struct {
	RuntimeSeconds float64
	Level          int
}

// atomicState is a small helper wrapping atomic.Int32 with the State type.
type atomicState struct {
	v atomic.Int32
}

func (a *atomicState) Load() State   { return State(a.v.Load()) }
func (a *atomicState) Store(s State) { a.v.Store(int32(s)) }
