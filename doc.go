// Package taskgraph implements a tree-shaped execution engine: nodes are
// callables wired together by typed forwarding edges, scheduled
// concurrently by an Executor as soon as their dependencies complete.
//
// A Node wraps either a single-shot callable, returning exactly one value,
// or a streaming callable, producing a lazy finite sequence of values.
// Connecting two nodes installs a forwarding rule describing how the
// parent's output reaches the child's parameters at run time. An Executor
// holds a set of root nodes and drives the whole tree to completion,
// either blocking (Run) or yielding intermediate chunks and completed
// nodes as they happen (Yielding).
//
// For a detailed architectural overview of how readiness, forwarding and
// the dynamic worker pool interact, see DESIGN.md in the module root.
package taskgraph
