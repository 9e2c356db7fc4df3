package taskgraph

// Chunk is one value produced by a streaming node, paired with the ID of
// the node that produced it. The stream channel a tree-wide Executor
// drains carries Chunks from nodes of heterogeneous element types, so
// Value is type-erased; callers type-assert it or use ChunkValue.
type Chunk struct {
	SourceID string
	Value    any
}

// ChunkValue type-asserts c's Value to E, reporting whether the assertion
// succeeded.
func ChunkValue[E any](c Chunk) (E, bool) {
	v, ok := c.Value.(E)
	return v, ok
}
