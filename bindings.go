package taskgraph

// Args is the map of parameter name to resolved value a callable receives
// at run time, assembled from a node's fixed bindings and then any
// forwarded parent outputs. There is no separate stage for default values.
type Args map[string]any

// Binding is a sum type: either a fixed Value known at construction time,
// or a Thunk evaluated lazily, once, the first time the node runs.
type Binding struct {
	isThunk bool
	value   any
	thunk   func() (any, error)
}

// Val wraps a plain value as a Binding.
func Val(v any) Binding {
	return Binding{value: v}
}

// Thunk wraps a lazily-evaluated value as a Binding. f is called at most
// once per node run, the first time the binding is needed.
func Thunk(f func() (any, error)) Binding {
	return Binding{isThunk: true, thunk: f}
}

// resolve evaluates the binding, memoizing thunk results in place so a
// single Binding instance is safe to resolve from exactly one node run at
// a time (guarded by the node's exec_lock).
func (b *Binding) resolve() (any, error) {
	if !b.isThunk {
		return b.value, nil
	}
	v, err := b.thunk()
	if err != nil {
		return nil, err
	}
	b.value = v
	b.isThunk = false
	return v, nil
}

// FixedBindings is the fixed-argument map attached to a hook or a forward
// transform at registration time: like a node's own bindings, each entry
// may be a plain Val or a lazily-evaluated Thunk. resolve evaluates it into
// a plain Args map at invocation time, never at registration time, the
// same contract node bindings honor in assembleArgs.
type FixedBindings map[string]Binding

// resolve evaluates every entry into a plain Args map, memoizing any Thunk
// in place so a later invocation of the same hook or transform doesn't
// re-evaluate it.
func (f FixedBindings) resolve() (Args, error) {
	out := make(Args, len(f))
	for k, b := range f {
		v, err := b.resolve()
		if err != nil {
			return nil, err
		}
		out[k] = v
		f[k] = b
	}
	return out, nil
}
