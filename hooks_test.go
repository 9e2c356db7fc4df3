package taskgraph

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnConnectAndOnDisconnectHooks(t *testing.T) {
	var mu sync.Mutex
	var connected, disconnected []string

	recordConnect := func(ctx context.Context, nodeID string, fixed Args) error {
		mu.Lock()
		defer mu.Unlock()
		connected = append(connected, nodeID+":"+fixed["tag"].(string))
		return nil
	}
	recordDisconnect := func(ctx context.Context, nodeID string, fixed Args) error {
		mu.Lock()
		defer mu.Unlock()
		disconnected = append(disconnected, nodeID)
		return nil
	}

	parent := NewNode[int]("p", SingleShotFunc[int](func(ctx context.Context, args Args) (int, error) { return 1, nil }),
		WithOnConnect[int](recordConnect, FixedBindings{"tag": Val("parent")}),
		WithOnDisconnect[int](recordDisconnect, nil))
	child := NewNode[int]("c", SingleShotFunc[int](func(ctx context.Context, args Args) (int, error) { return 1, nil }),
		WithOnConnect[int](recordConnect, FixedBindings{"tag": Val("child")}),
		WithOnDisconnect[int](recordDisconnect, nil))

	require.NoError(t, Connect(parent, child))
	mu.Lock()
	assert.ElementsMatch(t, []string{"p:parent", "c:child"}, connected)
	mu.Unlock()

	require.NoError(t, Disconnect(parent, child))
	mu.Lock()
	assert.ElementsMatch(t, []string{"p", "c"}, disconnected)
	mu.Unlock()
}

func TestOnConnectHookResolvesThunk(t *testing.T) {
	calls := 0
	thunk := Thunk(func() (any, error) {
		calls++
		return "resolved", nil
	})

	var got any
	fn := func(ctx context.Context, nodeID string, fixed Args) error {
		got = fixed["v"]
		return nil
	}

	parent := NewNode[int]("p", SingleShotFunc[int](func(ctx context.Context, args Args) (int, error) { return 1, nil }))
	child := NewNode[int]("c", SingleShotFunc[int](func(ctx context.Context, args Args) (int, error) { return 1, nil }),
		WithOnConnect[int](fn, FixedBindings{"v": thunk}))

	require.NoError(t, Connect(parent, child))

	// fixed["v"] must be the thunk's resolved value, never the raw Binding.
	assert.Equal(t, "resolved", got)
	assert.Equal(t, 1, calls)
}

func TestOnBeforeRunAndOnAfterRunHooks(t *testing.T) {
	var mu sync.Mutex
	var order []string

	before := func(ctx context.Context, nodeID string, fixed Args) error {
		mu.Lock()
		order = append(order, "before")
		mu.Unlock()
		return nil
	}
	after := func(ctx context.Context, nodeID string, fixed Args) error {
		mu.Lock()
		order = append(order, "after:"+fixed["label"].(string))
		mu.Unlock()
		return nil
	}

	n := NewNode[int]("a", SingleShotFunc[int](func(ctx context.Context, args Args) (int, error) {
		mu.Lock()
		order = append(order, "run")
		mu.Unlock()
		return 1, nil
	}),
		WithOnBeforeRun[int](before, nil),
		WithOnAfterRun[int](after, FixedBindings{"label": Val("done")}))

	_, err := n.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"before", "run", "after:done"}, order)
}

func TestOnAfterRunHookFiresOnFailure(t *testing.T) {
	fired := false
	after := func(ctx context.Context, nodeID string, fixed Args) error {
		fired = true
		return nil
	}

	boom := errors.New("boom")
	n := NewNode[int]("a", SingleShotFunc[int](func(ctx context.Context, args Args) (int, error) {
		return 0, boom
	}), WithOnAfterRun[int](after, nil))

	_, err := n.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.True(t, fired)
}

func TestBeforeForwardTransformResolvesThunkFixedBindings(t *testing.T) {
	calls := 0
	thunk := Thunk(func() (any, error) {
		calls++
		return 10, nil
	})

	transform := func(ctx context.Context, v any, fixed Args) (any, error) {
		return v.(int) + fixed["offset"].(int), nil
	}

	parent := NewNode[int]("p", SingleShotFunc[int](func(ctx context.Context, args Args) (int, error) { return 5, nil }))
	child := NewNode[int]("c", SingleShotFunc[int](func(ctx context.Context, args Args) (int, error) {
		return args["x"].(int), nil
	}), WithParams[int]("x"))

	require.NoError(t, Connect(parent, child, WithNamedForward("x"), WithBeforeForward(transform, FixedBindings{"offset": thunk})))

	require.NoError(t, child.receiveForward(parent.ID(), 5))

	out, err := child.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 15, out)
	assert.Equal(t, 1, calls)
}
