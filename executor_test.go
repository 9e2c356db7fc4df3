package taskgraph

import (
	"context"
	"errors"
	"iter"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constNode(id string, v int) *Node[int] {
	return NewNode[int](id, SingleShotFunc[int](func(ctx context.Context, args Args) (int, error) {
		return v, nil
	}))
}

func addOneNode(id string, param string) *Node[int] {
	return NewNode[int](id, SingleShotFunc[int](func(ctx context.Context, args Args) (int, error) {
		return args[param].(int) + 1, nil
	}), WithParams[int](param))
}

func idsOf(nodes []Runnable) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID()
	}
	sort.Strings(out)
	return out
}

func TestExecutorLinearChain(t *testing.T) {
	a := constNode("a", 1)
	b := addOneNode("b", "x")
	c := addOneNode("c", "x")

	require.NoError(t, Connect(a, b, WithAutoForward()))
	require.NoError(t, Connect(b, c, WithAutoForward()))

	exec := NewExecutor("chain", []Runnable{a})
	completed, _, err := exec.Run(context.Background())
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"a", "b", "c"}, idsOf(completed)); diff != "" {
		t.Fatalf("completed mismatch (-want +got):\n%s", diff)
	}
	out, ok := c.Output()
	require.True(t, ok)
	assert.Equal(t, 3, out)
}

func TestExecutorDiamondFanIn(t *testing.T) {
	root := constNode("root", 10)
	left := addOneNode("left", "x")
	right := addOneNode("right", "x")
	sink := NewNode[int]("sink", SingleShotFunc[int](func(ctx context.Context, args Args) (int, error) {
		return args["l"].(int) + args["r"].(int), nil
	}), WithParams[int]("l", "r"))

	require.NoError(t, Connect(root, left, WithAutoForward()))
	require.NoError(t, Connect(root, right, WithAutoForward()))
	require.NoError(t, Connect(left, sink, WithNamedForward("l")))
	require.NoError(t, Connect(right, sink, WithNamedForward("r")))

	exec := NewExecutor("diamond", []Runnable{root})
	completed, _, err := exec.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, completed, 4)

	out, ok := sink.Output()
	require.True(t, ok)
	assert.Equal(t, 22, out) // (10+1) + (10+1)
}

func TestExecutorStreaming(t *testing.T) {
	producer := NewNode[int]("producer", StreamFunc[int](func(ctx context.Context, args Args) iter.Seq2[int, error] {
		return func(yield func(int, error) bool) {
			for i := 1; i <= 3; i++ {
				if !yield(i, nil) {
					return
				}
			}
		}
	}))

	exec := NewExecutor("stream", []Runnable{producer})
	_, chunks, err := exec.Run(context.Background())
	require.NoError(t, err)

	var vals []int
	for _, c := range chunks {
		v, ok := ChunkValue[int](c)
		require.True(t, ok)
		vals = append(vals, v)
	}
	sort.Ints(vals)
	assert.Equal(t, []int{1, 2, 3}, vals)
}

func TestExecutorFirstFailureStopsScheduling(t *testing.T) {
	boom := errors.New("boom")
	failing := NewNode[int]("failing", SingleShotFunc[int](func(ctx context.Context, args Args) (int, error) {
		return 0, boom
	}))
	downstream := addOneNode("downstream", "x")
	require.NoError(t, Connect(failing, downstream, WithAutoForward()))

	sibling := constNode("sibling", 99)

	exec := NewExecutor("failfast", []Runnable{failing, sibling})
	_, _, err := exec.Run(context.Background())
	require.Error(t, err)

	errs := exec.Errors()
	require.NotEmpty(t, errs)
	assert.Equal(t, "failing", errs[0].NodeID)

	_, downstreamRan := downstream.Output()
	assert.False(t, downstreamRan)
	assert.Equal(t, Failed, downstream.State())
}

func TestExecutorFanInSurvivesOneFailedParent(t *testing.T) {
	boom := errors.New("boom")
	root := constNode("root", 1)
	failing := NewNode[int]("failing", SingleShotFunc[int](func(ctx context.Context, args Args) (int, error) {
		return 0, boom
	}), WithParams[int]("x"))
	ok := addOneNode("ok", "x")
	sink := NewNode[int]("sink", SingleShotFunc[int](func(ctx context.Context, args Args) (int, error) {
		return args["a"].(int) + args["b"].(int), nil
	}), WithParams[int]("a", "b"))

	require.NoError(t, Connect(root, failing, WithNamedForward("x")))
	require.NoError(t, Connect(root, ok, WithNamedForward("x")))
	require.NoError(t, Connect(failing, sink, WithNamedForward("a")))
	require.NoError(t, Connect(ok, sink, WithNamedForward("b")))

	exec := NewExecutor("faninfail", []Runnable{root})
	require.NotPanics(t, func() {
		_, _, err := exec.Run(context.Background())
		require.Error(t, err)
	})

	assert.Equal(t, Failed, sink.State())
	_, sinkRan := sink.Output()
	assert.False(t, sinkRan)
}

func TestExecutorLeaves(t *testing.T) {
	a := constNode("a", 1)
	b := addOneNode("b", "x")
	c := addOneNode("c", "x")
	require.NoError(t, Connect(a, b, WithAutoForward()))
	require.NoError(t, Connect(a, c, WithAutoForward()))

	exec := NewExecutor("leaves", []Runnable{a})
	if diff := cmp.Diff([]string{"b", "c"}, idsOf(exec.Leaves())); diff != "" {
		t.Fatalf("leaves mismatch (-want +got):\n%s", diff)
	}
}

func TestExecutorYieldingRespectsContext(t *testing.T) {
	slow := NewNode[int]("slow", SingleShotFunc[int](func(ctx context.Context, args Args) (int, error) {
		select {
		case <-time.After(time.Second):
			return 1, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	exec := NewExecutor("ctxcancel", []Runnable{slow})

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	for range exec.Yielding(ctx, 5*time.Millisecond) {
	}
	assert.NotEmpty(t, exec.Errors())
}

func TestStopTreeDoesNotCancelInFlightNode(t *testing.T) {
	slowStarted := make(chan struct{})
	slowSawCancel := make(chan bool, 1)
	slow := NewNode[int]("slow", SingleShotFunc[int](func(ctx context.Context, args Args) (int, error) {
		close(slowStarted)
		select {
		case <-time.After(80 * time.Millisecond):
			slowSawCancel <- false
			return 1, nil
		case <-ctx.Done():
			slowSawCancel <- true
			return 0, ctx.Err()
		}
	}), WithTimeout[int](time.Second))

	fails := NewNode[int]("fails", SingleShotFunc[int](func(ctx context.Context, args Args) (int, error) {
		return 0, errors.New("boom")
	}))

	exec := NewExecutor("stoptree", []Runnable{slow, fails}, WithMaxWorkers(2))

	go func() {
		<-slowStarted
		time.Sleep(5 * time.Millisecond)
		exec.StopTree()
	}()

	for range exec.Yielding(context.Background(), 5*time.Millisecond) {
	}

	cancelled := <-slowSawCancel
	assert.False(t, cancelled, "StopTree must not cancel an already-running node's own execution context")
}
