package taskgraph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/kestrelrun/taskgraph/mocks"
)

func TestPoolSupervisorGrowsOnBacklog(t *testing.T) {
	ctrl := gomock.NewController(t)

	clock := mocks.NewMockClock(ctrl)
	spawner := mocks.NewMockSpawner(ctrl)

	a := constNode("a", 1)
	b := constNode("b", 2)
	c := constNode("c", 3)
	exec := NewExecutor("sup", []Runnable{a, b, c}, WithClock(clock), WithSpawner(spawner), WithMaxWorkers(4))

	// Every goroutine the executor wants is routed through the mock
	// spawner, which only records it in queued without running it, so the
	// assertion below observes a deterministic end state instead of a race
	// against real goroutines.
	var queued []func()
	spawner.EXPECT().Go(gomock.Any()).Do(func(f func()) { queued = append(queued, f) }).AnyTimes()

	// First Sleep call lets the supervisor take one sampling pass, then
	// the second cancels the context to end the loop deterministically.
	ctx, cancel := context.WithCancel(context.Background())
	first := true
	clock.EXPECT().Sleep(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, d time.Duration) error {
		if first {
			first = false
			return nil
		}
		cancel()
		return ctx.Err()
	}).AnyTimes()

	sup := newPoolSupervisor(exec)
	exec.readyChan = make(chan Runnable, 8)
	exec.readyChan <- a
	exec.readyChan <- b
	exec.readyChan <- c
	exec.drained = make(chan struct{})

	sup.run(ctx)

	// The supervisor only queues spawns; it never runs worker bodies
	// itself, matching GoSpawner's real "launch and return" contract.
	assert.NotEmpty(t, queued)
}

func TestSystemClockSleepCancellable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := SystemClock{}.Sleep(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}
