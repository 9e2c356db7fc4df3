package taskgraph

import (
	"context"
	"runtime"
	"time"
)

// DefaultSupervisorInterval is how often the dynamic worker-pool
// supervisor samples queue depth.
const DefaultSupervisorInterval = 150 * time.Millisecond

// defaultMaxWorkers caps the worker pool the supervisor is willing to
// grow to when no explicit ceiling is configured.
func defaultMaxWorkers() int {
	n := 4 * runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	return n
}

// poolSupervisor grows the worker pool on backlog and lets idle workers
// shrink it by attrition. It samples via the Executor's injected Clock so
// tests can drive it deterministically.
type poolSupervisor struct {
	e        *Executor
	interval time.Duration
}

func newPoolSupervisor(e *Executor) *poolSupervisor {
	return &poolSupervisor{e: e, interval: e.supervisorInterval}
}

// run samples queue depth against workers alive and spawns additional
// workers through e.spawnWorker while the executor's worker semaphore has
// room, until ctx is done or the executor signals it has drained.
func (s *poolSupervisor) run(ctx context.Context) {
	for {
		if err := s.e.clock.Sleep(ctx, s.interval); err != nil {
			return
		}
		select {
		case <-s.e.drained:
			return
		default:
		}

		depth := int32(len(s.e.readyChan))
		alive := s.e.workersAlive.Load()
		if depth > alive {
			s.e.spawnWorker(ctx)
		}
	}
}
