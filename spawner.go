package taskgraph

// Spawner is the task-spawn primitive the Executor uses to launch workers
// and the dynamic-sizing supervisor. Injecting a fake Spawner lets tests
// observe or serialize what would otherwise be concurrent goroutines.
type Spawner interface {
	Go(f func())
}

// GoSpawner is the default Spawner: it launches f on a new goroutine.
type GoSpawner struct{}

func (GoSpawner) Go(f func()) { go f() }
