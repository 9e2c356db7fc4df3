// Command taskgraphdemo builds a small diamond-shaped tree, runs it to
// completion, then prints the completed nodes in completion order and the
// final sum.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kestrelrun/taskgraph"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run encapsulates the demo logic for easier testing.
func run(out *os.File) error {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(out, "a critical error occurred: %v\n", r)
			os.Exit(1)
		}
	}()

	root := taskgraph.NewNode[int]("fetch", taskgraph.SingleShotFunc[int](func(ctx context.Context, args taskgraph.Args) (int, error) {
		return 10, nil
	}))
	double := taskgraph.NewNode[int]("double", taskgraph.SingleShotFunc[int](func(ctx context.Context, args taskgraph.Args) (int, error) {
		return args["x"].(int) * 2, nil
	}), taskgraph.WithParams[int]("x"))
	square := taskgraph.NewNode[int]("square", taskgraph.SingleShotFunc[int](func(ctx context.Context, args taskgraph.Args) (int, error) {
		v := args["x"].(int)
		return v * v, nil
	}), taskgraph.WithParams[int]("x"))
	sum := taskgraph.NewNode[int]("sum", taskgraph.SingleShotFunc[int](func(ctx context.Context, args taskgraph.Args) (int, error) {
		return args["a"].(int) + args["b"].(int), nil
	}), taskgraph.WithParams[int]("a", "b"))

	if err := taskgraph.Connect(root, double, taskgraph.WithNamedForward("x")); err != nil {
		return err
	}
	if err := taskgraph.Connect(root, square, taskgraph.WithNamedForward("x")); err != nil {
		return err
	}
	if err := taskgraph.Connect(double, sum, taskgraph.WithNamedForward("a")); err != nil {
		return err
	}
	if err := taskgraph.Connect(square, sum, taskgraph.WithNamedForward("b")); err != nil {
		return err
	}

	exec := taskgraph.NewExecutor("demo", []taskgraph.Runnable{root})
	completed, _, err := exec.Run(context.Background())
	if err != nil {
		return err
	}
	for _, n := range completed {
		fmt.Fprintf(out, "completed: %s\n", n.ID())
	}
	result, _ := sum.Output()
	fmt.Fprintf(out, "sum = %d\n", result)
	return nil
}
