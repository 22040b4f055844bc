// Package strategy implements the execution substrates that run a batch of
// independent harvest tasks with bounded parallelism.
//
// Every Runner honors the same contract: one result slot per submitted task,
// a failing task never aborts its siblings, panics are converted into errors
// in the panicking task's slot, and tasks that have not started when the
// context is canceled receive ctx.Err() without running.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// Supported strategy names.
const (
	NameSequential  = "sequential"
	NameCooperative = "cooperative"
	NamePool        = "pool"
	NameHybrid      = "hybrid"
)

// ErrTaskPanicked marks a task slot whose task panicked.
var ErrTaskPanicked = errors.New("task panicked")

// Task is one independent unit of work.
type Task func(ctx context.Context) error

// Runner executes a batch of tasks and returns one error slot per task, in
// submission order.
type Runner interface {
	Name() string
	Run(ctx context.Context, tasks []Task) []error
}

// Result is the outcome of one value-producing task.
type Result[T any] struct {
	Value T
	Err   error
}

// RunAll runs fns on r and returns their results in submission order.
func RunAll[T any](ctx context.Context, r Runner, fns []func(context.Context) (T, error)) []Result[T] {
	results := make([]Result[T], len(fns))
	tasks := make([]Task, len(fns))
	for i, fn := range fns {
		tasks[i] = func(ctx context.Context) error {
			v, err := fn(ctx)
			results[i].Value = v
			return err
		}
	}
	errs := r.Run(ctx, tasks)
	for i := range results {
		results[i].Err = errs[i]
	}
	return results
}

// Strategy pairs the runner used for network-bound work with an optional
// runner dedicated to CPU-bound parsing.
type Strategy struct {
	name string
	IO   Runner
	CPU  Runner
}

// Name returns the configured strategy name.
func (s Strategy) Name() string {
	return s.name
}

// New builds the named strategy. limit caps the I/O runner; cpuWorkers sizes
// the parse pool of the hybrid strategy and defaults to GOMAXPROCS.
func New(name string, limit, cpuWorkers int, logger *zap.Logger) (Strategy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case NameSequential:
		return Strategy{name: name, IO: NewSequential()}, nil
	case NameCooperative:
		r, err := NewCooperative(limit)
		if err != nil {
			return Strategy{}, err
		}
		return Strategy{name: name, IO: r}, nil
	case NamePool:
		r, err := NewPool(limit, logger.Named("io"))
		if err != nil {
			return Strategy{}, err
		}
		return Strategy{name: name, IO: r}, nil
	case NameHybrid:
		io, err := NewPool(limit, logger.Named("io"))
		if err != nil {
			return Strategy{}, err
		}
		if cpuWorkers <= 0 {
			cpuWorkers = runtime.GOMAXPROCS(0)
		}
		cpu, err := NewPool(cpuWorkers, logger.Named("cpu"))
		if err != nil {
			return Strategy{}, err
		}
		return Strategy{name: name, IO: io, CPU: cpu}, nil
	default:
		return Strategy{}, fmt.Errorf("unknown strategy %q", name)
	}
}

// invoke runs task unless ctx is already done, recovering panics.
func invoke(ctx context.Context, task Task) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return task(ctx)
}
