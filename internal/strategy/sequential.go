package strategy

import "context"

// Sequential runs tasks one at a time on the caller's goroutine. Tasks never
// overlap, so state shared between them needs no synchronization.
type Sequential struct{}

// NewSequential returns a Sequential runner.
func NewSequential() *Sequential {
	return &Sequential{}
}

// Name implements Runner.
func (*Sequential) Name() string {
	return NameSequential
}

// Run implements Runner.
func (*Sequential) Run(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	for i, task := range tasks {
		errs[i] = invoke(ctx, task)
	}
	return errs
}
