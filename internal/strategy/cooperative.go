package strategy

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Cooperative starts one goroutine per task and lets at most limit of them
// be in flight. Goroutines park at I/O, so many pending operations share a
// small number of threads.
type Cooperative struct {
	limit int
}

// NewCooperative returns a Cooperative runner bounded by limit.
func NewCooperative(limit int) (*Cooperative, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("cooperative limit must be > 0, got %d", limit)
	}
	return &Cooperative{limit: limit}, nil
}

// Name implements Runner.
func (*Cooperative) Name() string {
	return NameCooperative
}

// Run implements Runner. Task errors are kept in their slots and never
// reach the errgroup, so one failure does not cancel the batch.
func (c *Cooperative) Run(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	var g errgroup.Group
	g.SetLimit(c.limit)
	for i, task := range tasks {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		g.Go(func() error {
			errs[i] = invoke(ctx, task)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // goroutines always return nil
	return errs
}
