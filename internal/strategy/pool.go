package strategy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Pool fans a batch out to a fixed set of worker goroutines that drain a
// shared task channel.
type Pool struct {
	size   int
	logger *zap.Logger
	active atomic.Int64
}

// NewPool creates a Pool with size workers.
func NewPool(size int, logger *zap.Logger) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be > 0, got %d", size)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{size: size, logger: logger}, nil
}

// Name implements Runner.
func (*Pool) Name() string {
	return NamePool
}

// Size reports the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Active reports how many workers are currently executing a task.
func (p *Pool) Active() int64 {
	return p.active.Load()
}

// Run starts the workers and blocks until every task has a result.
func (p *Pool) Run(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	if len(tasks) == 0 {
		return errs
	}
	indexes := make(chan int)
	var wg sync.WaitGroup
	workers := min(p.size, len(tasks))
	for id := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx, id, tasks, indexes, errs)
		}()
	}
	for i := range tasks {
		indexes <- i
	}
	close(indexes)
	wg.Wait()
	return errs
}

func (p *Pool) work(ctx context.Context, id int, tasks []Task, indexes <-chan int, errs []error) {
	logger := p.logger.With(zap.Int("worker", id))
	logger.Debug("worker started")
	for i := range indexes {
		p.active.Add(1)
		errs[i] = invoke(ctx, tasks[i])
		p.active.Add(-1)
	}
	logger.Debug("worker stopped")
}
