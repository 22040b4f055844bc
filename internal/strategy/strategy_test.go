package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func runners(t *testing.T, limit int) []Runner {
	t.Helper()
	coop, err := NewCooperative(limit)
	require.NoError(t, err)
	pool, err := NewPool(limit, zap.NewNop())
	require.NoError(t, err)
	return []Runner{NewSequential(), coop, pool}
}

func TestRunnersKeepOneSlotPerTask(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	for _, r := range runners(t, 3) {
		t.Run(r.Name(), func(t *testing.T) {
			t.Parallel()
			var ran atomic.Int64
			tasks := make([]Task, 6)
			for i := range tasks {
				tasks[i] = func(context.Context) error {
					ran.Add(1)
					if i == 2 {
						return boom
					}
					return nil
				}
			}
			errs := r.Run(context.Background(), tasks)
			require.Len(t, errs, 6)
			require.Equal(t, int64(6), ran.Load())
			for i, err := range errs {
				if i == 2 {
					require.ErrorIs(t, err, boom)
					continue
				}
				require.NoError(t, err)
			}
		})
	}
}

func TestRunnersRecoverPanics(t *testing.T) {
	t.Parallel()

	for _, r := range runners(t, 2) {
		t.Run(r.Name(), func(t *testing.T) {
			t.Parallel()
			errs := r.Run(context.Background(), []Task{
				func(context.Context) error { panic("bad parse") },
				func(context.Context) error { return nil },
			})
			require.ErrorIs(t, errs[0], ErrTaskPanicked)
			require.NoError(t, errs[1])
		})
	}
}

func TestRunnersRespectLimit(t *testing.T) {
	t.Parallel()

	coop, err := NewCooperative(2)
	require.NoError(t, err)
	pool, err := NewPool(2, nil)
	require.NoError(t, err)

	for _, r := range []Runner{coop, pool} {
		t.Run(r.Name(), func(t *testing.T) {
			t.Parallel()
			var (
				mu      sync.Mutex
				current int
				peak    int
			)
			tasks := make([]Task, 8)
			for i := range tasks {
				tasks[i] = func(context.Context) error {
					mu.Lock()
					current++
					peak = max(peak, current)
					mu.Unlock()
					time.Sleep(5 * time.Millisecond)
					mu.Lock()
					current--
					mu.Unlock()
					return nil
				}
			}
			r.Run(context.Background(), tasks)
			require.LessOrEqual(t, peak, 2)
			require.GreaterOrEqual(t, peak, 1)
		})
	}
}

func TestRunnersSkipTasksAfterCancel(t *testing.T) {
	t.Parallel()

	for _, r := range runners(t, 1) {
		t.Run(r.Name(), func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			var ran atomic.Int64
			tasks := []Task{
				func(context.Context) error {
					ran.Add(1)
					cancel()
					return nil
				},
				func(context.Context) error {
					ran.Add(1)
					return nil
				},
			}
			errs := r.Run(ctx, tasks)
			require.NoError(t, errs[0])
			require.ErrorIs(t, errs[1], context.Canceled)
			require.Equal(t, int64(1), ran.Load())
		})
	}
}

func TestRunAllPreservesOrder(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(4, nil)
	require.NoError(t, err)

	fns := make([]func(context.Context) (string, error), 5)
	for i := range fns {
		fns[i] = func(context.Context) (string, error) {
			// Later tasks finish first.
			time.Sleep(time.Duration(5-i) * 2 * time.Millisecond)
			if i == 3 {
				return "", fmt.Errorf("task %d failed", i)
			}
			return fmt.Sprintf("page-%d", i), nil
		}
	}
	results := RunAll(context.Background(), pool, fns)
	require.Len(t, results, 5)
	for i, res := range results {
		if i == 3 {
			require.Error(t, res.Err)
			continue
		}
		require.NoError(t, res.Err)
		require.Equal(t, fmt.Sprintf("page-%d", i), res.Value)
	}
}

func TestNewStrategy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		wantIO  string
		wantCPU bool
	}{
		{name: "sequential", wantIO: NameSequential},
		{name: "cooperative", wantIO: NameCooperative},
		{name: "pool", wantIO: NamePool},
		{name: " Hybrid ", wantIO: NamePool, wantCPU: true},
	}
	for _, tc := range cases {
		s, err := New(tc.name, 4, 0, nil)
		require.NoError(t, err, tc.name)
		require.Equal(t, tc.wantIO, s.IO.Name())
		require.Equal(t, tc.wantCPU, s.CPU != nil)
	}

	_, err := New("processes", 4, 0, nil)
	require.Error(t, err)
	_, err = New(NameCooperative, 0, 0, nil)
	require.Error(t, err)
	_, err = New(NamePool, -1, 0, nil)
	require.Error(t, err)
}
