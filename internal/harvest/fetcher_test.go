package harvest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const docURL = "https://translatedby.com/you/basic-set/stats/"

func newTestFetcher(t *testing.T, client Client, maxAttempts int, opts ...FetcherOption) (*RetryingFetcher, *[]time.Duration) {
	t.Helper()
	f, err := NewRetryingFetcher(client, NewFixedRetryPolicy(maxAttempts, 10*time.Millisecond), opts...)
	require.NoError(t, err)
	var delays []time.Duration
	f.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return f, &delays
}

func failuresThenSuccess(n int) []reply {
	replies := make([]reply, 0, n)
	for i := 1; i < n; i++ {
		replies = append(replies, reply{status: 503})
	}
	return append(replies, reply{status: 200, body: "ok"})
}

func TestFetchSucceedsWithinBudget(t *testing.T) {
	t.Parallel()

	for n := 1; n <= 5; n++ {
		t.Run(fmt.Sprintf("success_on_attempt_%d", n), func(t *testing.T) {
			t.Parallel()
			client := newScriptedClient().on(docURL, failuresThenSuccess(n)...)
			f, delays := newTestFetcher(t, client, 5)

			resp, err := f.Fetch(context.Background(), docURL)
			require.NoError(t, err)
			require.Equal(t, "ok", resp.Text())
			require.Equal(t, n, client.callsTo(docURL))
			require.Len(t, *delays, n-1)
			require.EqualValues(t, n, f.Attempts())
		})
	}
}

func TestFetchRetryExhausted(t *testing.T) {
	t.Parallel()

	client := newScriptedClient().on(docURL, failuresThenSuccess(6)...)
	f, _ := newTestFetcher(t, client, 5)

	_, err := f.Fetch(context.Background(), docURL)
	require.ErrorIs(t, err, ErrRetryExhausted)
	require.Equal(t, KindRetryExhausted, KindOf(err))
	require.Equal(t, 5, client.callsTo(docURL))

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 5, exhausted.Attempts)
	var status *StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, 503, status.StatusCode)
}

func TestFetchRetriesTransportErrors(t *testing.T) {
	t.Parallel()

	client := newScriptedClient().on(docURL,
		reply{err: errors.New("connection reset by peer")},
		reply{status: 200, body: "ok"},
	)
	f, _ := newTestFetcher(t, client, 3)

	resp, err := f.Fetch(context.Background(), docURL)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, 2, client.callsTo(docURL))
}

func TestFetchDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	client := newScriptedClient().on(docURL, reply{err: Permanent(errors.New("url is not absolute"))})
	f, _ := newTestFetcher(t, client, 5)

	_, err := f.Fetch(context.Background(), docURL)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrRetryExhausted)
	require.Equal(t, 1, client.callsTo(docURL))
}

func TestFetchHonorsCancellation(t *testing.T) {
	t.Parallel()

	client := newScriptedClient().on(docURL, reply{status: 200})
	f, _ := newTestFetcher(t, client, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Fetch(ctx, docURL)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, KindCanceled, KindOf(err))
	require.Zero(t, client.total())
}

func TestFetchStopsWhenCanceledDuringBackoff(t *testing.T) {
	t.Parallel()

	client := newScriptedClient().on(docURL, reply{status: 500})
	f, err := NewRetryingFetcher(client, NewFixedRetryPolicy(5, time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, docURL)
		done <- err
	}()
	require.Eventually(t, func() bool { return client.callsTo(docURL) == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not return after cancel")
	}
	require.Equal(t, 1, client.callsTo(docURL))
}

func TestDownloadResetsBetweenAttempts(t *testing.T) {
	t.Parallel()

	const payloadURL = "https://translatedby.com/you/basic-set/.txt"
	client := newScriptedClient().on(payloadURL,
		reply{status: 200, body: "partial", err: errors.New("unexpected EOF")},
		reply{status: 502},
		reply{status: 200, body: "full payload"},
	)
	f, _ := newTestFetcher(t, client, 3)

	var dst bufferWriter
	n, err := f.Download(context.Background(), payloadURL, &dst)
	require.NoError(t, err)
	require.EqualValues(t, len("full payload"), n)
	require.Equal(t, "full payload", dst.String())
	require.Equal(t, 3, dst.resets)
}

func TestDownloadRetryExhaustedLeavesNothingCounted(t *testing.T) {
	t.Parallel()

	const payloadURL = "https://translatedby.com/you/basic-set/.txt"
	client := newScriptedClient().on(payloadURL, reply{status: 404})
	f, _ := newTestFetcher(t, client, 2)

	var dst bufferWriter
	n, err := f.Download(context.Background(), payloadURL, &dst)
	require.ErrorIs(t, err, ErrRetryExhausted)
	require.Zero(t, n)
	require.Zero(t, dst.Len())
}

type countingThrottle struct{ calls atomic.Int64 }

func (c *countingThrottle) Wait(context.Context, string) error {
	c.calls.Add(1)
	return nil
}

func TestFetchThrottlesEveryAttempt(t *testing.T) {
	t.Parallel()

	throttle := &countingThrottle{}
	client := newScriptedClient().on(docURL, failuresThenSuccess(3)...)
	f, _ := newTestFetcher(t, client, 3, WithThrottle(throttle))

	_, err := f.Fetch(context.Background(), docURL)
	require.NoError(t, err)
	require.EqualValues(t, 3, throttle.calls.Load())
}

type slowClient struct {
	active atomic.Int64
	peak   atomic.Int64
}

func (c *slowClient) Get(context.Context, string) (*Response, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return &Response{StatusCode: 200}, nil
}

func (c *slowClient) Stream(ctx context.Context, url string, _ io.Writer) (int, int64, error) {
	_, err := c.Get(ctx, url)
	return 200, 0, err
}

func TestFetchCapsInFlightRequests(t *testing.T) {
	t.Parallel()

	client := &slowClient{}
	f, _ := newTestFetcher(t, client, 1, WithMaxInFlight(2))

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Fetch(context.Background(), docURL)
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, client.peak.Load(), int64(2))
	require.EqualValues(t, 12, f.Attempts())
}

func TestNewRetryingFetcherValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRetryingFetcher(nil, NewFixedRetryPolicy(1, 0))
	require.Error(t, err)
	_, err = NewRetryingFetcher(newScriptedClient(), nil)
	require.Error(t, err)
}
