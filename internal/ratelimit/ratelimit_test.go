package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestAcquireImmediateWhileTokensExist(t *testing.T) {
	l := New(Config{Capacity: 3, RefillRate: 0.1}, testLogger())

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx, PriorityNormal))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)

	stats := l.Stats()
	require.Less(t, stats.Available, 1.0)
}

func TestAcquireBlocksUntilRefill(t *testing.T) {
	l := New(Config{Capacity: 1, RefillRate: 20}, testLogger())

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, PriorityNormal))

	start := time.Now()
	require.NoError(t, l.Acquire(ctx, PriorityNormal))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestAcquireContextCancelled(t *testing.T) {
	l := New(Config{Capacity: 1, RefillRate: 0.1}, testLogger())

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, PriorityNormal))

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	err := l.Acquire(cctx, PriorityNormal)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, l.Stats().Waiting)
}

func TestReport429Parsing(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name       string
		retryAfter string
		expected   time.Time
	}{
		{
			name:       "integer seconds",
			retryAfter: "120",
			expected:   now.Add(120 * time.Second),
		},
		{
			name:       "http date",
			retryAfter: now.Add(90 * time.Second).Format(http.TimeFormat),
			expected:   now.Add(90 * time.Second),
		},
		{
			name:       "http date in the past clamps to zero",
			retryAfter: now.Add(-time.Hour).Format(http.TimeFormat),
			expected:   now,
		},
		{
			name:       "negative seconds clamp to zero",
			retryAfter: "-5",
			expected:   now,
		},
		{
			name:       "garbage falls back to default",
			retryAfter: "soon",
			expected:   now.Add(time.Minute),
		},
		{
			name:       "empty falls back to default",
			retryAfter: "",
			expected:   now.Add(time.Minute),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l := New(Config{}, testLogger())
			l.now = func() time.Time { return now }

			l.Report429(tc.retryAfter)
			require.True(t, l.Stats().BackoffUntil.Equal(tc.expected),
				"got %s, expected %s", l.Stats().BackoffUntil, tc.expected)
		})
	}
}

func TestBackoffNeverShrinks(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(Config{}, testLogger())
	l.now = func() time.Time { return now }

	l.Report429("120")
	l.Report429("10")

	require.True(t, l.Stats().BackoffUntil.Equal(now.Add(120*time.Second)))
}

func TestBackoffBlocksAcquireDespiteTokens(t *testing.T) {
	l := New(Config{Capacity: 10, RefillRate: 10}, testLogger())
	l.Report429("1")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx, PriorityHigh)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClearBackoffReleasesWaiters(t *testing.T) {
	l := New(Config{Capacity: 10, RefillRate: 10}, testLogger())
	l.Report429("3600")

	done := make(chan error, 1)
	go func() {
		done <- l.Acquire(context.Background(), PriorityNormal)
	}()

	time.Sleep(50 * time.Millisecond)
	l.ClearBackoff()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire still blocked after backoff cleared")
	}

	require.True(t, l.Stats().BackoffUntil.IsZero())
}

func TestPriorityOrdering(t *testing.T) {
	l := New(Config{Capacity: 1, RefillRate: 5}, testLogger())

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, PriorityNormal)) // drain the bucket

	var (
		mu    sync.Mutex
		order []Priority
	)

	var wg sync.WaitGroup
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh} {
		wg.Add(1)
		go func(p Priority) {
			defer wg.Done()

			require.NoError(t, l.Acquire(ctx, p))

			mu.Lock()
			order = append(order, p)
			mu.Unlock()
		}(p)

		// Queue the waiters before the first refill lands.
		time.Sleep(20 * time.Millisecond)
	}

	wg.Wait()
	require.Equal(t, []Priority{PriorityHigh, PriorityNormal, PriorityLow}, order)
}
