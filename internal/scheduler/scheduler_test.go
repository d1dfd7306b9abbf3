package scheduler

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestScheduleRecurringFires(t *testing.T) {
	s := New(testLogger())
	defer s.StopAll()

	var fired atomic.Int32
	s.ScheduleRecurring("tick", 20*time.Millisecond, func() {
		fired.Add(1)
	})

	require.Eventually(t, func() bool {
		return fired.Load() >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestStopHaltsSchedule(t *testing.T) {
	s := New(testLogger())

	var fired atomic.Int32
	s.ScheduleRecurring("tick", 20*time.Millisecond, func() {
		fired.Add(1)
	})

	time.Sleep(50 * time.Millisecond)
	s.Stop("tick")

	// Let any in-flight callback settle before taking the baseline.
	time.Sleep(30 * time.Millisecond)
	count := fired.Load()

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, count, fired.Load())
}

func TestPanicInCallbackRecovered(t *testing.T) {
	s := New(testLogger())
	defer s.StopAll()

	var fired atomic.Int32
	s.ScheduleRecurring("boom", 20*time.Millisecond, func() {
		fired.Add(1)
		panic("callback failure")
	})

	require.Eventually(t, func() bool {
		return fired.Load() >= 2
	}, time.Second, 10*time.Millisecond)
}
