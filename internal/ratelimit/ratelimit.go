// Package ratelimit gates outbound requests to the remote APIs with a
// token bucket and absorbs server-signaled throttling. The limiter
// never fails a caller, it only delays: the single error Acquire can
// return is context cancellation.
package ratelimit

import (
	"container/heap"
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jgivc/coursepull/internal/metrics"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

const minTimerDelay = time.Millisecond

type Config struct {
	Capacity       float64       `yaml:"capacity"`
	RefillRate     float64       `yaml:"refill_rate"` // tokens per second
	DefaultBackoff time.Duration `yaml:"default_backoff"`
}

func (c *Config) setDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 90
	}
	if c.RefillRate <= 0 {
		c.RefillRate = 1.5
	}
	if c.DefaultBackoff <= 0 {
		c.DefaultBackoff = time.Minute
	}
}

// Stats is a read-only snapshot of the limiter state.
type Stats struct {
	Available    float64
	BackoffUntil time.Time
	Waiting      int
}

type waiter struct {
	priority Priority
	seq      uint64
	ready    chan struct{}
	index    int
}

// waiterQueue orders waiters by priority, FIFO within a priority.
type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }

func (q waiterQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}

	return q[i].seq < q[j].seq
}

func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waiterQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]

	return w
}

type Limiter struct {
	mu           sync.Mutex
	cfg          Config
	tokens       float64
	last         time.Time
	backoffUntil time.Time
	waiters      waiterQueue
	nextSeq      uint64
	timer        *time.Timer
	now          func() time.Time
	log          *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Limiter {
	cfg.setDefaults()

	l := &Limiter{
		cfg: cfg,
		now: time.Now,
		log: log.With(slog.String("item", "RateLimiter")),
	}
	l.tokens = cfg.Capacity
	l.last = l.now()

	return l
}

// Acquire blocks the caller until a permit is available. Permits go to
// higher-priority waiters first once tokens exist; callers of the same
// priority are served in arrival order. While a backoff window is
// active nothing is granted regardless of bucket fill.
func (l *Limiter) Acquire(ctx context.Context, priority Priority) error {
	l.mu.Lock()
	l.refill()

	if len(l.waiters) == 0 && l.grantable() {
		l.tokens--
		l.mu.Unlock()

		return nil
	}

	w := &waiter{
		priority: priority,
		seq:      l.nextSeq,
		ready:    make(chan struct{}),
	}
	l.nextSeq++
	heap.Push(&l.waiters, w)
	l.armTimer()
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()

		select {
		case <-w.ready:
			// Granted before the cancellation was observed, the
			// permit stands.
			return nil
		default:
			heap.Remove(&l.waiters, w.index)

			return ctx.Err()
		}
	}
}

// Report429 installs or extends a backoff window from a Retry-After
// value, which may be an integer seconds count or an HTTP date. A later
// shorter delay never shrinks an existing longer window.
func (l *Limiter) Report429(retryAfter string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	delay := parseRetryAfter(retryAfter, now, l.cfg.DefaultBackoff)
	until := now.Add(delay)

	if until.After(l.backoffUntil) {
		l.backoffUntil = until
		metrics.BackoffsTotal.Inc()
		l.log.Warn("Backoff window installed",
			slog.String("retry_after", retryAfter),
			slog.Time("until", until))
	}

	l.armTimer()
}

// ClearBackoff drops an active backoff window. Callers invoke it after
// any successful response.
func (l *Limiter) ClearBackoff() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.backoffUntil.IsZero() {
		return
	}

	l.backoffUntil = time.Time{}
	l.log.Info("Backoff window cleared")
	l.dispatch()
}

// Stats returns a snapshot of available tokens and backoff state
// without mutating the limiter.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		Available:    l.availableAt(l.now()),
		BackoffUntil: l.backoffUntil,
		Waiting:      len(l.waiters),
	}
}

func (l *Limiter) availableAt(now time.Time) float64 {
	tokens := l.tokens + now.Sub(l.last).Seconds()*l.cfg.RefillRate
	if tokens > l.cfg.Capacity {
		tokens = l.cfg.Capacity
	}

	return tokens
}

func (l *Limiter) refill() {
	now := l.now()
	l.tokens = l.availableAt(now)
	l.last = now
	metrics.TokensAvailable.Set(l.tokens)
}

func (l *Limiter) grantable() bool {
	if !l.backoffUntil.IsZero() && l.now().Before(l.backoffUntil) {
		return false
	}

	return l.tokens >= 1
}

// dispatch grants permits to waiters while tokens exist and no backoff
// is active, then re-arms the wake-up timer. Callers must hold mu.
func (l *Limiter) dispatch() {
	l.refill()

	for len(l.waiters) > 0 && l.grantable() {
		w := heap.Pop(&l.waiters).(*waiter)
		l.tokens--
		close(w.ready)
	}

	l.armTimer()
}

// armTimer schedules the next dispatch for the earliest time a permit
// could become grantable. Callers must hold mu.
func (l *Limiter) armTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}

	if len(l.waiters) == 0 {
		return
	}

	now := l.now()

	var d time.Duration
	if !l.backoffUntil.IsZero() && now.Before(l.backoffUntil) {
		d = l.backoffUntil.Sub(now)
	} else if l.tokens < 1 {
		d = time.Duration((1 - l.tokens) / l.cfg.RefillRate * float64(time.Second))
	}

	if d < minTimerDelay {
		d = minTimerDelay
	}

	l.timer = time.AfterFunc(d, func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		l.dispatch()
	})
}

func parseRetryAfter(value string, now time.Time, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}

		return time.Duration(secs) * time.Second
	}

	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d < 0 {
			return 0
		}

		return d
	}

	return fallback
}
