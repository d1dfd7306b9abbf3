package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jgivc/coursepull/internal/common"
	"github.com/jgivc/coursepull/internal/entity"
	"github.com/jgivc/coursepull/internal/repository/kvstore"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

// fakeClock hands out strictly increasing timestamps so recency
// comparisons are deterministic.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(time.Second)

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestCache(cfg Config) (*RecordCache, *fakeClock) {
	c := New(kvstore.NewMemoryStore(), cfg, testLogger())
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	c.now = clock.Now

	return c, clock
}

func collection(id string, records int) *entity.Collection {
	col := &entity.Collection{ID: id, Name: "collection " + id}
	for i := 0; i < records; i++ {
		col.Records = append(col.Records, &entity.Record{
			ID:        fmt.Sprintf("%s-r%d", id, i),
			Kind:      entity.RecordMaterial,
			Title:     fmt.Sprintf("record %d", i),
			CreatedAt: time.Date(2025, 5, 1+i, 0, 0, 0, 0, time.UTC),
		})
	}

	return col
}

func TestSetGetRoundtrip(t *testing.T) {
	c, _ := newTestCache(Config{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "c1", collection("c1", 2)))

	col, ok, err := c.Get(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "c1", col.ID)
	require.Len(t, col.Records, 2)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Entries)
	require.Equal(t, int64(1), stats.AccessCounts["c1"])
}

func TestGetAbsent(t *testing.T) {
	c, _ := newTestCache(Config{})

	_, ok, err := c.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBoundsHoldAfterEverySet(t *testing.T) {
	c, _ := newTestCache(Config{MaxEntries: 3, MaxBytes: 1 << 20})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("c%d", i), collection(fmt.Sprintf("c%d", i), 1)))

		stats, err := c.Stats(ctx)
		require.NoError(t, err)
		require.LessOrEqual(t, stats.Entries, 3)
		require.LessOrEqual(t, stats.TotalSizeBytes, int64(1<<20))
	}
}

func TestByteBoundEvicts(t *testing.T) {
	c, _ := newTestCache(Config{MaxEntries: 100, MaxBytes: 2048})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("c%d", i), collection(fmt.Sprintf("c%d", i), 3)))

		stats, err := c.Stats(ctx)
		require.NoError(t, err)
		require.LessOrEqual(t, stats.TotalSizeBytes, int64(2048))
	}

	// The byte bound forced evictions well below the entry bound.
	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Less(t, stats.Entries, 8)
}

// The least-recently-touched entry is evicted, not the newest insert:
// five inserts, then touches in reverse insertion order that skip the
// first entry, then a sixth insert.
func TestLRUVictimIsLeastRecentlyTouched(t *testing.T) {
	c, _ := newTestCache(Config{MaxEntries: 5, MaxBytes: 1 << 20})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("c%d", i), collection(fmt.Sprintf("c%d", i), 1)))
	}

	for i := 4; i >= 2; i-- {
		require.NoError(t, c.Touch(ctx, fmt.Sprintf("c%d", i)))
	}

	require.NoError(t, c.Set(ctx, "c6", collection("c6", 1)))

	_, ok, err := c.Get(ctx, "c1")
	require.NoError(t, err)
	require.False(t, ok, "first inserted, never re-touched entry should have been evicted")

	for _, id := range []string{"c2", "c3", "c4", "c5", "c6"} {
		_, ok, err := c.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, ok, "entry %s should have survived", id)
	}
}

func TestStaleEntryDeletedOnGet(t *testing.T) {
	c, clock := newTestCache(Config{MaxAge: time.Hour})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "c1", collection("c1", 1)))

	clock.Advance(2 * time.Hour)

	_, ok, err := c.Get(ctx, "c1")
	require.NoError(t, err)
	require.False(t, ok)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Entries)
}

func TestUpdateKeepsAccessCountAndAccounting(t *testing.T) {
	c, _ := newTestCache(Config{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "c1", collection("c1", 1)))
	require.NoError(t, c.Touch(ctx, "c1"))
	require.NoError(t, c.Touch(ctx, "c1"))

	require.NoError(t, c.Set(ctx, "c1", collection("c1", 4)))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Entries)
	require.Equal(t, int64(2), stats.AccessCounts["c1"])

	col, ok, err := c.Get(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, col.Records, 4)
}

func TestOversizedPayloadTruncated(t *testing.T) {
	c, _ := newTestCache(Config{MaxBytes: 2048})
	ctx := context.Background()

	col := collection("c1", 6)
	col.Records[0].Kind = entity.RecordAnnouncement
	col.Records[0].Title = strings.Repeat("a", 512)
	for _, r := range col.Records[1:] {
		r.Title = strings.Repeat("b", 256)
	}

	require.NoError(t, c.Set(ctx, "c1", col))

	got, ok, err := c.Get(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Truncated)

	for _, r := range got.Records {
		require.NotEqual(t, entity.RecordAnnouncement, r.Kind,
			"announcements are dropped first during truncation")
	}

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, stats.TotalSizeBytes, int64(2048))
}

func TestEvictLRUOnEmptyCache(t *testing.T) {
	c, _ := newTestCache(Config{})

	ok, err := c.EvictLRU(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClearAll(t *testing.T) {
	c, _ := newTestCache(Config{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "c1", collection("c1", 1)))
	require.NoError(t, c.Set(ctx, "c2", collection("c2", 1)))
	require.NoError(t, c.ClearAll(ctx))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Entries)
}

// quotaStore rejects data writes a configured number of times, the way
// a globally full durable store would.
type quotaStore struct {
	kvstore.Store
	dataPrefix string
	failures   int
}

func (s *quotaStore) Set(ctx context.Context, key string, value []byte) error {
	if s.failures > 0 && strings.HasPrefix(key, s.dataPrefix) {
		s.failures--

		return common.ErrQuotaExceeded
	}

	return s.Store.Set(ctx, key, value)
}

func TestQuotaFallbackEvictsAndRetries(t *testing.T) {
	inner := kvstore.NewMemoryStore()
	store := &quotaStore{Store: inner, dataPrefix: "records:data:"}
	c := New(store, Config{}, testLogger())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "c1", collection("c1", 1)))
	require.NoError(t, c.Set(ctx, "c2", collection("c2", 1)))
	require.NoError(t, c.Set(ctx, "c3", collection("c3", 1)))

	store.failures = 1
	require.NoError(t, c.Set(ctx, "c4", collection("c4", 1)))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, stats.Entries, 2, "fallback evicts down to one entry before retrying")

	_, ok, err := c.Get(ctx, "c4")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestQuotaFallbackPropagatesSecondFailure(t *testing.T) {
	store := &quotaStore{Store: kvstore.NewMemoryStore(), dataPrefix: "records:data:", failures: 2}
	c := New(store, Config{}, testLogger())

	err := c.Set(context.Background(), "c1", collection("c1", 1))
	require.ErrorIs(t, err, common.ErrQuotaExceeded)
}
