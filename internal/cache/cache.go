// Package cache persists catalog query results across process restarts,
// bounded by both entry count and aggregate byte size, evicting
// least-recently-used entries under pressure.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jgivc/coursepull/internal/common"
	"github.com/jgivc/coursepull/internal/entity"
	"github.com/jgivc/coursepull/internal/metrics"
	"github.com/jgivc/coursepull/internal/repository/kvstore"
)

const (
	keyMeta = "meta"
	keyData = "data"

	keySeparator = ":"

	// A single payload larger than this fraction of MaxBytes is
	// truncated before storage.
	oversizeFraction = 0.9
)

type Config struct {
	MaxEntries int           `yaml:"max_entries"`
	MaxBytes   int64         `yaml:"max_bytes"`
	MaxAge     time.Duration `yaml:"max_age"`
	KeyPrefix  string        `yaml:"key_prefix"`
}

func (c *Config) setDefaults() {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 4 << 20
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 30 * 24 * time.Hour
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "records"
	}
}

type entrySummary struct {
	SizeBytes   int64     `json:"size_bytes"`
	LastAccess  time.Time `json:"last_access"`
	AccessCount int64     `json:"access_count"`
	CreatedAt   time.Time `json:"created_at"`
	Seq         uint64    `json:"seq"` // insertion order, breaks LastAccess ties
	Truncated   bool      `json:"truncated,omitempty"`
}

// metadata accounts for every cache entry. It is mutated only through
// the cache's set/evict operations. The invariant TotalSizeBytes ==
// sum of entry sizes holds after every save; stale metadata left by a
// crash between the data and metadata writes self-heals on the next
// read or eviction pass.
type metadata struct {
	Entries        map[string]*entrySummary `json:"entries"`
	TotalSizeBytes int64                    `json:"total_size_bytes"`
	NextSeq        uint64                   `json:"next_seq"`
}

// Stats is a read-only snapshot for diagnostics.
type Stats struct {
	Entries        int
	TotalSizeBytes int64
	AccessCounts   map[string]int64
}

type RecordCache struct {
	mu    sync.Mutex
	store kvstore.Store
	cfg   Config
	now   func() time.Time
	log   *slog.Logger
}

func New(store kvstore.Store, cfg Config, log *slog.Logger) *RecordCache {
	cfg.setDefaults()

	return &RecordCache{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		log:   log.With(slog.String("item", "RecordCache")),
	}
}

// Get returns the cached collection if present and not older than
// MaxAge. A present-but-stale entry is deleted as a side effect. Every
// successful Get also counts as a use and refreshes recency.
func (c *RecordCache) Get(ctx context.Context, collectionID string) (*entity.Collection, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, err := c.loadMeta(ctx)
	if err != nil {
		return nil, false, err
	}

	e, ok := meta.Entries[collectionID]
	if !ok {
		return nil, false, nil
	}

	now := c.now()
	if now.Sub(e.CreatedAt) > c.cfg.MaxAge {
		c.log.Info("Dropping stale entry", slog.String("collection_id", collectionID))
		c.removeLocked(ctx, meta, collectionID)

		return nil, false, c.saveMeta(ctx, meta)
	}

	data, err := c.store.Get(ctx, c.dataKey(collectionID))
	if err != nil {
		if errors.Is(err, common.ErrKeyNotFound) {
			// Metadata outlived the entry, heal the accounting.
			c.removeLocked(ctx, meta, collectionID)

			return nil, false, c.saveMeta(ctx, meta)
		}

		return nil, false, fmt.Errorf("cannot read entry %s: %w", collectionID, err)
	}

	var col entity.Collection
	if err := json.Unmarshal(data, &col); err != nil {
		return nil, false, fmt.Errorf("cannot decode entry %s: %w", collectionID, err)
	}

	e.LastAccess = now
	e.AccessCount++
	if err := c.saveMeta(ctx, meta); err != nil {
		return nil, false, err
	}

	return &col, true, nil
}

// Touch refreshes recency and increments the access count for an
// existing entry; it is a no-op if the entry does not exist.
func (c *RecordCache) Touch(ctx context.Context, collectionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, err := c.loadMeta(ctx)
	if err != nil {
		return err
	}

	e, ok := meta.Entries[collectionID]
	if !ok {
		return nil
	}

	e.LastAccess = c.now()
	e.AccessCount++

	return c.saveMeta(ctx, meta)
}

// Set stores the collection, evicting least-recently-used entries until
// both the byte and count bounds hold. An oversized payload is
// truncated before storage and flagged. Storage-layer write failures
// trigger a fallback that evicts down to a single remaining entry and
// retries once before propagating the error.
func (c *RecordCache) Set(ctx context.Context, collectionID string, col *entity.Collection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, truncated, err := c.serialize(col)
	if err != nil {
		return fmt.Errorf("cannot encode entry %s: %w", collectionID, err)
	}

	meta, err := c.loadMeta(ctx)
	if err != nil {
		return err
	}

	size := int64(len(payload))

	var carry *entrySummary
	if prev, ok := meta.Entries[collectionID]; ok {
		carry = prev
		meta.TotalSizeBytes -= prev.SizeBytes
		delete(meta.Entries, collectionID)
	}

	for meta.TotalSizeBytes+size > c.cfg.MaxBytes || len(meta.Entries) >= c.cfg.MaxEntries {
		if !c.evictLocked(ctx, meta) {
			// Nothing left to evict; the (possibly truncated)
			// entry is persisted anyway.
			break
		}
	}

	if err := c.store.Set(ctx, c.dataKey(collectionID), payload); err != nil {
		c.log.Warn("Store rejected entry, evicting down to one entry and retrying",
			slog.String("collection_id", collectionID), slog.Any("error", err))

		for len(meta.Entries) > 1 {
			if !c.evictLocked(ctx, meta) {
				break
			}
		}
		if serr := c.saveMeta(ctx, meta); serr != nil {
			return fmt.Errorf("cannot save metadata during fallback: %w", serr)
		}

		if err = c.store.Set(ctx, c.dataKey(collectionID), payload); err != nil {
			return fmt.Errorf("cannot store entry %s: %w", collectionID, err)
		}
	}

	now := c.now()
	sum := &entrySummary{
		SizeBytes:  size,
		LastAccess: now,
		CreatedAt:  now,
		Seq:        meta.NextSeq,
		Truncated:  truncated,
	}
	meta.NextSeq++
	if carry != nil {
		sum.AccessCount = carry.AccessCount
	}

	meta.Entries[collectionID] = sum
	meta.TotalSizeBytes += size

	return c.saveMeta(ctx, meta)
}

// EvictLRU removes the single oldest entry by last access time and
// reports whether an eviction occurred. An empty cache evicts nothing.
func (c *RecordCache) EvictLRU(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, err := c.loadMeta(ctx)
	if err != nil {
		return false, err
	}

	if !c.evictLocked(ctx, meta) {
		return false, nil
	}

	return true, c.saveMeta(ctx, meta)
}

func (c *RecordCache) Clear(ctx context.Context, collectionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, err := c.loadMeta(ctx)
	if err != nil {
		return err
	}

	c.removeLocked(ctx, meta, collectionID)

	return c.saveMeta(ctx, meta)
}

func (c *RecordCache) ClearAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, err := c.loadMeta(ctx)
	if err != nil {
		return err
	}

	for id := range meta.Entries {
		c.removeLocked(ctx, meta, id)
	}

	if err := c.store.Remove(ctx, c.metaKey()); err != nil {
		return fmt.Errorf("cannot remove metadata: %w", err)
	}

	return nil
}

func (c *RecordCache) Stats(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, err := c.loadMeta(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Entries:        len(meta.Entries),
		TotalSizeBytes: meta.TotalSizeBytes,
		AccessCounts:   make(map[string]int64, len(meta.Entries)),
	}
	for id, e := range meta.Entries {
		stats.AccessCounts[id] = e.AccessCount
	}

	return stats, nil
}

// serialize encodes the collection, truncating it when the payload
// alone exceeds 90% of the byte budget. Announcement records are
// dropped first, then the oldest remaining records.
func (c *RecordCache) serialize(col *entity.Collection) ([]byte, bool, error) {
	payload, err := json.Marshal(col)
	if err != nil {
		return nil, false, err
	}

	limit := int64(float64(c.cfg.MaxBytes) * oversizeFraction)
	if int64(len(payload)) <= limit {
		return payload, false, nil
	}

	cp := *col
	cp.Truncated = true
	records := make([]*entity.Record, 0, len(col.Records))
	for _, r := range col.Records {
		if r.Kind != entity.RecordAnnouncement {
			records = append(records, r)
		}
	}
	cp.Records = records

	payload, err = json.Marshal(&cp)
	if err != nil {
		return nil, false, err
	}

	for int64(len(payload)) > limit && len(cp.Records) > 1 {
		oldest := 0
		for i, r := range cp.Records {
			if r.CreatedAt.Before(cp.Records[oldest].CreatedAt) {
				oldest = i
			}
		}
		cp.Records = append(cp.Records[:oldest], cp.Records[oldest+1:]...)

		payload, err = json.Marshal(&cp)
		if err != nil {
			return nil, false, err
		}
	}

	c.log.Warn("Payload truncated before storage",
		slog.String("collection_id", col.ID),
		slog.Int("records_kept", len(cp.Records)))

	return payload, true, nil
}

// evictLocked removes the least-recently-used entry from the metadata
// and best-effort deletes its data key. The caller saves the metadata.
func (c *RecordCache) evictLocked(ctx context.Context, meta *metadata) bool {
	if len(meta.Entries) == 0 {
		return false
	}

	var (
		victim  string
		victimE *entrySummary
	)
	for id, e := range meta.Entries {
		if victimE == nil ||
			e.LastAccess.Before(victimE.LastAccess) ||
			(e.LastAccess.Equal(victimE.LastAccess) && e.Seq < victimE.Seq) {
			victim = id
			victimE = e
		}
	}

	c.log.Info("Evicting entry",
		slog.String("collection_id", victim),
		slog.Int64("size_bytes", victimE.SizeBytes))
	c.removeLocked(ctx, meta, victim)
	metrics.CacheEvictionsTotal.Inc()

	return true
}

func (c *RecordCache) removeLocked(ctx context.Context, meta *metadata, collectionID string) {
	e, ok := meta.Entries[collectionID]
	if !ok {
		return
	}

	if err := c.store.Remove(ctx, c.dataKey(collectionID)); err != nil {
		c.log.Warn("Cannot remove entry data",
			slog.String("collection_id", collectionID), slog.Any("error", err))
	}

	meta.TotalSizeBytes -= e.SizeBytes
	delete(meta.Entries, collectionID)
}

func (c *RecordCache) loadMeta(ctx context.Context) (*metadata, error) {
	data, err := c.store.Get(ctx, c.metaKey())
	if err != nil {
		if errors.Is(err, common.ErrKeyNotFound) {
			return &metadata{Entries: make(map[string]*entrySummary)}, nil
		}

		return nil, fmt.Errorf("cannot load cache metadata: %w", err)
	}

	var meta metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("cannot decode cache metadata: %w", err)
	}
	if meta.Entries == nil {
		meta.Entries = make(map[string]*entrySummary)
	}

	return &meta, nil
}

func (c *RecordCache) saveMeta(ctx context.Context, meta *metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("cannot encode cache metadata: %w", err)
	}

	if err := c.store.Set(ctx, c.metaKey(), data); err != nil {
		return fmt.Errorf("cannot save cache metadata: %w", err)
	}

	return nil
}

func (c *RecordCache) metaKey() string {
	return c.cfg.KeyPrefix + keySeparator + keyMeta
}

func (c *RecordCache) dataKey(collectionID string) string {
	return c.cfg.KeyPrefix + keySeparator + keyData + keySeparator + collectionID
}
