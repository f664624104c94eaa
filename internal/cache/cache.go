// Package cache holds the authoritative tab id -> metadata mapping.
//
// Mutations are applied in memory immediately and persisted through a
// coalescing writer, so reads always see the latest writes while storage
// sees at most one write per window. A failed persist never rolls back the
// in-memory state; the next mutation or Flush retries.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hpungsan/weaver/internal/coalesce"
	"github.com/hpungsan/weaver/internal/tab"
	"github.com/rs/zerolog"
)

// Persister is the storage the cache writes through.
// kv.Store satisfies it.
type Persister interface {
	LoadTabData(ctx context.Context) (map[int]tab.Record, error)
	SaveTabData(ctx context.Context, records map[int]tab.Record, metrics tab.Metrics) error
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	records map[int]tab.Record

	store  Persister
	writer *coalesce.Writer
	now    func() time.Time
	log    zerolog.Logger
	window time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithPersistWindow sets the write coalescing window.
func WithPersistWindow(d time.Duration) Option {
	return func(c *Cache) { c.window = d }
}

// New creates an empty cache writing through store.
func New(store Persister, opts ...Option) *Cache {
	c := &Cache{
		records: make(map[int]tab.Record),
		store:   store,
		now:     time.Now,
		log:     zerolog.Nop(),
		window:  coalesce.DefaultWindow,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.writer = coalesce.New(c.persist,
		coalesce.WithWindow(c.window),
		coalesce.WithLogger(c.log),
	)
	return c
}

// Load merges persisted records into memory. Records already in memory win,
// since they came from live events. Sessions left open by a previous process
// are dropped; their time up to the last checkpoint is already in the totals.
func (c *Cache) Load(ctx context.Context) error {
	stored, err := c.store.LoadTabData(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, r := range stored {
		if _, ok := c.records[id]; ok {
			continue
		}
		r.SessionStartTime = nil
		c.records[id] = r
	}
	c.log.Debug().Int("records", len(stored)).Msg("tab data loaded")
	return nil
}

// Get returns the record for id, or a fresh default record that is not stored.
func (c *Cache) Get(id int) tab.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if r, ok := c.records[id]; ok {
		return r.Clone()
	}
	return tab.NewRecord(id, c.now())
}

// Lookup returns the stored record for id.
func (c *Cache) Lookup(id int) (tab.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[id]
	return r.Clone(), ok
}

// Upsert merges p into the record for id, creating it if needed, and
// schedules a persist. It returns the updated record.
func (c *Cache) Upsert(id int, p tab.Patch) tab.Record {
	return c.Apply(id, func(tab.Record) tab.Patch { return p })
}

// Apply runs fn against the current record for id and merges the patch it
// returns, all under one lock. fn must not call back into the cache.
func (c *Cache) Apply(id int, fn func(tab.Record) tab.Patch) tab.Record {
	c.mu.Lock()
	r, ok := c.records[id]
	if !ok {
		r = tab.NewRecord(id, c.now())
	}
	p := fn(r.Clone())
	if ok && p.IsEmpty() {
		c.mu.Unlock()
		return r.Clone()
	}
	p.Apply(&r)
	c.records[id] = r
	c.mu.Unlock()

	c.writer.Request()
	return r.Clone()
}

// Update is Apply for records that already exist. Unknown ids are left alone
// and reported with ok=false; fn is not called.
func (c *Cache) Update(id int, fn func(tab.Record) tab.Patch) (rec tab.Record, ok bool) {
	c.mu.Lock()
	r, ok := c.records[id]
	if !ok {
		c.mu.Unlock()
		return tab.Record{}, false
	}
	p := fn(r.Clone())
	if p.IsEmpty() {
		c.mu.Unlock()
		return r.Clone(), true
	}
	p.Apply(&r)
	c.records[id] = r
	c.mu.Unlock()

	c.writer.Request()
	return r.Clone(), true
}

// Remove deletes the record for id and schedules a persist.
func (c *Cache) Remove(id int) bool {
	c.mu.Lock()
	_, ok := c.records[id]
	delete(c.records, id)
	c.mu.Unlock()

	if ok {
		c.writer.Request()
	}
	return ok
}

// Reassign moves the record for oldID to newID, applying p, and deletes the
// old identifier. It is used when a tab is recreated under a new id.
func (c *Cache) Reassign(oldID, newID int, p tab.Patch) tab.Record {
	c.mu.Lock()
	r, ok := c.records[oldID]
	if !ok {
		r = tab.NewRecord(newID, c.now())
	}
	delete(c.records, oldID)
	r.TabID = newID
	p.Apply(&r)
	c.records[newID] = r
	c.mu.Unlock()

	c.writer.Request()
	return r.Clone()
}

// PurgeStale removes every record whose URL is not in liveURLs and whose
// lastAccessed is older than now-retention. It returns how many were removed.
func (c *Cache) PurgeStale(retention time.Duration, liveURLs []string) int {
	return len(c.PurgeStaleIDs(retention, liveURLs))
}

// PurgeStaleIDs is PurgeStale returning the removed tab ids in ascending order.
func (c *Cache) PurgeStaleIDs(retention time.Duration, liveURLs []string) []int {
	live := make(map[string]struct{}, len(liveURLs))
	for _, u := range liveURLs {
		live[u] = struct{}{}
	}
	cutoff := c.now().Add(-retention).UnixMilli()

	c.mu.Lock()
	var removed []int
	for id, r := range c.records {
		if _, ok := live[r.URL]; ok {
			continue
		}
		if r.LastAccessed < cutoff {
			delete(c.records, id)
			removed = append(removed, id)
		}
	}
	c.mu.Unlock()

	if len(removed) > 0 {
		sort.Ints(removed)
		c.writer.Request()
		c.log.Info().Int("removed", len(removed)).Dur("retention", retention).Msg("purged stale tab data")
	}
	return removed
}

// Flush persists pending changes now.
func (c *Cache) Flush(ctx context.Context) error {
	return c.writer.Flush(ctx)
}

// Close flushes and stops background persistence.
func (c *Cache) Close(ctx context.Context) error {
	return c.writer.Close(ctx)
}

// Pending reports whether there are changes not yet persisted.
func (c *Cache) Pending() bool {
	return c.writer.Pending()
}

// Snapshot returns a copy of the full mapping.
func (c *Cache) Snapshot() map[int]tab.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int]tab.Record, len(c.records))
	for id, r := range c.records {
		out[id] = r.Clone()
	}
	return out
}

// Records returns copies of all records ordered by tab id.
func (c *Cache) Records() []tab.Record {
	c.mu.RLock()
	out := make([]tab.Record, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r.Clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Len returns the number of records, open or closed.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Metrics computes the aggregate metrics from the current records.
func (c *Cache) Metrics() tab.Metrics {
	return tab.ComputeMetrics(c.Records(), c.now())
}

func (c *Cache) persist(ctx context.Context) error {
	records := c.Snapshot()
	list := make([]tab.Record, 0, len(records))
	for _, r := range records {
		list = append(list, r)
	}
	metrics := tab.ComputeMetrics(list, c.now())

	if err := c.store.SaveTabData(ctx, records, metrics); err != nil {
		c.log.Warn().Err(err).Int("records", len(records)).Msg("persist tab data failed")
		return err
	}
	return nil
}
