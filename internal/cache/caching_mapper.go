// Package cache provides the repository-wide row cache shared by every
// session.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/fragcache/internal/invalidation"
	"github.com/roach88/fragcache/internal/mapper"
	"github.com/roach88/fragcache/internal/row"
)

// RecipientID is the id the caching mapper registers under.
const RecipientID = "caching-mapper"

// DefaultSize is the default maximum number of cached rows.
const DefaultSize = 10000

// entry is a cached read. A nil row records that the row does not exist.
type entry struct {
	row         *row.Row
	invalidated bool
}

// CachingMapper decorates a Mapper with a bounded cache keyed by row id.
//
// Reads go through the cache; invalidated or evicted entries are refetched.
// Writes go to the underlying Mapper first, then the written rows are
// dropped from the cache and the batch's invalidations are propagated
// before the write returns.
//
// Cached rows are never handed out: readers get clones.
type CachingMapper struct {
	base   mapper.Mapper
	prop   *invalidation.Propagator
	logger *slog.Logger

	// mu makes invalidation and cache population atomic with respect to gen.
	mu    sync.Mutex
	cache *lru.Cache[row.RowID, entry]
	// gen counts received invalidations. A read only populates the cache
	// if no invalidation arrived since it started.
	gen uint64

	group singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a CachingMapper.
type Option func(*config)

type config struct {
	size   int
	logger *slog.Logger
}

// WithSize bounds the number of cached rows.
func WithSize(n int) Option {
	return func(c *config) { c.size = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// New creates a caching mapper over base and registers it with prop.
func New(base mapper.Mapper, prop *invalidation.Propagator, opts ...Option) (*CachingMapper, error) {
	cfg := config{size: DefaultSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := lru.New[row.RowID, entry](cfg.size)
	if err != nil {
		return nil, fmt.Errorf("caching mapper: %w", err)
	}
	cm := &CachingMapper{base: base, prop: prop, logger: cfg.logger, cache: c}
	prop.Register(cm)
	return cm, nil
}

// Close unregisters the mapper from the propagator and drops the cache.
func (cm *CachingMapper) Close() {
	cm.prop.Unregister(RecipientID)
	cm.ClearCache()
}

// RecipientID implements invalidation.Recipient.
func (cm *CachingMapper) RecipientID() string { return RecipientID }

// ReceiveInvalidations implements invalidation.Recipient. Cached entries of
// invalidated rows are flagged so the next read refetches them.
func (cm *CachingMapper) ReceiveInvalidations(inv *invalidation.Invalidations) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.gen++
	if inv.All {
		cm.cache.Purge()
		return
	}
	for id := range inv.Modified {
		cm.flag(id)
	}
	for id := range inv.Deleted {
		cm.flag(id)
	}
}

func (cm *CachingMapper) flag(id row.RowID) {
	if e, ok := cm.cache.Peek(id); ok && !e.invalidated {
		cm.cache.Add(id, entry{row: e.row, invalidated: true})
	}
}

// lookup returns a valid cached entry and the generation observed.
func (cm *CachingMapper) lookup(id row.RowID) (entry, bool, uint64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	e, ok := cm.cache.Get(id)
	if ok && e.invalidated {
		ok = false
	}
	return e, ok, cm.gen
}

// store caches r (nil for absent) unless an invalidation arrived after gen.
func (cm *CachingMapper) store(id row.RowID, r *row.Row, gen uint64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.gen != gen {
		return
	}
	cm.cache.Add(id, entry{row: r})
}

// ReadRow implements mapper.Mapper.
func (cm *CachingMapper) ReadRow(ctx context.Context, id row.RowID) (*row.Row, error) {
	e, ok, gen := cm.lookup(id)
	if ok {
		cm.hits.Add(1)
		return e.row.Clone(), nil
	}
	cm.misses.Add(1)

	// Readers that started after an invalidation never share a fetch with
	// readers from before it.
	key := fmt.Sprintf("%s@%d", id, gen)
	v, err, _ := cm.group.Do(key, func() (any, error) {
		r, err := cm.base.ReadRow(ctx, id)
		if err != nil {
			return nil, err
		}
		cm.store(id, r, gen)
		cm.logger.Debug("row fetched", "row", id.String(), "found", r != nil)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*row.Row).Clone(), nil
}

// ReadRows implements mapper.Mapper. Cached rows are served from the cache
// and the rest are read in one call.
func (cm *CachingMapper) ReadRows(ctx context.Context, table string, ids []string) ([]*row.Row, error) {
	var out []*row.Row
	var missing []string
	var gen uint64
	for i, id := range ids {
		e, ok, g := cm.lookup(row.NewRowID(table, id))
		if i == 0 || g < gen {
			gen = g
		}
		if !ok {
			missing = append(missing, id)
			continue
		}
		cm.hits.Add(1)
		if e.row != nil {
			out = append(out, e.row.Clone())
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	cm.misses.Add(int64(len(missing)))

	fetched, err := cm.base.ReadRows(ctx, table, missing)
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool, len(fetched))
	for _, r := range fetched {
		found[r.ID] = true
		cm.store(r.RowID, r, gen)
		out = append(out, r.Clone())
	}
	for _, id := range missing {
		if !found[id] {
			cm.store(row.NewRowID(table, id), nil, gen)
		}
	}
	return out, nil
}

// Query implements mapper.Mapper. Results are not cached as a set, but the
// rows returned populate the row cache.
func (cm *CachingMapper) Query(ctx context.Context, q mapper.Query) ([]*row.Row, error) {
	cm.mu.Lock()
	gen := cm.gen
	cm.mu.Unlock()

	rows, err := cm.base.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]*row.Row, len(rows))
	for i, r := range rows {
		cm.store(r.RowID, r, gen)
		out[i] = r.Clone()
	}
	return out, nil
}

// WriteRows implements mapper.Mapper for writers without a session; the
// invalidations reach every recipient.
func (cm *CachingMapper) WriteRows(ctx context.Context, batch *mapper.RowBatch) error {
	return cm.writeRows(ctx, batch, "")
}

func (cm *CachingMapper) writeRows(ctx context.Context, batch *mapper.RowBatch, source string) error {
	if batch.Size() > 0 {
		if err := cm.base.WriteRows(ctx, batch); err != nil {
			return err
		}
	}
	inv := BatchInvalidations(batch)
	if inv.IsEmpty() {
		return nil
	}

	cm.mu.Lock()
	cm.gen++
	for id := range inv.Modified {
		cm.cache.Remove(id)
	}
	for id := range inv.Deleted {
		cm.cache.Remove(id)
	}
	cm.mu.Unlock()

	cm.prop.Propagate(inv, source)
	return nil
}

// Session returns a view of the mapper for one session. Its writes are
// not propagated back to that session.
func (cm *CachingMapper) Session(sessionID string) mapper.Mapper {
	return &sessionMapper{CachingMapper: cm, source: sessionID}
}

type sessionMapper struct {
	*CachingMapper
	source string
}

func (s *sessionMapper) WriteRows(ctx context.Context, batch *mapper.RowBatch) error {
	return s.writeRows(ctx, batch, s.source)
}

// BatchInvalidations returns what other caches must drop after batch is
// written: created and updated rows and changed selections as modified,
// deleted rows (including cascaded ones) as deleted.
func BatchInvalidations(batch *mapper.RowBatch) *invalidation.Invalidations {
	inv := invalidation.New()
	for _, r := range batch.Creates {
		inv.AddModified(r.RowID)
	}
	for _, u := range batch.Updates {
		inv.AddModified(u.Row.RowID)
	}
	for _, id := range batch.Selections {
		inv.AddModified(id)
	}
	for _, id := range batch.Deletes {
		inv.AddDeleted(id)
	}
	for _, id := range batch.DeletesDependent {
		inv.AddDeleted(id)
	}
	return inv
}

// ClearCache drops every cached row and returns how many there were.
func (cm *CachingMapper) ClearCache() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	n := cm.cache.Len()
	cm.cache.Purge()
	cm.gen++
	return n
}

// Len returns the number of cached rows.
func (cm *CachingMapper) Len() int {
	return cm.cache.Len()
}

// Hits returns the number of reads served from the cache.
func (cm *CachingMapper) Hits() int64 { return cm.hits.Load() }

// Misses returns the number of reads that went to the underlying mapper.
func (cm *CachingMapper) Misses() int64 { return cm.misses.Load() }
