package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/fragcache/internal/invalidation"
	"github.com/roach88/fragcache/internal/mapper"
	"github.com/roach88/fragcache/internal/model"
	"github.com/roach88/fragcache/internal/retry"
	"github.com/roach88/fragcache/internal/row"
)

// RecipientID is the id the lock manager registers under.
const RecipientID = "lock-manager"

// Defaults for SetLock retries.
const (
	DefaultRetries        = 10
	DefaultSleepDelay     = time.Millisecond
	DefaultSleepIncrement = 50 * time.Millisecond
)

// Store is what the lock manager needs from the backend.
type Store interface {
	mapper.Transactor
	ReadRow(ctx context.Context, id row.RowID) (*row.Row, error)
	InsertRow(ctx context.Context, r *row.Row) error
	IsDuplicateKeyConflict(err error) bool
}

// Manager reads, sets and removes locks.
//
// With a cache, reads are served from memory until an invalidation for
// the lock row arrives; the manager must then be registered with the
// propagator that carries invalidations from other nodes.
type Manager struct {
	store  Store
	table  string
	logger *slog.Logger
	prop   *invalidation.Propagator

	retries    int
	delay      time.Duration
	increment  time.Duration
	maxElapsed time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time

	// mu orders cache fills against invalidations.
	mu    sync.Mutex
	cache *lru.Cache[string, *Lock]
	gen   uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetries sets how many times SetLock tries before giving up.
func WithRetries(n int) Option {
	return func(m *Manager) { m.retries = n }
}

// WithBackOff sets the wait before the first retry and how much each
// later retry adds to it.
func WithBackOff(delay, increment time.Duration) Option {
	return func(m *Manager) {
		m.delay = delay
		m.increment = increment
	}
}

// WithMaxElapsed bounds the time SetLock spends retrying. Zero, the
// default, leaves only the retry count as a bound.
func WithMaxElapsed(d time.Duration) Option {
	return func(m *Manager) { m.maxElapsed = d }
}

// WithSleep replaces the wait between retries.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = fn }
}

// WithClock sets the time stamped on locks created without one.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithCacheSize enables a cache of n locks.
func WithCacheSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.cache, _ = lru.New[string, *Lock](n)
		}
	}
}

// WithPropagator makes lock changes propagate as invalidations of the
// lock table, so lock caches elsewhere drop them.
func WithPropagator(p *invalidation.Propagator) Option {
	return func(m *Manager) { m.prop = p }
}

// WithTable overrides the lock table name.
func WithTable(name string) Option {
	return func(m *Manager) { m.table = name }
}

// NewManager creates a lock manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		table:     model.Locks,
		logger:    slog.Default(),
		retries:   DefaultRetries,
		delay:     DefaultSleepDelay,
		increment: DefaultSleepIncrement,
		sleep:     retry.Sleep,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) rowID(id string) row.RowID {
	return row.NewRowID(m.table, id)
}

// GetLock returns the lock on id, or nil if it is unlocked.
func (m *Manager) GetLock(ctx context.Context, id string) (*Lock, error) {
	gen, ok := uint64(0), false
	if m.cache != nil {
		m.mu.Lock()
		var l *Lock
		l, ok = m.cache.Get(id)
		gen = m.gen
		m.mu.Unlock()
		if ok {
			return copyLock(l), nil
		}
	}

	r, err := m.store.ReadRow(ctx, m.rowID(id))
	if err != nil {
		return nil, fmt.Errorf("get lock %s: %w", id, err)
	}
	l := lockFromRow(r)
	m.remember(id, l, gen)
	return copyLock(l), nil
}

// SetLock locks id for l.Owner. It returns nil if the lock was acquired,
// or the lock already held, possibly by the same owner.
func (m *Manager) SetLock(ctx context.Context, id string, l Lock) (*Lock, error) {
	if l.Created.IsZero() {
		l.Created = m.now()
	}
	rid := m.rowID(id)

	var held *Lock
	policy := retry.Policy{
		BackOff: retry.Linear(m.delay, m.increment, m.retries),
		Retryable: func(err error) bool {
			var ce *conflictError
			return errors.As(err, &ce)
		},
		MaxElapsed: m.maxElapsed,
		Sleep:      m.sleep,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			m.logger.Debug("retrying lock", "id", id, "attempt", attempt, "wait", wait, "error", err)
		},
	}
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		held = nil
		err := m.store.InsertRow(ctx, lockRow(m.table, id, l))
		if err == nil {
			return nil
		}
		if !m.store.IsDuplicateKeyConflict(err) {
			return fmt.Errorf("set lock %s: %w", id, err)
		}
		r, rerr := m.store.ReadRow(ctx, rid)
		if rerr != nil {
			return fmt.Errorf("set lock %s: %w", id, rerr)
		}
		if r == nil {
			return &conflictError{id: id, attempt: attempt, err: err}
		}
		held = lockFromRow(r)
		return nil
	})
	if err != nil {
		var ex *retry.ExhaustedError
		if errors.As(err, &ex) {
			m.logger.Warn("giving up on lock", "id", id, "tries", ex.Tries)
			return nil, &TooMuchConcurrencyError{ID: id, Tries: ex.Tries, Err: ex}
		}
		return nil, err
	}

	if held != nil {
		m.remember(id, held, m.generation())
		return copyLock(held), nil
	}
	m.logger.Debug("lock set", "id", id, "owner", l.Owner)
	m.changed(id, &l, invalidation.Modified)
	return nil, nil
}

// RemoveLock removes the lock on id and returns it, or nil if there was
// none. With a non-empty owner the lock is only removed if
// CanLockBeRemoved allows it; otherwise the held lock is returned with
// Failed set. With force the row is deleted without being read.
func (m *Manager) RemoveLock(ctx context.Context, id, owner string, force bool) (*Lock, error) {
	rid := m.rowID(id)
	var (
		result  *Lock
		deleted bool
	)
	err := m.store.InTransaction(ctx, func(tx mapper.Tx) error {
		result, deleted = nil, false
		var old *Lock
		if !force {
			r, err := tx.ReadRow(ctx, rid)
			if err != nil {
				return err
			}
			old = lockFromRow(r)
		}
		if !force && owner != "" {
			if old == nil {
				return nil
			}
			if !CanLockBeRemoved(old.Owner, owner) {
				failed := *old
				failed.Failed = true
				result = &failed
				return nil
			}
		}
		if force || old != nil {
			if _, err := tx.DeleteRow(ctx, rid); err != nil {
				return err
			}
			deleted = true
		}
		result = old
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("remove lock %s: %w", id, err)
	}

	if deleted {
		m.logger.Debug("lock removed", "id", id, "owner", owner, "force", force)
		m.changed(id, nil, invalidation.Deleted)
	} else if result != nil && result.Failed {
		m.logger.Debug("lock removal refused", "id", id, "owner", owner, "holder", result.Owner)
	}
	return result, nil
}

// changed records a lock change in the cache and propagates it.
func (m *Manager) changed(id string, l *Lock, kind invalidation.Kind) {
	if m.cache != nil {
		m.mu.Lock()
		m.gen++
		m.cache.Add(id, copyLock(l))
		m.mu.Unlock()
	}
	if m.prop != nil {
		inv := invalidation.New()
		inv.Add(m.table, []string{id}, kind)
		m.prop.Propagate(inv, RecipientID)
	}
}

func (m *Manager) generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// remember caches l unless an invalidation arrived since gen was read.
func (m *Manager) remember(id string, l *Lock, gen uint64) {
	if m.cache == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen {
		m.cache.Add(id, copyLock(l))
	}
}

// RecipientID implements invalidation.Recipient.
func (m *Manager) RecipientID() string { return RecipientID }

// ReceiveInvalidations drops invalidated locks from the cache.
func (m *Manager) ReceiveInvalidations(inv *invalidation.Invalidations) {
	if m.cache == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	if inv.All {
		m.cache.Purge()
		return
	}
	for _, e := range inv.Entries() {
		if e.Table != m.table {
			continue
		}
		for _, id := range e.IDs {
			m.cache.Remove(id)
		}
	}
}

// ClearCaches empties the lock cache and returns how many locks it held.
func (m *Manager) ClearCaches() int {
	if m.cache == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.cache.Len()
	m.cache.Purge()
	m.gen++
	return n
}

// CacheLen returns the number of cached locks.
func (m *Manager) CacheLen() int {
	if m.cache == nil {
		return 0
	}
	return m.cache.Len()
}

func copyLock(l *Lock) *Lock {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}
