package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/fragcache/internal/cache"
	"github.com/roach88/fragcache/internal/cluster"
	"github.com/roach88/fragcache/internal/fragment"
	"github.com/roach88/fragcache/internal/ident"
	"github.com/roach88/fragcache/internal/invalidation"
	"github.com/roach88/fragcache/internal/lock"
	"github.com/roach88/fragcache/internal/mapper"
	"github.com/roach88/fragcache/internal/model"
	"github.com/roach88/fragcache/internal/persistence"
)

// ErrClosed is returned by operations on a shut down repository.
var ErrClosed = errors.New("repository is closed")

// Backend is the store a repository runs on.
type Backend interface {
	mapper.Mapper
	lock.Store
}

// Repository ties the shared caches of one node together: the caching
// mapper every session reads through, the lock manager, the propagator
// that keeps them coherent and, when configured, the cluster invalidator
// that carries batches to other nodes.
//
// Thread-safety: Repository is safe for concurrent use. A Session is not;
// use one per goroutine.
type Repository struct {
	backend Backend
	model   *model.Model
	logger  *slog.Logger

	prop    *invalidation.Propagator
	mapper  *cache.CachingMapper
	locks   *lock.Manager
	cluster *cluster.Invalidator
	running atomic.Bool
	closers []io.Closer

	sessionIDs    ident.Generator
	nextContextID atomic.Uint64
	warnThreshold int

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	metrics *metrics
}

// Option configures a Repository.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	model         *model.Model
	cacheSize     int
	lockOpts      []lock.Option
	transport     cluster.Transport
	nodeID        string
	clusterOpts   []cluster.InvalidatorOption
	sessionIDs    ident.Generator
	registerer    prometheus.Registerer
	warnThreshold int
	closers       []io.Closer
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithModel sets the table model. Defaults to model.Default().
func WithModel(m *model.Model) Option {
	return func(o *options) { o.model = m }
}

// WithCacheSize bounds the shared row cache. Non-positive sizes keep the
// default.
func WithCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cacheSize = n
		}
	}
}

// WithLockOptions passes options to the lock manager.
func WithLockOptions(opts ...lock.Option) Option {
	return func(o *options) { o.lockOpts = append(o.lockOpts, opts...) }
}

// WithCluster connects the repository to other nodes through t. The
// caller keeps ownership of t.
func WithCluster(nodeID string, t cluster.Transport, opts ...cluster.InvalidatorOption) Option {
	return func(o *options) {
		o.nodeID = nodeID
		o.transport = t
		o.clusterOpts = append(o.clusterOpts, opts...)
	}
}

// WithSessionIDs sets the session id generator. Defaults to UUIDv7.
func WithSessionIDs(g ident.Generator) Option {
	return func(o *options) { o.sessionIDs = g }
}

// WithRegisterer registers the repository's gauges and counters with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithBigSelectionWarningThreshold sets the selection size above which
// sessions log a warning.
func WithBigSelectionWarningThreshold(n int) Option {
	return func(o *options) { o.warnThreshold = n }
}

// withCloser closes c on shutdown, after everything else.
func withCloser(c io.Closer) Option {
	return func(o *options) { o.closers = append(o.closers, c) }
}

// New creates a repository over backend.
func New(backend Backend, opts ...Option) (*Repository, error) {
	o := options{
		logger:        slog.Default(),
		model:         model.Default(),
		cacheSize:     cache.DefaultSize,
		sessionIDs:    ident.UUIDv7Generator{},
		warnThreshold: persistence.DefaultBigSelectionWarningThreshold,
	}
	for _, opt := range opts {
		opt(&o)
	}

	prop := invalidation.NewPropagator(invalidation.WithLogger(o.logger))
	cm, err := cache.New(backend, prop, cache.WithSize(o.cacheSize), cache.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("repository: %w", err)
	}

	lockOpts := append([]lock.Option{
		lock.WithLogger(o.logger),
		lock.WithPropagator(prop),
		lock.WithTable(o.model.LockTable),
	}, o.lockOpts...)
	locks := lock.NewManager(backend, lockOpts...)
	prop.Register(locks)

	r := &Repository{
		backend:       backend,
		model:         o.model,
		logger:        o.logger,
		prop:          prop,
		mapper:        cm,
		locks:         locks,
		closers:       o.closers,
		sessionIDs:    o.sessionIDs,
		warnThreshold: o.warnThreshold,
		sessions:      make(map[string]*Session),
	}
	if o.transport != nil {
		clusterOpts := append([]cluster.InvalidatorOption{cluster.WithLogger(o.logger)}, o.clusterOpts...)
		r.cluster = cluster.NewInvalidator(o.nodeID, o.transport, prop, clusterOpts...)
	}
	if o.registerer != nil {
		m, err := newMetrics(r, o.registerer)
		if err != nil {
			cm.Close()
			return nil, fmt.Errorf("repository metrics: %w", err)
		}
		r.metrics = m
	}
	return r, nil
}

// Model returns the table model.
func (r *Repository) Model() *model.Model { return r.model }

// Propagator returns the propagator shared by the repository's caches.
func (r *Repository) Propagator() *invalidation.Propagator { return r.prop }

// Locks returns the lock manager.
func (r *Repository) Locks() *lock.Manager { return r.locks }

// Cluster returns the cluster invalidator, or nil when the repository
// runs alone.
func (r *Repository) Cluster() *cluster.Invalidator { return r.cluster }

// OpenSession creates a session with its own persistence context.
func (r *Repository) OpenSession() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	id := r.sessionIDs.Generate()
	pc := persistence.NewContext(
		fragment.ContextID(r.nextContextID.Add(1)),
		id,
		r.mapper.Session(id),
		r.model,
		persistence.WithLogger(r.logger),
		persistence.WithBigSelectionWarningThreshold(r.warnThreshold),
	)
	s := &Session{id: id, repo: r, pc: pc}
	r.sessions[id] = s
	r.prop.Register(pc)
	r.logger.Info("session opened", "session", id)
	return s, nil
}

// closeSession drops s from the open sessions and the propagator.
func (r *Repository) closeSession(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()
	r.prop.Unregister(s.id)
	s.pc.Close()
	r.logger.Info("session closed", "session", s.id)
}

// Sessions returns the ids of the open sessions in order.
func (r *Repository) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ClearCaches drops every unmodified cached fragment, row and lock, in
// the sessions and the shared caches. Returns the number of entries
// dropped.
func (r *Repository) ClearCaches() (int, error) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	n := r.mapper.ClearCache() + r.locks.ClearCaches()
	for _, s := range sessions {
		dropped, err := s.pc.ClearCaches()
		if err != nil {
			return n, err
		}
		n += dropped
	}
	return n, nil
}

// Run exchanges invalidations with other nodes until ctx is done or the
// repository shuts down. Without a cluster it just waits.
func (r *Repository) Run(ctx context.Context) error {
	if r.cluster == nil {
		<-ctx.Done()
		return nil
	}
	r.running.Store(true)
	defer r.running.Store(false)
	return r.cluster.Run(ctx)
}

// Shutdown closes every open session and releases the shared caches, the
// cluster transport and the backend. Later calls are no-ops.
func (r *Repository) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if r.cluster != nil {
		if r.running.Load() {
			r.flush(ctx)
		}
		r.cluster.Close()
	}
	r.prop.Unregister(lock.RecipientID)
	r.mapper.Close()
	if r.metrics != nil {
		r.metrics.unregister()
	}

	var errs []error
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.logger.Info("repository shut down", "sessions", len(sessions))
	return errors.Join(errs...)
}

// flush waits for the cluster outbox to drain, until ctx is done.
func (r *Repository) flush(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for r.cluster.Pending() > 0 {
		select {
		case <-ctx.Done():
			r.logger.Warn("invalidations not sent before shutdown", "pending", r.cluster.Pending())
			return
		case <-ticker.C:
		}
	}
}

// Stats is a snapshot of the repository's caches.
type Stats struct {
	Sessions     int   `json:"sessions"`
	CachedRows   int   `json:"cached_rows"`
	CacheHits    int64 `json:"cache_hits"`
	CacheMisses  int64 `json:"cache_misses"`
	CachedLocks  int   `json:"cached_locks"`
	Fragments    int   `json:"fragments"`
	Pristine     int   `json:"pristine"`
	Modified     int   `json:"modified"`
	Selections   int   `json:"selections"`
	SentBatches  int64 `json:"sent_batches"`
	RecvBatches  int64 `json:"received_batches"`
	PendingSends int   `json:"pending_sends"`
}

// Stats returns the current sizes and counters.
func (r *Repository) Stats() Stats {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	st := Stats{
		Sessions:    len(sessions),
		CachedRows:  r.mapper.Len(),
		CacheHits:   r.mapper.Hits(),
		CacheMisses: r.mapper.Misses(),
		CachedLocks: r.locks.CacheLen(),
	}
	for _, s := range sessions {
		ps := s.pc.Stats()
		st.Fragments += ps.Pristine + ps.Modified
		st.Pristine += ps.Pristine
		st.Modified += ps.Modified
		st.Selections += ps.Selections
	}
	if r.cluster != nil {
		st.SentBatches = r.cluster.Sent()
		st.RecvBatches = r.cluster.Received()
		st.PendingSends = r.cluster.Pending()
	}
	return st
}
