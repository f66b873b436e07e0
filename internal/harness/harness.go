package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sort"
	"sync/atomic"
	"time"

	"github.com/roach88/fragcache/internal/cluster"
	"github.com/roach88/fragcache/internal/errs"
	"github.com/roach88/fragcache/internal/ident"
	"github.com/roach88/fragcache/internal/invalidation"
	"github.com/roach88/fragcache/internal/lock"
	"github.com/roach88/fragcache/internal/mapper"
	"github.com/roach88/fragcache/internal/model"
	"github.com/roach88/fragcache/internal/persistence"
	"github.com/roach88/fragcache/internal/repository"
	"github.com/roach88/fragcache/internal/row"
	"github.com/roach88/fragcache/internal/store"
	"github.com/roach88/fragcache/internal/testutil"
)

// settleTimeout bounds how long a step waits for its invalidations to
// reach the other nodes.
const settleTimeout = 5 * time.Second

// Harness is the test execution engine.
// It runs scenarios with a deterministic clock and session ids.
type Harness struct {
	store    *store.Store
	model    *model.Model
	clock    *testutil.DeterministicClock
	logger   *slog.Logger
	hub      *cluster.Hub
	nodes    map[string]*node
	order    []string
	sessions map[string]*repository.Session
	scenario *Scenario
	seq      int64
}

// node is one repository of the scenario.
type node struct {
	name string
	repo *repository.Repository

	// published counts batches handed to the cluster; settled is the
	// sent count once they were all sent.
	published atomic.Int64
	seen      int64
	settled   int64

	cancel context.CancelFunc
	done   chan error
}

// countingPublisher counts batches on their way to the invalidator.
type countingPublisher struct {
	next invalidation.Publisher
	n    *atomic.Int64
}

func (p countingPublisher) Publish(inv *invalidation.Invalidations) {
	p.n.Add(1)
	p.next.Publish(inv)
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Deterministic helpers ensure reproducible results.
//
// Execution flow:
// 1. Create fresh in-memory database and write the setup rows
// 2. Start one repository per node, connected by an in-process hub
// 3. Execute steps, waiting after each until its invalidations reached every node
// 4. Evaluate assertions against the trace and the store
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:    st,
		model:    st.Model(),
		clock:    testutil.NewDeterministicClock(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		nodes:    make(map[string]*node),
		sessions: make(map[string]*repository.Session),
		scenario: scenario,
	}
	ctx := context.Background()

	if err := h.setup(ctx); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	if err := h.start(); err != nil {
		return nil, fmt.Errorf("failed to start nodes: %w", err)
	}
	defer h.stop(ctx)

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("failed to execute step %d: %w", i, err)
		}
	}

	actx := &AssertionContext{Store: st, Model: h.model, Ctx: ctx}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

func (h *Harness) setup(ctx context.Context) error {
	if len(h.scenario.Setup) == 0 {
		return nil
	}
	batch := &mapper.RowBatch{}
	for i, sr := range h.scenario.Setup {
		r, err := h.buildRow(sr.Table, sr.ID, sr.Values)
		if err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		batch.Creates = append(batch.Creates, r)
	}
	return h.store.WriteRows(ctx, batch)
}

func (h *Harness) start() error {
	multi := len(h.scenario.Nodes) > 1
	if multi {
		h.hub = cluster.NewHub()
	}
	for _, name := range h.scenario.Nodes {
		opts := []repository.Option{
			repository.WithLogger(h.logger),
			repository.WithSessionIDs(ident.NewSequenceGenerator(name)),
			repository.WithLockOptions(lock.WithClock(h.clock.Now), lock.WithCacheSize(64)),
		}
		if multi {
			opts = append(opts, repository.WithCluster(name, h.hub,
				cluster.WithIDGenerator(ident.NewSequenceGenerator(name+"-msg"))))
		}
		repo, err := repository.New(h.store, opts...)
		if err != nil {
			return err
		}
		n := &node{name: name, repo: repo, done: make(chan error, 1)}
		h.nodes[name] = n
		h.order = append(h.order, name)

		if multi {
			prop := repo.Propagator()
			prop.SetPublisher(countingPublisher{next: repo.Cluster(), n: &n.published})
			var runCtx context.Context
			runCtx, n.cancel = context.WithCancel(context.Background())
			go func() { n.done <- repo.Run(runCtx) }()
		}
	}
	if multi {
		return waitFor(func() bool { return h.hub.Subscribers() == len(h.order) })
	}
	return nil
}

func (h *Harness) stop(ctx context.Context) {
	for _, name := range h.order {
		n := h.nodes[name]
		if n.cancel != nil {
			n.cancel()
			<-n.done
		}
		if err := n.repo.Shutdown(ctx); err != nil {
			h.logger.Warn("shutdown", "node", name, "error", err)
		}
	}
	if h.hub != nil {
		h.hub.Close()
	}
}

// settle waits until every batch published so far was sent and received
// by every other node.
func (h *Harness) settle() error {
	if h.hub == nil {
		return nil
	}
	for _, name := range h.order {
		n := h.nodes[name]
		published := n.published.Load()
		if published == n.seen {
			continue
		}
		iv := n.repo.Cluster()
		prev := n.settled
		if err := waitFor(func() bool { return iv.Pending() == 0 && iv.Sent() > prev }); err != nil {
			return fmt.Errorf("node %s did not send its invalidations", name)
		}
		n.seen = published
		n.settled = iv.Sent()
	}
	for _, name := range h.order {
		var want int64
		for _, other := range h.order {
			if other != name {
				want += h.nodes[other].settled
			}
		}
		iv := h.nodes[name].repo.Cluster()
		if err := waitFor(func() bool { return iv.Received() >= want }); err != nil {
			return fmt.Errorf("node %s received %d of %d batches", name, iv.Received(), want)
		}
	}
	return nil
}

func waitFor(cond func() bool) error {
	deadline := time.Now().Add(settleTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			return errors.New("timed out")
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

func (h *Harness) session(name string) (*repository.Session, error) {
	if s, ok := h.sessions[name]; ok {
		return s, nil
	}
	n := h.nodes[h.scenario.Sessions[name]]
	s, err := n.repo.OpenSession()
	if err != nil {
		return nil, err
	}
	h.sessions[name] = s
	return s, nil
}

func (h *Harness) nodeOf(step Step) string {
	if step.Node != "" {
		return step.Node
	}
	return h.scenario.Sessions[step.Session]
}

func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	h.seq++
	table := step.Table
	if table == "" {
		table = h.model.HierTable
	}
	ev := TraceEvent{Seq: h.seq, Node: h.nodeOf(step), Session: step.Session, Op: step.Op}
	if step.ID != "" {
		if isLockOp(step.Op) {
			table = h.model.LockTable
		}
		ev.Target = row.NewRowID(table, step.ID).String()
	}
	ev.Args = stepArgs(step)

	res, opErr := h.apply(ctx, step, table)
	ev.Result = res
	if opErr != nil {
		ev.Error = errorCode(opErr)
	}
	result.AddTrace(ev)

	if err := h.settle(); err != nil {
		return err
	}

	prefix := fmt.Sprintf("steps[%d] %s", i, step.Op)
	exp := step.Expect
	switch {
	case exp == nil:
		if opErr != nil {
			result.AddError(fmt.Sprintf("%s: unexpected error: %v", prefix, opErr))
		}
	case exp.Error != "":
		if ev.Error != exp.Error {
			result.AddError(fmt.Sprintf("%s: expected error %q, got %q (%v)", prefix, exp.Error, ev.Error, opErr))
		}
	case opErr != nil:
		result.AddError(fmt.Sprintf("%s: unexpected error: %v", prefix, opErr))
	case exp.Null:
		if res != nil {
			result.AddError(fmt.Sprintf("%s: expected null, got %v", prefix, res))
		}
	case exp.Result != nil:
		if !reflect.DeepEqual(normalize(exp.Result), res) {
			result.AddError(fmt.Sprintf("%s: expected %v, got %v", prefix, exp.Result, res))
		}
	}
	return nil
}

// apply runs one step and returns its result in plain Go values.
func (h *Harness) apply(ctx context.Context, step Step, table string) (any, error) {
	if isLockOp(step.Op) {
		return h.applyLock(ctx, step)
	}
	s, err := h.session(step.Session)
	if err != nil {
		return nil, err
	}
	id := row.NewRowID(table, step.ID)

	switch step.Op {
	case OpCreate:
		r, err := h.buildRow(table, step.ID, step.Values)
		if err != nil {
			return nil, err
		}
		_, err = s.CreateRow(ctx, r)
		return nil, err
	case OpPut:
		for _, k := range sortedKeys(step.Values) {
			v, err := row.FromAny(step.Values[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			if err := s.Put(ctx, id, k, v); err != nil {
				return nil, err
			}
		}
		return nil, nil
	case OpAdd:
		v, err := s.Add(ctx, id, step.Key, step.Amount)
		if err != nil {
			return nil, err
		}
		return int64(v), nil
	case OpRead:
		v, err := s.Read(ctx, id, step.Key)
		if err != nil {
			return nil, err
		}
		return row.ToAny(v), nil
	case OpRemove:
		if table == h.model.HierTable {
			return nil, s.RemoveNode(ctx, step.ID)
		}
		return nil, s.RemoveRow(ctx, id)
	case OpChildren:
		children, err := s.Children(ctx, step.ID)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(children))
		for i, f := range children {
			out[i] = f.ID().ID
		}
		return out, nil
	case OpSave:
		inv, err := s.Save(ctx)
		if err != nil {
			return nil, err
		}
		return saveResult(inv), nil
	case OpClear:
		n, err := s.ClearCaches()
		if err != nil {
			return nil, err
		}
		return int64(n), nil
	case OpClose:
		s.Close()
		return nil, nil
	}
	return nil, fmt.Errorf("unknown op %q", step.Op)
}

func (h *Harness) applyLock(ctx context.Context, step Step) (any, error) {
	locks := h.nodes[h.nodeOf(step)].repo.Locks()
	switch step.Op {
	case OpLock:
		held, err := locks.SetLock(ctx, step.ID, lock.Lock{Owner: step.Owner})
		if err != nil {
			return nil, err
		}
		if held == nil {
			return "acquired", nil
		}
		return lockResult(held), nil
	case OpGetLock:
		l, err := locks.GetLock(ctx, step.ID)
		if err != nil {
			return nil, err
		}
		if l == nil {
			return "unlocked", nil
		}
		return lockResult(l), nil
	case OpUnlock:
		l, err := locks.RemoveLock(ctx, step.ID, step.Owner, step.Force)
		if err != nil {
			return nil, err
		}
		if l == nil {
			return "unlocked", nil
		}
		return lockResult(l), nil
	}
	return nil, fmt.Errorf("unknown op %q", step.Op)
}

func (h *Harness) buildRow(table, id string, values map[string]any) (*row.Row, error) {
	if table == "" {
		table = h.model.HierTable
	}
	if _, ok := h.model.Table(table); !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	r := row.New(table, id)
	for _, k := range sortedKeys(values) {
		v, err := row.FromAny(values[k])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		r.Put(k, v)
	}
	return r, nil
}

func lockResult(l *lock.Lock) map[string]any {
	out := map[string]any{
		"owner":   l.Owner,
		"created": l.Created.UTC().Format(time.RFC3339),
	}
	if l.Failed {
		out["failed"] = true
	}
	return out
}

// saveResult lists the rows a save invalidated, or nil if none.
func saveResult(inv *invalidation.Invalidations) any {
	if inv == nil || inv.IsEmpty() {
		return nil
	}
	out := make(map[string]any)
	for kind, ids := range map[string]map[row.RowID]struct{}{"modified": inv.Modified, "deleted": inv.Deleted} {
		if len(ids) == 0 {
			continue
		}
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id.String())
		}
		sort.Strings(list)
		items := make([]any, len(list))
		for i, s := range list {
			items[i] = s
		}
		out[kind] = items
	}
	return out
}

func stepArgs(step Step) map[string]any {
	args := make(map[string]any)
	if len(step.Values) > 0 {
		args["values"] = normalize(step.Values)
	}
	if step.Key != "" {
		args["key"] = step.Key
	}
	if step.Op == OpAdd {
		args["amount"] = step.Amount
	}
	if step.Owner != "" {
		args["owner"] = step.Owner
	}
	if step.Force {
		args["force"] = true
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// errorCode classifies an operation error for traces and expectations.
func errorCode(err error) string {
	switch {
	case errs.IsConcurrentModification(err):
		return "concurrent_modification"
	case errors.Is(err, errs.ErrConcurrentUpdate):
		return "concurrent_update"
	case errs.IsInvariant(err):
		return "invariant"
	case errors.Is(err, repository.ErrClosed), errors.Is(err, persistence.ErrClosed):
		return "closed"
	}
	return "error"
}

func isLockOp(op string) bool {
	return op == OpLock || op == OpGetLock || op == OpUnlock
}

// normalize converts YAML-decoded values to the types steps produce.
func normalize(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = normalize(x)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = normalize(x)
		}
		return out
	}
	return v
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
