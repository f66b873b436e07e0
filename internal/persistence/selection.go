package persistence

import (
	"log/slog"
	"sort"

	"github.com/roach88/fragcache/internal/model"
	"github.com/roach88/fragcache/internal/row"
)

// selection is the known membership of one selection id. A complete
// selection holds every member; an incomplete one only the members this
// session created or moved in, and must be completed with a query.
type selection struct {
	ids      map[string]struct{}
	complete bool
}

// SelectionContext caches the selections of one type for one session:
// selection id (the key column's value) to the ids of the rows in it.
type SelectionContext struct {
	typ           model.SelectionType
	sels          map[string]*selection
	changed       map[string]struct{}
	warnThreshold int
	logger        *slog.Logger
}

func newSelectionContext(typ model.SelectionType, warnThreshold int, logger *slog.Logger) *SelectionContext {
	return &SelectionContext{
		typ:           typ,
		sels:          make(map[string]*selection),
		changed:       make(map[string]struct{}),
		warnThreshold: warnThreshold,
		logger:        logger,
	}
}

// Type returns the selection type.
func (sc *SelectionContext) Type() model.SelectionType { return sc.typ }

// Len returns the number of cached selections.
func (sc *SelectionContext) Len() int { return len(sc.sels) }

func (sc *SelectionContext) get(selID string) *selection {
	s, ok := sc.sels[selID]
	if !ok {
		s = &selection{ids: make(map[string]struct{})}
		sc.sels[selID] = s
	}
	return s
}

// recordCreated adds id to selection selID, creating an incomplete
// selection if none is cached.
func (sc *SelectionContext) recordCreated(selID, id string) {
	sc.get(selID).ids[id] = struct{}{}
	sc.changed[selID] = struct{}{}
}

// recordRemoved removes id from selection selID.
func (sc *SelectionContext) recordRemoved(selID, id string) {
	if s, ok := sc.sels[selID]; ok {
		delete(s.ids, id)
	}
	sc.changed[selID] = struct{}{}
}

// complete merges the ids found by a query into the selection.
func (sc *SelectionContext) complete(selID string, ids []string) {
	s := sc.get(selID)
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	s.complete = true
	if sc.warnThreshold > 0 && len(s.ids) > sc.warnThreshold {
		sc.logger.Warn("selection is big, consider splitting it",
			"selection", sc.typ.Name,
			"id", selID,
			"size", len(s.ids))
	}
}

// members returns the cached ids of selID, sorted, and whether the
// selection is complete.
func (sc *SelectionContext) members(selID string) ([]string, bool) {
	s, ok := sc.sels[selID]
	if !ok {
		return nil, false
	}
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, s.complete
}

// drop removes id from selID without recording a change. Used when a
// cached member turns out to have moved elsewhere.
func (sc *SelectionContext) drop(selID, id string) {
	if s, ok := sc.sels[selID]; ok {
		delete(s.ids, id)
	}
}

// gatherInvalidations returns the pseudo-rows of the selections changed
// since the last save, sorted.
func (sc *SelectionContext) gatherInvalidations() []row.RowID {
	out := make([]row.RowID, 0, len(sc.changed))
	for selID := range sc.changed {
		out = append(out, row.NewRowID(sc.typ.PseudoTable(), selID))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// postSave forgets the changes, which are now persisted.
func (sc *SelectionContext) postSave() {
	clear(sc.changed)
}

// invalidate evicts a selection changed elsewhere. A selection with
// unsaved local changes keeps its ids but must be queried again.
func (sc *SelectionContext) invalidate(selID string) {
	if _, ok := sc.changed[selID]; ok {
		if s, ok := sc.sels[selID]; ok {
			s.complete = false
		}
		return
	}
	delete(sc.sels, selID)
}

// clearCaches drops every selection without unsaved changes.
func (sc *SelectionContext) clearCaches() int {
	n := 0
	for selID := range sc.sels {
		if _, ok := sc.changed[selID]; !ok {
			delete(sc.sels, selID)
			n++
		}
	}
	return n
}
