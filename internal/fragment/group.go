package fragment

import "sort"

// Group is the set of fragments describing one logical node: its
// hierarchy fragment plus one fragment per side table.
type Group struct {
	Hier   *Fragment
	Others map[string]*Fragment
}

// NewGroup creates a group around a hierarchy fragment.
func NewGroup(hier *Fragment) *Group {
	return &Group{Hier: hier, Others: make(map[string]*Fragment)}
}

// Get returns the fragment for table, which may be the hierarchy table.
func (g *Group) Get(table string) *Fragment {
	if g.Hier != nil && g.Hier.ID().Table == table {
		return g.Hier
	}
	return g.Others[table]
}

// Fragments returns the hierarchy fragment first, then side-table
// fragments sorted by table name.
func (g *Group) Fragments() []*Fragment {
	tables := make([]string, 0, len(g.Others))
	for t := range g.Others {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	out := make([]*Fragment, 0, len(tables)+1)
	if g.Hier != nil {
		out = append(out, g.Hier)
	}
	for _, t := range tables {
		out = append(out, g.Others[t])
	}
	return out
}
