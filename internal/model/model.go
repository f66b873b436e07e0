// Package model describes the tables fragments are stored in: their typed
// columns, which side tables hang off the hierarchy table, and which
// columns group rows into cached selections.
package model

import (
	"fmt"
	"sort"
)

// ColumnType is the storage type of a column.
type ColumnType int

const (
	TypeString ColumnType = iota
	TypeInt
	TypeBool
	TypeTime
)

func (t ColumnType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeBool:
		return "bool"
	case TypeTime:
		return "time"
	}
	return fmt.Sprintf("ColumnType(%d)", int(t))
}

// Column is a named, typed column. The primary key column "id" is implicit.
type Column struct {
	Name string
	Type ColumnType
}

// Table describes one table.
type Table struct {
	Name    string
	Columns []Column

	// Dependent tables reference the hierarchy table and are deleted
	// with it by the store.
	Dependent bool
}

// Column returns the named column.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// SelectionType is a cached grouping of rows of Table by the value of Key,
// for instance the children of a parent.
type SelectionType struct {
	Name  string
	Table string
	Key   string

	// Filter, when set, restricts the selection to rows where that boolean
	// column is false. Used to keep properties out of the children selection.
	Filter string
}

// PseudoTable is the name under which invalidations of this selection
// travel.
func (s SelectionType) PseudoTable() string {
	return "__SELECTION_" + s.Name
}

// Model is the set of tables and selections of a repository.
type Model struct {
	HierTable string
	LockTable string

	tables     map[string]*Table
	selections []SelectionType
}

// New creates a model. The hierarchy table must be among tables.
func New(hier, lock string, tables []*Table, selections []SelectionType) (*Model, error) {
	m := &Model{HierTable: hier, LockTable: lock, tables: make(map[string]*Table), selections: selections}
	for _, t := range tables {
		if _, dup := m.tables[t.Name]; dup {
			return nil, fmt.Errorf("duplicate table %q", t.Name)
		}
		m.tables[t.Name] = t
	}
	if _, ok := m.tables[hier]; !ok {
		return nil, fmt.Errorf("hierarchy table %q not declared", hier)
	}
	if _, ok := m.tables[lock]; !ok {
		return nil, fmt.Errorf("lock table %q not declared", lock)
	}
	for _, s := range selections {
		t, ok := m.tables[s.Table]
		if !ok {
			return nil, fmt.Errorf("selection %q: unknown table %q", s.Name, s.Table)
		}
		if _, ok := t.Column(s.Key); !ok {
			return nil, fmt.Errorf("selection %q: unknown column %q", s.Name, s.Key)
		}
	}
	return m, nil
}

// Table returns the named table.
func (m *Model) Table(name string) (*Table, bool) {
	t, ok := m.tables[name]
	return t, ok
}

// Tables returns every table, hierarchy first, then by name.
func (m *Model) Tables() []*Table {
	out := []*Table{m.tables[m.HierTable]}
	for _, t := range m.sortedNames() {
		if t != m.HierTable {
			out = append(out, m.tables[t])
		}
	}
	return out
}

// SideTables returns the tables deleted along with a hierarchy row.
func (m *Model) SideTables() []*Table {
	var out []*Table
	for _, name := range m.sortedNames() {
		if t := m.tables[name]; t.Dependent {
			out = append(out, t)
		}
	}
	return out
}

// Selections returns every selection type.
func (m *Model) Selections() []SelectionType {
	return m.selections
}

// SelectionsFor returns the selection types over table.
func (m *Model) SelectionsFor(table string) []SelectionType {
	var out []SelectionType
	for _, s := range m.selections {
		if s.Table == table {
			out = append(out, s)
		}
	}
	return out
}

// SelectionByPseudoTable resolves an invalidation pseudo-table name.
func (m *Model) SelectionByPseudoTable(name string) (SelectionType, bool) {
	for _, s := range m.selections {
		if s.PseudoTable() == name {
			return s, true
		}
	}
	return SelectionType{}, false
}

func (m *Model) sortedNames() []string {
	names := make([]string, 0, len(m.tables))
	for n := range m.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
