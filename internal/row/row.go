package row

import (
	"fmt"
	"strings"
)

// RowID identifies a row by table name and primary key.
// It is comparable and used as a map key throughout the caches.
type RowID struct {
	Table string
	ID    string
}

// NewRowID creates a RowID.
func NewRowID(table, id string) RowID {
	return RowID{Table: table, ID: id}
}

// String returns "table/id".
func (r RowID) String() string {
	return r.Table + "/" + r.ID
}

// Row is a flat, ordered list of column values keyed by name.
//
// Keys and Values always have the same length. The primary key is carried by
// the embedded RowID and never appears among the keys.
type Row struct {
	RowID
	Keys   []string
	Values []Value
}

// New creates an empty row.
func New(table, id string) *Row {
	return &Row{RowID: RowID{Table: table, ID: id}}
}

// NewWithValues creates a row from alternating key/value pairs in order.
func NewWithValues(table, id string, kv ...any) *Row {
	if len(kv)%2 != 0 {
		panic("row.NewWithValues: odd number of key/value arguments")
	}
	r := New(table, id)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("row.NewWithValues: key %v is not a string", kv[i]))
		}
		v, err := FromAny(kv[i+1])
		if err != nil {
			panic(fmt.Sprintf("row.NewWithValues: key %q: %v", key, err))
		}
		r.Put(key, v)
	}
	return r
}

// Index returns the position of key, or -1.
func (r *Row) Index(key string) int {
	for i, k := range r.Keys {
		if k == key {
			return i
		}
	}
	return -1
}

// Get returns the value for key, or Null if the key is unknown.
func (r *Row) Get(key string) Value {
	if i := r.Index(key); i >= 0 {
		if r.Values[i] == nil {
			return Null{}
		}
		return r.Values[i]
	}
	return Null{}
}

// Put sets the value for key, appending the key if it is new.
// Returns the index the value was stored at.
func (r *Row) Put(key string, v Value) int {
	if v == nil {
		v = Null{}
	}
	if i := r.Index(key); i >= 0 {
		r.Values[i] = v
		return i
	}
	r.Keys = append(r.Keys, key)
	r.Values = append(r.Values, v)
	return len(r.Keys) - 1
}

// Len returns the number of columns.
func (r *Row) Len() int {
	return len(r.Keys)
}

// Clone returns a deep copy. Values are immutable so copying the slices is enough.
func (r *Row) Clone() *Row {
	if r == nil {
		return nil
	}
	c := &Row{RowID: r.RowID}
	if r.Keys != nil {
		c.Keys = append([]string(nil), r.Keys...)
		c.Values = append([]Value(nil), r.Values...)
	}
	return c
}

// Resolved returns a copy with every Delta resolved to its absolute value.
func (r *Row) Resolved() *Row {
	c := r.Clone()
	for i, v := range c.Values {
		c.Values[i] = Resolve(v)
	}
	return c
}

// Map returns the row's values as plain Go values keyed by column name.
func (r *Row) Map() map[string]any {
	m := make(map[string]any, len(r.Keys))
	for i, k := range r.Keys {
		m[k] = ToAny(r.Values[i])
	}
	return m
}

// String renders the row for logs.
func (r *Row) String() string {
	var b strings.Builder
	b.WriteString(r.RowID.String())
	b.WriteByte('{')
	for i, k := range r.Keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(Format(r.Values[i]))
	}
	b.WriteByte('}')
	return b.String()
}

// Update describes a partial update of a row: only Keys are written.
type Update struct {
	Row  *Row
	Keys []string
}
