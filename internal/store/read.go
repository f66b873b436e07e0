package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/fragcache/internal/mapper"
	"github.com/roach88/fragcache/internal/model"
	"github.com/roach88/fragcache/internal/row"
)

// readChunk bounds the number of ids in one IN clause.
const readChunk = 500

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ReadRow returns the row, or nil if it does not exist.
func (s *Store) ReadRow(ctx context.Context, id row.RowID) (*row.Row, error) {
	return s.readRow(ctx, s.db, id)
}

func (s *Store) readRow(ctx context.Context, q querier, id row.RowID) (*row.Row, error) {
	t, err := s.table(id.Table)
	if err != nil {
		return nil, fmt.Errorf("read row: %w", err)
	}
	rows, err := s.selectRows(ctx, q, t, "id = ?", id.ID)
	if err != nil {
		return nil, fmt.Errorf("read row %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// ReadRows returns the existing rows among ids, ordered by id.
func (s *Store) ReadRows(ctx context.Context, table string, ids []string) ([]*row.Row, error) {
	t, err := s.table(table)
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	var out []*row.Row
	for start := 0; start < len(ids); start += readChunk {
		end := min(start+readChunk, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		where := "id IN (" + placeholders(len(chunk)) + ")"
		rows, err := s.selectRows(ctx, s.db, t, where, args...)
		if err != nil {
			return nil, fmt.Errorf("read rows %s: %w", table, err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// Query returns the rows of q.Table whose q.Key equals q.Value, ordered by id.
func (s *Store) Query(ctx context.Context, q mapper.Query) ([]*row.Row, error) {
	t, err := s.table(q.Table)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	col, ok := t.Column(q.Key)
	if !ok {
		return nil, fmt.Errorf("query: unknown column %s.%s", q.Table, q.Key)
	}
	arg, err := marshalValue(col, q.Value)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	where := q.Key + " = ?"
	if q.Filter != "" {
		if _, ok := t.Column(q.Filter); !ok {
			return nil, fmt.Errorf("query: unknown column %s.%s", q.Table, q.Filter)
		}
		where += fmt.Sprintf(" AND (%s IS NULL OR %s = 0)", q.Filter, q.Filter)
	}
	rows, err := s.selectRows(ctx, s.db, t, where, arg)
	if err != nil {
		return nil, fmt.Errorf("query %s.%s: %w", q.Table, q.Key, err)
	}
	return rows, nil
}

// selectRows reads every column of t for the rows matching where.
func (s *Store) selectRows(ctx context.Context, q querier, t *model.Table, where string, args ...any) ([]*row.Row, error) {
	cols := make([]string, 0, len(t.Columns)+1)
	cols = append(cols, "id")
	for _, c := range t.Columns {
		cols = append(cols, c.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY id ASC",
		strings.Join(cols, ", "), t.Name, where)

	rows, err := q.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*row.Row
	for rows.Next() {
		r, err := scanRow(rows, t)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanRow(rows *sql.Rows, t *model.Table) (*row.Row, error) {
	var id string
	raw := make([]any, len(t.Columns))
	dest := make([]any, len(t.Columns)+1)
	dest[0] = &id
	for i := range raw {
		dest[i+1] = &raw[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan %s: %w", t.Name, err)
	}
	r := row.New(t.Name, id)
	for i, c := range t.Columns {
		v, err := unmarshalValue(c, raw[i])
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", t.Name, id, err)
		}
		r.Put(c.Name, v)
	}
	return r, nil
}

func (s *Store) table(name string) (*model.Table, error) {
	t, ok := s.model.Table(name)
	if !ok {
		return nil, fmt.Errorf("unknown table %q", name)
	}
	return t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
