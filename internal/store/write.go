package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/fragcache/internal/errs"
	"github.com/roach88/fragcache/internal/mapper"
	"github.com/roach88/fragcache/internal/model"
	"github.com/roach88/fragcache/internal/row"
)

// WriteRows applies a batch in one transaction: creates in order, then
// updates, then primary deletes. Dependent deletes and selection entries
// are not statements; the cascade removes dependent rows.
//
// An update that matches no row means the row was deleted concurrently and
// fails with a concurrent-modification error.
func (s *Store) WriteRows(ctx context.Context, batch *mapper.RowBatch) error {
	if batch.Size() == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write rows: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, r := range batch.Creates {
		if err := s.insertRow(ctx, tx, r); err != nil {
			return fmt.Errorf("write rows: %w", err)
		}
	}
	for _, u := range batch.Updates {
		if err := s.updateRow(ctx, tx, u); err != nil {
			return fmt.Errorf("write rows: %w", err)
		}
	}
	for _, id := range batch.Deletes {
		if _, err := s.deleteRow(ctx, tx, id); err != nil {
			return fmt.Errorf("write rows: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write rows: commit: %w", err)
	}
	return nil
}

// InsertRow inserts one row outside any batch. The driver error is wrapped
// with %w so IsDuplicateKeyConflict can classify it.
func (s *Store) InsertRow(ctx context.Context, r *row.Row) error {
	return s.insertRow(ctx, s.db, r)
}

// DeleteRow deletes one row and reports whether it existed.
func (s *Store) DeleteRow(ctx context.Context, id row.RowID) (bool, error) {
	return s.deleteRow(ctx, s.db, id)
}

// InTransaction runs fn in an explicit transaction. The transaction commits
// when fn returns nil and rolls back otherwise.
func (s *Store) InTransaction(ctx context.Context, fn func(mapper.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(&txView{s: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// txView is the mapper.Tx over an open transaction.
type txView struct {
	s  *Store
	tx *sql.Tx
}

func (v *txView) ReadRow(ctx context.Context, id row.RowID) (*row.Row, error) {
	return v.s.readRow(ctx, v.tx, id)
}

func (v *txView) InsertRow(ctx context.Context, r *row.Row) error {
	return v.s.insertRow(ctx, v.tx, r)
}

func (v *txView) DeleteRow(ctx context.Context, id row.RowID) (bool, error) {
	return v.s.deleteRow(ctx, v.tx, id)
}

func (s *Store) insertRow(ctx context.Context, q querier, r *row.Row) error {
	t, err := s.table(r.Table)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	cols := []string{"id"}
	args := []any{r.ID}
	for i, k := range r.Keys {
		col, err := column(t, k)
		if err != nil {
			return fmt.Errorf("insert %s: %w", r.RowID, err)
		}
		arg, err := marshalValue(col, row.Resolve(r.Values[i]))
		if err != nil {
			return fmt.Errorf("insert %s: %w", r.RowID, err)
		}
		cols = append(cols, k)
		args = append(args, arg)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.Name, strings.Join(cols, ", "), placeholders(len(cols)))
	if _, err := q.ExecContext(ctx, s.dialect.Rebind(query), args...); err != nil {
		return fmt.Errorf("insert %s: %w", r.RowID, err)
	}
	return nil
}

// updateRow writes the update's keys. Deltas are applied relative to the
// stored value so concurrent increments are not lost.
func (s *Store) updateRow(ctx context.Context, q querier, u *row.Update) error {
	r := u.Row
	t, err := s.table(r.Table)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	sets := make([]string, 0, len(u.Keys))
	args := make([]any, 0, len(u.Keys)+1)
	for _, k := range u.Keys {
		col, err := column(t, k)
		if err != nil {
			return fmt.Errorf("update %s: %w", r.RowID, err)
		}
		v := r.Get(k)
		if d, ok := v.(row.Delta); ok && col.Type == model.TypeInt {
			sets = append(sets, fmt.Sprintf("%s = COALESCE(%s, 0) + ?", k, k))
			args = append(args, d.Amount)
			continue
		}
		arg, err := marshalValue(col, v)
		if err != nil {
			return fmt.Errorf("update %s: %w", r.RowID, err)
		}
		sets = append(sets, k+" = ?")
		args = append(args, arg)
	}
	args = append(args, r.ID)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", t.Name, strings.Join(sets, ", "))
	res, err := q.ExecContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", r.RowID, err)
	}
	if s.dialect.CountsMatchedRows() {
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update %s: rows affected: %w", r.RowID, err)
		}
		if n == 0 {
			return errs.NewConcurrentModificationError("Update", "Modified").WithRow(r.Table, r.ID)
		}
	}
	return nil
}

func (s *Store) deleteRow(ctx context.Context, q querier, id row.RowID) (bool, error) {
	t, err := s.table(id.Table)
	if err != nil {
		return false, fmt.Errorf("delete: %w", err)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", t.Name)
	res, err := q.ExecContext(ctx, s.dialect.Rebind(query), id.ID)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %s: rows affected: %w", id, err)
	}
	return n > 0, nil
}

func column(t *model.Table, name string) (model.Column, error) {
	col, ok := t.Column(name)
	if !ok {
		return model.Column{}, fmt.Errorf("unknown column %s.%s", t.Name, name)
	}
	return col, nil
}
