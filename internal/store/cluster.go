package store

import (
	"context"
	"fmt"
	"time"
)

// RegisterNode adds nodeID to the cluster so other nodes address
// invalidations to it. Re-registering is a no-op.
func (s *Store) RegisterNode(ctx context.Context, nodeID string, now time.Time) error {
	return s.inTx(ctx, func(q querier) error {
		if _, err := q.ExecContext(ctx, s.dialect.Rebind(
			"DELETE FROM cluster_nodes WHERE nodeid = ?"), nodeID); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, s.dialect.Rebind(
			"INSERT INTO cluster_nodes (nodeid, created) VALUES (?, ?)"),
			nodeID, now.UTC().Format(timeLayout))
		return err
	})
}

// UnregisterNode removes nodeID and its pending invalidations.
func (s *Store) UnregisterNode(ctx context.Context, nodeID string) error {
	return s.inTx(ctx, func(q querier) error {
		if _, err := q.ExecContext(ctx, s.dialect.Rebind(
			"DELETE FROM cluster_invals WHERE nodeid = ?"), nodeID); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, s.dialect.Rebind(
			"DELETE FROM cluster_nodes WHERE nodeid = ?"), nodeID)
		return err
	})
}

// ClusterNodes returns the registered node ids, sorted.
func (s *Store) ClusterNodes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT nodeid FROM cluster_nodes ORDER BY nodeid")
	if err != nil {
		return nil, fmt.Errorf("cluster nodes: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("cluster nodes: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AppendInvalidations queues payload for every registered node except
// from. Returns the number of nodes addressed.
func (s *Store) AppendInvalidations(ctx context.Context, from, msgID string, payload []byte) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO cluster_invals (nodeid, id, payload)
		SELECT nodeid, ?, ? FROM cluster_nodes WHERE nodeid <> ?
	`), msgID, string(payload), from)
	if err != nil {
		return 0, fmt.Errorf("append invalidations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("append invalidations: rows affected: %w", err)
	}
	return n, nil
}

// PollInvalidations returns and deletes the payloads queued for nodeID,
// oldest first.
func (s *Store) PollInvalidations(ctx context.Context, nodeID string) ([][]byte, error) {
	var out [][]byte
	err := s.inTx(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, s.dialect.Rebind(
			"SELECT id, payload FROM cluster_invals WHERE nodeid = ? ORDER BY seq"), nodeID)
		if err != nil {
			return err
		}
		var ids []any
		for rows.Next() {
			var id, payload string
			if err := rows.Scan(&id, &payload); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
			out = append(out, []byte(payload))
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		args := append([]any{nodeID}, ids...)
		_, err = q.ExecContext(ctx, s.dialect.Rebind(
			"DELETE FROM cluster_invals WHERE nodeid = ? AND id IN ("+placeholders(len(ids))+")"), args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("poll invalidations: %w", err)
	}
	return out, nil
}

// inTx runs fn on a raw transaction.
func (s *Store) inTx(ctx context.Context, fn func(querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
