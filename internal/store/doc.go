// Package store provides the relational Mapper behind the fragment cache.
//
// The store holds:
//   - Model tables: one table per model.Table, rows keyed by a string id
//   - Dependent tables: foreign key to the hierarchy table with ON DELETE
//     CASCADE, so deleting a hierarchy row removes its side rows
//   - The lock table: one row per held lock (id, owner, created)
//   - Cluster tables: registered nodes and per-node invalidation queues
//
// # Column Encoding
//
//   - Strings: TEXT
//   - Integers and booleans: BIGINT (booleans as 0/1)
//   - Timestamps: TEXT in UTC, fixed-width nanoseconds
//   - Deltas: written as "col = COALESCE(col, 0) + amount"
//
// # Database Configuration (SQLite)
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Required for the dependent-row cascade
//
// PostgreSQL (lib/pq) and MySQL (go-sql-driver/mysql) are supported through
// OpenDialect. MySQL reports changed rather than matched rows, so an update
// racing a delete is only detected on the other two.
package store
