package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/fragcache/internal/dialect"
	"github.com/roach88/fragcache/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking (SQLite only):
// 0 - Initial schema (pre-migration)
// 1 - Added index on cluster_invals.nodeid
// 2 - cluster_invals keyed by an insertion sequence
const currentSchemaVersion = 2

// Store is the relational Mapper. It reads and writes the rows of the
// model's tables, holds the lock table and the cluster invalidation tables.
type Store struct {
	db      *sql.DB
	dialect *dialect.Dialect
	model   *model.Model
}

// Option configures a Store.
type Option func(*Store)

// WithModel sets the table model. Defaults to model.Default().
func WithModel(m *model.Model) Option {
	return func(s *Store) { s.model = m }
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas, the schema and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement (dependent rows cascade)
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	return OpenDialect(dialect.SQLite, path, opts...)
}

// OpenDialect opens a database of any supported dialect. For SQLite dsn is
// a file path.
func OpenDialect(d *dialect.Dialect, dsn string, opts ...Option) (*Store, error) {
	dsn, err := d.PrepareDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, dialect: d, model: model.Default()}
	for _, opt := range opts {
		opt(s)
	}

	if d == dialect.SQLite {
		// SQLite only supports one writer at a time, so limit connections
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		if err := applyPragmas(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
	}

	if err := s.applySchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the store's dialect.
func (s *Store) Dialect() *dialect.Dialect {
	return s.dialect
}

// Model returns the table model.
func (s *Store) Model() *model.Model {
	return s.model
}

// IsDuplicateKeyConflict classifies an InsertRow error.
func (s *Store) IsDuplicateKeyConflict(err error) bool {
	return s.dialect.IsDuplicateKeyConflict(err)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates the cluster tables and the model tables if they don't
// exist and runs migrations. This function is idempotent.
func (s *Store) applySchema() error {
	for _, stmt := range splitStatements(schemaSQL) {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}
	if _, err := s.db.Exec(s.clusterInvalsSQL()); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := s.EnsureModel(context.Background()); err != nil {
		return err
	}

	if s.dialect == dialect.SQLite {
		if err := s.runMigrations(); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return nil
}

// clusterInvalsSQL creates the invalidation queue: one row per (target
// node, message), read back in insertion order.
func (s *Store) clusterInvalsSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cluster_invals (
    seq %s,
    nodeid %s NOT NULL,
    id %s NOT NULL,
    payload %s NOT NULL,
    UNIQUE (nodeid, id)
)`, s.dialect.SerialKey(), s.dialect.IDType(), s.dialect.IDType(), s.dialect.TextType())
}

// EnsureModel creates the model's tables. The hierarchy table comes first
// so dependent tables can reference it.
func (s *Store) EnsureModel(ctx context.Context) error {
	for _, t := range s.model.Tables() {
		if _, err := s.db.ExecContext(ctx, s.createTableSQL(t)); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (s *Store) createTableSQL(t *model.Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n    id %s NOT NULL PRIMARY KEY", t.Name, s.dialect.IDType())
	for _, c := range t.Columns {
		fmt.Fprintf(&b, ",\n    %s %s", c.Name, s.columnType(c.Type))
	}
	if t.Dependent {
		fmt.Fprintf(&b, ",\n    FOREIGN KEY (id) REFERENCES %s(id) ON DELETE CASCADE", s.model.HierTable)
	}
	b.WriteString("\n)")
	return b.String()
}

func (s *Store) columnType(t model.ColumnType) string {
	switch t {
	case model.TypeInt, model.TypeBool:
		return s.dialect.IntType()
	default:
		return s.dialect.TextType()
	}
}

// splitStatements splits a schema file on semicolons, dropping comments.
func splitStatements(script string) []string {
	var lines []string
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}
	var out []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// runMigrations applies incremental schema migrations based on user_version.
func (s *Store) runMigrations() error {
	db := s.db
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := s.migrateToV2(); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 indexes cluster_invals by target node for polling.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_cluster_invals_node
		ON cluster_invals(nodeid)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// migrateToV2 rebuilds cluster_invals with its insertion sequence, keeping
// queued rows in their previous id order.
func (s *Store) migrateToV2() error {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info('cluster_invals') WHERE name = 'seq'").Scan(&n)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	if n > 0 {
		return nil
	}
	for _, stmt := range []string{
		"ALTER TABLE cluster_invals RENAME TO cluster_invals_v1",
		s.clusterInvalsSQL(),
		"INSERT INTO cluster_invals (nodeid, id, payload) SELECT nodeid, id, payload FROM cluster_invals_v1 ORDER BY id",
		"DROP TABLE cluster_invals_v1",
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}
	return migrateToV1(s.db)
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
