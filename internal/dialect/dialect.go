// Package dialect holds the only backend-specific knowledge the cache and
// the lock manager depend on: recognizing duplicate-key conflicts, plus the
// placeholder and upsert syntax the relational store needs.
package dialect

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Dialect describes a SQL backend.
type Dialect struct {
	// Name is the configuration name: sqlite, postgres or mysql.
	Name string

	// Driver is the database/sql driver name.
	Driver string

	// IsDuplicateKeyConflict classifies insert errors.
	IsDuplicateKeyConflict func(error) bool

	// Numbered placeholders ($1, $2) instead of "?".
	numbered bool

	// Column type names.
	idType, textType, intType string

	// serialKey declares an auto-increment integer primary key.
	serialKey string

	// countsMatchedRows is true when an UPDATE reports matched rather than
	// changed rows, so zero affected rows means the row is gone.
	countsMatchedRows bool
}

var (
	// SQLite is the embedded default backend.
	SQLite = &Dialect{
		Name:                   "sqlite",
		Driver:                 "sqlite3",
		IsDuplicateKeyConflict: IsSQLiteConflict,
		idType:                 "VARCHAR(255)",
		textType:               "TEXT",
		intType:                "BIGINT",
		serialKey:              "INTEGER PRIMARY KEY AUTOINCREMENT",
		countsMatchedRows:      true,
	}

	// Postgres uses lib/pq.
	Postgres = &Dialect{
		Name:                   "postgres",
		Driver:                 "postgres",
		IsDuplicateKeyConflict: IsPostgresConflict,
		numbered:               true,
		idType:                 "VARCHAR(255)",
		textType:               "TEXT",
		intType:                "BIGINT",
		serialKey:              "BIGSERIAL PRIMARY KEY",
		countsMatchedRows:      true,
	}

	// MySQL uses go-sql-driver/mysql. PrepareDSN turns on clientFoundRows
	// so UPDATE reports matched rows.
	MySQL = &Dialect{
		Name:                   "mysql",
		Driver:                 "mysql",
		IsDuplicateKeyConflict: IsMySQLConflict,
		idType:                 "VARCHAR(255)",
		textType:               "LONGTEXT",
		intType:                "BIGINT",
		serialKey:              "BIGINT AUTO_INCREMENT PRIMARY KEY",
		countsMatchedRows:      true,
	}
)

// ByName returns the dialect for a configuration name.
func ByName(name string) (*Dialect, error) {
	switch strings.ToLower(name) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	}
	return nil, fmt.Errorf("unknown dialect %q", name)
}

// PrepareDSN returns dsn with the connection settings the store relies on.
func (d *Dialect) PrepareDSN(dsn string) (string, error) {
	if d != MySQL {
		return dsn, nil
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

// Rebind rewrites "?" placeholders for dialects with numbered placeholders.
// Queries built by the store never contain literal question marks.
func (d *Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// IDType returns the primary key column type.
func (d *Dialect) IDType() string { return d.idType }

// TextType returns the column type for strings and timestamps.
func (d *Dialect) TextType() string { return d.textType }

// IntType returns the column type for integers and booleans.
func (d *Dialect) IntType() string { return d.intType }

// SerialKey returns the column definition of an auto-increment primary key.
func (d *Dialect) SerialKey() string { return d.serialKey }

// CountsMatchedRows reports whether a zero affected-row count after an
// UPDATE means the row no longer exists.
func (d *Dialect) CountsMatchedRows() bool { return d.countsMatchedRows }

// duplicateKeyStates are the SQLSTATE codes that signal an insert raced
// another insert of the same key.
var duplicateKeyStates = map[string]bool{
	"23000": true, // integrity constraint violation
	"23001": true, // restrict violation
	"23505": true, // unique violation
	"S0003": true,
	"S0005": true,
}

// IsDuplicateKeyState reports whether state is a duplicate-key SQLSTATE.
func IsDuplicateKeyState(state string) bool {
	return duplicateKeyStates[state]
}

// sqlStater is implemented by drivers exposing the SQLSTATE of an error.
type sqlStater interface {
	SQLState() string
}

// IsGenericConflict classifies any error exposing a SQLSTATE.
func IsGenericConflict(err error) bool {
	var s sqlStater
	if errors.As(err, &s) {
		return IsDuplicateKeyState(s.SQLState())
	}
	return false
}

// IsSQLiteConflict classifies go-sqlite3 errors. SQLite has no SQLSTATE;
// primary key and unique constraint failures are the conflicts.
func IsSQLiteConflict(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return IsGenericConflict(err)
}

// IsPostgresConflict classifies lib/pq errors.
func IsPostgresConflict(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) {
		return IsDuplicateKeyState(string(pe.Code))
	}
	return IsGenericConflict(err)
}

// IsMySQLConflict classifies go-sql-driver/mysql errors. 1062 is
// ER_DUP_ENTRY.
func IsMySQLConflict(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062 || IsDuplicateKeyState(string(me.SQLState[:]))
	}
	return IsGenericConflict(err)
}
