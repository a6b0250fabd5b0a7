// Package store is the relational persistence layer: agents, the
// append-only message log, flow definitions, execution history, AI usage
// and provider health. One SQLite file by default; a postgres:// DSN in
// databasePath switches the driver.
package store

import (
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

func init() {
	// modernc's driver is not in sqlx's built-in bind table.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// DB wraps the connection pool with its dialect tag. Queries are written
// with ? placeholders and passed through Rebind.
type DB struct {
	*sqlx.DB
	Dialect string
}

// Open connects to the database selected by path and applies pool caps.
// Long-running queries are disallowed by convention (reads paginate), so
// the pool stays small.
func Open(path string) (*DB, error) {
	dialect, driver, dsn := resolveDSN(path)

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	return &DB{DB: db, Dialect: dialect}, nil
}

func resolveDSN(path string) (dialect, driver, dsn string) {
	if strings.HasPrefix(path, "postgres://") || strings.HasPrefix(path, "postgresql://") {
		return DialectPostgres, "pgx", path
	}
	dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	return DialectSQLite, "sqlite", dsn
}

// Migrator builds a migrate instance over the embedded migrations and
// this connection, for callers that need more than Up: steps, goto,
// force, drop. Closing it may close the underlying pool.
func (d *DB) Migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrations source: %w", err)
	}

	var drv database.Driver
	switch d.Dialect {
	case DialectPostgres:
		drv, err = migratepg.WithInstance(d.DB.DB, &migratepg.Config{})
	default:
		drv, err = migratesqlite.WithInstance(d.DB.DB, &migratesqlite.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("migrations driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, d.Dialect, drv)
	if err != nil {
		return nil, fmt.Errorf("migrations init: %w", err)
	}
	return m, nil
}

// Migrate applies every pending embedded migration. Schema evolution is
// forward-only; startup calls this before anything touches the tables.
func (d *DB) Migrate() error {
	m, err := d.Migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrations up: %w", err)
	}
	return nil
}

// Store bundles every table group over one DB.
type Store struct {
	db *DB
}

// New wraps an open DB.
func New(db *DB) *Store {
	return &Store{db: db}
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}
