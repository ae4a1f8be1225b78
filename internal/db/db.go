package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

const defaultTimeout = 5 * time.Second

var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidDraft      = errors.New("invalid queue entry draft")
	ErrActiveOrderExists = errors.New("another general order is already scheduled or open")
)

// Store is the relational store shared by every engine component.
// Statements are written with '?' placeholders and rebound per driver.
type Store struct {
	DB     *sql.DB
	Pool   *pgxpool.Pool
	Driver string

	// Timeout bounds every statement issued through the store.
	Timeout time.Duration

	validate *validator.Validate
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects using the named driver.
func Open(driver, conn string) (*Store, error) {
	switch driver {
	case DriverPostgres, "pgx", "":
		return New(conn)
	case DriverSQLite, "sqlite":
		return NewSQLite(conn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// New connects to PostgreSQL through a pgx pool.
func New(conn string) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), conn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return newStore(stdlib.OpenDBFromPool(pool), pool, DriverPostgres), nil
}

// NewSQLite opens a SQLite database file. SQLite allows a single writer, so
// the pool is limited to one connection.
func NewSQLite(path string) (*Store, error) {
	sqlDB, err := sql.Open(DriverSQLite, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}

	return newStore(sqlDB, nil, DriverSQLite), nil
}

// NewWithDB wraps an existing handle. Used with sqlmock in tests.
func NewWithDB(sqlDB *sql.DB, driver string) *Store {
	return newStore(sqlDB, nil, driver)
}

func newStore(sqlDB *sql.DB, pool *pgxpool.Pool, driver string) *Store {
	return &Store{
		DB:       sqlDB,
		Pool:     pool,
		Driver:   driver,
		Timeout:  defaultTimeout,
		validate: validator.New(),
	}
}

func (s *Store) Close() {
	if s.DB != nil {
		s.DB.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.DB.PingContext(ctx)
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.Timeout)
}

// q rewrites '?' placeholders into '$n' for PostgreSQL.
func (s *Store) q(query string) string {
	if s.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
