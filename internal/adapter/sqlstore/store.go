// Package sqlstore persists jobs and the snapshot cache in SQLite or PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/signalmap/waybackd/internal/domain"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// goose keeps its dialect and filesystem in package state.
var gooseMu sync.Mutex

// Options controls how the store connects.
type Options struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	PingTimeout  time.Duration
	Logger       *slog.Logger
}

// Store implements domain.JobRepository and domain.SnapshotCache.
type Store struct {
	db     *sql.DB
	driver string
	sb     sq.StatementBuilderType
	now    func() time.Time
	logger *slog.Logger
}

// Open connects, verifies connectivity and applies migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	if strings.TrimSpace(opts.DSN) == "" {
		return nil, fmt.Errorf("database dsn is empty")
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		if opts.DSN != ":memory:" && !strings.HasPrefix(opts.DSN, "file:") {
			if err := os.MkdirAll(filepath.Dir(opts.DSN), 0o755); err != nil {
				return nil, err
			}
		}
		db, err = sql.Open("sqlite", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		// One writer at a time keeps SQLite free of SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	case DriverPostgres:
		db, err = sql.Open("pgx", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		maxOpen := opts.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 10
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen / 2)
		db.SetConnMaxLifetime(time.Hour)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := New(db, driver, opts.Logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// New wraps an already opened database.
func New(db *sql.DB, driver string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	sb := sq.StatementBuilder.PlaceholderFormat(sq.Question)
	if driver == DriverPostgres {
		sb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return &Store{
		db:     db,
		driver: driver,
		sb:     sb,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Migrate applies the embedded migrations.
func (s *Store) Migrate(ctx context.Context) error {
	dialect := "sqlite3"
	if s.driver == DriverPostgres {
		dialect = "postgres"
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(migrationFiles)
	goose.SetLogger(gooseLogger{s.logger})
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db, "migrations")
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &domain.StorageError{Op: "ping", Err: err}
	}
	return nil
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) exec(ctx context.Context, db execer, op string, q sq.Sqlizer) (int64, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("%s: build query: %w", op, err)
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, &domain.StorageError{Op: op, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &domain.StorageError{Op: op, Err: err}
	}
	return n, nil
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: op, Err: err}
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &domain.StorageError{Op: op, Err: err}
	}
	return nil
}

type gooseLogger struct {
	l *slog.Logger
}

func (g gooseLogger) Printf(format string, v ...any) {
	g.l.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "migrate")
}

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.l.Error(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "migrate")
	os.Exit(1)
}
