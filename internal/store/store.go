package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/offq/internal/op"
)

// Store is the persistent operation log.
type Store struct {
	db      *sql.DB
	dialect dialect

	// mu serialises every mutation of the log.
	mu sync.Mutex

	ids           op.IDGenerator
	now           func() time.Time
	maxOperations int
	logger        *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides the operation id generator (tests).
func WithIDGenerator(g op.IDGenerator) Option {
	return func(s *Store) {
		s.ids = g
	}
}

// WithClock overrides the wall clock used for enqueued_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger used for recovery and corrupt-row warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithMaxOperations caps the number of queued records, counted the same way
// as Size. Terminal failures awaiting removal do not take a slot.
// Zero means no cap beyond what the medium itself allows.
func WithMaxOperations(n int) Option {
	return func(s *Store) {
		s.maxOperations = n
	}
}

func newStore(db *sql.DB, d dialect, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: d,
		ids:     op.UUIDv7Generator{},
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates or opens a SQLite operation log at path.
// Applies pragmas, runs migrations and recovers in-flight records.
//
// Safe to call repeatedly on the same file.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	s := newStore(db, dialectSQLite, opts...)
	if err := s.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenDSN opens an operation log from a connection string.
//
//	/var/lib/offq/queue.db          SQLite file
//	file:/var/lib/offq/queue.db     SQLite file
//	sqlite:///var/lib/offq/queue.db SQLite file
//	postgres://user@host/db         PostgreSQL
func OpenDSN(dsn string, opts ...Option) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("empty database DSN")
	}

	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" || len(parsed.Scheme) == 1 {
		// Bare path (a single-letter scheme is a Windows drive letter).
		return Open(dsn, opts...)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "file":
		path := parsed.Path
		if path == "" {
			path = parsed.Opaque
		}
		return Open(path, opts...)
	case "sqlite", "sqlite3":
		path := parsed.Host + parsed.Path
		if path == "" {
			return nil, fmt.Errorf("sqlite DSN %q has no path", dsn)
		}
		return Open(path, opts...)
	case "postgres", "postgresql":
		return OpenPostgres(dsn, opts...)
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", parsed.Scheme)
	}
}

// init applies the schema and migrations, then recovers in-flight rows.
func (s *Store) init(ctx context.Context) error {
	if err := applySchema(ctx, s.db, s.dialect); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	n, err := s.recoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover in-flight operations: %w", err)
	}
	if n > 0 {
		s.logger.Info("recovered in-flight operations", "count", n)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution; prefer Store methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns "sqlite" or "postgres".
func (s *Store) Dialect() string {
	return string(s.dialect)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
