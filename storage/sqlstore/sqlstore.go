package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/critiquebrainz/cbauth/instrumentation"
	"github.com/critiquebrainz/cbauth/security"
	"github.com/critiquebrainz/cbauth/storage"
)

// Supported database/sql driver names.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

const (
	defaultPingTimeout = 5 * time.Second

	// countTimeout bounds the COUNT(*) queries behind the size gauges
	countTimeout = 2 * time.Second
)

// Config holds configuration for the SQL storage backend.
type Config struct {
	// Driver is DriverSQLite or DriverMySQL (required)
	Driver string

	// DSN is the driver specific data source name (required).
	// Use SQLiteDSN or MySQLConfig.DSN to build one.
	DSN string

	// Connection pool limits. Zero keeps the database/sql defaults.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// PingTimeout bounds the connectivity check in Open (default 5s)
	PingTimeout time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// MySQLConfig describes a MySQL or MariaDB server.
type MySQLConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Name     string
}

// DSN formats the go-sql-driver data source name.
func (c MySQLConfig) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	cfg.DBName = c.Name
	cfg.AllowNativePasswords = true
	cfg.Params = map[string]string{
		"charset": "utf8mb4",
	}
	return cfg.FormatDSN()
}

// SQLiteDSN returns a modernc.org/sqlite DSN for the database file at path,
// with WAL journaling and a busy timeout.
func SQLiteDSN(path string) string {
	return filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
}

// dialect captures the few statements that differ between drivers.
type dialect struct {
	// lockSuffix is appended to reads that precede a write in the same transaction
	lockSuffix string
}

// Store is a database/sql implementation of storage.Store.
type Store struct {
	db      *sql.DB
	dialect dialect

	mu       sync.RWMutex
	logger   *slog.Logger
	observer *storage.Observer
	now      func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open connects to the database, verifies the connection and applies the
// embedded migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	var d dialect
	switch cfg.Driver {
	case DriverSQLite:
	case DriverMySQL:
		d.lockSuffix = " FOR UPDATE"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", cfg.Driver, err)
	}

	if cfg.Driver == DriverSQLite {
		// One writer at a time; a single connection also avoids lock upgrade failures.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	s := &Store{
		db:      db,
		dialect: d,
		logger:  logger,
		now:     time.Now,
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.Info("Connected to SQL storage", "driver", cfg.Driver)
	return s, nil
}

// OpenSQLite opens (creating if needed) the SQLite database file at path.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	return Open(ctx, Config{Driver: DriverSQLite, DSN: SQLiteDSN(path)})
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock replaces the time source used for created_at, expires_at and
// expiry checks.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
// The size gauges run a COUNT(*) per table on every collection.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.observer = storage.NewObserver("sql", inst)
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(
		s.counter("oauth_client"),
		s.counter("oauth_grant"),
		s.counter("oauth_token"),
	)
	if err != nil {
		s.getLogger().Warn("Failed to register storage size callbacks", "error", err)
	}
}

func (s *Store) counter(table string) instrumentation.StorageSizeCallback {
	query := "SELECT COUNT(*) FROM " + table
	return func() int64 {
		ctx, cancel := context.WithTimeout(context.Background(), countTimeout)
		defer cancel()

		var n int64
		if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
			s.getLogger().Debug("Failed to count rows", "table", table, "error", err)
			return 0
		}
		return n
	}
}

// DeleteExpiredGrants removes grants that expired more than the clock skew
// grace period ago and returns how many were removed.
func (s *Store) DeleteExpiredGrants(ctx context.Context) (_ int64, err error) {
	ctx, done := s.start(ctx, "delete_expired_grants")
	defer done(&err)

	cutoff := s.clock()().Add(-security.DefaultClockSkewGracePeriod)
	res, err := s.db.ExecContext(ctx, "DELETE FROM oauth_grant WHERE expires_at < ?", toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete expired grants: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired grants: %w", err)
	}
	if n > 0 {
		s.getLogger().Debug("Cleaned up expired grants", "count", n)
	}
	return n, nil
}

func (s *Store) getLogger() *slog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

func (s *Store) clock() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now
}

func (s *Store) start(ctx context.Context, operation string) (context.Context, func(*error)) {
	s.mu.RLock()
	obs := s.observer
	s.mu.RUnlock()
	return obs.Start(ctx, operation)
}

// inTx runs fn in a transaction and commits when fn returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func scopeToColumn(scope []string) string {
	return storage.FormatScope(scope)
}

func scopeFromColumn(value string) []string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return nil
	}
	return fields
}
