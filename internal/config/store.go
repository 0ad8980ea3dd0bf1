package config

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/calcdeck/keygate/internal/model"
)

// Supported store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Store persists API keys and usage logs. SQLite is the default backend;
// PostgreSQL and MySQL are supported for multi-instance deployments.
type Store struct {
	db      *sqlx.DB
	dialect dialect
}

// NewStore opens the SQLite store in dataDir. Pass empty string for in-memory.
func NewStore(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "keygate.db") + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	}
	return Open(DriverSQLite, dsn)
}

// Open connects to the given driver and applies migrations.
func Open(driver, dsn string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	if driver == DriverMySQL {
		var err error
		if dsn, err = normalizeMySQLDSN(dsn); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Connect(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &Store{db: db, dialect: d}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s store: %w", driver, err)
	}
	return s, nil
}

// normalizeMySQLDSN forces the options the store depends on: DATETIME columns
// scanned as time.Time in UTC and RowsAffected counting matched rows.
func normalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the store driver name.
func (s *Store) Driver() string {
	return s.dialect.name
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// API Key management
// ---------------------------------------------------------------------------

const apiKeyColumns = `id, key_hash, key_prefix, name, owner_id, is_active, rate_limit,
	request_count, rate_limit_reset_at, last_request_at, expires_at, created_at`

// CreateAPIKey inserts a new API key record. ID, KeyHash and timestamps must
// already be set by the caller.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	const q = `INSERT INTO api_keys
		(id, key_hash, key_prefix, name, owner_id, is_active, rate_limit,
		 request_count, rate_limit_reset_at, last_request_at, expires_at, created_at)
		VALUES
		(:id, :key_hash, :key_prefix, :name, :owner_id, :is_active, :rate_limit,
		 :request_count, :rate_limit_reset_at, :last_request_at, :expires_at, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash looks up an API key by its SHA-256 hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	var key model.APIKey
	q := s.db.Rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE key_hash = ?")
	if err := s.db.GetContext(ctx, &key, q, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return &key, nil
}

// GetAPIKey looks up an API key by ID.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*model.APIKey, error) {
	var key model.APIKey
	q := s.db.Rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE id = ?")
	if err := s.db.GetContext(ctx, &key, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &key, nil
}

// ListAPIKeysByOwner returns the owner's keys, newest first.
func (s *Store) ListAPIKeysByOwner(ctx context.Context, ownerID string) ([]model.APIKey, error) {
	keys := []model.APIKey{}
	q := s.db.Rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE owner_id = ? ORDER BY created_at DESC")
	if err := s.db.SelectContext(ctx, &keys, q, ownerID); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	// SQLite compares timestamps as text; keep the order exact across drivers.
	sort.SliceStable(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

// DeactivateAPIKey marks the owner's key as inactive. Records are never
// removed so usage history stays attributable.
func (s *Store) DeactivateAPIKey(ctx context.Context, ownerID, id string) error {
	q := s.db.Rebind("UPDATE api_keys SET is_active = ? WHERE id = ? AND owner_id = ?")
	result, err := s.db.ExecContext(ctx, q, false, id, ownerID)
	if err != nil {
		return fmt.Errorf("deactivate api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate api key rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// QuotaFunc inspects a locked key record and may mutate its quota fields. It
// reports whether the record changed and must be written back.
type QuotaFunc func(key *model.APIKey) (changed bool, err error)

// ApplyQuota runs fn against the current state of key id inside a single
// transaction. The row is locked (SELECT ... FOR UPDATE) on PostgreSQL and
// MySQL; SQLite serializes writers through its single connection. Only the
// quota fields (request_count, rate_limit_reset_at, last_request_at) are
// persisted. The returned record reflects the committed state.
func (s *Store) ApplyQuota(ctx context.Context, id string, fn QuotaFunc) (*model.APIKey, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin quota tx: %w", err)
	}
	defer tx.Rollback()

	var key model.APIKey
	q := tx.Rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE id = ?" + s.dialect.lockClause)
	if err := tx.GetContext(ctx, &key, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock api key: %w", err)
	}

	changed, err := fn(&key)
	if err != nil {
		return nil, err
	}

	if changed {
		const upd = `UPDATE api_keys SET
			request_count = :request_count,
			rate_limit_reset_at = :rate_limit_reset_at,
			last_request_at = :last_request_at
			WHERE id = :id`
		if _, err := tx.NamedExecContext(ctx, upd, &key); err != nil {
			return nil, fmt.Errorf("update api key quota: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit quota tx: %w", err)
	}
	return &key, nil
}

// ---------------------------------------------------------------------------
// Usage logs
// ---------------------------------------------------------------------------

// InsertUsageLog appends a usage log entry.
func (s *Store) InsertUsageLog(ctx context.Context, entry *model.UsageLogEntry) error {
	const q = `INSERT INTO api_key_usage_logs
		(id, api_key_id, endpoint, request_method, status_code, ip_address, user_agent, created_at)
		VALUES
		(:id, :api_key_id, :endpoint, :request_method, :status_code, :ip_address, :user_agent, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, q, entry); err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

// ListUsageLogs returns up to limit entries, newest first. An empty keyID
// lists entries for all keys.
func (s *Store) ListUsageLogs(ctx context.Context, keyID string, limit int) ([]model.UsageLogEntry, error) {
	entries := []model.UsageLogEntry{}
	var (
		q    string
		args []interface{}
	)
	if keyID == "" {
		q = "SELECT * FROM api_key_usage_logs ORDER BY created_at DESC LIMIT ?"
		args = []interface{}{limit}
	} else {
		q = "SELECT * FROM api_key_usage_logs WHERE api_key_id = ? ORDER BY created_at DESC LIMIT ?"
		args = []interface{}{keyID, limit}
	}
	if err := s.db.SelectContext(ctx, &entries, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list usage logs: %w", err)
	}
	return entries, nil
}

// CountUsageLogs returns the total number of usage log entries.
func (s *Store) CountUsageLogs(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM api_key_usage_logs"); err != nil {
		return 0, fmt.Errorf("count usage logs: %w", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Utility
// ---------------------------------------------------------------------------

// HashAPIKey returns the hex-encoded SHA-256 hash of a raw API key string.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
