package config

import (
	"fmt"
	"strings"
)

// dialect captures the per-driver differences the store cares about.
type dialect struct {
	name       string
	sqlDriver  string
	lockClause string
	schema     []string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		name:      DriverSQLite,
		sqlDriver: "sqlite",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS api_keys (
				id TEXT PRIMARY KEY,
				key_hash TEXT UNIQUE NOT NULL,
				key_prefix TEXT NOT NULL,
				name TEXT NOT NULL,
				owner_id TEXT NOT NULL,
				is_active INTEGER NOT NULL DEFAULT 1,
				rate_limit INTEGER NOT NULL DEFAULT 1000,
				request_count INTEGER NOT NULL DEFAULT 0,
				rate_limit_reset_at DATETIME NOT NULL,
				last_request_at DATETIME,
				expires_at DATETIME,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_api_keys_owner ON api_keys(owner_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS api_key_usage_logs (
				id TEXT PRIMARY KEY,
				api_key_id TEXT,
				endpoint TEXT NOT NULL,
				request_method TEXT NOT NULL,
				status_code INTEGER NOT NULL,
				ip_address TEXT NOT NULL DEFAULT '',
				user_agent TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_logs_key ON api_key_usage_logs(api_key_id, created_at)`,
		},
	},

	DriverPostgres: {
		name:       DriverPostgres,
		sqlDriver:  "pgx",
		lockClause: " FOR UPDATE",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS api_keys (
				id TEXT PRIMARY KEY,
				key_hash TEXT UNIQUE NOT NULL,
				key_prefix TEXT NOT NULL,
				name TEXT NOT NULL,
				owner_id TEXT NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				rate_limit INTEGER NOT NULL DEFAULT 1000 CHECK (rate_limit > 0),
				request_count INTEGER NOT NULL DEFAULT 0,
				rate_limit_reset_at TIMESTAMPTZ NOT NULL,
				last_request_at TIMESTAMPTZ,
				expires_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_api_keys_owner ON api_keys(owner_id, created_at DESC)`,
			`CREATE TABLE IF NOT EXISTS api_key_usage_logs (
				id TEXT PRIMARY KEY,
				api_key_id TEXT,
				endpoint TEXT NOT NULL,
				request_method TEXT NOT NULL,
				status_code INTEGER NOT NULL,
				ip_address TEXT NOT NULL DEFAULT '',
				user_agent TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_logs_key ON api_key_usage_logs(api_key_id, created_at DESC)`,
		},
	},

	DriverMySQL: {
		name:       DriverMySQL,
		sqlDriver:  "mysql",
		lockClause: " FOR UPDATE",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS api_keys (
				id VARCHAR(36) PRIMARY KEY,
				key_hash CHAR(64) NOT NULL UNIQUE,
				key_prefix VARCHAR(32) NOT NULL,
				name VARCHAR(255) NOT NULL,
				owner_id VARCHAR(255) NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				rate_limit INT NOT NULL DEFAULT 1000,
				request_count INT NOT NULL DEFAULT 0,
				rate_limit_reset_at DATETIME(6) NOT NULL,
				last_request_at DATETIME(6) NULL,
				expires_at DATETIME(6) NULL,
				created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
				KEY idx_api_keys_owner (owner_id, created_at)
			) ENGINE=InnoDB`,
			`CREATE TABLE IF NOT EXISTS api_key_usage_logs (
				id VARCHAR(36) PRIMARY KEY,
				api_key_id VARCHAR(36) NULL,
				endpoint VARCHAR(2048) NOT NULL,
				request_method VARCHAR(16) NOT NULL,
				status_code INT NOT NULL,
				ip_address VARCHAR(255) NOT NULL DEFAULT '',
				user_agent VARCHAR(1024) NOT NULL DEFAULT '',
				created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
				KEY idx_usage_logs_key (api_key_id, created_at)
			) ENGINE=InnoDB`,
		},
	},
}

func (s *Store) migrate() error {
	for _, m := range s.dialect.schema {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "already exists" errors from dialects without IF NOT EXISTS
			// support on every statement.
			if strings.Contains(err.Error(), "already exists") || strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
