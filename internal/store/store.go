// Package store provides typed access to the relational schema backing the
// access control system. Production deployments run on PostgreSQL (lib/pq);
// development and tests use an embedded SQLite file via modernc.org/sqlite.
// All mutating paths for the decision engine go through the transactional
// transition executor in transition.go.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // embedded SQLite driver
)

// Dialect identifies the SQL backend so queries can adjust placeholders and
// locking clauses.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned on unique constraint violations (device IP,
	// credential value, role/tenant name).
	ErrDuplicate = errors.New("store: duplicate value")

	// ErrZoneFull is returned by the transition executor when the post-lock
	// capacity re-check fails.
	ErrZoneFull = errors.New("store: zone full")
)

// Store wraps the shared *sql.DB with dialect-aware helpers.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the database named by url. URLs with a postgres scheme
// use lib/pq; anything else is treated as an SQLite file path.
func Open(url string) (*Store, error) {
	dialect := DialectSQLite
	driver := "sqlite"
	dsn := url

	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		dialect = DialectPostgres
		driver = "postgres"
	} else if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dsn = "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dialect == DialectSQLite {
		// SQLite allows a single writer; one pooled connection serializes
		// transactions instead of surfacing SQLITE_BUSY to callers.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, dialect: dialect}, nil
}

// NewWithDB wraps an existing connection, used by tests with sqlmock.
func NewWithDB(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Dialect reports the active SQL backend.
func (s *Store) Dialect() Dialect { return s.dialect }

// Ping checks connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// rebind converts ?-style placeholders to the dialect's native form.
// Queries in this package are written with ? and rebound for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate returns the row-lock clause where the backend supports it.
// SQLite holds a database-level write lock for the whole transaction, so
// the clause is unnecessary there.
func (s *Store) forUpdate() string {
	if s.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// beginTx opens a transaction at the strongest isolation the backend offers.
func (s *Store) beginTx(ctx context.Context) (*sql.Tx, error) {
	opts := &sql.TxOptions{}
	if s.dialect == DialectPostgres {
		opts.Isolation = sql.LevelSerializable
	}
	return s.db.BeginTx(ctx, opts)
}

// isDuplicateErr detects unique violations across both drivers.
func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || // lib/pq 23505
		strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// Migrate creates the schema when missing. Statements are portable across
// both dialects except for the primary key form.
func (s *Store) Migrate(ctx context.Context) error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS roles (
			id %s,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			can_ignore_capacity BOOLEAN NOT NULL DEFAULT FALSE,
			can_ignore_antipassback BOOLEAN NOT NULL DEFAULT FALSE,
			can_ignore_schedule BOOLEAN NOT NULL DEFAULT FALSE,
			is_billable BOOLEAN NOT NULL DEFAULT TRUE
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tenants (
			id %s,
			name TEXT NOT NULL UNIQUE,
			quota_limit INTEGER NOT NULL DEFAULT 0,
			current_usage INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS users (
			id %s,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			email TEXT,
			phone_number TEXT,
			role_id BIGINT NOT NULL REFERENCES roles(id),
			tenant_id BIGINT REFERENCES tenants(id) ON DELETE SET NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS credentials (
			id %s,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			cred_type TEXT NOT NULL,
			cred_value TEXT NOT NULL UNIQUE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_used_at TIMESTAMP
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_credentials_value ON credentials(cred_value)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS zones (
			id %s,
			name TEXT NOT NULL,
			capacity INTEGER NOT NULL DEFAULT 0,
			occupancy INTEGER NOT NULL DEFAULT 0,
			parent_zone_id BIGINT REFERENCES zones(id) ON DELETE CASCADE
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS gates (
			id %s,
			name TEXT NOT NULL,
			zone_from_id BIGINT REFERENCES zones(id),
			zone_to_id BIGINT REFERENCES zones(id),
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS devices (
			id %s,
			name TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL UNIQUE,
			port INTEGER NOT NULL DEFAULT 5005,
			device_type TEXT NOT NULL DEFAULT '',
			config TEXT,
			gate_id BIGINT NOT NULL REFERENCES gates(id) ON DELETE CASCADE
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS validation_rules (
			id %s,
			scope TEXT NOT NULL,
			rule_type TEXT NOT NULL,
			target_id BIGINT,
			is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			custom_params TEXT
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS parking_sessions (
			id %s,
			user_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
			credential_id BIGINT REFERENCES credentials(id) ON DELETE SET NULL,
			entry_gate_id BIGINT REFERENCES gates(id) ON DELETE SET NULL,
			entry_time TIMESTAMP NOT NULL,
			current_zone_id BIGINT REFERENCES zones(id) ON DELETE SET NULL,
			exit_gate_id BIGINT REFERENCES gates(id) ON DELETE SET NULL,
			exit_time TIMESTAMP,
			total_cost INTEGER NOT NULL DEFAULT 0
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_sessions_active ON parking_sessions(user_id) WHERE exit_time IS NULL`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS scan_logs (
			id %s,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			gate_id BIGINT REFERENCES gates(id) ON DELETE SET NULL,
			gate_name_snapshot TEXT NOT NULL DEFAULT '',
			scan_type TEXT NOT NULL,
			raw_payload TEXT NOT NULL,
			is_access_granted BOOLEAN NOT NULL,
			denial_reason TEXT,
			resolved_user_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
			resolved_tenant_id BIGINT REFERENCES tenants(id) ON DELETE SET NULL
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_scan_logs_created ON scan_logs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_logs_payload ON scan_logs(raw_payload)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
