package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// DB wraps the call database of a peer: SQLite by default, PostgreSQL when
// a DSN is configured. Queries are written with ? placeholders.
type DB struct {
	db      *sql.DB
	path    string
	dialect dialect
}

const schema = `
CREATE TABLE IF NOT EXISTS call_history (
	owner_id         TEXT    NOT NULL,
	call_id          TEXT    NOT NULL,
	peer_id          TEXT    NOT NULL,
	peer_name        TEXT    NOT NULL DEFAULT '',
	peer_avatar      TEXT    NOT NULL DEFAULT '',
	media_kind       TEXT    NOT NULL,
	direction        TEXT    NOT NULL,
	outcome          TEXT    NOT NULL,
	duration_seconds BIGINT  NOT NULL DEFAULT 0,
	failure_reason   TEXT    NOT NULL DEFAULT '',
	started_at       BIGINT  NOT NULL,
	ended_at         BIGINT  NOT NULL,
	PRIMARY KEY (owner_id, call_id)
);
CREATE INDEX IF NOT EXISTS call_history_started ON call_history (owner_id, started_at DESC);
CREATE TABLE IF NOT EXISTS peer_cache (
	owner_id     TEXT   NOT NULL,
	peer_id      TEXT   NOT NULL,
	name         TEXT   NOT NULL DEFAULT '',
	avatar       TEXT   NOT NULL DEFAULT '',
	last_call_at BIGINT NOT NULL,
	PRIMARY KEY (owner_id, peer_id)
);
`

// Open opens or creates the SQLite database in the given directory.
func Open(configDir string) (*DB, error) {
	dbPath := filepath.Join(configDir, "data.db")

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets the history reader run while the persist worker writes.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	d := &DB{db: db, path: dbPath, dialect: dialectSQLite}
	if err := d.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// PoolConfig controls database/sql pool behavior for PostgreSQL.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	out := c
	if out.MaxOpenConns <= 0 {
		out.MaxOpenConns = 5
	}
	if out.MaxIdleConns <= 0 {
		out.MaxIdleConns = 2
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 5 * time.Second
	}
	return out
}

// OpenPostgres connects through the pgx stdlib driver. dsn contains
// credentials and must not be logged.
func OpenPostgres(ctx context.Context, dsn string, pool PoolConfig) (*DB, error) {
	pool = pool.withDefaults()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	if err := HealthCheck(ctx, db, pool.PingTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}

	d := &DB{db: db, path: "postgres", dialect: dialectPostgres}
	if err := d.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// HealthCheck pings the DB with a timeout.
func HealthCheck(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("db ping failed: %w", err)
	}
	return nil
}

func (d *DB) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (d *DB) rebind(query string) string {
	if d.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
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

// Ping checks the connection.
func (d *DB) Ping(ctx context.Context) error {
	return HealthCheck(ctx, d.db, 2*time.Second)
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path, or "postgres".
func (d *DB) Path() string {
	return d.path
}
