package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite connection holding the machine inventory.
type DB struct {
	conn *sql.DB
}

// pragmas are applied by the driver to every pooled connection. Immediate
// transaction locking makes concurrent read-then-write sessions queue on
// busy_timeout instead of failing on lock upgrade.
const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"

// New opens the SQLite database at path, enables WAL mode, and runs migrations.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if isMemory(path) {
		// every connection to :memory: is a distinct database
		conn.SetMaxOpenConns(1)
	} else if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DB{conn: conn}, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + pragmas
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

func migrate(conn *sql.DB) error {
	_, err := conn.Exec(schema)
	return err
}

const schema = `
	CREATE TABLE IF NOT EXISTS machines (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid       TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS interfaces (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		machine_id INTEGER NOT NULL REFERENCES machines(id),
		mac        TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL DEFAULT '',
		netmask    INTEGER NOT NULL DEFAULT 0,
		ipv4       TEXT NOT NULL DEFAULT '',
		cidrv4     TEXT NOT NULL DEFAULT '',
		gateway    TEXT NOT NULL DEFAULT '',
		fqdn       TEXT NOT NULL DEFAULT '',
		as_boot    INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interfaces_machine ON interfaces(machine_id);

	CREATE TABLE IF NOT EXISTS disks (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		machine_id INTEGER NOT NULL REFERENCES machines(id),
		path       TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		UNIQUE (machine_id, path)
	);

	CREATE TABLE IF NOT EXISTS chassis (
		mac        TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chassis_ports (
		mac           TEXT PRIMARY KEY,
		chassis_mac   TEXT NOT NULL REFERENCES chassis(mac),
		interface_mac TEXT NOT NULL REFERENCES interfaces(mac),
		updated_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schedules (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		machine_id INTEGER NOT NULL REFERENCES machines(id),
		role       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (machine_id, role)
	);
	CREATE INDEX IF NOT EXISTS idx_schedules_role ON schedules(role);

	CREATE TABLE IF NOT EXISTS lifecycle_states (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		mac        TEXT NOT NULL UNIQUE,
		machine_id INTEGER REFERENCES machines(id),
		state      TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_states_updated ON lifecycle_states(updated_at);
`

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Ping verifies the database connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

// InTx runs fn inside one transaction. The transaction commits when fn
// returns nil and rolls back on error or panic. Every failure is returned as
// a *StorageError naming op.
func (d *DB) InTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: op, Err: err}
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return asStorageError(op, err)
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	return nil
}

// timeLayout is fixed-width so that stored timestamps sort lexically in
// time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime encodes t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime decodes a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
