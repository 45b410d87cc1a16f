package tokenstore

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteAdapter persists token envelopes in a single-writer SQLite
// database, the same driver/migration combination the teacher's working-set
// store used: jmoiron/sqlx over modernc.org/sqlite (no cgo), schema changes
// applied through golang-migrate's iofs source against embedded SQL files.
type SQLiteAdapter struct {
	db *sqlx.DB
}

// OpenSQLiteAdapter opens (creating if needed) the token database at path
// and brings its schema up to date.
func OpenSQLiteAdapter(path string) (*SQLiteAdapter, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: open sqlite: %w", err)
	}
	// modernc.org/sqlite is not safe for concurrent writers on one file;
	// a single pooled connection serializes all access.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db, path); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteAdapter{db: db}, nil
}

func migrateUp(db *sqlx.DB, path string) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("tokenstore: migration source: %w", err)
	}

	driver, err := sqlitemigrate.WithInstance(db.DB, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("tokenstore: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("tokenstore: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("tokenstore: migrate up: %w", err)
	}
	return nil
}

func (a *SQLiteAdapter) Close() error {
	return a.db.Close()
}

func (a *SQLiteAdapter) Put(key string, value []byte) error {
	_, err := a.db.Exec(
		`INSERT INTO tokens (key, envelope, updated_at) VALUES (?, ?, unixepoch())
		 ON CONFLICT(key) DO UPDATE SET envelope = excluded.envelope, updated_at = excluded.updated_at`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("tokenstore: sqlite put: %w", err)
	}
	return nil
}

func (a *SQLiteAdapter) Get(key string) ([]byte, bool, error) {
	var envelope []byte
	err := a.db.Get(&envelope, `SELECT envelope FROM tokens WHERE key = ?`, key)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("tokenstore: sqlite get: %w", err)
	}
	return envelope, true, nil
}

func (a *SQLiteAdapter) Delete(key string) error {
	if _, err := a.db.Exec(`DELETE FROM tokens WHERE key = ?`, key); err != nil {
		return fmt.Errorf("tokenstore: sqlite delete: %w", err)
	}
	return nil
}

func (a *SQLiteAdapter) Range(f func(key string, value []byte) bool) error {
	rows, err := a.db.Queryx(`SELECT key, envelope FROM tokens`)
	if err != nil {
		return fmt.Errorf("tokenstore: sqlite range: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var envelope []byte
		if err := rows.Scan(&key, &envelope); err != nil {
			return fmt.Errorf("tokenstore: sqlite scan: %w", err)
		}
		if !f(key, envelope) {
			break
		}
	}
	return rows.Err()
}
