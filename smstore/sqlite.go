package smstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite stores documents in a SQLite database.
// Several maps may share one database file;
// rows are partitioned by map key.
type SQLite struct {
	log *slog.Logger

	db     *sql.DB
	mapKey string

	d *debouncer
}

var _ Store = (*SQLite)(nil)

// SQLiteConfig is the configuration for [OpenSQLite].
type SQLiteConfig struct {
	// Path of the database file.
	Path string

	// Partition key, normally the map's shared data key.
	MapKey string

	// Debounce window for SaveSoon.
	// If zero, [DefaultSaveDelay] is used.
	SaveDelay time.Duration
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS shared_entries (
	map_key TEXT NOT NULL,
	key     TEXT NOT NULL,
	value   BLOB NOT NULL,
	PRIMARY KEY (map_key, key)
);`

// OpenSQLite opens (creating if needed) the database at cfg.Path
// and ensures the schema exists.
func OpenSQLite(ctx context.Context, log *slog.Logger, cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" || cfg.MapKey == "" {
		panic(errors.New("BUG: SQLiteConfig.Path and SQLiteConfig.MapKey may not be empty"))
	}

	dsn := "file:" + cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Path, err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema in %s: %w", cfg.Path, err)
	}

	s := &SQLite{
		log:    log,
		db:     db,
		mapKey: cfg.MapKey,
	}
	s.d = newDebouncer(log, cfg.SaveDelay, s.write)
	return s, nil
}

// Load implements [Store].
func (s *SQLite) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT key, value FROM shared_entries WHERE map_key = ?`,
		s.mapKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries for %q: %w", s.mapKey, err)
	}
	defer rows.Close()

	data := map[string]json.RawMessage{}
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan entry for %q: %w", s.mapKey, err)
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("entry %q in %q is not valid JSON", k, s.mapKey)
		}
		data[k] = json.RawMessage(v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entries for %q: %w", s.mapKey, err)
	}

	return data, nil
}

// SaveSoon implements [Store].
func (s *SQLite) SaveSoon(data map[string]json.RawMessage) {
	s.d.schedule(data)
}

// Flush implements [Store].
func (s *SQLite) Flush(ctx context.Context) error {
	return s.d.flush(ctx)
}

// Close implements [Store].
func (s *SQLite) Close(ctx context.Context) error {
	flushErr := s.d.close(ctx)
	if err := s.db.Close(); err != nil {
		return errors.Join(flushErr, fmt.Errorf("failed to close database: %w", err))
	}
	return flushErr
}

// write replaces every row for the map key in one transaction.
func (s *SQLite) write(ctx context.Context, data map[string]json.RawMessage) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM shared_entries WHERE map_key = ?`, s.mapKey); err != nil {
		return fmt.Errorf("failed to clear entries for %q: %w", s.mapKey, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO shared_entries (map_key, key, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for k, v := range data {
		if _, err := stmt.ExecContext(ctx, s.mapKey, k, []byte(v)); err != nil {
			return fmt.Errorf("failed to insert %q: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit entries for %q: %w", s.mapKey, err)
	}

	s.log.Debug("Saved", "map_key", s.mapKey, "keys", len(data))
	return nil
}
