package icsfile

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/zeebo/blake3"

	"palmcal/internal/backend"
	"palmcal/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS change_log (
	name        TEXT NOT NULL,
	event_id    TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	PRIMARY KEY (name, event_id)
);
`

// snapshotStore keeps one checkpoint per change-log name.
type snapshotStore struct {
	db *sql.DB
}

func openSnapshots(ctx context.Context, path string) (*snapshotStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open change-log db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping change-log db: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init change-log schema: %w", err)
	}
	return &snapshotStore{db: db}, nil
}

func (s *snapshotStore) load(ctx context.Context, name string) (backend.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT event_id, fingerprint FROM change_log WHERE name = ?", name)
	if err != nil {
		return nil, fmt.Errorf("load change log %q: %w", name, err)
	}
	defer rows.Close()

	snap := make(backend.Snapshot)
	for rows.Next() {
		var id, fp string
		if err := rows.Scan(&id, &fp); err != nil {
			return nil, fmt.Errorf("scan change log %q: %w", name, err)
		}
		snap[id] = fp
	}
	return snap, rows.Err()
}

func (s *snapshotStore) store(ctx context.Context, name string, snap backend.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin change log %q: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM change_log WHERE name = ?", name); err != nil {
		return fmt.Errorf("reset change log %q: %w", name, err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO change_log (name, event_id, fingerprint) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare change log %q: %w", name, err)
	}
	defer stmt.Close()
	for id, fp := range snap {
		if _, err := stmt.ExecContext(ctx, name, id, fp); err != nil {
			return fmt.Errorf("write change log %q: %w", name, err)
		}
	}
	return tx.Commit()
}

func (s *snapshotStore) close() error {
	return s.db.Close()
}

// fingerprint hashes the encoded form of ev.
func fingerprint(ev model.Event) string {
	lines, trigger := encodeEvent(ev)
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.String())
		b.WriteByte('\n')
	}
	if trigger != "" {
		b.WriteString("TRIGGER:")
		b.WriteString(trigger)
		b.WriteByte('\n')
	}
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
