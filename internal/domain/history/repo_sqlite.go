package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// Fixed width so that text order matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists snapshots in a local SQLite file.
type SQLiteStore struct {
	db       *sql.DB
	capacity int
}

// OpenSQLiteStore opens (creating if needed) the database at path and
// applies pending migrations. Only the newest capacity snapshots are kept.
func OpenSQLiteStore(ctx context.Context, path string, capacity int) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := runSQLiteMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &SQLiteStore{db: db, capacity: capacity}, nil
}

func runSQLiteMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(sqliteMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations/sqlite"); err != nil {
		return fmt.Errorf("run goose migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Record(ctx context.Context, snap *Snapshot) error {
	sites, err := json.Marshal(snap.Sites)
	if err != nil {
		return fmt.Errorf("encode sites: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO passes (id, started_at, finished_at, total, failed, trigger_source, sites)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID.String(),
		snap.StartedAt.UTC().Format(sqliteTimeLayout),
		snap.FinishedAt.UTC().Format(sqliteTimeLayout),
		snap.Total, snap.Failed, snap.Trigger, string(sites),
	)
	if err != nil {
		return fmt.Errorf("insert pass: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM passes WHERE id NOT IN (
			SELECT id FROM passes ORDER BY started_at DESC LIMIT ?
		)`, s.capacity)
	if err != nil {
		return fmt.Errorf("prune passes: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Snapshot, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM passes`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count passes: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, total, failed, trigger_source, sites
		FROM passes ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list passes: %w", err)
	}
	defer rows.Close()

	out := []*Snapshot{}
	for rows.Next() {
		var (
			id, started, finished, sites string
			snap                         Snapshot
		)
		if err := rows.Scan(&id, &started, &finished, &snap.Total, &snap.Failed, &snap.Trigger, &sites); err != nil {
			return nil, 0, fmt.Errorf("scan pass: %w", err)
		}
		if snap.ID, err = uuid.Parse(id); err != nil {
			return nil, 0, fmt.Errorf("parse pass id %q: %w", id, err)
		}
		if snap.StartedAt, err = time.Parse(sqliteTimeLayout, started); err != nil {
			return nil, 0, fmt.Errorf("parse started_at: %w", err)
		}
		if snap.FinishedAt, err = time.Parse(sqliteTimeLayout, finished); err != nil {
			return nil, 0, fmt.Errorf("parse finished_at: %w", err)
		}
		if err := json.Unmarshal([]byte(sites), &snap.Sites); err != nil {
			return nil, 0, fmt.Errorf("decode sites: %w", err)
		}
		out = append(out, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate passes: %w", err)
	}
	return out, total, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
