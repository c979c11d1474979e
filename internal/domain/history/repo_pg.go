package history

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mhlink/kpi/internal/platform/db"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// NewPostgresMigrator returns the migrator for the history schema.
func NewPostgresMigrator(conn db.Conn) *db.Migrator {
	return db.NewMigrator(conn, postgresMigrations, "migrations/postgres")
}

// PostgresStore persists snapshots in PostgreSQL. The schema is created by
// NewPostgresMigrator.
type PostgresStore struct {
	pool     *pgxpool.Pool
	capacity int
}

func NewPostgresStore(pool *pgxpool.Pool, capacity int) *PostgresStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &PostgresStore{pool: pool, capacity: capacity}
}

func (s *PostgresStore) Record(ctx context.Context, snap *Snapshot) error {
	sites, err := json.Marshal(snap.Sites)
	if err != nil {
		return fmt.Errorf("encode sites: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO kpi_passes (id, started_at, finished_at, total, failed, trigger_source, sites)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.ID, snap.StartedAt, snap.FinishedAt, snap.Total, snap.Failed, snap.Trigger, sites,
	)
	if err != nil {
		return fmt.Errorf("insert pass: %w", err)
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM kpi_passes WHERE id IN (
			SELECT id FROM kpi_passes ORDER BY started_at DESC OFFSET $1
		)`, s.capacity)
	if err != nil {
		return fmt.Errorf("prune passes: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Snapshot, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM kpi_passes`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count passes: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, started_at, finished_at, total, failed, trigger_source, sites
		FROM kpi_passes ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list passes: %w", err)
	}
	defer rows.Close()

	out := []*Snapshot{}
	for rows.Next() {
		var (
			snap  Snapshot
			sites []byte
		)
		if err := rows.Scan(&snap.ID, &snap.StartedAt, &snap.FinishedAt, &snap.Total, &snap.Failed, &snap.Trigger, &sites); err != nil {
			return nil, 0, fmt.Errorf("scan pass: %w", err)
		}
		if err := json.Unmarshal(sites, &snap.Sites); err != nil {
			return nil, 0, fmt.Errorf("decode sites: %w", err)
		}
		out = append(out, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate passes: %w", err)
	}
	return out, total, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// PoolStats reports the connection pool state for the health endpoint.
func (s *PostgresStore) PoolStats() *db.PoolStats {
	return db.GetPoolStats(s.pool)
}

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresStore) Close() error {
	return nil
}
