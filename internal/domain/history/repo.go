package history

import (
	"context"
)

// Store records pass snapshots and lists them newest first.
type Store interface {
	Record(ctx context.Context, s *Snapshot) error
	List(ctx context.Context, limit, offset int) ([]*Snapshot, int, error)
	Ping(ctx context.Context) error
	Close() error
}
