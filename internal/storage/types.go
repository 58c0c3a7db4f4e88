package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via a pgx pool, schema managed by golang-migrate
//   - "file": dependency-free snapshot + journal files
//   - "memory": in-process map, lost on exit
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgx default
}

// Counts is the registration summary shown to the administrator.
type Counts struct {
	Total  int
	Active int
}

// Store is the subscriber persistence API.
//
// Subscribers are never hard-deleted. All mutations are independent single
// row updates.
type Store interface {
	// ListActive returns active subscriber identities in ascending order.
	ListActive(ctx context.Context) ([]int64, error)
	// Deactivate marks a subscriber inactive. Unknown identities are a no-op.
	Deactivate(ctx context.Context, id int64) error
	// UpsertActive inserts the subscriber or reactivates an existing one.
	UpsertActive(ctx context.Context, id int64) error
	Counts(ctx context.Context) (Counts, error)
	Close() error
}
