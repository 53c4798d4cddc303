package store

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the relational core: one pgxpool.Pool shared by every repository
// method, mirroring the teacher's single-pool-per-store convention
// (MrWong99-glyphoxa's postgres.Store).
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-configured pool. Callers are responsible for pool
// sizing (spec.md §5: default pool size 25, acquire timeout 10s, statement
// timeout 30s are connection-string/pool-config concerns, not this
// package's).
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// notFoundError is the unexported type of this package's sentinel errors.
type notFoundError string

func (e notFoundError) Error() string { return string(e) }

// ErrNotFound signals a repository lookup found nothing. Use errors.Is to
// test for it; the concrete dynamic type is unexported.
var ErrNotFound = notFoundError("store: not found")
