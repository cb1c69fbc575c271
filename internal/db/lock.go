package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LockRepository implements mutual exclusion through a uniquely keyed row.
// Acquire never errors: contention and storage failures both read as "someone
// else has it", and the caller skips its tick.
type LockRepository struct {
	pool *pgxpool.Pool
}

func NewLockRepository(pool *pgxpool.Pool) *LockRepository {
	return &LockRepository{pool: pool}
}

func (r *LockRepository) Acquire(ctx context.Context, name string) bool {
	query := `INSERT INTO cron_lock (name, acquired_at) VALUES ($1, now())
	          ON CONFLICT (name) DO NOTHING`
	tag, err := r.pool.Exec(ctx, query, name)
	if err != nil {
		return false
	}
	return tag.RowsAffected() == 1
}

func (r *LockRepository) Release(ctx context.Context, name string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM cron_lock WHERE name = $1`, name)
	return err
}
