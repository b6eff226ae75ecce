package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LeaseRepo implements the cross-instance lease lock on a plain table.
// Acquisition is a single atomic upsert, so many instances can race it
// without ever two of them holding the same name.
type LeaseRepo struct {
	pool  *pgxpool.Pool
	owner string
}

func NewLeaseRepo(pool *pgxpool.Pool) *LeaseRepo {
	host, _ := os.Hostname()
	return &LeaseRepo{
		pool:  pool,
		owner: fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// Lease is a held lock. Release is best effort: if it is never called the
// lock simply expires at its upper bound.
type Lease struct {
	repo       *LeaseRepo
	name       string
	acquiredAt time.Time
	minHold    time.Duration
}

// TryAcquire attempts to take the named lease for at most maxHold.
// A false result means another instance holds it, which is a normal
// outcome, not an error.
func (r *LeaseRepo) TryAcquire(ctx context.Context, name string, maxHold, minHold time.Duration) (*Lease, bool, error) {
	now := time.Now().UTC()

	// The WHERE clause on the conflict update makes takeover possible
	// only once the previous holder's upper bound has passed.
	const q = `
		INSERT INTO worker_lock (name, locked_by, locked_at, locked_until)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET locked_by = EXCLUDED.locked_by,
		    locked_at = EXCLUDED.locked_at,
		    locked_until = EXCLUDED.locked_until
		WHERE worker_lock.locked_until <= $3
		RETURNING name`

	var got string
	err := r.pool.QueryRow(ctx, q, name, r.owner, now, now.Add(maxHold)).Scan(&got)
	if err != nil {
		if translate(err) == ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire lease %q: %w", name, err)
	}

	return &Lease{repo: r, name: name, acquiredAt: now, minHold: minHold}, true, nil
}

// Release ends the lease, but never before the minimum hold has elapsed.
// The floor prevents lock churn when several instances tick at nearly the
// same moment.
func (l *Lease) Release(ctx context.Context) error {
	until := time.Now().UTC()
	if floor := l.acquiredAt.Add(l.minHold); floor.After(until) {
		until = floor
	}

	const q = `
		UPDATE worker_lock
		SET locked_until = $3
		WHERE name = $1 AND locked_by = $2`

	if _, err := l.repo.pool.Exec(ctx, q, l.name, l.repo.owner, until); err != nil {
		return fmt.Errorf("release lease %q: %w", l.name, err)
	}
	return nil
}
