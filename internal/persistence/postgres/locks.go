package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LeaseLock grants at most one holder per (provider, user) for a bounded
// lease. An expired lease can be stolen by the next acquirer, so a crashed
// worker self-heals without explicit crash detection.
type LeaseLock struct {
	pool *pgxpool.Pool
}

// NewLeaseLock constructs a LeaseLock.
func NewLeaseLock(pool *pgxpool.Pool) *LeaseLock {
	return &LeaseLock{pool: pool}
}

// Acquire attempts to take the lock for (provider, user) with the given
// lease. It returns the lease token and true on success, or "" and false when
// another holder owns an unexpired lease.
func (l *LeaseLock) Acquire(ctx context.Context, providerKey, userID string, lease time.Duration) (string, bool, error) {
	const stmt = `INSERT INTO sync_locks (provider, user_id, lease_token, expires_at)
        VALUES ($1, $2, $3, now() + make_interval(secs => $4))
        ON CONFLICT (provider, user_id) DO UPDATE SET
            lease_token = EXCLUDED.lease_token,
            expires_at = EXCLUDED.expires_at
        WHERE sync_locks.expires_at < now()
        RETURNING lease_token`

	token := uuid.NewString()
	var granted string
	err := l.pool.QueryRow(ctx, stmt, providerKey, userID, token, lease.Seconds()).Scan(&granted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return granted, true, nil
}

// Release frees the lock if the caller still holds it. A lease that expired
// and was stolen is left alone.
func (l *LeaseLock) Release(ctx context.Context, providerKey, userID, leaseToken string) error {
	_, err := l.pool.Exec(ctx,
		`DELETE FROM sync_locks WHERE provider=$1 AND user_id=$2 AND lease_token=$3`,
		providerKey, userID, leaseToken,
	)
	return err
}
