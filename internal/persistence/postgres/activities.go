package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/providersync/internal/domain"
	"example.com/providersync/internal/persistence"
)

const activityColumns = `activity_id, user_id, provider, external_id, sport, started_at,
        duration_sec, distance_m, elevation_gain_m, payload, session_id, deleted_at, created_at, updated_at`

// ActivityStore persists the local mirror of remote activities. The partial
// unique index on (provider, external_id) among non-deleted rows is the
// storage-layer backstop against duplicate concurrent inserts.
type ActivityStore struct {
	pool *pgxpool.Pool
}

// NewActivityStore constructs an ActivityStore.
func NewActivityStore(pool *pgxpool.Pool) *ActivityStore {
	return &ActivityStore{pool: pool}
}

// Upsert merges one remote activity by (provider, external_id). Mutable
// fields are rewritten only when the remote state materially changed; the
// returned flag is true for an insert or a material update, false for a
// no-op, so callers can count imports without row churn.
func (s *ActivityStore) Upsert(ctx context.Context, activity domain.Activity) (bool, error) {
	const stmt = `INSERT INTO activities (activity_id, user_id, provider, external_id, sport, started_at,
            duration_sec, distance_m, elevation_gain_m, payload, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
        ON CONFLICT (provider, external_id) WHERE deleted_at IS NULL
        DO UPDATE SET
            sport = EXCLUDED.sport,
            started_at = EXCLUDED.started_at,
            duration_sec = EXCLUDED.duration_sec,
            distance_m = EXCLUDED.distance_m,
            elevation_gain_m = EXCLUDED.elevation_gain_m,
            payload = EXCLUDED.payload,
            updated_at = EXCLUDED.updated_at
        WHERE activities.sport IS DISTINCT FROM EXCLUDED.sport
           OR activities.started_at IS DISTINCT FROM EXCLUDED.started_at
           OR activities.duration_sec IS DISTINCT FROM EXCLUDED.duration_sec
           OR activities.distance_m IS DISTINCT FROM EXCLUDED.distance_m
           OR activities.elevation_gain_m IS DISTINCT FROM EXCLUDED.elevation_gain_m
           OR activities.payload IS DISTINCT FROM EXCLUDED.payload
        RETURNING (xmax = 0)`

	now := time.Now().UTC()
	var inserted bool
	err := s.pool.QueryRow(ctx, stmt,
		activity.ActivityID,
		activity.UserID,
		activity.Provider,
		activity.ExternalID,
		activity.Sport,
		activity.StartedAt,
		activity.DurationSec,
		activity.DistanceM,
		activity.ElevationGainM,
		activity.Payload,
		now,
	).Scan(&inserted)
	if err != nil {
		// No row returned means the conflict row was identical; nothing changed.
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetByExternalID fetches a non-deleted mirrored activity.
func (s *ActivityStore) GetByExternalID(ctx context.Context, providerKey, externalID string) (*domain.Activity, error) {
	query := fmt.Sprintf(`SELECT %s FROM activities
        WHERE provider=$1 AND external_id=$2 AND deleted_at IS NULL`, activityColumns)

	row := s.pool.QueryRow(ctx, query, providerKey, externalID)
	activity, err := scanActivity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrActivityNotFound
		}
		return nil, err
	}
	return activity, nil
}

// SoftDelete marks the mirrored activity deleted in response to a provider
// delete webhook. Missing rows are not an error; the provider may notify
// about activities we never imported.
func (s *ActivityStore) SoftDelete(ctx context.Context, providerKey, externalID string) (bool, error) {
	const stmt = `UPDATE activities SET deleted_at = now(), updated_at = now()
        WHERE provider=$1 AND external_id=$2 AND deleted_at IS NULL`

	tag, err := s.pool.Exec(ctx, stmt, providerKey, externalID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListByUser returns non-deleted activities newest first with keyset
// pagination over (started_at, activity_id).
func (s *ActivityStore) ListByUser(ctx context.Context, userID string, cursor *persistence.Cursor, limit int) ([]domain.Activity, *persistence.Cursor, error) {
	args := []any{userID, limit}
	query := fmt.Sprintf(`SELECT %s FROM activities
        WHERE user_id=$1 AND deleted_at IS NULL`, activityColumns)

	if cursor != nil {
		query += ` AND (started_at, activity_id) < ($3, $4)`
		args = append(args, cursor.StartedAt, cursor.ID)
	}
	query += ` ORDER BY started_at DESC, activity_id DESC LIMIT $2`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.Activity, 0, limit)
	for rows.Next() {
		activity, err := scanActivity(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, *activity)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *persistence.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		next = &persistence.Cursor{StartedAt: last.StartedAt, ID: last.ActivityID}
	}
	return results, next, nil
}

// CountByUser returns the number of non-deleted activities for a user.
func (s *ActivityStore) CountByUser(ctx context.Context, userID, providerKey string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM activities WHERE user_id=$1 AND provider=$2 AND deleted_at IS NULL`,
		userID, providerKey,
	).Scan(&count)
	return count, err
}

func scanActivity(row rowScanner) (*domain.Activity, error) {
	var activity domain.Activity
	if err := row.Scan(
		&activity.ActivityID,
		&activity.UserID,
		&activity.Provider,
		&activity.ExternalID,
		&activity.Sport,
		&activity.StartedAt,
		&activity.DurationSec,
		&activity.DistanceM,
		&activity.ElevationGainM,
		&activity.Payload,
		&activity.SessionID,
		&activity.DeletedAt,
		&activity.CreatedAt,
		&activity.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &activity, nil
}
