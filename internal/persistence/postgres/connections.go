// Package postgres provides pgx-backed persistence for the synchronization
// engine: connections, sync runs, mirrored activities, webhook dedupe records,
// and the per-(user, provider) lease lock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/providersync/internal/domain"
)

const connectionColumns = `user_id, provider, access_token, refresh_token, token_expires_at,
        provider_athlete_id, last_sync_status, last_synced_at, last_sync_error, created_at, updated_at`

// ConnectionStore persists (user, provider) OAuth links. Token refresh and
// run bookkeeping mutate disjoint column sets of the same row; both paths use
// single row-scoped UPDATEs so they can interleave safely.
type ConnectionStore struct {
	pool *pgxpool.Pool
}

// NewConnectionStore constructs a ConnectionStore.
func NewConnectionStore(pool *pgxpool.Pool) *ConnectionStore {
	return &ConnectionStore{pool: pool}
}

// Create inserts a new connection. The (user_id, provider) uniqueness
// constraint rejects a second link to the same provider.
func (s *ConnectionStore) Create(ctx context.Context, conn domain.Connection) error {
	const stmt = `INSERT INTO connections (user_id, provider, access_token, refresh_token, token_expires_at,
            provider_athlete_id, last_sync_status, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
        ON CONFLICT (user_id, provider) DO UPDATE SET
            access_token = EXCLUDED.access_token,
            refresh_token = EXCLUDED.refresh_token,
            token_expires_at = EXCLUDED.token_expires_at,
            provider_athlete_id = EXCLUDED.provider_athlete_id,
            updated_at = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, stmt,
		conn.UserID,
		conn.Provider,
		conn.AccessToken,
		conn.RefreshToken,
		conn.TokenExpiresAt,
		conn.ProviderAthleteID,
		string(domain.SyncStatusNone),
		time.Now().UTC(),
	)
	return err
}

// Get fetches the connection for (user, provider).
func (s *ConnectionStore) Get(ctx context.Context, userID, providerKey string) (*domain.Connection, error) {
	query := fmt.Sprintf(`SELECT %s FROM connections WHERE user_id=$1 AND provider=$2`, connectionColumns)
	row := s.pool.QueryRow(ctx, query, userID, providerKey)
	return scanConnection(row)
}

// GetByAthleteID resolves a connection from the provider-side athlete
// identifier embedded in webhook payloads.
func (s *ConnectionStore) GetByAthleteID(ctx context.Context, providerKey, athleteID string) (*domain.Connection, error) {
	query := fmt.Sprintf(`SELECT %s FROM connections WHERE provider=$1 AND provider_athlete_id=$2`, connectionColumns)
	row := s.pool.QueryRow(ctx, query, providerKey, athleteID)
	return scanConnection(row)
}

// ListByUser returns all of a user's connections.
func (s *ConnectionStore) ListByUser(ctx context.Context, userID string) ([]domain.Connection, error) {
	query := fmt.Sprintf(`SELECT %s FROM connections WHERE user_id=$1 ORDER BY provider`, connectionColumns)
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Connection
	for rows.Next() {
		conn, err := scanConnectionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conn)
	}
	return out, rows.Err()
}

// ListStale returns connections whose last successful sync is older than the
// staleness cutoff, for the periodic bulk scheduler.
func (s *ConnectionStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]domain.Connection, error) {
	query := fmt.Sprintf(`SELECT %s FROM connections
        WHERE last_synced_at IS NULL OR last_synced_at < $1
        ORDER BY last_synced_at NULLS FIRST
        LIMIT $2`, connectionColumns)

	rows, err := s.pool.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Connection
	for rows.Next() {
		conn, err := scanConnectionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conn)
	}
	return out, rows.Err()
}

// UpdateTokens persists refreshed credentials. Only token columns are touched
// so run bookkeeping on the same row cannot be clobbered.
func (s *ConnectionStore) UpdateTokens(ctx context.Context, userID, providerKey string, token domain.Connection) error {
	const stmt = `UPDATE connections
        SET access_token=$3, refresh_token=$4, token_expires_at=$5, updated_at=now()
        WHERE user_id=$1 AND provider=$2`

	tag, err := s.pool.Exec(ctx, stmt, userID, providerKey, token.AccessToken, token.RefreshToken, token.TokenExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConnectionNotFound
	}
	return nil
}

// RecordRunOutcome updates last-sync bookkeeping. syncedAt is only advanced
// on success; the failure reason is cleared when absent.
func (s *ConnectionStore) RecordRunOutcome(ctx context.Context, userID, providerKey string, status domain.SyncStatus, reason string, syncedAt *time.Time) error {
	const stmt = `UPDATE connections
        SET last_sync_status=$3,
            last_sync_error=$4,
            last_synced_at=COALESCE($5, last_synced_at),
            updated_at=now()
        WHERE user_id=$1 AND provider=$2`

	tag, err := s.pool.Exec(ctx, stmt, userID, providerKey, string(status), nullIfEmpty(reason), syncedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConnectionNotFound
	}
	return nil
}

// Delete removes the connection when the user disconnects the provider.
func (s *ConnectionStore) Delete(ctx context.Context, userID, providerKey string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM connections WHERE user_id=$1 AND provider=$2`, userID, providerKey)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConnectionNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row pgx.Row) (*domain.Connection, error) {
	conn, err := scanConnectionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrConnectionNotFound
		}
		return nil, err
	}
	return conn, nil
}

func scanConnectionRow(row rowScanner) (*domain.Connection, error) {
	var conn domain.Connection
	var status string
	if err := row.Scan(
		&conn.UserID,
		&conn.Provider,
		&conn.AccessToken,
		&conn.RefreshToken,
		&conn.TokenExpiresAt,
		&conn.ProviderAthleteID,
		&status,
		&conn.LastSyncedAt,
		&conn.LastSyncError,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	); err != nil {
		return nil, err
	}
	conn.LastSyncStatus = domain.SyncStatus(status)
	return &conn, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
