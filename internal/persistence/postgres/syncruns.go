package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/providersync/internal/domain"
)

const syncRunColumns = `run_id, user_id, provider, external_activity_id, status, scheduled_at,
        queued_at, dispatched_at, started_at, finished_at, imported_count, failure_reason`

// SyncRunLedger is the append-only record of sync attempts. Status moves
// monotonically through queued -> running -> {success, failed, rate_limited};
// guarded UPDATEs enforce the transitions at the storage layer.
type SyncRunLedger struct {
	pool *pgxpool.Pool
}

// NewSyncRunLedger constructs a SyncRunLedger.
func NewSyncRunLedger(pool *pgxpool.Pool) *SyncRunLedger {
	return &SyncRunLedger{pool: pool}
}

// Enqueue inserts a queued run. ScheduledAt in the future delays dispatch,
// which is how rate-limit retries are expressed.
func (l *SyncRunLedger) Enqueue(ctx context.Context, run domain.SyncRun) error {
	const stmt = `INSERT INTO sync_runs (run_id, user_id, provider, external_activity_id, status, scheduled_at, queued_at, imported_count)
        VALUES ($1,$2,$3,$4,$5,$6,$7,0)`

	_, err := l.pool.Exec(ctx, stmt,
		run.RunID,
		run.UserID,
		run.Provider,
		nullIfEmpty(run.ExternalActivityID),
		string(domain.SyncStatusQueued),
		run.ScheduledAt,
		run.QueuedAt,
	)
	return err
}

// ClaimDue fetches up to limit queued runs whose scheduled time has passed and
// stamps them dispatched, using FOR UPDATE SKIP LOCKED so concurrent
// dispatchers never hand out the same run twice. Runs stamped more than five
// minutes ago but still queued are reclaimed; a lost publish must not strand
// them.
func (l *SyncRunLedger) ClaimDue(ctx context.Context, limit int) ([]domain.SyncRun, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`SELECT %s FROM sync_runs
        WHERE status=$1 AND scheduled_at <= now()
          AND (dispatched_at IS NULL OR dispatched_at < now() - interval '5 minutes')
        ORDER BY scheduled_at
        LIMIT $2
        FOR UPDATE SKIP LOCKED`, syncRunColumns)

	rows, err := tx.Query(ctx, query, string(domain.SyncStatusQueued), limit)
	if err != nil {
		return nil, err
	}

	runs, err := collectRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, tx.Rollback(ctx)
	}

	ids := make([]string, 0, len(runs))
	for _, run := range runs {
		ids = append(ids, run.RunID)
	}
	if _, err := tx.Exec(ctx, `UPDATE sync_runs SET dispatched_at = now() WHERE run_id = ANY($1::uuid[])`, ids); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return runs, nil
}

// MarkRunning transitions a queued run to running. Returns false without
// error when the run is no longer queued, which callers treat as "someone
// else owns it".
func (l *SyncRunLedger) MarkRunning(ctx context.Context, runID string) (bool, error) {
	const stmt = `UPDATE sync_runs SET status=$2, started_at=now()
        WHERE run_id=$1 AND status=$3`

	tag, err := l.pool.Exec(ctx, stmt, runID, string(domain.SyncStatusRunning), string(domain.SyncStatusQueued))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkOutcome terminalizes a running run. The guard on the current status
// keeps a crashed worker's stale write from regressing a superseding run.
func (l *SyncRunLedger) MarkOutcome(ctx context.Context, runID string, status domain.SyncStatus, importedCount int, reason string) error {
	if !status.Terminal() {
		return fmt.Errorf("non-terminal outcome status %q", status)
	}

	const stmt = `UPDATE sync_runs
        SET status=$2, imported_count=$3, failure_reason=$4, finished_at=now()
        WHERE run_id=$1 AND status=$5`

	tag, err := l.pool.Exec(ctx, stmt, runID, string(status), importedCount, nullIfEmpty(reason), string(domain.SyncStatusRunning))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSyncRunNotFound
	}
	return nil
}

// Get fetches one run by id.
func (l *SyncRunLedger) Get(ctx context.Context, runID string) (*domain.SyncRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM sync_runs WHERE run_id=$1`, syncRunColumns)
	row := l.pool.QueryRow(ctx, query, runID)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSyncRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListByUser returns the most recent runs for the audit surface.
func (l *SyncRunLedger) ListByUser(ctx context.Context, userID string, limit int) ([]domain.SyncRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM sync_runs WHERE user_id=$1
        ORDER BY queued_at DESC LIMIT $2`, syncRunColumns)

	rows, err := l.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

// HasPendingTargeted reports whether a queued or running run already targets
// the given external activity, letting webhook ingestion avoid piling up
// duplicate targeted runs.
func (l *SyncRunLedger) HasPendingTargeted(ctx context.Context, userID, providerKey, externalActivityID string) (bool, error) {
	const query = `SELECT EXISTS (
        SELECT 1 FROM sync_runs
        WHERE user_id=$1 AND provider=$2 AND external_activity_id=$3 AND status = ANY($4)
    )`

	pending := []string{string(domain.SyncStatusQueued), string(domain.SyncStatusRunning)}
	var exists bool
	if err := l.pool.QueryRow(ctx, query, userID, providerKey, externalActivityID, pending).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func collectRuns(rows pgx.Rows) ([]domain.SyncRun, error) {
	defer rows.Close()

	var out []domain.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*domain.SyncRun, error) {
	var run domain.SyncRun
	var externalID *string
	var status string
	if err := row.Scan(
		&run.RunID,
		&run.UserID,
		&run.Provider,
		&externalID,
		&status,
		&run.ScheduledAt,
		&run.QueuedAt,
		&run.DispatchedAt,
		&run.StartedAt,
		&run.FinishedAt,
		&run.ImportedCount,
		&run.FailureReason,
	); err != nil {
		return nil, err
	}
	if externalID != nil {
		run.ExternalActivityID = *externalID
	}
	run.Status = domain.SyncStatus(status)
	return &run, nil
}
