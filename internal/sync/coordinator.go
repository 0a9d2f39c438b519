// Package sync implements the synchronization coordinator: the state machine
// that reconciles one provider connection's remote activities into local
// storage under mutual exclusion and rate-limit backoff.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"example.com/providersync/internal/broadcast"
	"example.com/providersync/internal/domain"
	"example.com/providersync/internal/observability"
	"example.com/providersync/internal/provider"
)

// ConnectionStore is the credential and bookkeeping surface the coordinator
// needs.
type ConnectionStore interface {
	Get(ctx context.Context, userID, providerKey string) (*domain.Connection, error)
	UpdateTokens(ctx context.Context, userID, providerKey string, token domain.Connection) error
	RecordRunOutcome(ctx context.Context, userID, providerKey string, status domain.SyncStatus, reason string, syncedAt *time.Time) error
}

// RunLedger is the sync-run audit surface the coordinator mutates.
type RunLedger interface {
	Enqueue(ctx context.Context, run domain.SyncRun) error
	MarkRunning(ctx context.Context, runID string) (bool, error)
	MarkOutcome(ctx context.Context, runID string, status domain.SyncStatus, importedCount int, reason string) error
}

// ActivityStore merges remote activities into the local mirror.
type ActivityStore interface {
	Upsert(ctx context.Context, activity domain.Activity) (bool, error)
}

// Locker grants at most one concurrent sync per (provider, user).
type Locker interface {
	Acquire(ctx context.Context, providerKey, userID string, lease time.Duration) (string, bool, error)
	Release(ctx context.Context, providerKey, userID, leaseToken string) error
}

// Broadcaster fans out status transitions to live observers.
type Broadcaster interface {
	Publish(ctx context.Context, event broadcast.StatusEvent)
}

// ClientResolver maps provider keys to API clients.
type ClientResolver interface {
	Client(key string) (provider.Client, error)
}

// Config tunes coordinator behaviour.
type Config struct {
	// LockLease bounds how long a crashed worker can wedge a connection.
	LockLease time.Duration
	// TokenSkew refreshes tokens that expire within the window.
	TokenSkew time.Duration
	// InitialLookback is how far back the first sync of a connection reaches.
	InitialLookback time.Duration
	// MaxPages caps one bulk sync; the next run picks up where listing left off.
	MaxPages int
}

// DefaultConfig mirrors production settings.
func DefaultConfig() Config {
	return Config{
		LockLease:       300 * time.Second,
		TokenSkew:       60 * time.Second,
		InitialLookback: 90 * 24 * time.Hour,
		MaxPages:        20,
	}
}

// Result summarizes one coordinator invocation.
type Result struct {
	Status        domain.SyncStatus
	ImportedCount int
	// Skipped is true when another in-flight execution held the lock and this
	// invocation was dropped without touching the queued run.
	Skipped    bool
	RetryAfter time.Duration
	Reason     string
}

// Coordinator executes sync runs.
type Coordinator struct {
	connections ConnectionStore
	ledger      RunLedger
	activities  ActivityStore
	locker      Locker
	broadcaster Broadcaster
	providers   ClientResolver
	cfg         Config
	logger      *log.Logger
}

// Option configures optional coordinator behaviour.
type Option func(*Coordinator)

// WithLogger overrides the logger used to report progress and errors.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(connections ConnectionStore, ledger RunLedger, activities ActivityStore, locker Locker, broadcaster Broadcaster, providers ClientResolver, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		connections: connections,
		ledger:      ledger,
		activities:  activities,
		locker:      locker,
		broadcaster: broadcaster,
		providers:   providers,
		cfg:         cfg,
		logger:      log.New(log.Writer(), "[coordinator] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes one sync attempt. Failures in the sync itself are recorded on
// the run and connection and reported through Result; a non-nil error means
// the bookkeeping could not be performed and the attempt is indeterminate.
func (c *Coordinator) Run(ctx context.Context, run domain.SyncRun) (Result, error) {
	leaseToken, acquired, err := c.locker.Acquire(ctx, run.Provider, run.UserID, c.cfg.LockLease)
	if err != nil {
		return Result{}, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !acquired {
		// Another execution owns this (user, provider). Drop the invocation
		// and leave the queued run for the holder; freshest wins, no backlog.
		recordSkip(run.Provider)
		c.logger.Printf("sync skipped, lock held (user=%s, provider=%s)", run.UserID, run.Provider)
		return Result{Skipped: true}, nil
	}
	defer func() {
		if err := c.locker.Release(ctx, run.Provider, run.UserID, leaseToken); err != nil {
			c.logger.Printf("release sync lock (user=%s, provider=%s): %v", run.UserID, run.Provider, err)
		}
	}()

	started, err := c.ledger.MarkRunning(ctx, run.RunID)
	if err != nil {
		return Result{}, fmt.Errorf("mark run running: %w", err)
	}
	if !started {
		// The run left the queued state under someone else; nothing to do.
		recordSkip(run.Provider)
		return Result{Skipped: true}, nil
	}
	c.broadcaster.Publish(ctx, broadcast.NewStatusEvent(run.UserID, run.Provider, domain.SyncStatusRunning, "", nil))

	begin := time.Now()
	result, err := c.execute(ctx, run)
	if err != nil {
		return Result{}, err
	}
	recordRun(run.Provider, result.Status, time.Since(begin))
	return result, nil
}

// execute performs token resolution and the merge, then terminalizes the run.
// The connection and ledger bookkeeping always happens before returning so a
// failure is never acknowledged without being recorded.
func (c *Coordinator) execute(ctx context.Context, run domain.SyncRun) (Result, error) {
	imported, syncErr := c.synchronize(ctx, run)

	switch {
	case syncErr == nil:
		now := time.Now().UTC()
		if err := c.ledger.MarkOutcome(ctx, run.RunID, domain.SyncStatusSuccess, imported, ""); err != nil {
			return Result{}, fmt.Errorf("mark run success: %w", err)
		}
		if err := c.connections.RecordRunOutcome(ctx, run.UserID, run.Provider, domain.SyncStatusSuccess, "", &now); err != nil {
			return Result{}, fmt.Errorf("record connection success: %w", err)
		}
		c.broadcaster.Publish(ctx, broadcast.NewStatusEvent(run.UserID, run.Provider, domain.SyncStatusSuccess, "", &now))
		observability.RecordSyncCompleted(now)
		return Result{Status: domain.SyncStatusSuccess, ImportedCount: imported}, nil

	default:
		if rl, ok := provider.AsRateLimited(syncErr); ok {
			return c.reschedule(ctx, run, imported, rl.RetryAfter)
		}
		reason := failureReason(syncErr)
		if err := c.ledger.MarkOutcome(ctx, run.RunID, domain.SyncStatusFailed, imported, reason); err != nil {
			return Result{}, fmt.Errorf("mark run failed: %w", err)
		}
		if err := c.connections.RecordRunOutcome(ctx, run.UserID, run.Provider, domain.SyncStatusFailed, reason, nil); err != nil {
			return Result{}, fmt.Errorf("record connection failure: %w", err)
		}
		c.broadcaster.Publish(ctx, broadcast.NewStatusEvent(run.UserID, run.Provider, domain.SyncStatusFailed, reason, nil))
		return Result{Status: domain.SyncStatusFailed, ImportedCount: imported, Reason: reason}, nil
	}
}

// reschedule terminalizes the current run as rate_limited and queues the
// retry after the provider-supplied delay.
func (c *Coordinator) reschedule(ctx context.Context, run domain.SyncRun, imported int, retryAfter time.Duration) (Result, error) {
	reason := fmt.Sprintf("provider rate limited, retrying in %d seconds", int(retryAfter.Seconds()))

	if err := c.ledger.MarkOutcome(ctx, run.RunID, domain.SyncStatusRateLimited, imported, reason); err != nil {
		return Result{}, fmt.Errorf("mark run rate limited: %w", err)
	}
	if err := c.connections.RecordRunOutcome(ctx, run.UserID, run.Provider, domain.SyncStatusRateLimited, reason, nil); err != nil {
		return Result{}, fmt.Errorf("record connection rate limit: %w", err)
	}

	now := time.Now().UTC()
	retry := domain.SyncRun{
		RunID:              uuid.NewString(),
		UserID:             run.UserID,
		Provider:           run.Provider,
		ExternalActivityID: run.ExternalActivityID,
		Status:             domain.SyncStatusQueued,
		ScheduledAt:        now.Add(retryAfter),
		QueuedAt:           now,
	}
	if err := c.ledger.Enqueue(ctx, retry); err != nil {
		return Result{}, fmt.Errorf("enqueue rate-limit retry: %w", err)
	}
	recordReschedule(run.Provider)

	c.broadcaster.Publish(ctx, broadcast.NewStatusEvent(run.UserID, run.Provider, domain.SyncStatusRateLimited, reason, nil))
	c.logger.Printf("sync rate limited (user=%s, provider=%s), retry run %s scheduled in %s",
		run.UserID, run.Provider, retry.RunID, retryAfter)

	return Result{Status: domain.SyncStatusRateLimited, ImportedCount: imported, RetryAfter: retryAfter, Reason: reason}, nil
}

// synchronize resolves credentials and merges remote activities, returning
// the number of durable inserts and material updates performed before any
// error. Already-merged activities are never rolled back.
func (c *Coordinator) synchronize(ctx context.Context, run domain.SyncRun) (int, error) {
	client, err := c.providers.Client(run.Provider)
	if err != nil {
		return 0, err
	}

	conn, accessToken, err := c.requireFreshAccessToken(ctx, client, run.UserID, run.Provider)
	if err != nil {
		return 0, err
	}

	if run.Targeted() {
		remote, err := client.FetchActivity(ctx, accessToken, run.ExternalActivityID)
		if err != nil {
			return 0, err
		}
		changed, err := c.merge(ctx, run, *remote)
		if err != nil {
			return 0, err
		}
		if changed {
			return 1, nil
		}
		return 0, nil
	}

	since := c.listingSince(conn)
	imported := 0
	for page := 1; page <= c.cfg.MaxPages; page++ {
		remotes, err := client.ListActivities(ctx, accessToken, since, page)
		if err != nil {
			return imported, err
		}
		if len(remotes) == 0 {
			break
		}
		for _, remote := range remotes {
			changed, err := c.merge(ctx, run, remote)
			if err != nil {
				return imported, err
			}
			if changed {
				imported++
			}
		}
	}
	return imported, nil
}

// requireFreshAccessToken loads the connection and transparently refreshes an
// expired or near-expiry token, persisting the new credentials atomically.
func (c *Coordinator) requireFreshAccessToken(ctx context.Context, client provider.Client, userID, providerKey string) (*domain.Connection, string, error) {
	conn, err := c.connections.Get(ctx, userID, providerKey)
	if err != nil {
		if errors.Is(err, domain.ErrConnectionNotFound) {
			return nil, "", domain.ErrCredentialsMissing
		}
		return nil, "", err
	}

	if !conn.TokenExpired(time.Now(), c.cfg.TokenSkew) {
		return conn, conn.AccessToken, nil
	}

	token, err := client.RefreshToken(ctx, conn.RefreshToken)
	if err != nil {
		if _, ok := provider.AsRateLimited(err); ok {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%w: %v", domain.ErrTokenRefreshFailed, err)
	}

	conn.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		conn.RefreshToken = token.RefreshToken
	}
	conn.TokenExpiresAt = token.ExpiresAt
	if err := c.connections.UpdateTokens(ctx, userID, providerKey, *conn); err != nil {
		return nil, "", fmt.Errorf("persist refreshed token: %w", err)
	}
	return conn, conn.AccessToken, nil
}

// merge upserts one remote activity into the mirror. The upsert is keyed by
// (provider, external_id); running it twice with identical input is a no-op.
func (c *Coordinator) merge(ctx context.Context, run domain.SyncRun, remote provider.Activity) (bool, error) {
	activity := domain.Activity{
		ActivityID:     uuid.NewString(),
		UserID:         run.UserID,
		Provider:       run.Provider,
		ExternalID:     remote.ExternalID,
		Sport:          remote.Sport,
		StartedAt:      remote.StartedAt,
		DurationSec:    remote.DurationSec,
		DistanceM:      remote.DistanceM,
		ElevationGainM: remote.ElevationGainM,
		Payload:        remote.Raw,
	}
	changed, err := c.activities.Upsert(ctx, activity)
	if err != nil {
		return false, fmt.Errorf("merge activity %s/%s: %w", run.Provider, remote.ExternalID, err)
	}
	if changed {
		recordActivityMerged(run.Provider)
		observability.RecordActivityMerged(time.Now())
	}
	return changed, nil
}

// listingSince picks the bulk listing window: the last successful sync time,
// or the initial lookback for a never-synced connection.
func (c *Coordinator) listingSince(conn *domain.Connection) time.Time {
	if conn.LastSyncedAt != nil {
		return *conn.LastSyncedAt
	}
	return time.Now().Add(-c.cfg.InitialLookback)
}

// failureReason renders a human-readable reason, never a raw provider body.
func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrCredentialsMissing):
		return "provider credentials missing, reconnect required"
	case errors.Is(err, domain.ErrTokenRefreshFailed):
		return "provider rejected the token refresh, reconnect required"
	case errors.Is(err, domain.ErrUnsupportedProvider):
		return "provider is not supported"
	case errors.Is(err, context.DeadlineExceeded):
		return "provider request timed out"
	default:
		return fmt.Sprintf("sync failed: %v", err)
	}
}
