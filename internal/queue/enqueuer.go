package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"example.com/providersync/internal/domain"
)

// EnqueueLedger is the ledger surface the Enqueuer writes through.
type EnqueueLedger interface {
	Enqueue(ctx context.Context, run domain.SyncRun) error
	HasPendingTargeted(ctx context.Context, userID, providerKey, externalActivityID string) (bool, error)
}

// Enqueuer records durable queued sync runs. The dispatcher picks them up
// once their scheduled time arrives.
type Enqueuer struct {
	ledger EnqueueLedger
}

// NewEnqueuer constructs an Enqueuer.
func NewEnqueuer(ledger EnqueueLedger) *Enqueuer {
	return &Enqueuer{ledger: ledger}
}

// EnqueueSync queues a run for (provider, user), optionally targeting one
// external activity and optionally delayed. For targeted runs an already
// pending run for the same activity is reused instead of queuing a second
// one. Returns the run id serving the request.
func (e *Enqueuer) EnqueueSync(ctx context.Context, providerKey, userID, externalActivityID string, delay time.Duration) (string, error) {
	if externalActivityID != "" {
		pending, err := e.ledger.HasPendingTargeted(ctx, userID, providerKey, externalActivityID)
		if err != nil {
			return "", err
		}
		if pending {
			recordEnqueueDeduped(providerKey)
			return "", nil
		}
	}

	now := time.Now().UTC()
	run := domain.SyncRun{
		RunID:              uuid.NewString(),
		UserID:             userID,
		Provider:           providerKey,
		ExternalActivityID: externalActivityID,
		Status:             domain.SyncStatusQueued,
		ScheduledAt:        now.Add(delay),
		QueuedAt:           now,
	}
	if err := e.ledger.Enqueue(ctx, run); err != nil {
		return "", err
	}
	recordEnqueued(providerKey)
	return run.RunID, nil
}
