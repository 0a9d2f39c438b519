package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/providersync/internal/domain"
)

// WebhookEventStore persists the durable dedupe record for provider push
// notifications. The unique index over (provider, object_id, aspect_type,
// event_bucket) makes duplicate deliveries visible as conflict no-ops.
type WebhookEventStore struct {
	pool *pgxpool.Pool
}

// NewWebhookEventStore constructs a WebhookEventStore.
func NewWebhookEventStore(pool *pgxpool.Pool) *WebhookEventStore {
	return &WebhookEventStore{pool: pool}
}

// Insert records a newly received event. It returns the event id and true
// when this delivery is the first for its dedupe key, or 0 and false for a
// duplicate.
func (s *WebhookEventStore) Insert(ctx context.Context, event domain.WebhookEvent) (int64, bool, error) {
	const stmt = `INSERT INTO webhook_events (provider, object_type, object_id, aspect_type, owner_id,
            subscription_id, event_time, event_bucket, status, received_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (provider, object_id, aspect_type, event_bucket) DO NOTHING
        RETURNING event_id`

	var eventID int64
	err := s.pool.QueryRow(ctx, stmt,
		event.Provider,
		event.ObjectType,
		event.ObjectID,
		event.AspectType,
		event.OwnerID,
		event.SubscriptionID,
		event.EventTime,
		event.EventBucket,
		string(domain.WebhookAccepted),
		time.Now().UTC(),
	).Scan(&eventID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return eventID, true, nil
}

// MarkStatus moves an accepted event to its terminal status. Events are
// mutated exactly once.
func (s *WebhookEventStore) MarkStatus(ctx context.Context, eventID int64, status domain.WebhookEventStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET status=$2 WHERE event_id=$1 AND status=$3`,
		eventID, string(status), string(domain.WebhookAccepted),
	)
	return err
}

// CountForKey reports how many rows exist for a dedupe key; used by tests and
// the admin surface.
func (s *WebhookEventStore) CountForKey(ctx context.Context, providerKey, objectID, aspectType string, bucket time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_events
         WHERE provider=$1 AND object_id=$2 AND aspect_type=$3 AND event_bucket=$4`,
		providerKey, objectID, aspectType, bucket,
	).Scan(&count)
	return count, err
}
