// Package webhook ingests provider push notifications: subscription
// handshake verification, durable per-event dedupe, and routing to either a
// targeted sync or an activity soft delete.
package webhook

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"example.com/providersync/internal/domain"
)

// ErrVerificationFailed is returned when the handshake verify token does not
// match.
var ErrVerificationFailed = errors.New("webhook verification failed")

// EventStore persists the dedupe record for received events.
type EventStore interface {
	Insert(ctx context.Context, event domain.WebhookEvent) (int64, bool, error)
	MarkStatus(ctx context.Context, eventID int64, status domain.WebhookEventStatus) error
}

// ConnectionResolver maps a provider athlete id to the owning connection.
type ConnectionResolver interface {
	GetByAthleteID(ctx context.Context, providerKey, athleteID string) (*domain.Connection, error)
}

// ActivityDeleter soft-deletes mirrored activities on provider deletes.
type ActivityDeleter interface {
	SoftDelete(ctx context.Context, providerKey, externalID string) (bool, error)
}

// SyncEnqueuer queues targeted sync runs.
type SyncEnqueuer interface {
	EnqueueSync(ctx context.Context, providerKey, userID, externalActivityID string, delay time.Duration) (string, error)
}

// Payload is the webhook POST body shared by supported providers.
type Payload struct {
	ObjectType     string `json:"object_type"`
	ObjectID       int64  `json:"object_id"`
	AspectType     string `json:"aspect_type"`
	OwnerID        int64  `json:"owner_id"`
	SubscriptionID int64  `json:"subscription_id"`
	EventTime      int64  `json:"event_time"`
}

// Result reports the disposition of one delivery.
type Result struct {
	// EventStatus is "processed" or "ignored"; duplicates are ignored without
	// side effects and still acknowledged to the provider.
	EventStatus domain.WebhookEventStatus
	Duplicate   bool
}

// Service routes verified webhook deliveries.
type Service struct {
	events      EventStore
	connections ConnectionResolver
	activities  ActivityDeleter
	enqueuer    SyncEnqueuer
	verifyToken string
	logger      *log.Logger
}

// NewService constructs a webhook Service.
func NewService(events EventStore, connections ConnectionResolver, activities ActivityDeleter, enqueuer SyncEnqueuer, verifyToken string) *Service {
	return &Service{
		events:      events,
		connections: connections,
		activities:  activities,
		enqueuer:    enqueuer,
		verifyToken: verifyToken,
		logger:      log.New(log.Writer(), "[webhook] ", log.LstdFlags),
	}
}

// VerifySubscription answers the one-time GET handshake. The challenge is
// echoed back only when the verify token matches.
func (s *Service) VerifySubscription(mode, verifyToken, challenge string) (string, error) {
	if mode != "subscribe" || verifyToken != s.verifyToken || challenge == "" {
		return "", ErrVerificationFailed
	}
	return challenge, nil
}

// Receive processes one delivery. The same body arriving N times mutates
// local state at most once and enqueues at most one sync.
func (s *Service) Receive(ctx context.Context, providerKey string, payload Payload) (Result, error) {
	event := domain.WebhookEvent{
		Provider:       providerKey,
		ObjectType:     payload.ObjectType,
		ObjectID:       strconv.FormatInt(payload.ObjectID, 10),
		AspectType:     payload.AspectType,
		OwnerID:        strconv.FormatInt(payload.OwnerID, 10),
		SubscriptionID: payload.SubscriptionID,
		EventTime:      time.Unix(payload.EventTime, 0).UTC(),
		EventBucket:    domain.BucketEventTime(time.Unix(payload.EventTime, 0)),
	}

	eventID, fresh, err := s.events.Insert(ctx, event)
	if err != nil {
		return Result{}, err
	}
	if !fresh {
		recordReceived(providerKey, payload.AspectType, "duplicate")
		return Result{EventStatus: domain.WebhookIgnored, Duplicate: true}, nil
	}

	status, err := s.route(ctx, providerKey, event)
	if err != nil {
		if markErr := s.events.MarkStatus(ctx, eventID, domain.WebhookFailed); markErr != nil {
			s.logger.Printf("mark event %d failed: %v", eventID, markErr)
		}
		recordReceived(providerKey, payload.AspectType, "error")
		return Result{}, err
	}

	if err := s.events.MarkStatus(ctx, eventID, status); err != nil {
		return Result{}, err
	}
	recordReceived(providerKey, payload.AspectType, string(status))
	return Result{EventStatus: status}, nil
}

func (s *Service) route(ctx context.Context, providerKey string, event domain.WebhookEvent) (domain.WebhookEventStatus, error) {
	if event.ObjectType != "activity" {
		// Athlete-level events (e.g. deauthorization) are recorded but not acted on here.
		return domain.WebhookIgnored, nil
	}

	switch event.AspectType {
	case domain.AspectDelete:
		deleted, err := s.activities.SoftDelete(ctx, providerKey, event.ObjectID)
		if err != nil {
			return "", err
		}
		if !deleted {
			return domain.WebhookIgnored, nil
		}
		return domain.WebhookProcessed, nil

	case domain.AspectCreate, domain.AspectUpdate:
		conn, err := s.connections.GetByAthleteID(ctx, providerKey, event.OwnerID)
		if err != nil {
			if errors.Is(err, domain.ErrConnectionNotFound) {
				// Orphaned webhook: the provider notified us about an athlete
				// we do not track.
				return domain.WebhookIgnored, nil
			}
			return "", err
		}
		if _, err := s.enqueuer.EnqueueSync(ctx, providerKey, conn.UserID, event.ObjectID, 0); err != nil {
			return "", err
		}
		return domain.WebhookProcessed, nil

	default:
		return domain.WebhookIgnored, nil
	}
}
