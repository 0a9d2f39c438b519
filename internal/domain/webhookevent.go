package domain

import "time"

// Webhook aspect types as delivered by providers.
const (
	AspectCreate = "create"
	AspectUpdate = "update"
	AspectDelete = "delete"
)

// WebhookEventStatus is the terminal disposition of a received webhook.
type WebhookEventStatus string

const (
	WebhookAccepted  WebhookEventStatus = "accepted"
	WebhookProcessed WebhookEventStatus = "processed"
	WebhookIgnored   WebhookEventStatus = "ignored"
	WebhookFailed    WebhookEventStatus = "failed"
)

// WebhookEvent is the durable dedupe record for one provider push
// notification. A given (provider, object id, aspect type, event bucket) is
// processed at most once; rows are never deleted.
type WebhookEvent struct {
	EventID        int64
	Provider       string
	ObjectType     string
	ObjectID       string
	AspectType     string
	OwnerID        string
	SubscriptionID int64
	EventTime      time.Time
	EventBucket    time.Time
	Status         WebhookEventStatus
	ReceivedAt     time.Time
}

// BucketEventTime coarsens an event timestamp for dedupe purposes. Providers
// retry deliveries with identical event times; truncating to the hour absorbs
// clock jitter between retries of the same logical event.
func BucketEventTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}
