// Package broadcast publishes sync status transitions for live observers.
// Delivery is best-effort; the connection row remains the source of truth and
// clients may poll it.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/providersync/internal/domain"
)

// StatusEvent is the payload fanned out on every run state transition.
type StatusEvent struct {
	UserID     string     `json:"user_id"`
	Provider   string     `json:"provider"`
	Status     string     `json:"status"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// NewStatusEvent builds a StatusEvent for the given transition.
func NewStatusEvent(userID, providerKey string, status domain.SyncStatus, reason string, syncedAt *time.Time) StatusEvent {
	return StatusEvent{
		UserID:     userID,
		Provider:   providerKey,
		Status:     string(status),
		SyncedAt:   syncedAt,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
}

// KafkaBroadcaster publishes status events to a Kafka topic, keyed by
// user:provider so per-connection ordering is preserved within a partition.
type KafkaBroadcaster struct {
	writer *kafka.Writer
	logger *log.Logger
}

// NewKafkaBroadcaster constructs a KafkaBroadcaster for the given brokers and
// topic.
func NewKafkaBroadcaster(brokers []string, topic string) *KafkaBroadcaster {
	return &KafkaBroadcaster{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
		logger: log.New(log.Writer(), "[broadcast] ", log.LstdFlags),
	}
}

// Publish delivers the event, logging and counting failures instead of
// propagating them; a missed notification must never fail a sync run.
func (b *KafkaBroadcaster) Publish(ctx context.Context, event StatusEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		b.logger.Printf("marshal status event: %v", err)
		return
	}

	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%s:%s", event.UserID, event.Provider)),
		Value: body,
		Time:  event.OccurredAt,
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		failedCounter.WithLabelValues(event.Status).Inc()
		b.logger.Printf("publish status event (user=%s, provider=%s, status=%s): %v",
			event.UserID, event.Provider, event.Status, err)
		return
	}
	publishedCounter.WithLabelValues(event.Status).Inc()
}

// Close releases the underlying writer.
func (b *KafkaBroadcaster) Close() error {
	return b.writer.Close()
}
