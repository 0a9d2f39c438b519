package queue

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/providersync/internal/domain"
)

// RunClaimer hands out due queued runs exactly once per claim window.
type RunClaimer interface {
	ClaimDue(ctx context.Context, limit int) ([]domain.SyncRun, error)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Dispatcher drains due queued runs from the ledger and publishes them as
// jobs on the work topic. Delayed rate-limit retries need no special casing;
// they simply become due later.
type Dispatcher struct {
	ledger           RunClaimer
	writer           messageWriter
	pollInterval     time.Duration
	batchSize        int
	logger           *log.Logger
	shutdownComplete chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(ledger RunClaimer, writer messageWriter, pollInterval time.Duration, batchSize int) *Dispatcher {
	return &Dispatcher{
		ledger:           ledger,
		writer:           writer,
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		logger:           log.New(log.Writer(), "[dispatcher] ", log.LstdFlags),
		shutdownComplete: make(chan struct{}),
	}
}

// Start launches the polling loop. It should be called in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Printf("dispatch error: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until the dispatcher stops.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

func (d *Dispatcher) processBatch(ctx context.Context) error {
	start := time.Now()

	runs, err := d.ledger.ClaimDue(ctx, d.batchSize)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	messages := make([]kafka.Message, 0, len(runs))
	for _, run := range runs {
		msg, err := encodeJob(run)
		if err != nil {
			return err
		}
		messages = append(messages, msg)
	}

	if err := d.writer.WriteMessages(ctx, messages...); err != nil {
		// The claim stamp expires; ClaimDue re-hands these runs out later.
		dispatchFailedCounter.Add(float64(len(messages)))
		return err
	}

	dispatchedCounter.Add(float64(len(messages)))
	return nil
}

// NewJobWriter builds the Kafka writer for the work topic.
func NewJobWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        false,
	}
}
