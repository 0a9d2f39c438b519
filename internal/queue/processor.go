package queue

import (
	"context"
	"errors"
	"log"

	"github.com/segmentio/kafka-go"

	"example.com/providersync/internal/domain"
	"example.com/providersync/internal/sync"
)

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Runner executes one sync run; satisfied by sync.Coordinator.
type Runner interface {
	Run(ctx context.Context, run domain.SyncRun) (sync.Result, error)
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger *log.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// Processor pulls sync jobs from Kafka and drives the coordinator.
type Processor struct {
	reader Reader
	runner Runner
	logger *log.Logger
}

// NewProcessor constructs a Processor with the provided reader and runner.
func NewProcessor(reader Reader, runner Runner, opts ...Option) *Processor {
	p := &Processor{
		reader: reader,
		runner: runner,
		logger: log.New(log.Writer(), "[worker] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts a blocking loop that processes jobs until the context is
// cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.Printf("fetch error: %v", err)
			continue
		}

		job, decodeErr := decodeJob(msg)
		if decodeErr != nil {
			p.logger.Printf("decode error (topic=%s, partition=%d, offset=%d): %v", msg.Topic, msg.Partition, msg.Offset, decodeErr)
			recordDecodeError()
			// Commit malformed messages to avoid poison-pill loops.
			if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
				p.logger.Printf("commit error after decode failure: %v", commitErr)
			}
			continue
		}

		result, runErr := p.runner.Run(ctx, job.Run())
		if runErr != nil {
			// Bookkeeping could not be performed; leave the offset uncommitted
			// so the job is redelivered.
			p.logger.Printf("run error (run=%s, user=%s, provider=%s): %v", job.RunID, job.UserID, job.Provider, runErr)
			recordRunError(job.Provider)
			continue
		}

		if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
			p.logger.Printf("commit error: %v", commitErr)
		} else {
			recordProcessed(job.Provider, result)
		}
	}
}
