// Package scheduler periodically re-queues syncs for connections whose last
// successful sync has gone stale.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"example.com/providersync/internal/domain"
)

// ConnectionLister finds connections due for a bulk sync.
type ConnectionLister interface {
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]domain.Connection, error)
}

// Enqueuer queues bulk sync runs.
type Enqueuer interface {
	EnqueueSync(ctx context.Context, providerKey, userID, externalActivityID string, delay time.Duration) (string, error)
}

// Config tunes the bulk scheduler.
type Config struct {
	// Schedule is a cron expression; "@every 1h" in production.
	Schedule string
	// StalenessWindow is how long a connection may go without a successful
	// sync before the scheduler re-queues it.
	StalenessWindow time.Duration
	// BatchSize caps how many connections one pass enqueues.
	BatchSize int
}

// Scheduler runs the periodic bulk-sync enqueue.
type Scheduler struct {
	connections ConnectionLister
	enqueuer    Enqueuer
	cfg         Config
	cron        *cron.Cron
	logger      *log.Logger
}

// Option configures optional scheduler behaviour.
type Option func(*Scheduler)

// WithLogger overrides the logger used to report progress and errors.
func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New constructs a Scheduler.
func New(connections ConnectionLister, enqueuer Enqueuer, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		connections: connections,
		enqueuer:    enqueuer,
		cfg:         cfg,
		cron:        cron.New(),
		logger:      log.New(log.Writer(), "[scheduler] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the cron entry and begins scheduling.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if err := s.EnqueueStale(ctx); err != nil {
			s.logger.Printf("bulk sync pass: %v", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

// EnqueueStale performs one bulk pass: every connection without a successful
// sync inside the staleness window gets a fresh queued run. Connections with
// a pending targeted run are unaffected; the dedupe only applies to targeted
// syncs and the coordinator's lock drops pile-ups at execution time.
func (s *Scheduler) EnqueueStale(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.StalenessWindow)
	stale, err := s.connections.ListStale(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	enqueued := 0
	for _, conn := range stale {
		if _, err := s.enqueuer.EnqueueSync(ctx, conn.Provider, conn.UserID, "", 0); err != nil {
			s.logger.Printf("enqueue bulk sync (user=%s, provider=%s): %v", conn.UserID, conn.Provider, err)
			continue
		}
		enqueued++
	}
	recordBulkPass(len(stale), enqueued)
	if enqueued > 0 {
		s.logger.Printf("bulk sync pass queued %d/%d stale connections", enqueued, len(stale))
	}
	return nil
}
