package scheduler

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/providersync/internal/domain"
)

func TestEnqueueStaleQueuesEveryStaleConnection(t *testing.T) {
	lister := &stubLister{connections: []domain.Connection{
		{UserID: "user-1", Provider: "strava"},
		{UserID: "user-2", Provider: "strava"},
	}}
	enqueuer := &stubEnqueuer{}
	s := newScheduler(lister, enqueuer)

	require.NoError(t, s.EnqueueStale(context.Background()))

	require.Len(t, enqueuer.calls, 2)
	require.Equal(t, "user-1", enqueuer.calls[0].userID)
	require.Empty(t, enqueuer.calls[0].externalID, "bulk syncs are never targeted")
}

func TestEnqueueStaleUsesStalenessCutoff(t *testing.T) {
	lister := &stubLister{}
	s := newScheduler(lister, &stubEnqueuer{})

	before := time.Now().UTC().Add(-6 * time.Hour)
	require.NoError(t, s.EnqueueStale(context.Background()))

	require.WithinDuration(t, before, lister.cutoff, time.Minute)
	require.Equal(t, 200, lister.limit)
}

func TestEnqueueStaleContinuesPastEnqueueFailures(t *testing.T) {
	lister := &stubLister{connections: []domain.Connection{
		{UserID: "user-1", Provider: "strava"},
		{UserID: "user-2", Provider: "strava"},
	}}
	enqueuer := &stubEnqueuer{failFor: "user-1"}
	s := newScheduler(lister, enqueuer)

	require.NoError(t, s.EnqueueStale(context.Background()))
	require.Len(t, enqueuer.calls, 2, "one failed enqueue must not stop the pass")
}

func newScheduler(lister ConnectionLister, enqueuer Enqueuer) *Scheduler {
	cfg := Config{Schedule: "@every 1h", StalenessWindow: 6 * time.Hour, BatchSize: 200}
	return New(lister, enqueuer, cfg, WithLogger(log.New(io.Discard, "", 0)))
}

type stubLister struct {
	connections []domain.Connection
	cutoff      time.Time
	limit       int
}

func (s *stubLister) ListStale(_ context.Context, olderThan time.Time, limit int) ([]domain.Connection, error) {
	s.cutoff = olderThan
	s.limit = limit
	return s.connections, nil
}

type stubEnqueuer struct {
	calls   []enqueueCall
	failFor string
}

type enqueueCall struct {
	provider   string
	userID     string
	externalID string
}

func (s *stubEnqueuer) EnqueueSync(_ context.Context, providerKey, userID, externalActivityID string, _ time.Duration) (string, error) {
	s.calls = append(s.calls, enqueueCall{provider: providerKey, userID: userID, externalID: externalActivityID})
	if s.failFor == userID {
		return "", errors.New("ledger unavailable")
	}
	return "run-1", nil
}
