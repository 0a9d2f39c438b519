package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/providersync/internal/domain"
)

func TestDispatcherPublishesClaimedRuns(t *testing.T) {
	claimer := &stubClaimer{runs: []domain.SyncRun{
		{RunID: "run-1", UserID: "user-1", Provider: "strava"},
		{RunID: "run-2", UserID: "user-2", Provider: "strava", ExternalActivityID: "812345"},
	}}
	writer := &stubWriter{}

	d := NewDispatcher(claimer, writer, time.Second, 10)
	require.NoError(t, d.processBatch(context.Background()))

	require.Len(t, writer.messages, 2)
	require.Equal(t, "user-1:strava", string(writer.messages[0].Key))

	var job Job
	require.NoError(t, json.Unmarshal(writer.messages[1].Value, &job))
	require.Equal(t, "run-2", job.RunID)
	require.Equal(t, "812345", job.ExternalActivityID)
}

func TestDispatcherNoopOnEmptyClaim(t *testing.T) {
	claimer := &stubClaimer{}
	writer := &stubWriter{}

	d := NewDispatcher(claimer, writer, time.Second, 10)
	require.NoError(t, d.processBatch(context.Background()))
	require.Empty(t, writer.messages)
}

func TestDispatcherSurfacesWriteFailure(t *testing.T) {
	claimer := &stubClaimer{runs: []domain.SyncRun{{RunID: "run-1", UserID: "user-1", Provider: "strava"}}}
	writer := &stubWriter{err: errors.New("broker down")}

	d := NewDispatcher(claimer, writer, time.Second, 10)
	require.Error(t, d.processBatch(context.Background()))
}

func TestEnqueuerDedupesPendingTargetedRuns(t *testing.T) {
	ledger := &stubEnqueueLedger{}
	enqueuer := NewEnqueuer(ledger)

	runID, err := enqueuer.EnqueueSync(context.Background(), "strava", "user-1", "778899", 0)
	require.NoError(t, err)
	require.NotEmpty(t, runID)
	require.Len(t, ledger.enqueued, 1)

	// The first run is still pending; a duplicate webhook enqueues nothing.
	ledger.pending = true
	runID, err = enqueuer.EnqueueSync(context.Background(), "strava", "user-1", "778899", 0)
	require.NoError(t, err)
	require.Empty(t, runID)
	require.Len(t, ledger.enqueued, 1)
}

func TestEnqueuerAppliesDelay(t *testing.T) {
	ledger := &stubEnqueueLedger{}
	enqueuer := NewEnqueuer(ledger)

	before := time.Now()
	_, err := enqueuer.EnqueueSync(context.Background(), "strava", "user-1", "", 2*time.Minute)
	require.NoError(t, err)

	require.Len(t, ledger.enqueued, 1)
	require.False(t, ledger.enqueued[0].ScheduledAt.Before(before.Add(2*time.Minute)))
}

type stubClaimer struct {
	runs []domain.SyncRun
}

func (s *stubClaimer) ClaimDue(_ context.Context, _ int) ([]domain.SyncRun, error) {
	runs := s.runs
	s.runs = nil
	return runs, nil
}

type stubWriter struct {
	messages []kafka.Message
	err      error
}

func (s *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msgs...)
	return nil
}

type stubEnqueueLedger struct {
	enqueued []domain.SyncRun
	pending  bool
}

func (s *stubEnqueueLedger) Enqueue(_ context.Context, run domain.SyncRun) error {
	s.enqueued = append(s.enqueued, run)
	return nil
}

func (s *stubEnqueueLedger) HasPendingTargeted(_ context.Context, _, _, _ string) (bool, error) {
	return s.pending, nil
}
