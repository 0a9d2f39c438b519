// Package queue moves sync work from durable queued runs to workers: the
// Enqueuer records runs, the Dispatcher drains due runs onto Kafka, and the
// Processor consumes them and drives the coordinator.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"example.com/providersync/internal/domain"
)

// Job is the Kafka message body naming one unit of sync work.
type Job struct {
	RunID              string `json:"run_id"`
	UserID             string `json:"user_id"`
	Provider           string `json:"provider"`
	ExternalActivityID string `json:"external_activity_id,omitempty"`
}

// Run reconstructs the sync run the job names. The authoritative state lives
// in the ledger; the coordinator re-checks it before doing work.
func (j Job) Run() domain.SyncRun {
	return domain.SyncRun{
		RunID:              j.RunID,
		UserID:             j.UserID,
		Provider:           j.Provider,
		ExternalActivityID: j.ExternalActivityID,
		Status:             domain.SyncStatusQueued,
	}
}

func encodeJob(run domain.SyncRun) (kafka.Message, error) {
	body, err := json.Marshal(Job{
		RunID:              run.RunID,
		UserID:             run.UserID,
		Provider:           run.Provider,
		ExternalActivityID: run.ExternalActivityID,
	})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		// Keyed by connection so one partition serializes each (user, provider).
		Key:   []byte(fmt.Sprintf("%s:%s", run.UserID, run.Provider)),
		Value: body,
	}, nil
}

func decodeJob(msg kafka.Message) (Job, error) {
	var job Job
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		return Job{}, fmt.Errorf("decode sync job: %w", err)
	}
	if job.RunID == "" || job.UserID == "" || job.Provider == "" {
		return Job{}, fmt.Errorf("sync job missing required fields")
	}
	return job, nil
}
