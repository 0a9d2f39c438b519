package domain

import "time"

// SyncRun is the audit record for one sync attempt. Rows are never deleted;
// a rate-limited run is superseded by a new queued run carrying the retry.
type SyncRun struct {
	RunID              string
	UserID             string
	Provider           string
	ExternalActivityID string // non-empty for webhook-triggered targeted syncs
	Status             SyncStatus
	ScheduledAt        time.Time // earliest time the dispatcher may hand the run to a worker
	QueuedAt           time.Time
	DispatchedAt       *time.Time
	StartedAt          *time.Time
	FinishedAt         *time.Time
	ImportedCount      int
	FailureReason      *string
}

// Targeted reports whether the run syncs a single remote activity instead of
// paging through recent history.
func (r *SyncRun) Targeted() bool {
	return r.ExternalActivityID != ""
}
