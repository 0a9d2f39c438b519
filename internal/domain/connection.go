// Package domain defines the core types and error taxonomy for the provider
// synchronization engine.
package domain

import "time"

// SyncStatus tracks the lifecycle of a sync attempt and the last-known state
// of a connection.
type SyncStatus string

const (
	SyncStatusNone        SyncStatus = "none"
	SyncStatusQueued      SyncStatus = "queued"
	SyncStatusRunning     SyncStatus = "running"
	SyncStatusSuccess     SyncStatus = "success"
	SyncStatusFailed      SyncStatus = "failed"
	SyncStatusRateLimited SyncStatus = "rate_limited"
)

// Terminal reports whether the status ends a sync run. RateLimited is terminal
// for the run itself; the coordinator schedules a fresh queued run to retry.
func (s SyncStatus) Terminal() bool {
	switch s {
	case SyncStatusSuccess, SyncStatusFailed, SyncStatusRateLimited:
		return true
	}
	return false
}

// Connection links a local user to a provider account. At most one Connection
// exists per (user, provider).
type Connection struct {
	UserID            string
	Provider          string
	AccessToken       string
	RefreshToken      string
	TokenExpiresAt    time.Time
	ProviderAthleteID string
	LastSyncStatus    SyncStatus
	LastSyncedAt      *time.Time
	LastSyncError     *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TokenExpired reports whether the access token is expired or expires within
// the supplied skew window.
func (c *Connection) TokenExpired(now time.Time, skew time.Duration) bool {
	if c.TokenExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.TokenExpiresAt)
}
