package domain

import (
	"encoding/json"
	"time"
)

// Activity is the local mirror of one remote provider activity.
// (provider, external_id) is unique among non-deleted rows.
type Activity struct {
	ActivityID     string
	UserID         string
	Provider       string
	ExternalID     string
	Sport          string
	StartedAt      time.Time
	DurationSec    int
	DistanceM      float64
	ElevationGainM float64
	Payload        json.RawMessage
	SessionID      *string // optional link to a planned training session
	DeletedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
