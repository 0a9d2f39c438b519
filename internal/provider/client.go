// Package provider abstracts the external activity services the engine syncs
// from. Implementations normalize provider payloads into a common shape and
// surface rate limiting as a distinguished error so the coordinator can
// reschedule instead of failing.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"example.com/providersync/internal/domain"
)

// Token holds refreshed OAuth credentials.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Activity is the normalized view of one remote activity. Raw retains the
// provider payload verbatim for auditing and re-derivation.
type Activity struct {
	ExternalID     string
	Sport          string
	StartedAt      time.Time
	DurationSec    int
	DistanceM      float64
	ElevationGainM float64
	Raw            json.RawMessage
}

// Client is the per-provider API surface the coordinator depends on.
type Client interface {
	// Key returns the provider key, e.g. "strava".
	Key() string
	// ListActivities returns one page of activities started after since.
	// Pages are 1-based; an empty page signals the end of the listing.
	ListActivities(ctx context.Context, accessToken string, since time.Time, page int) ([]Activity, error)
	// FetchActivity returns the detail for a single remote activity.
	FetchActivity(ctx context.Context, accessToken, externalID string) (*Activity, error)
	// RefreshToken exchanges a refresh token for fresh credentials.
	RefreshToken(ctx context.Context, refreshToken string) (*Token, error)
}

// RateLimitedError signals a provider quota rejection. The coordinator treats
// it as non-terminal and schedules a retry after RetryAfter.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("provider rate limited, retry after %s", e.RetryAfter)
}

// AsRateLimited unwraps err into a RateLimitedError if one is present.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// Registry resolves provider keys to clients.
type Registry struct {
	clients map[string]Client
}

// NewRegistry builds a Registry from the supplied clients.
func NewRegistry(clients ...Client) *Registry {
	m := make(map[string]Client, len(clients))
	for _, c := range clients {
		m[c.Key()] = c
	}
	return &Registry{clients: m}
}

// Client returns the client for key or domain.ErrUnsupportedProvider.
func (r *Registry) Client(key string) (Client, error) {
	c, ok := r.clients[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedProvider, key)
	}
	return c, nil
}

// Supported reports whether key names a registered provider.
func (r *Registry) Supported(key string) bool {
	_, ok := r.clients[key]
	return ok
}
