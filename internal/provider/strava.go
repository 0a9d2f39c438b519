package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// ProviderStrava is the registry key for the Strava client.
	ProviderStrava = "strava"

	stravaAPIBase   = "https://www.strava.com/api/v3"
	stravaTokenURL  = "https://www.strava.com/oauth/token"
	stravaPageSize  = 50
	// Strava quotas reset on 15-minute boundaries; used when the 429 response
	// carries no Retry-After header.
	stravaDefaultRetryAfter = 15 * time.Minute
)

// StravaConfig holds OAuth application credentials and optional overrides.
type StravaConfig struct {
	ClientID     string
	ClientSecret string
	APIBase      string // defaults to the public API, overridable in tests
	TokenURL     string
	Timeout      time.Duration
}

// StravaClient implements Client against the Strava v3 API.
type StravaClient struct {
	cfg  StravaConfig
	http *http.Client
}

// NewStravaClient constructs a StravaClient.
func NewStravaClient(cfg StravaConfig) *StravaClient {
	if cfg.APIBase == "" {
		cfg.APIBase = stravaAPIBase
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = stravaTokenURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &StravaClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Key returns the registry key.
func (c *StravaClient) Key() string { return ProviderStrava }

// stravaActivity mirrors the fields of a Strava activity summary we consume.
type stravaActivity struct {
	ID                 int64     `json:"id"`
	SportType          string    `json:"sport_type"`
	Type               string    `json:"type"`
	StartDate          time.Time `json:"start_date"`
	ElapsedTime        int       `json:"elapsed_time"`
	Distance           float64   `json:"distance"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
}

// ListActivities fetches one page of athlete activities started after since.
func (c *StravaClient) ListActivities(ctx context.Context, accessToken string, since time.Time, page int) ([]Activity, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("after", strconv.FormatInt(since.Unix(), 10))
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(stravaPageSize))

	endpoint := fmt.Sprintf("%s/athlete/activities?%s", c.cfg.APIBase, q.Encode())
	body, err := c.doGet(ctx, endpoint, accessToken, "list_activities")
	if err != nil {
		return nil, err
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("strava: decode activity page: %w", err)
	}

	activities := make([]Activity, 0, len(raws))
	for _, raw := range raws {
		act, err := normalizeStravaActivity(raw)
		if err != nil {
			return nil, err
		}
		activities = append(activities, act)
	}
	return activities, nil
}

// FetchActivity fetches the detail for a single activity.
func (c *StravaClient) FetchActivity(ctx context.Context, accessToken, externalID string) (*Activity, error) {
	endpoint := fmt.Sprintf("%s/activities/%s", c.cfg.APIBase, url.PathEscape(externalID))
	body, err := c.doGet(ctx, endpoint, accessToken, "fetch_activity")
	if err != nil {
		return nil, err
	}

	act, err := normalizeStravaActivity(body)
	if err != nil {
		return nil, err
	}
	return &act, nil
}

// RefreshToken exchanges the refresh token for new credentials.
func (c *StravaClient) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		recordAPICall(ProviderStrava, "refresh_token", "transport_error")
		return nil, fmt.Errorf("strava: token refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		recordAPICall(ProviderStrava, "refresh_token", "rate_limited")
		return nil, &RateLimitedError{RetryAfter: retryAfterFromHeader(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		recordAPICall(ProviderStrava, "refresh_token", "error")
		return nil, fmt.Errorf("strava: token refresh rejected with status %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("strava: decode token response: %w", err)
	}

	recordAPICall(ProviderStrava, "refresh_token", "ok")
	return &Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    time.Unix(payload.ExpiresAt, 0).UTC(),
	}, nil
}

func (c *StravaClient) doGet(ctx context.Context, endpoint, accessToken, op string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		recordAPICall(ProviderStrava, op, "transport_error")
		return nil, fmt.Errorf("strava: %s request: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		recordAPICall(ProviderStrava, op, "rate_limited")
		return nil, &RateLimitedError{RetryAfter: retryAfterFromHeader(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		recordAPICall(ProviderStrava, op, "error")
		return nil, fmt.Errorf("strava: %s returned status %d", op, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("strava: read %s response: %w", op, err)
	}
	recordAPICall(ProviderStrava, op, "ok")
	return body, nil
}

func normalizeStravaActivity(raw json.RawMessage) (Activity, error) {
	var sa stravaActivity
	if err := json.Unmarshal(raw, &sa); err != nil {
		return Activity{}, fmt.Errorf("strava: decode activity: %w", err)
	}
	sport := sa.SportType
	if sport == "" {
		sport = sa.Type
	}
	return Activity{
		ExternalID:     strconv.FormatInt(sa.ID, 10),
		Sport:          strings.ToLower(sport),
		StartedAt:      sa.StartDate.UTC(),
		DurationSec:    sa.ElapsedTime,
		DistanceM:      sa.Distance,
		ElevationGainM: sa.TotalElevationGain,
		Raw:            append(json.RawMessage(nil), raw...),
	}, nil
}

func retryAfterFromHeader(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return stravaDefaultRetryAfter
}
