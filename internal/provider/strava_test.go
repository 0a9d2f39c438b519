package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStravaListActivitiesNormalizesPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/athlete/activities", r.URL.Path)
		require.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		require.Equal(t, "2", r.URL.Query().Get("page"))
		require.NotEmpty(t, r.URL.Query().Get("after"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id": 812345, "sport_type": "Run", "start_date": "2026-08-01T06:30:00Z", "elapsed_time": 3600, "distance": 10500.5, "total_elevation_gain": 120},
			{"id": 812346, "type": "Ride", "start_date": "2026-08-02T07:00:00Z", "elapsed_time": 5400, "distance": 42000, "total_elevation_gain": 640}
		]`))
	}))
	defer srv.Close()

	client := NewStravaClient(StravaConfig{APIBase: srv.URL})

	activities, err := client.ListActivities(context.Background(), "token-1", time.Now().Add(-24*time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, activities, 2)

	require.Equal(t, "812345", activities[0].ExternalID)
	require.Equal(t, "run", activities[0].Sport)
	require.Equal(t, 3600, activities[0].DurationSec)
	require.InDelta(t, 10500.5, activities[0].DistanceM, 0.01)
	require.NotEmpty(t, activities[0].Raw)

	// sport_type absent falls back to the legacy type field
	require.Equal(t, "ride", activities[1].Sport)
}

func TestStravaRateLimitSurfacesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewStravaClient(StravaConfig{APIBase: srv.URL})

	_, err := client.FetchActivity(context.Background(), "token-1", "812345")
	require.Error(t, err)

	rl, ok := AsRateLimited(err)
	require.True(t, ok)
	require.Equal(t, 120*time.Second, rl.RetryAfter)
}

func TestStravaRateLimitDefaultsWithoutHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewStravaClient(StravaConfig{APIBase: srv.URL})

	_, err := client.ListActivities(context.Background(), "token-1", time.Time{}, 1)
	rl, ok := AsRateLimited(err)
	require.True(t, ok)
	require.Equal(t, stravaDefaultRetryAfter, rl.RetryAfter)
}

func TestStravaRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		require.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))
		require.Equal(t, "client-1", r.PostForm.Get("client_id"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_at":1756500000}`))
	}))
	defer srv.Close()

	client := NewStravaClient(StravaConfig{ClientID: "client-1", ClientSecret: "secret", TokenURL: srv.URL})

	token, err := client.RefreshToken(context.Background(), "old-refresh")
	require.NoError(t, err)
	require.Equal(t, "new-access", token.AccessToken)
	require.Equal(t, "new-refresh", token.RefreshToken)
	require.Equal(t, time.Unix(1756500000, 0).UTC(), token.ExpiresAt)
}

func TestRegistryRejectsUnknownProvider(t *testing.T) {
	registry := NewRegistry(NewStravaClient(StravaConfig{}))

	_, err := registry.Client("garmin")
	require.Error(t, err)
	require.False(t, registry.Supported("garmin"))
	require.True(t, registry.Supported(ProviderStrava))
}
