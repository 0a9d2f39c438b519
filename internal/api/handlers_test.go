package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"example.com/providersync/internal/auth"
	"example.com/providersync/internal/domain"
	"example.com/providersync/internal/persistence"
	"example.com/providersync/internal/sync"
	"example.com/providersync/internal/webhook"
)

func TestTriggerSyncSuccess(t *testing.T) {
	runs := &mockRuns{}
	runner := &mockRunner{result: sync.Result{Status: domain.SyncStatusSuccess, ImportedCount: 3}}
	handler := newTestHandler(runs, runner, &mockWebhooks{})

	rr := do(handler, authorized(postJSON("/v1/sync", `{"provider":"strava"}`), auth.ScopeSyncWrite))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp TriggerSyncResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.SyncedActivitiesCount != 3 {
		t.Fatalf("expected 3 synced activities got %d", resp.SyncedActivitiesCount)
	}
	if resp.Status != "success" {
		t.Fatalf("unexpected status %q", resp.Status)
	}
	if len(runs.enqueued) != 1 {
		t.Fatalf("expected 1 enqueued run got %d", len(runs.enqueued))
	}
	if runs.enqueued[0].UserID != "user-1" {
		t.Fatalf("run enqueued for wrong user %q", runs.enqueued[0].UserID)
	}
	if runner.ran == nil || runner.ran.RunID != runs.enqueued[0].RunID {
		t.Fatalf("runner did not receive the enqueued run")
	}
}

func TestTriggerSyncRateLimitedIsAccepted(t *testing.T) {
	runner := &mockRunner{result: sync.Result{
		Status:     domain.SyncStatusRateLimited,
		RetryAfter: 120 * time.Second,
		Reason:     "provider rate limited, retrying in 120 seconds",
	}}
	handler := newTestHandler(&mockRuns{}, runner, &mockWebhooks{})

	rr := do(handler, authorized(postJSON("/v1/sync", `{"provider":"strava"}`), auth.ScopeSyncWrite))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rr.Code, rr.Body.String())
	}
	var resp TriggerSyncResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.RetryAfterSeconds == nil || *resp.RetryAfterSeconds != 120 {
		t.Fatalf("expected retry_after_seconds 120 got %v", resp.RetryAfterSeconds)
	}
}

func TestTriggerSyncConflictWhenAlreadyRunning(t *testing.T) {
	runner := &mockRunner{result: sync.Result{Skipped: true}}
	handler := newTestHandler(&mockRuns{}, runner, &mockWebhooks{})

	rr := do(handler, authorized(postJSON("/v1/sync", `{"provider":"strava"}`), auth.ScopeSyncWrite))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rr.Code)
	}
}

func TestTriggerSyncMissingCredentialsIsUnprocessable(t *testing.T) {
	runner := &mockRunner{result: sync.Result{
		Status: domain.SyncStatusFailed,
		Reason: "provider credentials missing, reconnect required",
	}}
	handler := newTestHandler(&mockRuns{}, runner, &mockWebhooks{})

	rr := do(handler, authorized(postJSON("/v1/sync", `{"provider":"strava"}`), auth.ScopeSyncWrite))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestTriggerSyncRejectsUnsupportedProvider(t *testing.T) {
	handler := newTestHandler(&mockRuns{}, &mockRunner{}, &mockWebhooks{})

	rr := do(handler, authorized(postJSON("/v1/sync", `{"provider":"zwift"}`), auth.ScopeSyncWrite))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d", rr.Code)
	}
}

func TestTriggerSyncRequiresWriteScope(t *testing.T) {
	handler := newTestHandler(&mockRuns{}, &mockRunner{}, &mockWebhooks{})

	rr := do(handler, authorized(postJSON("/v1/sync", `{"provider":"strava"}`), auth.ScopeSyncRead))

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}

func TestWebhookHandshakeEchoesChallenge(t *testing.T) {
	handler := newTestHandler(&mockRuns{}, &mockRunner{}, &mockWebhooks{challenge: "15f7d1a9"})

	req := httptest.NewRequest(http.MethodGet,
		"/v1/webhooks/strava?hub.mode=subscribe&hub.verify_token=secret&hub.challenge=15f7d1a9", nil)
	rr := do(handler, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["hub.challenge"] != "15f7d1a9" {
		t.Fatalf("challenge not echoed: %v", resp)
	}
}

func TestWebhookHandshakeRejectsBadToken(t *testing.T) {
	handler := newTestHandler(&mockRuns{}, &mockRunner{}, &mockWebhooks{verifyErr: webhook.ErrVerificationFailed})

	req := httptest.NewRequest(http.MethodGet,
		"/v1/webhooks/strava?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=x", nil)
	rr := do(handler, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}

func TestWebhookDeliveryIsAcknowledged(t *testing.T) {
	webhooks := &mockWebhooks{result: webhook.Result{EventStatus: domain.WebhookProcessed}}
	handler := newTestHandler(&mockRuns{}, &mockRunner{}, webhooks)

	body := `{"object_type":"activity","object_id":778899,"aspect_type":"create","owner_id":4242,"event_time":1756000000}`
	rr := do(handler, postJSON("/v1/webhooks/strava", body))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	var resp WebhookAckResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "accepted" || resp.EventStatus != "processed" {
		t.Fatalf("unexpected ack %+v", resp)
	}
	if webhooks.received == nil || webhooks.received.ObjectID != 778899 {
		t.Fatalf("payload not forwarded: %+v", webhooks.received)
	}
}

func TestWebhookUnknownProviderIsNotFound(t *testing.T) {
	handler := newTestHandler(&mockRuns{}, &mockRunner{}, &mockWebhooks{})

	rr := do(handler, postJSON("/v1/webhooks/zwift", `{}`))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

func TestListActivitiesReturnsCursor(t *testing.T) {
	started := time.Date(2026, time.August, 20, 7, 0, 0, 0, time.UTC)
	activities := &mockActivities{
		items: []domain.Activity{{
			ActivityID: "act-1",
			Provider:   "strava",
			ExternalID: "778899",
			Sport:      "ride",
			StartedAt:  started,
		}},
		next: &persistence.Cursor{StartedAt: started, ID: "act-1"},
	}
	handler := NewHandler(&mockConnections{}, &mockRuns{}, activities, &mockRunner{}, &mockWebhooks{}, stubCatalog{})

	rr := do(handler, authorized(httptest.NewRequest(http.MethodGet, "/v1/activities?limit=1", nil), auth.ScopeSyncRead))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	var resp ListActivitiesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].ExternalID != "778899" {
		t.Fatalf("unexpected items %+v", resp.Items)
	}
	if resp.NextCursor == "" {
		t.Fatalf("expected a next cursor")
	}
}

func TestDeleteConnectionNotFound(t *testing.T) {
	connections := &mockConnections{deleteErr: domain.ErrConnectionNotFound}
	handler := NewHandler(connections, &mockRuns{}, &mockActivities{}, &mockRunner{}, &mockWebhooks{}, stubCatalog{})

	req := httptest.NewRequest(http.MethodDelete, "/v1/connections/strava", nil)
	rr := do(handler, authorized(req, auth.ScopeSyncWrite))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

func TestCreateConnection(t *testing.T) {
	connections := &mockConnections{}
	handler := NewHandler(connections, &mockRuns{}, &mockActivities{}, &mockRunner{}, &mockWebhooks{}, stubCatalog{})

	body := `{"provider":"strava","access_token":"at","refresh_token":"rt","provider_athlete_id":"4242"}`
	rr := do(handler, authorized(postJSON("/v1/connections", body), auth.ScopeSyncWrite))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rr.Code, rr.Body.String())
	}
	if len(connections.created) != 1 {
		t.Fatalf("expected 1 created connection got %d", len(connections.created))
	}
	if connections.created[0].UserID != "user-1" || connections.created[0].ProviderAthleteID != "4242" {
		t.Fatalf("unexpected connection %+v", connections.created[0])
	}
}

func newTestHandler(runs *mockRuns, runner *mockRunner, webhooks *mockWebhooks) *Handler {
	return NewHandler(&mockConnections{}, runs, &mockActivities{}, runner, webhooks, stubCatalog{})
}

func do(handler *Handler, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func postJSON(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func authorized(req *http.Request, scopes ...string) *http.Request {
	claims := &auth.Claims{
		Subject:   "user-1",
		Scopes:    map[string]struct{}{},
		ExpiresAt: time.Now().Add(time.Hour),
	}
	for _, scope := range scopes {
		claims.Scopes[scope] = struct{}{}
	}
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

type stubCatalog struct{}

func (stubCatalog) Supported(key string) bool { return key == "strava" }

type mockConnections struct {
	created   []domain.Connection
	items     []domain.Connection
	deleteErr error
}

func (m *mockConnections) Create(_ context.Context, conn domain.Connection) error {
	m.created = append(m.created, conn)
	return nil
}

func (m *mockConnections) ListByUser(_ context.Context, _ string) ([]domain.Connection, error) {
	return m.items, nil
}

func (m *mockConnections) Delete(_ context.Context, _, _ string) error {
	return m.deleteErr
}

type mockRuns struct {
	enqueued []domain.SyncRun
	items    []domain.SyncRun
}

func (m *mockRuns) Enqueue(_ context.Context, run domain.SyncRun) error {
	m.enqueued = append(m.enqueued, run)
	return nil
}

func (m *mockRuns) ListByUser(_ context.Context, _ string, _ int) ([]domain.SyncRun, error) {
	return m.items, nil
}

type mockActivities struct {
	items []domain.Activity
	next  *persistence.Cursor
}

func (m *mockActivities) ListByUser(_ context.Context, _ string, _ *persistence.Cursor, _ int) ([]domain.Activity, *persistence.Cursor, error) {
	return m.items, m.next, nil
}

type mockRunner struct {
	result sync.Result
	ran    *domain.SyncRun
}

func (m *mockRunner) Run(_ context.Context, run domain.SyncRun) (sync.Result, error) {
	m.ran = &run
	return m.result, nil
}

type mockWebhooks struct {
	challenge string
	verifyErr error
	result    webhook.Result
	received  *webhook.Payload
}

func (m *mockWebhooks) VerifySubscription(_, _, challenge string) (string, error) {
	if m.verifyErr != nil {
		return "", m.verifyErr
	}
	if m.challenge != "" {
		return m.challenge, nil
	}
	return challenge, nil
}

func (m *mockWebhooks) Receive(_ context.Context, _ string, payload webhook.Payload) (webhook.Result, error) {
	m.received = &payload
	return m.result, nil
}
