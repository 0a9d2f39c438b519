// Package api exposes HTTP handlers for the provider sync service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/providersync/internal/auth"
	"example.com/providersync/internal/domain"
	"example.com/providersync/internal/persistence"
	"example.com/providersync/internal/sync"
	"example.com/providersync/internal/webhook"
)

// ConnectionDirectory is the connection surface the handlers need.
type ConnectionDirectory interface {
	Create(ctx context.Context, conn domain.Connection) error
	ListByUser(ctx context.Context, userID string) ([]domain.Connection, error)
	Delete(ctx context.Context, userID, providerKey string) error
}

// RunHistory exposes the sync-run ledger for reads and direct enqueues.
type RunHistory interface {
	Enqueue(ctx context.Context, run domain.SyncRun) error
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.SyncRun, error)
}

// ActivityReader lists mirrored activities.
type ActivityReader interface {
	ListByUser(ctx context.Context, userID string, cursor *persistence.Cursor, limit int) ([]domain.Activity, *persistence.Cursor, error)
}

// SyncRunner executes a sync run inline for the synchronous trigger endpoint.
type SyncRunner interface {
	Run(ctx context.Context, run domain.SyncRun) (sync.Result, error)
}

// WebhookReceiver handles provider push deliveries.
type WebhookReceiver interface {
	VerifySubscription(mode, verifyToken, challenge string) (string, error)
	Receive(ctx context.Context, providerKey string, payload webhook.Payload) (webhook.Result, error)
}

// ProviderCatalog answers which provider keys are configured.
type ProviderCatalog interface {
	Supported(key string) bool
}

// Handler coordinates HTTP requests with the sync engine.
type Handler struct {
	connections ConnectionDirectory
	runs        RunHistory
	activities  ActivityReader
	runner      SyncRunner
	webhooks    WebhookReceiver
	providers   ProviderCatalog
}

// NewHandler builds a Handler.
func NewHandler(connections ConnectionDirectory, runs RunHistory, activities ActivityReader, runner SyncRunner, webhooks WebhookReceiver, providers ProviderCatalog) *Handler {
	return &Handler{
		connections: connections,
		runs:        runs,
		activities:  activities,
		runner:      runner,
		webhooks:    webhooks,
		providers:   providers,
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sync", h.triggerSync)
	mux.HandleFunc("/v1/sync/runs", h.listRuns)
	mux.HandleFunc("/v1/connections", h.connectionCollection)
	mux.HandleFunc("/v1/connections/", h.connectionByProvider)
	mux.HandleFunc("/v1/activities", h.listActivities)
	mux.HandleFunc("/v1/webhooks/", h.webhook)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// WebhookSkipper bypasses bearer auth for provider-facing webhook endpoints;
// those are verified with the subscription token instead.
func WebhookSkipper(r *http.Request) bool {
	if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
		return true
	}
	return strings.HasPrefix(r.URL.Path, "/v1/webhooks/")
}

func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeSyncWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope sync:write required")
		return
	}

	var req TriggerSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	if !h.providers.Supported(req.Provider) {
		writeError(w, http.StatusUnprocessableEntity, "unsupported_provider", "provider is not supported")
		return
	}

	now := time.Now().UTC()
	run := domain.SyncRun{
		RunID:       uuid.NewString(),
		UserID:      claims.Subject,
		Provider:    req.Provider,
		Status:      domain.SyncStatusQueued,
		ScheduledAt: now,
		QueuedAt:    now,
	}
	if err := h.runs.Enqueue(r.Context(), run); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	result, err := h.runner.Run(r.Context(), run)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	if result.Skipped {
		writeError(w, http.StatusConflict, "sync_in_progress", "a sync for this provider is already running")
		return
	}

	resp := TriggerSyncResponse{
		RunID:                 run.RunID,
		Provider:              req.Provider,
		Status:                string(result.Status),
		SyncedActivitiesCount: result.ImportedCount,
		Reason:                result.Reason,
	}
	if result.RetryAfter > 0 {
		seconds := int(result.RetryAfter.Seconds())
		resp.RetryAfterSeconds = &seconds
	}

	switch result.Status {
	case domain.SyncStatusFailed:
		if strings.Contains(result.Reason, "reconnect required") {
			writeJSON(w, http.StatusUnprocessableEntity, resp)
			return
		}
		writeJSON(w, http.StatusBadGateway, resp)
	case domain.SyncStatusRateLimited:
		// The retry run is already queued; the caller just waits.
		writeJSON(w, http.StatusAccepted, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeSyncRead) && !claims.HasScope(auth.ScopeSyncWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope sync:read required")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > 100 {
				parsed = 100
			}
			limit = parsed
		}
	}

	runs, err := h.runs.ListByUser(r.Context(), claims.Subject, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]SyncRunView, 0, len(runs))
	for _, run := range runs {
		items = append(items, toSyncRunView(run))
	}
	writeJSON(w, http.StatusOK, ListSyncRunsResponse{Items: items})
}

func (h *Handler) connectionCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createConnection(w, r)
	case http.MethodGet:
		h.listConnections(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) createConnection(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeSyncWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope sync:write required")
		return
	}

	var req CreateConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	if !h.providers.Supported(req.Provider) {
		writeError(w, http.StatusUnprocessableEntity, "unsupported_provider", "provider is not supported")
		return
	}

	conn := domain.Connection{
		UserID:            claims.Subject,
		Provider:          req.Provider,
		AccessToken:       req.AccessToken,
		RefreshToken:      req.RefreshToken,
		TokenExpiresAt:    req.TokenExpiresAt,
		ProviderAthleteID: req.ProviderAthleteID,
	}
	if err := h.connections.Create(r.Context(), conn); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, ConnectionView{
		Provider:       req.Provider,
		LastSyncStatus: string(domain.SyncStatusNone),
	})
}

func (h *Handler) listConnections(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeSyncRead) && !claims.HasScope(auth.ScopeSyncWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope sync:read required")
		return
	}

	connections, err := h.connections.ListByUser(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]ConnectionView, 0, len(connections))
	for _, conn := range connections {
		items = append(items, toConnectionView(conn))
	}
	writeJSON(w, http.StatusOK, ListConnectionsResponse{Items: items})
}

func (h *Handler) connectionByProvider(w http.ResponseWriter, r *http.Request) {
	providerKey := strings.TrimPrefix(r.URL.Path, "/v1/connections/")
	if providerKey == "" || strings.Contains(providerKey, "/") {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing provider")
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeSyncWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope sync:write required")
		return
	}

	if err := h.connections.Delete(r.Context(), claims.Subject, providerKey); err != nil {
		if errors.Is(err, domain.ErrConnectionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "connection not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeSyncRead) && !claims.HasScope(auth.ScopeSyncWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope sync:read required")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > 100 {
				parsed = 100
			}
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	activities, next, err := h.activities.ListByUser(r.Context(), claims.Subject, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]ActivityView, 0, len(activities))
	for _, activity := range activities {
		items = append(items, toActivityView(activity))
	}
	writeJSON(w, http.StatusOK, ListActivitiesResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	providerKey := strings.TrimPrefix(r.URL.Path, "/v1/webhooks/")
	if providerKey == "" || strings.Contains(providerKey, "/") {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing provider")
		return
	}
	if !h.providers.Supported(providerKey) {
		writeError(w, http.StatusNotFound, "not_found", "unknown provider")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.webhookHandshake(w, r)
	case http.MethodPost:
		h.webhookDelivery(w, r, providerKey)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

// webhookHandshake answers the provider's one-time subscription validation.
func (h *Handler) webhookHandshake(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	challenge, err := h.webhooks.VerifySubscription(
		query.Get("hub.mode"),
		query.Get("hub.verify_token"),
		query.Get("hub.challenge"),
	)
	if err != nil {
		writeError(w, http.StatusForbidden, "verification_failed", "invalid verify token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hub.challenge": challenge})
}

func (h *Handler) webhookDelivery(w http.ResponseWriter, r *http.Request, providerKey string) {
	var payload webhook.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	result, err := h.webhooks.Receive(r.Context(), providerKey, payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	// Providers retry non-2xx responses; duplicates are acknowledged too.
	writeJSON(w, http.StatusOK, WebhookAckResponse{
		Status:      "accepted",
		EventStatus: string(result.EventStatus),
		Duplicate:   result.Duplicate,
	})
}

// TriggerSyncRequest is the payload for POST /v1/sync.
type TriggerSyncRequest struct {
	Provider string `json:"provider"`
}

// Validate ensures request correctness.
func (r TriggerSyncRequest) Validate() error {
	if strings.TrimSpace(r.Provider) == "" {
		return errors.New("provider is required")
	}
	return nil
}

// TriggerSyncResponse describes the outcome of a synchronous sync trigger.
type TriggerSyncResponse struct {
	RunID                 string `json:"run_id"`
	Provider              string `json:"provider"`
	Status                string `json:"status"`
	SyncedActivitiesCount int    `json:"synced_activities_count"`
	Reason                string `json:"reason,omitempty"`
	RetryAfterSeconds     *int   `json:"retry_after_seconds,omitempty"`
}

// CreateConnectionRequest is the payload for POST /v1/connections.
type CreateConnectionRequest struct {
	Provider          string    `json:"provider"`
	AccessToken       string    `json:"access_token"`
	RefreshToken      string    `json:"refresh_token"`
	TokenExpiresAt    time.Time `json:"token_expires_at"`
	ProviderAthleteID string    `json:"provider_athlete_id"`
}

// Validate ensures request correctness.
func (r CreateConnectionRequest) Validate() error {
	if strings.TrimSpace(r.Provider) == "" {
		return errors.New("provider is required")
	}
	if strings.TrimSpace(r.AccessToken) == "" {
		return errors.New("access_token is required")
	}
	if strings.TrimSpace(r.RefreshToken) == "" {
		return errors.New("refresh_token is required")
	}
	return nil
}

// ConnectionView exposes a connection without its credentials.
type ConnectionView struct {
	Provider          string     `json:"provider"`
	ProviderAthleteID string     `json:"provider_athlete_id,omitempty"`
	LastSyncStatus    string     `json:"last_sync_status"`
	LastSyncedAt      *time.Time `json:"last_synced_at,omitempty"`
	LastSyncError     *string    `json:"last_sync_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// ListConnectionsResponse packages connection list results.
type ListConnectionsResponse struct {
	Items []ConnectionView `json:"items"`
}

// SyncRunView exposes one ledger entry.
type SyncRunView struct {
	RunID              string     `json:"run_id"`
	Provider           string     `json:"provider"`
	Status             string     `json:"status"`
	ExternalActivityID string     `json:"external_activity_id,omitempty"`
	ScheduledAt        time.Time  `json:"scheduled_at"`
	QueuedAt           time.Time  `json:"queued_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
	ImportedCount      int        `json:"imported_count"`
	FailureReason      *string    `json:"failure_reason,omitempty"`
}

// ListSyncRunsResponse packages run history results.
type ListSyncRunsResponse struct {
	Items []SyncRunView `json:"items"`
}

// ActivityView exposes one mirrored activity.
type ActivityView struct {
	ActivityID     string    `json:"activity_id"`
	Provider       string    `json:"provider"`
	ExternalID     string    `json:"external_id"`
	Sport          string    `json:"sport"`
	StartedAt      time.Time `json:"started_at"`
	DurationSec    int       `json:"duration_sec"`
	DistanceM      float64   `json:"distance_m"`
	ElevationGainM float64   `json:"elevation_gain_m"`
	SessionID      *string   `json:"session_id,omitempty"`
}

// ListActivitiesResponse packages activity list results.
type ListActivitiesResponse struct {
	Items      []ActivityView `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// WebhookAckResponse acknowledges a webhook delivery.
type WebhookAckResponse struct {
	Status      string `json:"status"`
	EventStatus string `json:"event_status"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toConnectionView(conn domain.Connection) ConnectionView {
	return ConnectionView{
		Provider:          conn.Provider,
		ProviderAthleteID: conn.ProviderAthleteID,
		LastSyncStatus:    string(conn.LastSyncStatus),
		LastSyncedAt:      conn.LastSyncedAt,
		LastSyncError:     conn.LastSyncError,
		CreatedAt:         conn.CreatedAt,
	}
}

func toSyncRunView(run domain.SyncRun) SyncRunView {
	return SyncRunView{
		RunID:              run.RunID,
		Provider:           run.Provider,
		Status:             string(run.Status),
		ExternalActivityID: run.ExternalActivityID,
		ScheduledAt:        run.ScheduledAt,
		QueuedAt:           run.QueuedAt,
		StartedAt:          run.StartedAt,
		FinishedAt:         run.FinishedAt,
		ImportedCount:      run.ImportedCount,
		FailureReason:      run.FailureReason,
	}
}

func toActivityView(activity domain.Activity) ActivityView {
	return ActivityView{
		ActivityID:     activity.ActivityID,
		Provider:       activity.Provider,
		ExternalID:     activity.ExternalID,
		Sport:          activity.Sport,
		StartedAt:      activity.StartedAt,
		DurationSec:    activity.DurationSec,
		DistanceM:      activity.DistanceM,
		ElevationGainM: activity.ElevationGainM,
		SessionID:      activity.SessionID,
	}
}
