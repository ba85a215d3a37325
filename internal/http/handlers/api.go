package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/micro-ha/audiconnect/addon/internal/action"
	"github.com/micro-ha/audiconnect/addon/internal/audiapi"
	"github.com/micro-ha/audiconnect/addon/internal/coordinator"
	"github.com/micro-ha/audiconnect/addon/internal/model"
	"github.com/micro-ha/audiconnect/addon/internal/service"
)

// Service is the account registry behind the API.
type Service interface {
	Configured() bool
	Ping(ctx context.Context) error
	AccountStatuses() []coordinator.AccountStatus
	Snapshots() []coordinator.SnapshotView
	Snapshot(vin string) (coordinator.SnapshotView, error)
	RefreshCloud(ctx context.Context) ([]service.RefreshReport, error)
	RefreshVehicle(ctx context.Context, vin string) (coordinator.VehicleRefreshResult, error)
	Execute(ctx context.Context, req model.ActionRequest) (model.ActionOutcome, error)
	Outcomes(ctx context.Context, vin string) ([]model.ActionOutcome, error)
}

// API groups HTTP handlers and dependencies.
type API struct {
	service Service
	metrics http.Handler
	logger  *slog.Logger
}

// New creates HTTP handlers. metrics may be nil.
func New(svc Service, metrics http.Handler, logger *slog.Logger) *API {
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &API{service: svc, metrics: metrics, logger: logger}
}

// Logger returns request logger used by HTTP middleware.
func (a *API) Logger() *slog.Logger {
	return a.logger
}

func (a *API) Metrics() http.Handler {
	return a.metrics
}

// Health reports liveness, storage reachability and configuration status.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "configured": a.service.Configured()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// writeServiceError maps domain errors to HTTP status and error code.
func writeServiceError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if retryAfter, ok := audiapi.IsThrottled(err); ok && retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	}
	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	if _, ok := audiapi.IsThrottled(err); ok {
		return http.StatusTooManyRequests, "throttled"
	}
	switch {
	case errors.Is(err, service.ErrIntegrationNotConfigured):
		return http.StatusConflict, "integration_not_configured"
	case errors.Is(err, coordinator.ErrSnapshotUnavailable):
		return http.StatusNotFound, "snapshot_unavailable"
	case errors.Is(err, coordinator.ErrUnknownVehicle):
		return http.StatusNotFound, "unknown_vehicle"
	case errors.Is(err, service.ErrAuthFailed), audiapi.IsAuth(err):
		return http.StatusServiceUnavailable, "auth_failed"
	case errors.Is(err, action.ErrUnknownAction):
		return http.StatusBadRequest, "unknown_action"
	case errors.Is(err, action.ErrNotCapable):
		return http.StatusUnprocessableEntity, "not_capable"
	case errors.Is(err, audiapi.ErrPINRequired):
		return http.StatusUnprocessableEntity, "pin_required"
	case audiapi.IsPermission(err):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, coordinator.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	case audiapi.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case audiapi.IsTransient(err), audiapi.IsSchemaMismatch(err):
		return http.StatusBadGateway, "vendor_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
