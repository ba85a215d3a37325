package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/micro-ha/audiconnect/addon/internal/audiapi"
	"github.com/micro-ha/audiconnect/addon/internal/coordinator"
	"github.com/micro-ha/audiconnect/addon/internal/http/handlers"
	"github.com/micro-ha/audiconnect/addon/internal/model"
	"github.com/micro-ha/audiconnect/addon/internal/service"
)

const testVIN = "WAUZZZ4G7EN123456"

type fakeService struct {
	configured bool
	pingErr    error
	snapshot   func(vin string) (coordinator.SnapshotView, error)
	refresh    func(ctx context.Context) ([]service.RefreshReport, error)
	execute    func(ctx context.Context, req model.ActionRequest) (model.ActionOutcome, error)
	lastReq    model.ActionRequest
}

func (f *fakeService) Configured() bool { return f.configured }

func (f *fakeService) Ping(context.Context) error { return f.pingErr }

func (f *fakeService) Snapshots() []coordinator.SnapshotView { return nil }

func (f *fakeService) AccountStatuses() []coordinator.AccountStatus {
	return []coordinator.AccountStatus{{Account: "a@example.com", Health: coordinator.HealthOK}}
}

func (f *fakeService) Snapshot(vin string) (coordinator.SnapshotView, error) {
	return f.snapshot(vin)
}

func (f *fakeService) RefreshCloud(ctx context.Context) ([]service.RefreshReport, error) {
	return f.refresh(ctx)
}

func (f *fakeService) RefreshVehicle(_ context.Context, vin string) (coordinator.VehicleRefreshResult, error) {
	return coordinator.VehicleRefreshResult{
		View:    coordinator.SnapshotView{Vehicle: model.Vehicle{VIN: vin}},
		Stale:   true,
		Warning: "vehicle did not report new data after 10 attempts",
	}, nil
}

func (f *fakeService) Execute(ctx context.Context, req model.ActionRequest) (model.ActionOutcome, error) {
	f.lastReq = req
	return f.execute(ctx, req)
}

func (f *fakeService) Outcomes(context.Context, string) ([]model.ActionOutcome, error) {
	return []model.ActionOutcome{{VIN: testVIN, Kind: model.ActionLock, Status: model.OutcomeSucceeded}}, nil
}

func newTestRouter(svc *fakeService) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "audiconnect_action_total 0\n")
	})
	return NewRouter(handlers.New(svc, metrics, logger))
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return payload.Error.Code
}

func TestGetVehicleStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"ok", nil, http.StatusOK, ""},
		{"not yet refreshed", coordinator.ErrSnapshotUnavailable, http.StatusNotFound, "snapshot_unavailable"},
		{"unknown vehicle", fmt.Errorf("%w: ***", coordinator.ErrUnknownVehicle), http.StatusNotFound, "unknown_vehicle"},
		{"auth broken", service.ErrAuthFailed, http.StatusServiceUnavailable, "auth_failed"},
		{"not configured", service.ErrIntegrationNotConfigured, http.StatusConflict, "integration_not_configured"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{configured: true, snapshot: func(vin string) (coordinator.SnapshotView, error) {
				if tt.err != nil {
					return coordinator.SnapshotView{}, tt.err
				}
				return coordinator.SnapshotView{Vehicle: model.Vehicle{VIN: vin}}, nil
			}}
			rec := do(t, newTestRouter(svc), http.MethodGet, "/api/vehicles/"+testVIN, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantCode != "" && errorCode(t, rec) != tt.wantCode {
				t.Fatalf("code = %q, want %q", errorCode(t, rec), tt.wantCode)
			}
		})
	}
}

func TestExecuteActionStatuses(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		outcome    model.OutcomeStatus
		err        error
		wantStatus int
	}{
		{"succeeded", `{"action":"lock"}`, model.OutcomeSucceeded, nil, http.StatusOK},
		{"busy", `{"action":"unlock"}`, model.OutcomeBusy, nil, http.StatusConflict},
		{"unknown outcome", `{"action":"start_climatisation","params":{"temp_c":21}}`, model.OutcomeUnknown, nil, http.StatusAccepted},
		{"pin missing", `{"action":"lock"}`, model.OutcomeFailed, audiapi.ErrPINRequired, http.StatusUnprocessableEntity},
		{"unknown action", `{"action":"honk"}`, "", nil, http.StatusBadRequest},
		{"bad json", `{`, "", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{configured: true, execute: func(_ context.Context, req model.ActionRequest) (model.ActionOutcome, error) {
				return model.ActionOutcome{VIN: req.VIN, Kind: req.Kind, Status: tt.outcome}, tt.err
			}}
			rec := do(t, newTestRouter(svc), http.MethodPost, "/api/vehicles/"+testVIN+"/actions", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestExecuteActionPassesParams(t *testing.T) {
	svc := &fakeService{configured: true, execute: func(_ context.Context, req model.ActionRequest) (model.ActionOutcome, error) {
		return model.ActionOutcome{Status: model.OutcomeSucceeded}, nil
	}}
	do(t, newTestRouter(svc), http.MethodPost, "/api/vehicles/"+testVIN+"/actions", `{"action":"Start_Climatisation","params":{"temp_c":22.5,"seat_fl":true}}`)

	req := svc.lastReq
	if req.VIN != testVIN || req.Kind != model.ActionStartClimatisation || !req.Params.SeatFL {
		t.Fatalf("unexpected request: %+v", req)
	}
	if c, ok := req.Params.TargetCelsius(); !ok || c != 22.5 {
		t.Fatalf("unexpected target temperature: %v %v", c, ok)
	}
}

func TestRefreshCloud(t *testing.T) {
	t.Run("partial failure still reports", func(t *testing.T) {
		svc := &fakeService{configured: true, refresh: func(context.Context) ([]service.RefreshReport, error) {
			return []service.RefreshReport{
				{Account: "a", Updated: []string{testVIN}},
				{Account: "b", Error: "authentication failed"},
			}, &audiapi.AuthError{}
		}}
		rec := do(t, newTestRouter(svc), http.MethodPost, "/api/refresh", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
		}
	})
	t.Run("throttled", func(t *testing.T) {
		svc := &fakeService{configured: true, refresh: func(context.Context) ([]service.RefreshReport, error) {
			return []service.RefreshReport{{Account: "a", Error: "throttled"}}, &audiapi.ThrottledError{RetryAfter: 90 * time.Second}
		}}
		rec := do(t, newTestRouter(svc), http.MethodPost, "/api/refresh", "")
		if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "90" {
			t.Fatalf("status = %d retry-after = %q", rec.Code, rec.Header().Get("Retry-After"))
		}
	})
}

func TestMiscRoutes(t *testing.T) {
	svc := &fakeService{configured: true}
	h := newTestRouter(svc)

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/accounts", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"health":"ok"`) {
		t.Fatalf("accounts = %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/api/vehicles/"+testVIN+"/actions", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"kind":"lock"`) {
		t.Fatalf("actions = %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, "/api/vehicles/"+testVIN+"/refresh", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"stale":true`) {
		t.Fatalf("vehicle refresh = %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/metrics", ""); !strings.Contains(rec.Body.String(), "audiconnect_action_total") {
		t.Fatalf("metrics not served: %s", rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/ingress/abc/api/accounts", nil)
	req.Header.Set("X-Ingress-Path", "/ingress/abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("ingress prefix not stripped: %d", rec.Code)
	}

	svc.pingErr = errors.New("disk full")
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded healthz status = %d", rec.Code)
	}
}
