package handlers

import "net/http"

func (a *API) ListAccounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": a.service.AccountStatuses()})
}

// ListVehicles returns every available snapshot. Vehicles without one yet
// are omitted.
func (a *API) ListVehicles(w http.ResponseWriter, _ *http.Request) {
	if !a.service.Configured() {
		writeError(w, http.StatusConflict, "integration_not_configured", "Integration not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": a.service.Snapshots()})
}

func (a *API) GetVehicle(w http.ResponseWriter, _ *http.Request, vin string) {
	view, err := a.service.Snapshot(vin)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// RefreshCloud runs one cloud cycle for every account and waits for it.
func (a *API) RefreshCloud(w http.ResponseWriter, r *http.Request) {
	reports, err := a.service.RefreshCloud(r.Context())
	if err != nil && allFailed(reports) {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": reports})
}

func (a *API) RefreshVehicle(w http.ResponseWriter, r *http.Request, vin string) {
	res, err := a.service.RefreshVehicle(r.Context(), vin)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"vehicle": res.View,
		"stale":   res.Stale,
		"warning": res.Warning,
	})
}
