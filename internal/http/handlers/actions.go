package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/micro-ha/audiconnect/addon/internal/model"
	"github.com/micro-ha/audiconnect/addon/internal/service"
)

type actionPayload struct {
	Action string             `json:"action"`
	Params model.ActionParams `json:"params"`
}

// ListActions returns the last outcome of each action kind run for vin.
func (a *API) ListActions(w http.ResponseWriter, r *http.Request, vin string) {
	outcomes, err := a.service.Outcomes(r.Context(), vin)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": outcomes})
}

// ExecuteAction runs one remote command and waits for its outcome. Busy
// outcomes answer 409, outcomes the vendor never confirmed 202.
func (a *API) ExecuteAction(w http.ResponseWriter, r *http.Request, vin string) {
	var payload actionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	kind, err := model.ParseActionKind(strings.ToLower(strings.TrimSpace(payload.Action)))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown_action", err.Error())
		return
	}

	outcome, err := a.service.Execute(r.Context(), model.ActionRequest{VIN: vin, Kind: kind, Params: payload.Params})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	switch outcome.Status {
	case model.OutcomeBusy:
		writeJSON(w, http.StatusConflict, outcome)
	case model.OutcomeUnknown:
		writeJSON(w, http.StatusAccepted, outcome)
	default:
		writeJSON(w, http.StatusOK, outcome)
	}
}

func allFailed(reports []service.RefreshReport) bool {
	for _, r := range reports {
		if r.Error == "" {
			return false
		}
	}
	return true
}
