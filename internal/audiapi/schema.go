package audiapi

import (
	"encoding/xml"
	"fmt"

	"github.com/micro-ha/audiconnect/addon/internal/model"
)

// Schema isolates the request and response shapes of one api level. It is
// chosen once per client from the configured level.
type Schema interface {
	Level() model.APILevel
	statusSources() []statusSource
	action(kind model.ActionKind, params model.ActionParams) (actionSpec, error)
}

// SchemaFor returns the schema variant of level.
func SchemaFor(level model.APILevel) (Schema, error) {
	switch level {
	case model.APILevelLegacy:
		return legacySchema{}, nil
	case model.APILevelEtron:
		return etronSchema{}, nil
	default:
		return nil, fmt.Errorf("unsupported api level %d", int(level))
	}
}

// statusSource is one vendor document contributing to a snapshot.
type statusSource struct {
	name    string
	service string
	version string
	suffix  string
	// optional sources are skipped when the vehicle is not entitled to them.
	optional bool
	apply    func(endpoint string, body []byte, snap *model.VehicleStatusSnapshot) error
}

type statusFamily int

const (
	// familyRequest reports requestStatusResponse.status.
	familyRequest statusFamily = iota
	// familyAction reports action.actionState.
	familyAction
)

// actionSpec describes how to send one command and follow it.
type actionSpec struct {
	service     string
	version     string
	suffix      string
	contentType string
	body        []byte
	// pinOperation is the rolesrights operation path when an S-PIN is required.
	pinOperation string
	requestID    func(endpoint string, body []byte) (string, error)
	// requestIDOptional marks commands the vendor may accept without an id.
	requestIDOptional bool
	statusSuffix      func(id string) string
	family            statusFamily
}

var (
	vsrStatusSource = func(apply func(fieldSet, *model.VehicleStatusSnapshot)) statusSource {
		return statusSource{
			name:    "stored_vehicle_data",
			service: "bs/vsr",
			version: "v1",
			suffix:  "status",
			apply: func(endpoint string, body []byte, snap *model.VehicleStatusSnapshot) error {
				fields, captured, err := parseStoredFields(endpoint, body)
				if err != nil {
					return err
				}
				snap.CarCapturedAt = captured
				applyCommonFields(fields, snap)
				apply(fields, snap)
				return nil
			},
		}
	}

	climaterSource = statusSource{
		name:     "climater",
		service:  "bs/climatisation",
		version:  "v1",
		suffix:   "climater",
		optional: true,
		apply:    applyClimater,
	}
)

type rluAction struct {
	XMLName xml.Name `xml:"http://audi.de/connect/rlu rluAction"`
	Action  string   `xml:"action"`
}

// lockAction is shared by both levels; remote lock is XML everywhere.
func lockAction(lock bool) (actionSpec, error) {
	op, verb := "UNLOCK", "unlock"
	if lock {
		op, verb = "LOCK", "lock"
	}
	body, err := xmlBody(rluAction{Action: verb})
	if err != nil {
		return actionSpec{}, err
	}
	return actionSpec{
		service:      "bs/rlu",
		version:      "v1",
		suffix:       "actions",
		contentType:  "application/vnd.vwg.mbb.RemoteLockUnlock_v1_0_0+xml",
		body:         body,
		pinOperation: "rlu_v1/operations/" + op,
		requestID: func(endpoint string, body []byte) (string, error) {
			var resp struct {
				RluActionResponse *struct {
					RequestID flexString `json:"requestId"`
				} `json:"rluActionResponse"`
			}
			if err := decodeJSON(endpoint, body, &resp); err != nil {
				return "", err
			}
			if resp.RluActionResponse == nil || resp.RluActionResponse.RequestID.String() == "" {
				return "", &SchemaMismatchError{Endpoint: endpoint, Detail: "rluActionResponse.requestId missing"}
			}
			return resp.RluActionResponse.RequestID.String(), nil
		},
		statusSuffix: func(id string) string { return "requests/" + id + "/status" },
		family:       familyRequest,
	}, nil
}

// actionIDFromBody reads action.actionId used by charger and climater commands.
func actionIDFromBody(endpoint string, body []byte) (string, error) {
	var resp struct {
		Action *struct {
			ActionID flexString `json:"actionId"`
		} `json:"action"`
	}
	if err := decodeJSON(endpoint, body, &resp); err != nil {
		return "", err
	}
	if resp.Action == nil || resp.Action.ActionID.String() == "" {
		return "", &SchemaMismatchError{Endpoint: endpoint, Detail: "action.actionId missing"}
	}
	return resp.Action.ActionID.String(), nil
}

func climaterActionSpec(contentType string, body []byte) actionSpec {
	return actionSpec{
		service:      "bs/climatisation",
		version:      "v1",
		suffix:       "climater/actions",
		contentType:  contentType,
		body:         body,
		requestID:    actionIDFromBody,
		statusSuffix: func(id string) string { return "climater/actions/" + id },
		family:       familyAction,
	}
}

func xmlBody(v any) ([]byte, error) {
	out, err := xml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode action body: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}
