package audiapi

import (
	"encoding/xml"
	"fmt"

	"github.com/micro-ha/audiconnect/addon/internal/model"
)

// legacySchema covers combustion vehicles: a flat stored-data field list with
// fuel fields and XML command bodies.
type legacySchema struct{}

func (legacySchema) Level() model.APILevel { return model.APILevelLegacy }

func (legacySchema) statusSources() []statusSource {
	return []statusSource{
		vsrStatusSource(func(fields fieldSet, snap *model.VehicleStatusSnapshot) {
			snap.FuelLevelPct = fields.intPtr(fieldTankLevel)
		}),
		climaterSource,
	}
}

type legacyClimaterAction struct {
	XMLName  xml.Name        `xml:"action"`
	Type     string          `xml:"type"`
	Settings *heaterSettings `xml:"settings,omitempty"`
}

type heaterSettings struct {
	HeaterSource string `xml:"heaterSource"`
}

type preheaterAction struct {
	XMLName    xml.Name        `xml:"http://audi.de/connect/rs performAction"`
	QuickStart *preheaterState `xml:"quickstart,omitempty"`
	QuickStop  *preheaterState `xml:"quickstop,omitempty"`
}

type preheaterState struct {
	Active bool `xml:"active"`
}

func (legacySchema) action(kind model.ActionKind, _ model.ActionParams) (actionSpec, error) {
	switch kind {
	case model.ActionLock, model.ActionUnlock:
		return lockAction(kind == model.ActionLock)

	case model.ActionStartClimatisation:
		body, err := xmlBody(legacyClimaterAction{
			Type:     "startClimatisation",
			Settings: &heaterSettings{HeaterSource: "electric"},
		})
		if err != nil {
			return actionSpec{}, err
		}
		return climaterActionSpec("application/vnd.vwg.mbb.ClimaterAction_v1_0_0+xml;charset=utf-8", body), nil

	case model.ActionStopClimatisation, model.ActionStartWindowHeating, model.ActionStopWindowHeating:
		body, err := xmlBody(legacyClimaterAction{Type: climaterActionType(kind)})
		if err != nil {
			return actionSpec{}, err
		}
		return climaterActionSpec("application/vnd.vwg.mbb.ClimaterAction_v1_0_0+xml", body), nil

	case model.ActionStartPreheater, model.ActionStopPreheater:
		action := preheaterAction{QuickStop: &preheaterState{Active: false}}
		if kind == model.ActionStartPreheater {
			action = preheaterAction{QuickStart: &preheaterState{Active: true}}
		}
		body, err := xmlBody(action)
		if err != nil {
			return actionSpec{}, err
		}
		return actionSpec{
			service:           "bs/rs",
			version:           "v1",
			suffix:            "action",
			contentType:       "application/vnd.vwg.mbb.RemoteStandheizung_v2_0_0+xml",
			body:              body,
			pinOperation:      "rheating_v1/operations/P_QSACT",
			requestID:         preheaterRequestID,
			requestIDOptional: true,
			statusSuffix:      func(id string) string { return "requests/" + id + "/status" },
			family:            familyRequest,
		}, nil

	default:
		return actionSpec{}, fmt.Errorf("%w: %s on %s", ErrUnsupportedAction, kind, model.APILevelLegacy)
	}
}

func climaterActionType(kind model.ActionKind) string {
	switch kind {
	case model.ActionStopClimatisation:
		return "stopClimatisation"
	case model.ActionStartWindowHeating:
		return "startWindowHeating"
	default:
		return "stopWindowHeating"
	}
}

// preheaterRequestID returns "" when the vendor accepted without an id.
func preheaterRequestID(endpoint string, body []byte) (string, error) {
	if len(body) == 0 {
		return "", nil
	}
	var resp struct {
		PerformActionResponse *struct {
			RequestID flexString `json:"requestId"`
		} `json:"performActionResponse"`
	}
	if err := decodeJSON(endpoint, body, &resp); err != nil {
		return "", err
	}
	if resp.PerformActionResponse == nil {
		return "", nil
	}
	return resp.PerformActionResponse.RequestID.String(), nil
}
