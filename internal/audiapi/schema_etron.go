package audiapi

import (
	"encoding/json"
	"fmt"

	"github.com/micro-ha/audiconnect/addon/internal/model"
)

const defaultClimateTempC = 21.0

// etronSchema covers electric vehicles: battery fields replace fuel fields,
// charger and climater documents are nested {"content": ...} trees and
// commands other than lock are JSON.
type etronSchema struct{}

func (etronSchema) Level() model.APILevel { return model.APILevelEtron }

func (etronSchema) statusSources() []statusSource {
	return []statusSource{
		vsrStatusSource(func(fields fieldSet, snap *model.VehicleStatusSnapshot) {
			snap.StateOfChargePct = fields.intPtr(fieldStateOfCharge)
			if snap.RangeKm == nil {
				snap.RangeKm = fields.intPtr(fieldPrimaryRange)
			}
		}),
		{
			name:     "charger",
			service:  "bs/batterycharge",
			version:  "v1",
			suffix:   "charger",
			optional: true,
			apply:    applyCharger,
		},
		climaterSource,
	}
}

type chargerResponse struct {
	Charger *struct {
		Settings struct {
			MaxChargeCurrent content `json:"maxChargeCurrent"`
		} `json:"settings"`
		Status struct {
			ChargingStatusData struct {
				ChargingState content `json:"chargingState"`
				ChargingMode  content `json:"chargingMode"`
				ChargingPower content `json:"chargingPower"`
			} `json:"chargingStatusData"`
			BatteryStatusData struct {
				StateOfCharge         content `json:"stateOfCharge"`
				RemainingChargingTime content `json:"remainingChargingTime"`
			} `json:"batteryStatusData"`
			PlugStatusData struct {
				PlugState content `json:"plugState"`
			} `json:"plugStatusData"`
			CruisingRangeStatusData struct {
				PrimaryEngineRange content `json:"primaryEngineRange"`
			} `json:"cruisingRangeStatusData"`
		} `json:"status"`
	} `json:"charger"`
}

func applyCharger(endpoint string, body []byte, snap *model.VehicleStatusSnapshot) error {
	var resp chargerResponse
	if err := decodeJSON(endpoint, body, &resp); err != nil {
		return err
	}
	if resp.Charger == nil {
		return &SchemaMismatchError{Endpoint: endpoint, Detail: "charger missing"}
	}
	status := resp.Charger.Status
	snap.ChargingState = status.ChargingStatusData.ChargingState.Content.String()
	snap.PlugState = status.PlugStatusData.PlugState.Content.String()
	snap.RemainingChargeMin = status.BatteryStatusData.RemainingChargingTime.Content.IntPtr()
	if soc := status.BatteryStatusData.StateOfCharge.Content.IntPtr(); soc != nil {
		snap.StateOfChargePct = soc
	}
	if snap.RangeKm == nil {
		snap.RangeKm = status.CruisingRangeStatusData.PrimaryEngineRange.Content.IntPtr()
	}
	if kw, ok := status.ChargingStatusData.ChargingPower.Content.Int(); ok {
		snap.ChargingPowerKW = model.FloatPtr(float64(kw))
	}
	return nil
}

type etronAction struct {
	Action etronActionBody `json:"action"`
}

type etronActionBody struct {
	Type     string         `json:"type"`
	Settings map[string]any `json:"settings,omitempty"`
}

func (etronSchema) action(kind model.ActionKind, params model.ActionParams) (actionSpec, error) {
	switch kind {
	case model.ActionLock, model.ActionUnlock:
		return lockAction(kind == model.ActionLock)

	case model.ActionStartClimatisation:
		body, err := jsonBody(etronAction{Action: etronActionBody{
			Type:     "startClimatisation",
			Settings: climateSettings(params),
		}})
		if err != nil {
			return actionSpec{}, err
		}
		return climaterActionSpec("application/json", body), nil

	case model.ActionStopClimatisation, model.ActionStartWindowHeating, model.ActionStopWindowHeating:
		body, err := jsonBody(etronAction{Action: etronActionBody{Type: climaterActionType(kind)}})
		if err != nil {
			return actionSpec{}, err
		}
		return climaterActionSpec("application/json", body), nil

	case model.ActionStartCharger, model.ActionStopCharger, model.ActionStartTimedCharger:
		var action etronActionBody
		switch kind {
		case model.ActionStartCharger:
			action = etronActionBody{Type: "start"}
		case model.ActionStopCharger:
			action = etronActionBody{Type: "stop"}
		default:
			action = etronActionBody{
				Type: "selectChargingMode",
				Settings: map[string]any{
					"chargeModeSelection": map[string]any{"value": "timerBasedCharging"},
				},
			}
		}
		body, err := jsonBody(etronAction{Action: action})
		if err != nil {
			return actionSpec{}, err
		}
		return actionSpec{
			service:      "bs/batterycharge",
			version:      "v1",
			suffix:       "charger/actions",
			contentType:  "application/json",
			body:         body,
			requestID:    actionIDFromBody,
			statusSuffix: func(id string) string { return "charger/actions/" + id },
			family:       familyAction,
		}, nil

	default:
		return actionSpec{}, fmt.Errorf("%w: %s on %s", ErrUnsupportedAction, kind, model.APILevelEtron)
	}
}

// climateSettings builds target temperature, glass and seat zone settings.
func climateSettings(params model.ActionParams) map[string]any {
	temp, ok := params.TargetCelsius()
	if !ok {
		temp = defaultClimateTempC
	}

	zones := make([]map[string]any, 0, 4)
	for _, z := range []struct {
		position string
		enabled  bool
	}{
		{"frontLeft", params.SeatFL},
		{"frontRight", params.SeatFR},
		{"rearLeft", params.SeatRL},
		{"rearRight", params.SeatRR},
	} {
		zones = append(zones, map[string]any{
			"value": map[string]any{"isEnabled": z.enabled, "position": z.position},
		})
	}

	return map[string]any{
		"targetTemperature":           celsiusToDeciKelvin(temp),
		"climatisationWithoutHVpower": true,
		"heaterSource":                "electric",
		"climaterElementSettings": map[string]any{
			"isClimatisationAtUnlock": false,
			"isMirrorHeatingEnabled":  params.GlassHeating,
			"zoneSettings":            map[string]any{"zoneSetting": zones},
		},
	}
}

func jsonBody(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode action body: %w", err)
	}
	return out, nil
}
