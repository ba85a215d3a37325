package audiapi

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/micro-ha/audiconnect/addon/internal/model"
)

// Stored vehicle data field ids.
const (
	fieldMileage          = "0x0101010002"
	fieldOilChangeKm      = "0x0203010001"
	fieldOilChangeDays    = "0x0203010002"
	fieldInspectionKm     = "0x0203010003"
	fieldInspectionDays   = "0x0203010004"
	fieldOutsideTemp      = "0x0301020001"
	fieldStateOfCharge    = "0x0301030002"
	fieldTotalRange       = "0x0301030005"
	fieldPrimaryRange     = "0x0301030006"
	fieldTankLevel        = "0x030103000A"
	fieldLockLeftFront    = "0x0301040001"
	fieldOpenLeftFront    = "0x0301040002"
	fieldLockLeftRear     = "0x0301040004"
	fieldOpenLeftRear     = "0x0301040005"
	fieldLockRightFront   = "0x0301040007"
	fieldOpenRightFront   = "0x0301040008"
	fieldLockRightRear    = "0x030104000A"
	fieldOpenRightRear    = "0x030104000B"
	fieldLockTrunk        = "0x030104000D"
	fieldOpenTrunk        = "0x030104000E"
	fieldLockHood         = "0x0301040010"
	fieldOpenHood         = "0x0301040011"
	fieldWindowLeftFront  = "0x0301050001"
	fieldWindowLeftRear   = "0x0301050003"
	fieldWindowRightFront = "0x0301050005"
	fieldWindowRightRear  = "0x0301050007"
)

const (
	lockedValue = "2"
	closedValue = "3"
)

var doorFields = []struct {
	name string
	lock string
	open string
}{
	{"left_front", fieldLockLeftFront, fieldOpenLeftFront},
	{"left_rear", fieldLockLeftRear, fieldOpenLeftRear},
	{"right_front", fieldLockRightFront, fieldOpenRightFront},
	{"right_rear", fieldLockRightRear, fieldOpenRightRear},
}

var windowFields = []struct {
	name  string
	field string
}{
	{"left_front", fieldWindowLeftFront},
	{"left_rear", fieldWindowLeftRear},
	{"right_front", fieldWindowRightFront},
	{"right_rear", fieldWindowRightRear},
}

// flexString accepts JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) String() string { return strings.TrimSpace(string(f)) }

func (f flexString) Int() (int, bool) {
	s := f.String()
	if s == "" {
		return 0, false
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v, true
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return int(math.Round(v)), true
	}
	return 0, false
}

func (f flexString) IntPtr() *int {
	if v, ok := f.Int(); ok {
		return &v
	}
	return nil
}

// content is the vendor {"content": ...} wrapper.
type content struct {
	Content flexString `json:"content"`
}

type vsrField struct {
	ID            string     `json:"id"`
	Value         flexString `json:"value"`
	Unit          string     `json:"unit"`
	TsCarCaptured string     `json:"tsCarCaptured"`
	TsCarSent     string     `json:"tsCarSent"`
}

type vehicleDataResponse struct {
	VIN         string `json:"vin"`
	VehicleData *struct {
		Data []struct {
			ID    string     `json:"id"`
			Field []vsrField `json:"field"`
		} `json:"data"`
	} `json:"vehicleData"`
}

type storedVehicleDataEnvelope struct {
	Stored    *vehicleDataResponse `json:"StoredVehicleDataResponse"`
	ByRequest *vehicleDataResponse `json:"CurrentVehicleDataByRequestResponse"`
}

type fieldSet map[string]vsrField

func (f fieldSet) value(id string) (flexString, bool) {
	field, ok := f[id]
	if !ok || field.Value.String() == "" {
		return "", false
	}
	return field.Value, true
}

func (f fieldSet) intPtr(id string) *int {
	v, ok := f.value(id)
	if !ok {
		return nil
	}
	return v.IntPtr()
}

func (f fieldSet) is(id, want string) *bool {
	v, ok := f.value(id)
	if !ok {
		return nil
	}
	return model.BoolPtr(v.String() == want)
}

func (f fieldSet) isNot(id, want string) *bool {
	v, ok := f.value(id)
	if !ok {
		return nil
	}
	return model.BoolPtr(v.String() != want)
}

// parseStoredFields flattens the stored vehicle data field groups.
func parseStoredFields(endpoint string, body []byte) (fieldSet, time.Time, error) {
	var env storedVehicleDataEnvelope
	if err := decodeJSON(endpoint, body, &env); err != nil {
		return nil, time.Time{}, err
	}
	resp := env.Stored
	if resp == nil {
		resp = env.ByRequest
	}
	if resp == nil {
		return nil, time.Time{}, &SchemaMismatchError{Endpoint: endpoint, Detail: "StoredVehicleDataResponse missing"}
	}
	if resp.VehicleData == nil {
		return nil, time.Time{}, &SchemaMismatchError{Endpoint: endpoint, Detail: "vehicleData missing"}
	}

	fields := fieldSet{}
	var captured time.Time
	for _, group := range resp.VehicleData.Data {
		for _, field := range group.Field {
			if field.ID == "" {
				continue
			}
			fields[field.ID] = field
			if ts, err := time.Parse(time.RFC3339, field.TsCarCaptured); err == nil && ts.After(captured) {
				captured = ts
			}
		}
	}
	return fields, captured.UTC(), nil
}

// applyCommonFields maps the fields both api levels report.
func applyCommonFields(fields fieldSet, snap *model.VehicleStatusSnapshot) {
	snap.OdometerKm = fields.intPtr(fieldMileage)
	snap.RangeKm = fields.intPtr(fieldTotalRange)

	doors := map[string]model.OpenState{}
	var lockSeen, allLocked = false, true
	for _, d := range doorFields {
		state := model.OpenState{
			Locked: fields.is(d.lock, lockedValue),
			Open:   fields.isNot(d.open, closedValue),
		}
		if state.Locked == nil && state.Open == nil {
			continue
		}
		if state.Locked != nil {
			lockSeen = true
			allLocked = allLocked && *state.Locked
		}
		doors[d.name] = state
	}
	if len(doors) > 0 {
		snap.Doors = doors
	}

	snap.Trunk = model.OpenState{Locked: fields.is(fieldLockTrunk, lockedValue), Open: fields.isNot(fieldOpenTrunk, closedValue)}
	snap.Hood = model.OpenState{Locked: fields.is(fieldLockHood, lockedValue), Open: fields.isNot(fieldOpenHood, closedValue)}
	if snap.Trunk.Locked != nil {
		lockSeen = true
		allLocked = allLocked && *snap.Trunk.Locked
	}
	if lockSeen {
		snap.Locked = model.BoolPtr(allLocked)
	}

	windows := map[string]model.OpenState{}
	for _, w := range windowFields {
		if open := fields.isNot(w.field, closedValue); open != nil {
			windows[w.name] = model.OpenState{Open: open}
		}
	}
	if len(windows) > 0 {
		snap.Windows = windows
	}

	if v, ok := fields.value(fieldOutsideTemp); ok {
		if dk, ok := v.Int(); ok {
			snap.Climate.OutsideTempC = model.FloatPtr(deciKelvinToCelsius(dk))
		}
	}

	snap.Service = model.ServiceState{
		InspectionDays: absPtr(fields.intPtr(fieldInspectionDays)),
		InspectionKm:   absPtr(fields.intPtr(fieldInspectionKm)),
		OilChangeDays:  absPtr(fields.intPtr(fieldOilChangeDays)),
		OilChangeKm:    absPtr(fields.intPtr(fieldOilChangeKm)),
	}
}

func deciKelvinToCelsius(dk int) float64 {
	return math.Round((float64(dk)/10-273.15)*10) / 10
}

func celsiusToDeciKelvin(c float64) int {
	return int(math.Round((c + 273.15) * 10))
}

// The vendor reports remaining service distance and time as negative numbers.
func absPtr(v *int) *int {
	if v == nil {
		return nil
	}
	if *v < 0 {
		return model.IntPtr(-*v)
	}
	return v
}

type climaterResponse struct {
	Climater *struct {
		Settings struct {
			TargetTemperature content `json:"targetTemperature"`
			HeaterSource      content `json:"heaterSource"`
		} `json:"settings"`
		Status struct {
			ClimatisationStatusData struct {
				ClimatisationState content `json:"climatisationState"`
			} `json:"climatisationStatusData"`
			TemperatureStatusData struct {
				OutdoorTemperature content `json:"outdoorTemperature"`
			} `json:"temperatureStatusData"`
			WindowHeatingStatusData struct {
				WindowHeatingStateFront content `json:"windowHeatingStateFront"`
				WindowHeatingStateRear  content `json:"windowHeatingStateRear"`
			} `json:"windowHeatingStatusData"`
		} `json:"status"`
	} `json:"climater"`
}

func applyClimater(endpoint string, body []byte, snap *model.VehicleStatusSnapshot) error {
	var resp climaterResponse
	if err := decodeJSON(endpoint, body, &resp); err != nil {
		return err
	}
	if resp.Climater == nil {
		return &SchemaMismatchError{Endpoint: endpoint, Detail: "climater missing"}
	}
	c := resp.Climater
	snap.Climate.State = c.Status.ClimatisationStatusData.ClimatisationState.Content.String()
	if dk, ok := c.Settings.TargetTemperature.Content.Int(); ok {
		snap.Climate.TargetTempC = model.FloatPtr(deciKelvinToCelsius(dk))
	}
	if dk, ok := c.Status.TemperatureStatusData.OutdoorTemperature.Content.Int(); ok && snap.Climate.OutsideTempC == nil {
		snap.Climate.OutsideTempC = model.FloatPtr(deciKelvinToCelsius(dk))
	}
	front := c.Status.WindowHeatingStatusData.WindowHeatingStateFront.Content.String()
	rear := c.Status.WindowHeatingStatusData.WindowHeatingStateRear.Content.String()
	switch {
	case front == "on" || rear == "on":
		snap.Climate.WindowHeat = "on"
	case front != "" || rear != "":
		snap.Climate.WindowHeat = "off"
	}
	return nil
}

type positionResponse struct {
	FindCarResponse *struct {
		Position *struct {
			CarCoordinate *struct {
				Latitude  int64 `json:"latitude"`
				Longitude int64 `json:"longitude"`
			} `json:"carCoordinate"`
			TimestampCarSentUTC string `json:"timestampCarSentUTC"`
		} `json:"Position"`
		ParkingTimeUTC string `json:"parkingTimeUTC"`
	} `json:"findCarResponse"`
}

func parsePosition(endpoint string, body []byte) (model.Position, error) {
	var resp positionResponse
	if err := decodeJSON(endpoint, body, &resp); err != nil {
		return model.Position{}, err
	}
	if resp.FindCarResponse == nil || resp.FindCarResponse.Position == nil || resp.FindCarResponse.Position.CarCoordinate == nil {
		return model.Position{}, &SchemaMismatchError{Endpoint: endpoint, Detail: "findCarResponse.Position.carCoordinate missing"}
	}
	p := resp.FindCarResponse.Position
	out := model.Position{
		Latitude:  float64(p.CarCoordinate.Latitude) / 1e6,
		Longitude: float64(p.CarCoordinate.Longitude) / 1e6,
	}
	out.CapturedAt = parseVendorTime(p.TimestampCarSentUTC)
	out.ParkedAt = parseVendorTime(resp.FindCarResponse.ParkingTimeUTC)
	return out, nil
}

func parseVendorTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05-0700"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
