package model

import "time"

// Position is the last reported parking location.
type Position struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
	ParkedAt   time.Time `json:"parked_at,omitempty"`
}

type OpenState struct {
	Open   *bool `json:"open,omitempty"`
	Locked *bool `json:"locked,omitempty"`
}

type ClimateState struct {
	State        string   `json:"state,omitempty"`
	TargetTempC  *float64 `json:"target_temp_c,omitempty"`
	OutsideTempC *float64 `json:"outside_temp_c,omitempty"`
	WindowHeat   string   `json:"window_heating,omitempty"`
	Preheater    string   `json:"preheater,omitempty"`
}

type ServiceState struct {
	InspectionDays *int `json:"inspection_days,omitempty"`
	InspectionKm   *int `json:"inspection_km,omitempty"`
	OilChangeDays  *int `json:"oil_change_days,omitempty"`
	OilChangeKm    *int `json:"oil_change_km,omitempty"`
}

// VehicleStatusSnapshot is the latest known state of one vehicle.
// Nil pointers mean the vendor did not report the value.
type VehicleStatusSnapshot struct {
	VIN           string    `json:"vin"`
	FetchedAt     time.Time `json:"fetched_at"`
	CarCapturedAt time.Time `json:"car_captured_at,omitempty"`

	OdometerKm         *int     `json:"odometer_km,omitempty"`
	FuelLevelPct       *int     `json:"fuel_level_pct,omitempty"`
	StateOfChargePct   *int     `json:"state_of_charge_pct,omitempty"`
	RangeKm            *int     `json:"range_km,omitempty"`
	ChargingState      string   `json:"charging_state,omitempty"`
	PlugState          string   `json:"plug_state,omitempty"`
	RemainingChargeMin *int     `json:"remaining_charge_min,omitempty"`
	ChargingPowerKW    *float64 `json:"charging_power_kw,omitempty"`

	Locked  *bool                `json:"locked,omitempty"`
	Doors   map[string]OpenState `json:"doors,omitempty"`
	Windows map[string]OpenState `json:"windows,omitempty"`
	Trunk   OpenState            `json:"trunk"`
	Hood    OpenState            `json:"hood"`

	Climate  ClimateState `json:"climate"`
	Service  ServiceState `json:"service"`
	Position *Position    `json:"position,omitempty"`
}

// AnyDoorOpen reports true when at least one door reports open.
func (s VehicleStatusSnapshot) AnyDoorOpen() bool {
	for _, d := range s.Doors {
		if d.Open != nil && *d.Open {
			return true
		}
	}
	return false
}

func (s VehicleStatusSnapshot) AnyWindowOpen() bool {
	for _, w := range s.Windows {
		if w.Open != nil && *w.Open {
			return true
		}
	}
	return false
}

// Merge overlays status fields from a fresh fetch while keeping values the
// fresh fetch did not report, such as a position from a previous cycle.
func (s VehicleStatusSnapshot) Merge(prev *VehicleStatusSnapshot) VehicleStatusSnapshot {
	if prev == nil {
		return s
	}
	if s.Position == nil {
		s.Position = prev.Position
	}
	if s.Climate.State == "" {
		s.Climate = prev.Climate
	}
	if s.ChargingState == "" && prev.ChargingState != "" {
		s.ChargingState = prev.ChargingState
		s.PlugState = prev.PlugState
		s.RemainingChargeMin = prev.RemainingChargeMin
		s.ChargingPowerKW = prev.ChargingPowerKW
	}
	return s
}

func IntPtr(v int) *int { return &v }

func BoolPtr(v bool) *bool { return &v }

func FloatPtr(v float64) *float64 { return &v }
