package model

import (
	"fmt"
	"time"
)

// ActionKind names a remote command.
type ActionKind string

const (
	ActionLock               ActionKind = "lock"
	ActionUnlock             ActionKind = "unlock"
	ActionStartClimatisation ActionKind = "start_climatisation"
	ActionStopClimatisation  ActionKind = "stop_climatisation"
	ActionStartCharger       ActionKind = "start_charger"
	ActionStartTimedCharger  ActionKind = "start_timed_charger"
	ActionStopCharger        ActionKind = "stop_charger"
	ActionStartPreheater     ActionKind = "start_preheater"
	ActionStopPreheater      ActionKind = "stop_preheater"
	ActionStartWindowHeating ActionKind = "start_window_heating"
	ActionStopWindowHeating  ActionKind = "stop_window_heating"
)

// ActionCategory groups actions that change the same vendor-side state.
type ActionCategory string

const (
	CategoryLock      ActionCategory = "lock"
	CategoryClimate   ActionCategory = "climate"
	CategoryCharging  ActionCategory = "charging"
	CategoryPreheater ActionCategory = "preheater"
)

type actionInfo struct {
	category   ActionCategory
	capability Capability
	pin        bool
}

// The vendor only challenges lock and preheater operations for an S-PIN;
// climate and charging requests carry no security token.
var actionTable = map[ActionKind]actionInfo{
	ActionLock:               {CategoryLock, CapabilityLock, true},
	ActionUnlock:             {CategoryLock, CapabilityLock, true},
	ActionStartClimatisation: {CategoryClimate, CapabilityClimate, false},
	ActionStopClimatisation:  {CategoryClimate, CapabilityClimate, false},
	ActionStartCharger:       {CategoryCharging, CapabilityCharging, false},
	ActionStartTimedCharger:  {CategoryCharging, CapabilityCharging, false},
	ActionStopCharger:        {CategoryCharging, CapabilityCharging, false},
	ActionStartPreheater:     {CategoryPreheater, CapabilityPreheater, true},
	ActionStopPreheater:      {CategoryPreheater, CapabilityPreheater, true},
	ActionStartWindowHeating: {CategoryClimate, CapabilityWindowHeating, false},
	ActionStopWindowHeating:  {CategoryClimate, CapabilityWindowHeating, false},
}

// ParseActionKind validates a host supplied action name.
func ParseActionKind(raw string) (ActionKind, error) {
	kind := ActionKind(raw)
	if _, ok := actionTable[kind]; !ok {
		return "", fmt.Errorf("unknown action %q", raw)
	}
	return kind, nil
}

func (k ActionKind) Known() bool {
	_, ok := actionTable[k]
	return ok
}

func (k ActionKind) Category() ActionCategory {
	return actionTable[k].category
}

func (k ActionKind) Capability() Capability {
	return actionTable[k].capability
}

// RequiresPIN reports whether the vendor demands an S-PIN challenge.
func (k ActionKind) RequiresPIN() bool {
	return actionTable[k].pin
}

// ActionKinds lists all actions in a stable order.
func ActionKinds() []ActionKind {
	return []ActionKind{
		ActionLock, ActionUnlock,
		ActionStartClimatisation, ActionStopClimatisation,
		ActionStartCharger, ActionStartTimedCharger, ActionStopCharger,
		ActionStartPreheater, ActionStopPreheater,
		ActionStartWindowHeating, ActionStopWindowHeating,
	}
}

// ActionParams carries optional command parameters.
type ActionParams struct {
	TargetTempC  *float64 `json:"temp_c,omitempty"`
	TargetTempF  *float64 `json:"temp_f,omitempty"`
	GlassHeating bool     `json:"glass,omitempty"`
	SeatFL       bool     `json:"seat_fl,omitempty"`
	SeatFR       bool     `json:"seat_fr,omitempty"`
	SeatRL       bool     `json:"seat_rl,omitempty"`
	SeatRR       bool     `json:"seat_rr,omitempty"`
	DurationMin  int      `json:"duration_min,omitempty"`
}

// TargetCelsius resolves the requested temperature, converting Fahrenheit if needed.
func (p ActionParams) TargetCelsius() (float64, bool) {
	if p.TargetTempC != nil {
		return *p.TargetTempC, true
	}
	if p.TargetTempF != nil {
		return (*p.TargetTempF - 32) * 5 / 9, true
	}
	return 0, false
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestSucceeded RequestStatus = "succeeded"
	RequestFailed    RequestStatus = "failed"
	RequestTimedOut  RequestStatus = "timed_out"
)

// ActionRequest tracks one issued command until it is terminal.
type ActionRequest struct {
	VIN       string        `json:"vin"`
	Kind      ActionKind    `json:"kind"`
	Params    ActionParams  `json:"params"`
	RequestID string        `json:"request_id,omitempty"`
	Status    RequestStatus `json:"status,omitempty"`
}

type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeBusy      OutcomeStatus = "busy"
	OutcomeUnknown   OutcomeStatus = "unknown"
)

// ActionOutcome is what the host sees for a finished Execute call.
type ActionOutcome struct {
	VIN        string        `json:"vin"`
	Kind       ActionKind    `json:"kind"`
	RequestID  string        `json:"request_id,omitempty"`
	Status     OutcomeStatus `json:"status"`
	Message    string        `json:"message,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}
