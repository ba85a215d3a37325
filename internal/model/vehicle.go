package model

// Capability names a feature group a vehicle exposes.
type Capability string

const (
	CapabilityFuel          Capability = "fuel"
	CapabilityBattery       Capability = "battery"
	CapabilityCharging      Capability = "charging"
	CapabilityLock          Capability = "lock"
	CapabilityClimate       Capability = "climate"
	CapabilityPreheater     Capability = "preheater"
	CapabilityWindowHeating Capability = "window_heating"
	CapabilityPosition      Capability = "position"
)

// Vehicle is discovered once per session from the vendor vehicle list.
type Vehicle struct {
	VIN       string   `json:"vin"`
	CSID      string   `json:"csid,omitempty"`
	Model     string   `json:"model,omitempty"`
	ModelYear int      `json:"model_year,omitempty"`
	Title     string   `json:"title,omitempty"`
	APILevel  APILevel `json:"api_level"`
}

// Capabilities are implied by the API level, never probed.
func (v Vehicle) Capabilities() []Capability {
	if v.APILevel == APILevelEtron {
		return []Capability{
			CapabilityBattery,
			CapabilityCharging,
			CapabilityLock,
			CapabilityClimate,
			CapabilityWindowHeating,
			CapabilityPosition,
		}
	}
	return []Capability{
		CapabilityFuel,
		CapabilityLock,
		CapabilityClimate,
		CapabilityPreheater,
		CapabilityWindowHeating,
		CapabilityPosition,
	}
}

func (v Vehicle) Has(c Capability) bool {
	for _, candidate := range v.Capabilities() {
		if candidate == c {
			return true
		}
	}
	return false
}

// DisplayName prefers the user nickname over the model name.
func (v Vehicle) DisplayName() string {
	if v.Title != "" {
		return v.Title
	}
	if v.Model != "" {
		return v.Model
	}
	return v.VIN
}
