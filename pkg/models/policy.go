package models

const (
	PolicyTypePersonal  = "personal"
	PolicyTypeTeam      = "team"
	PolicyTypeCorporate = "corporate"
	PolicyTypeFree      = "free"
)

const (
	CustomUnitNameDistance = "Distance"
	DistanceUnitMiles      = "mi"
	DistanceUnitKilometers = "km"
)

type Policy struct {
	ID          string                `json:"id,omitempty"`
	Name        string                `json:"name,omitempty"`
	Type        string                `json:"type,omitempty"`
	Role        string                `json:"role,omitempty"`
	CustomUnits map[string]CustomUnit `json:"customUnits,omitempty"`
}

// Policies is the policy collection keyed by policy ID.
type Policies map[string]Policy

type CustomUnit struct {
	CustomUnitID string               `json:"customUnitID,omitempty"`
	Name         string               `json:"name,omitempty"`
	Attributes   CustomUnitAttributes `json:"attributes"`
	Rates        map[string]Rate      `json:"rates,omitempty"`
}

type CustomUnitAttributes struct {
	Unit string `json:"unit,omitempty"`
}

type Rate struct {
	CustomUnitRateID string `json:"customUnitRateID,omitempty"`
	Name             string `json:"name,omitempty"`
	Rate             int64  `json:"rate,omitempty"`
	Currency         string `json:"currency,omitempty"`
}

// DistanceUnit returns the policy's distance custom unit, if any.
func (p Policy) DistanceUnit() (CustomUnit, bool) {
	for _, unit := range p.CustomUnits {
		if unit.Name == CustomUnitNameDistance {
			return unit, true
		}
	}
	return CustomUnit{}, false
}

// WorkspaceRateAndUnit is the draft reimbursement preference edited from the
// workspace settings pages.
type WorkspaceRateAndUnit struct {
	PolicyID string `json:"policyID,omitempty"`
	Rate     string `json:"rate,omitempty"`
	Unit     string `json:"unit,omitempty"`
}
