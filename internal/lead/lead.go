// Package lead holds the customer details the dispatcher extracts during a
// call and the stores that persist them.
package lead

import (
	"errors"
	"strings"
)

// Service request categories the intake flow recognizes.
const (
	TypeEmergency = "emergency"
	TypeRebate    = "rebate"
	TypeGeneral   = "general"
)

// Heating sources relevant for rebate qualification.
const (
	HeatingGas      = "gas"
	HeatingOil      = "oil"
	HeatingElectric = "electric"
)

// ErrMissingType reports a field-extraction call that omitted the one
// mandatory field. The partial fields are still usable.
var ErrMissingType = errors.New("lead update missing type")

// Fields is the intake form. Empty string means not yet captured.
type Fields struct {
	Name          string `json:"name,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Address       string `json:"address,omitempty"`
	Type          string `json:"type,omitempty"`
	HeatingSource string `json:"heatingSource,omitempty"`
}

// Merge overlays update onto f. Fields the update leaves empty keep their
// current value; callers can never erase what an earlier turn captured.
func (f Fields) Merge(update Fields) Fields {
	if update.Name != "" {
		f.Name = update.Name
	}
	if update.Phone != "" {
		f.Phone = update.Phone
	}
	if update.Address != "" {
		f.Address = update.Address
	}
	if update.Type != "" {
		f.Type = update.Type
	}
	if update.HeatingSource != "" {
		f.HeatingSource = update.HeatingSource
	}
	return f
}

// Empty reports whether nothing has been captured yet.
func (f Fields) Empty() bool {
	return f == Fields{}
}

// FieldsFromArgs extracts lead fields from a function-call args object.
// Extraction is best effort: unknown keys and non-string values are
// ignored, and a missing mandatory type yields the partial fields
// alongside ErrMissingType.
func FieldsFromArgs(args map[string]any) (Fields, error) {
	str := func(key string) string {
		v, _ := args[key].(string)
		return strings.TrimSpace(v)
	}
	f := Fields{
		Name:          str("name"),
		Phone:         str("phone"),
		Address:       str("address"),
		Type:          strings.ToLower(str("type")),
		HeatingSource: strings.ToLower(str("heatingSource")),
	}
	if f.Type == "" {
		return f, ErrMissingType
	}
	return f, nil
}
