package session

import (
	"fmt"
	"strings"

	"github.com/torontoair/dispatch/internal/lead"
	"github.com/torontoair/dispatch/internal/live"
)

const BrandName = "Toronto Air Systems"

// ServiceLocations is the dispatch coverage area.
var ServiceLocations = []string{
	"Old Toronto",
	"Mississauga",
	"Brampton",
	"Georgetown",
	"Etobicoke",
	"North York",
}

// LeadFunctionName is the one function the model may call.
const LeadFunctionName = "update_lead_details"

// Persona is one of the configured phone agents.
type Persona struct {
	ID    string
	Name  string
	Role  string
	Focus string
	Voice string
}

var personas = map[string]Persona{
	"sarah": {
		ID:    "sarah",
		Name:  "Sarah",
		Role:  "Senior Home Comfort Advisor",
		Focus: "Ontario Energy Rebates & Heritage Home Retrofits",
		Voice: "Aoede",
	},
	"marcus": {
		ID:    "marcus",
		Name:  "Marcus",
		Role:  "Dispatch Lead",
		Focus: "Emergency HVAC Response",
		Voice: "Charon",
	},
}

// DefaultPersonaID is used when the caller does not pick an agent.
const DefaultPersonaID = "sarah"

// LookupPersona resolves a persona id, falling back to the default for an
// empty id.
func LookupPersona(id string) (Persona, error) {
	if id == "" {
		id = DefaultPersonaID
	}
	p, ok := personas[strings.ToLower(id)]
	if !ok {
		return Persona{}, fmt.Errorf("unknown persona %q", id)
	}
	return p, nil
}

// SystemInstruction builds the behavioral script for a persona. The text
// is passed upstream verbatim and never interpreted locally.
func (p Persona) SystemInstruction() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, %s at %s, specializing in %s. ", p.Name, p.Role, BrandName, p.Focus)
	fmt.Fprintf(&b, "You answer inbound phone calls from homeowners in %s. ", strings.Join(ServiceLocations, ", "))
	b.WriteString("Speak naturally and briefly, one question at a time. ")
	b.WriteString("Collect the caller's name, phone number, address, the reason for the call ")
	b.WriteString("(emergency, rebate, or general), and their heating source when relevant. ")
	fmt.Fprintf(&b, "Whenever you learn any of these details, call %s with what you have so far. ", LeadFunctionName)
	b.WriteString("For emergencies, reassure the caller that a technician is being dispatched.")
	return b.String()
}

// LeadFunctionDeclaration is the schema offered upstream for lead capture.
// Only type is mandatory; every other field may arrive across later calls.
func LeadFunctionDeclaration() live.FunctionDeclaration {
	return live.FunctionDeclaration{
		Name:        LeadFunctionName,
		Description: "Record or update details about the caller and their service request.",
		Parameters: &live.Schema{
			Type: "object",
			Properties: map[string]*live.Schema{
				"name":    {Type: "string", Description: "Caller's full name."},
				"phone":   {Type: "string", Description: "Caller's phone number."},
				"address": {Type: "string", Description: "Service address."},
				"type": {
					Type:        "string",
					Description: "Nature of the request.",
					Enum:        []string{lead.TypeEmergency, lead.TypeRebate, lead.TypeGeneral},
				},
				"heatingSource": {
					Type:        "string",
					Description: "Home heating source.",
					Enum:        []string{lead.HeatingGas, lead.HeatingOil, lead.HeatingElectric},
				},
			},
			Required: []string{"type"},
		},
	}
}
