package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Name identifies a tool the model may invoke mid-stream. The set of
// known names is closed; anything else becomes an UnknownInvocation.
type Name string

const (
	// NameCaptureLead asks the UI to show the lead-qualification form.
	NameCaptureLead Name = "capture_lead"

	// NameBookAppointment asks the UI to start the booking flow. When
	// booking is unavailable it falls back to contact capture.
	NameBookAppointment Name = "book_appointment"
)

// CaptureLeadParams are the model-provided prefill values for the lead
// form. All fields are optional; the visitor confirms before submission.
type CaptureLeadParams struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// BookAppointmentParams carry the model's guess at what the visitor
// wants to book.
type BookAppointmentParams struct {
	Service       string `json:"service,omitempty"`
	PreferredTime string `json:"preferred_time,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

// Invocation is one fully-assembled tool call from the model, decoded
// into the closed union. Exactly one of the typed fields is set for a
// known tool; Unknown holds the raw payload otherwise.
type Invocation struct {
	Name Name

	CaptureLead     *CaptureLeadParams
	BookAppointment *BookAppointmentParams

	// Unknown is set for tool names outside the closed set. Callers log
	// and ignore these rather than failing the turn.
	Unknown *UnknownInvocation

	// Raw is the parameter JSON exactly as assembled from the stream.
	Raw json.RawMessage
}

// UnknownInvocation preserves an unrecognized tool call for logging.
type UnknownInvocation struct {
	Name       string
	Parameters json.RawMessage
}

// IsKnown reports whether the invocation decoded into the closed set.
func (inv *Invocation) IsKnown() bool {
	return inv.Unknown == nil
}

// Decode turns an assembled tool name + parameter JSON into an
// Invocation. Unknown names never return an error; malformed parameters
// for a known name do.
func Decode(name string, params json.RawMessage) (*Invocation, error) {
	inv := &Invocation{Name: Name(name), Raw: params}

	switch Name(name) {
	case NameCaptureLead:
		var p CaptureLeadParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode %s parameters: %w", name, err)
		}
		inv.CaptureLead = &p
	case NameBookAppointment:
		var p BookAppointmentParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode %s parameters: %w", name, err)
		}
		inv.BookAppointment = &p
	default:
		inv.Unknown = &UnknownInvocation{Name: name, Parameters: params}
	}

	return inv, nil
}

// Definition is the schema for one tool, in the shape the model backend
// expects in its tools array.
type Definition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"input_schema"`
}

func schemaFor(v interface{}) *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	return reflector.Reflect(v)
}
