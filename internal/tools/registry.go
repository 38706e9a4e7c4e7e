package tools

import (
	"fmt"
	"sync"
)

// Registry manages the tool definitions advertised to the model.
type Registry struct {
	defs map[Name]Definition
	mu   sync.RWMutex
}

// NewRegistry creates a registry preloaded with the built-in tools.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[Name]Definition)}

	r.defs[NameCaptureLead] = Definition{
		Name:        string(NameCaptureLead),
		Description: "Show the visitor a contact form to capture their details for a human follow-up. Use when the visitor expresses buying intent or asks to talk to a person.",
		InputSchema: schemaFor(&CaptureLeadParams{}),
	}
	r.defs[NameBookAppointment] = Definition{
		Name:        string(NameBookAppointment),
		Description: "Start the appointment booking flow for the visitor. Falls back to contact capture when no calendar is connected.",
		InputSchema: schemaFor(&BookAppointmentParams{}),
	}

	return r
}

// Register adds a custom tool definition.
func (r *Registry) Register(def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := Name(def.Name)
	if _, exists := r.defs[name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}

	r.defs[name] = def
	return nil
}

// Get retrieves a definition by name.
func (r *Registry) Get(name Name) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.defs[name]
	return def, exists
}

// Definitions returns all definitions for inclusion in a model request.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	definitions := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		definitions = append(definitions, def)
	}

	return definitions
}
