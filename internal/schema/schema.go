// Package schema validates inbound event payloads against a CUE facet
// definition. A definition file names the facet and declares one payload
// schema per event type:
//
//	facet: "account"
//
//	events: {
//		deposited: {amount: int & >0}
//		withdrawn: {amount: int & >0}
//	}
//
// Uses the CUE SDK's Go API directly (not a CLI subprocess). A compiled
// Definition satisfies the facade's PayloadValidator and is immutable
// after compilation.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
)

// ErrUnknownEvent marks a payload whose event type has no declared schema.
// Callers decide whether that is fatal; see Lenient.
var ErrUnknownEvent = errors.New("no schema for event type")

// SchemaError reports a payload that failed validation against its
// declared schema.
type SchemaError struct {
	// EventType is the tag of the offending event.
	EventType string

	// Message carries the CUE validation details.
	Message string
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	return fmt.Sprintf("event %q: %s", e.EventType, e.Message)
}

// IsSchemaError returns true if the error is a payload validation failure.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// Definition is a compiled facet definition.
type Definition struct {
	cc     *cue.Context
	facet  string
	events map[string]cue.Value
}

// Load reads and compiles a facet definition file.
func Load(path string) (*Definition, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load definition: %w", err)
	}
	return Compile(source, path)
}

// Compile parses a facet definition from CUE source. filename is used for
// error positions only.
func Compile(source []byte, filename string) (*Definition, error) {
	cc := cuecontext.New()
	v := cc.CompileBytes(source, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile definition: %s", cueerrors.Details(err, nil))
	}

	facetVal := v.LookupPath(cue.ParsePath("facet"))
	if !facetVal.Exists() {
		return nil, fmt.Errorf("compile definition: %s: facet is required", filename)
	}
	facet, err := facetVal.String()
	if err != nil {
		return nil, fmt.Errorf("compile definition: facet: %s", cueerrors.Details(err, nil))
	}

	eventsVal := v.LookupPath(cue.ParsePath("events"))
	if !eventsVal.Exists() {
		return nil, fmt.Errorf("compile definition: %s: events is required", filename)
	}

	events := make(map[string]cue.Value)
	iter, err := eventsVal.Fields()
	if err != nil {
		return nil, fmt.Errorf("compile definition: events: %s", cueerrors.Details(err, nil))
	}
	for iter.Next() {
		events[iter.Selector().Unquoted()] = iter.Value()
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("compile definition: %s: at least one event schema is required", filename)
	}

	return &Definition{cc: cc, facet: facet, events: events}, nil
}

// Facet returns the facet name this definition covers.
func (d *Definition) Facet() string { return d.facet }

// EventTypes returns the declared event types, sorted.
func (d *Definition) EventTypes() []string {
	types := make([]string, 0, len(d.events))
	for t := range d.events {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate unifies the payload with the event type's schema and reports
// whether the result is concrete and consistent. An event type without a
// declared schema returns ErrUnknownEvent (wrapped).
func (d *Definition) Validate(eventType string, payload json.RawMessage) error {
	schemaVal, ok := d.events[eventType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
	}

	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	expr, err := cuejson.Extract(eventType, payload)
	if err != nil {
		return &SchemaError{EventType: eventType, Message: fmt.Sprintf("invalid JSON: %v", err)}
	}

	unified := schemaVal.Unify(d.cc.BuildExpr(expr))
	if err := unified.Validate(cue.Concrete(true), cue.Final()); err != nil {
		return &SchemaError{EventType: eventType, Message: cueerrors.Details(err, nil)}
	}
	return nil
}

// Lenient wraps the definition so that undeclared event types pass
// validation instead of failing. Use it when the reducer's unknown-event
// policy is to ignore, so both layers agree on what an unknown type means.
func (d *Definition) Lenient() *LenientValidator {
	return &LenientValidator{def: d}
}

// LenientValidator validates declared event types and waves the rest
// through.
type LenientValidator struct {
	def *Definition
}

// Validate implements the facade's PayloadValidator.
func (v *LenientValidator) Validate(eventType string, payload json.RawMessage) error {
	err := v.def.Validate(eventType, payload)
	if errors.Is(err, ErrUnknownEvent) {
		return nil
	}
	return err
}
