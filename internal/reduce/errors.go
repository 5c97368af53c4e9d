package reduce

import (
	"errors"
	"fmt"
)

// RuleError reports that an update rule rejected an event, e.g. a business
// invariant was violated or the payload failed to decode. It aborts the
// entire Process call; nothing is committed.
type RuleError struct {
	// EventType is the tag of the event the rule rejected.
	EventType string

	// Seq is the sequence the event was being applied at.
	Seq int64

	// Err is the rule's own error, surfaced verbatim.
	Err error
}

// Error implements the error interface.
func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %q at seq %d: %v", e.EventType, e.Seq, e.Err)
}

// Unwrap returns the rule's own error.
func (e *RuleError) Unwrap() error { return e.Err }

// IsRuleError returns true if the error is a rule rejection.
// Uses errors.As to handle wrapped errors.
func IsRuleError(err error) bool {
	var re *RuleError
	return errors.As(err, &re)
}

// UnknownEventError reports an event whose type has no registered rule,
// under the UnknownFail policy.
type UnknownEventError struct {
	Type string
	Seq  int64
}

// Error implements the error interface.
func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("no rule registered for event type %q (seq %d)", e.Type, e.Seq)
}

// IsUnknownEvent returns true if the error is an unknown-event rejection.
func IsUnknownEvent(err error) bool {
	var ue *UnknownEventError
	return errors.As(err, &ue)
}
