package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAssignee indicates the acting signer does not own the field.
	ErrNotAssignee = errors.New("field not assigned to this signer")
	// ErrEnvelopeNotActive indicates the envelope is not accepting signer actions.
	ErrEnvelopeNotActive = errors.New("envelope not active")
	// ErrSignerNotFound indicates no signer with the given email or token.
	ErrSignerNotFound = errors.New("signer not found")
	// ErrFieldNotFound indicates no field with the given id.
	ErrFieldNotFound = errors.New("field not found")
	// ErrSignLinkExpired indicates a signer's magic-link token has expired.
	ErrSignLinkExpired = errors.New("sign link expired")
)

// ValidationError rejects malformed envelope, signer, or field input before
// any persisted mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// InvalidTransitionError identifies an attempted state change that violates
// the machine: wrong actor, wrong state, or terminal envelope. The attempt
// never partially mutates state.
type InvalidTransitionError struct {
	From   EnvelopeStatus
	Action string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s envelope in status %s: %s", e.Action, e.From, e.Reason)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var te *InvalidTransitionError
	return errors.As(err, &te)
}

func invalidTransition(from EnvelopeStatus, action, reason string) error {
	return &InvalidTransitionError{From: from, Action: action, Reason: reason}
}
