package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrAlreadyFulfilled = errors.New("field already fulfilled")
	ErrStaleState       = errors.New("stale contract state")
	ErrContractClosed   = errors.New("contract closed")
	ErrNotFound         = errors.New("not found")
	ErrFieldNotFound    = errors.New("field not found")
)

// ValidationError names one defect; FieldID is empty for template-level ones.
type ValidationError struct {
	FieldID string `json:"field_id,omitempty"`
	Reason  string `json:"reason"`
}

func (e ValidationError) Error() string {
	if e.FieldID == "" {
		return e.Reason
	}
	return fmt.Sprintf("field %q: %s", e.FieldID, e.Reason)
}

// ValidationErrors carries every defect found, so callers can report all of
// them at once.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	parts := make([]string, 0, len(es))
	for _, e := range es {
		parts = append(parts, e.Error())
	}
	return fmt.Sprintf("%d validation error(s): %s", len(es), strings.Join(parts, "; "))
}

type ResolutionError struct {
	PartyID string
	Reason  string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("party %q: %s", e.PartyID, e.Reason)
}

type PermissionError struct {
	Action string
	Reason string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s denied: %s", strings.ToLower(e.Action), e.Reason)
}

func (e *PermissionError) Is(target error) bool { return target == ErrPermissionDenied }

// DeliveryFault reports a downstream failure after a committed transition.
// It never reverses the transition.
type DeliveryFault struct {
	Target string
	Op     string
	Err    error
}

func (e *DeliveryFault) Error() string {
	return fmt.Sprintf("delivery to %s (%s) failed: %v", e.Target, e.Op, e.Err)
}

func (e *DeliveryFault) Unwrap() error { return e.Err }

// Retryable reports errors a caller may retry after reloading state.
func Retryable(err error) bool {
	return errors.Is(err, ErrStaleState) || errors.Is(err, ErrAlreadyFulfilled)
}
