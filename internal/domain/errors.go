package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound   = errors.New("delivery not found")
	ErrForbidden  = errors.New("delivery belongs to another owner")
	ErrNotPending = errors.New("delivery is not pending")
)

// FieldError describes a validation problem on one request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned for schedule requests rejected before they
// reach the store.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

// Err returns e as an error, or nil when no field failed.
func (e *ValidationError) Err() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// InvalidTransitionError is returned when a mutation would move a delivery
// along an edge the state machine does not allow.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid delivery state transition: %s -> %s (delivery %s)", e.From, e.To, e.ID)
}

// CheckInvariants validates a delivery after a mutation.
func CheckInvariants(d Delivery) error {
	if d.RetryCount < 0 || d.RetryCount > d.MaxRetries {
		return fmt.Errorf("delivery %s: retry count %d outside [0,%d]", d.ID, d.RetryCount, d.MaxRetries)
	}
	if d.Status == StatusPosted && d.ResultID == "" {
		return fmt.Errorf("delivery %s: posted without result id", d.ID)
	}
	if d.Status == StatusPosted && d.WorkItemID != "" {
		return fmt.Errorf("delivery %s: posted but still references work item %s", d.ID, d.WorkItemID)
	}
	if d.Status == StatusFailed && d.Error == nil {
		return fmt.Errorf("delivery %s: failed without error detail", d.ID)
	}
	if d.Status != StatusFailed && d.Error != nil {
		return fmt.Errorf("delivery %s: error detail on %s record", d.ID, d.Status)
	}
	return nil
}
