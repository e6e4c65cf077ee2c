package ledger

import (
	"errors"
	"fmt"
)

// Kind classifies a business-rule violation.
type Kind string

const (
	KindNotFound       Kind = "not_found"
	KindInvalidState   Kind = "invalid_state"
	KindExpired        Kind = "expired"
	KindForbidden      Kind = "forbidden"
	KindAmountMismatch Kind = "amount_mismatch"
	KindDuplicate      Kind = "duplicate"
	KindInvalidInput   Kind = "invalid_input"
)

// PreconditionError is returned when a ledger operation is refused.
// Nothing was written except, for KindExpired, the offer's move to EXPIRED.
type PreconditionError struct {
	Kind Kind
	Op   string
	Msg  string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

func precondition(op string, kind Kind, format string, args ...any) *PreconditionError {
	return &PreconditionError{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a PreconditionError of the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *PreconditionError
	return errors.As(err, &pe) && pe.Kind == kind
}

// CascadeError reports the delete step that failed during an asset cascade.
// The enclosing transaction is always rolled back.
type CascadeError struct {
	AssetID string
	Step    string
	Err     error
}

func (e *CascadeError) Error() string {
	return fmt.Sprintf("cascade delete of asset %s failed at %s: %v", e.AssetID, e.Step, e.Err)
}

func (e *CascadeError) Unwrap() error {
	return e.Err
}
