package escrow

import "fmt"

// The engine rejects with one of a closed set of error kinds so callers can
// branch on the kind rather than parse messages. All are local, synchronous
// rejections except PaymentError, which is retryable by the caller.

// ValidationError reports malformed input. Nothing is persisted when one is
// returned.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "escrow: invalid input: " + e.Reason
}

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// SequenceError reports a completion or dispute attempt against a milestone
// other than the active one. The caller may retry with the active sequence
// number.
type SequenceError struct {
	Active int
	Got    int
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("escrow: milestone %d is not active (active is %d)", e.Got, e.Active)
}

// StateError reports an operation that is invalid for the transaction's
// current status.
type StateError struct {
	Status    Status
	Operation string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("escrow: cannot %s while %s", e.Operation, e.Status)
}

// PaymentError wraps a failed external payment call. Local state is rolled
// back before it is surfaced; the caller decides whether to retry the whole
// operation.
type PaymentError struct {
	Op  string
	Err error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("escrow: payment %s failed: %v", e.Op, e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}
