package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique identifier for specific error conditions in Vigil.
// Event results carry the code as their integer status.
type ErrorCode int

const (
	ErrCodeUnknown       ErrorCode = 1000
	ErrCodeConfigInvalid ErrorCode = 1001

	// Queue level
	ErrCodeInvalidEvent  ErrorCode = 2001
	ErrCodeUnknownDevice ErrorCode = 2002
	ErrCodeOutOfMemory   ErrorCode = 2003
	ErrCodeInterrupted   ErrorCode = 2004

	// Lifecycle
	ErrCodeBusy              ErrorCode = 3001
	ErrCodeTimeout           ErrorCode = 3002
	ErrCodeInvalidTransition ErrorCode = 3003

	// Transport
	ErrCodeTransportFailure ErrorCode = 4001

	// Contract violations
	ErrCodeFatal ErrorCode = 5001

	// MLO groups
	ErrCodeGroupBusy    ErrorCode = 6001
	ErrCodeUnknownGroup ErrorCode = 6002
	ErrCodeGroupFull    ErrorCode = 6003
)

var codeNames = map[ErrorCode]string{
	ErrCodeUnknown:           "unknown",
	ErrCodeConfigInvalid:     "config_invalid",
	ErrCodeInvalidEvent:      "invalid_event",
	ErrCodeUnknownDevice:     "unknown_device",
	ErrCodeOutOfMemory:       "out_of_memory",
	ErrCodeInterrupted:       "interrupted",
	ErrCodeBusy:              "busy",
	ErrCodeTimeout:           "timeout",
	ErrCodeInvalidTransition: "invalid_transition",
	ErrCodeTransportFailure:  "transport_failure",
	ErrCodeFatal:             "fatal",
	ErrCodeGroupBusy:         "group_busy",
	ErrCodeUnknownGroup:      "unknown_group",
	ErrCodeGroupFull:         "group_full",
}

// String returns the short stable name of the code.
func (c ErrorCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("code_%d", int(c))
}

// Sentinels for errors.Is comparisons. Matching is by code only, so any
// VigilError carrying the same code satisfies errors.Is(err, ErrBusy).
var (
	ErrInvalidEvent      = &VigilError{Code: ErrCodeInvalidEvent, Msg: "invalid event"}
	ErrUnknownDevice     = &VigilError{Code: ErrCodeUnknownDevice, Msg: "unknown device"}
	ErrOutOfMemory       = &VigilError{Code: ErrCodeOutOfMemory, Msg: "out of memory"}
	ErrInterrupted       = &VigilError{Code: ErrCodeInterrupted, Msg: "interrupted"}
	ErrBusy              = &VigilError{Code: ErrCodeBusy, Msg: "busy"}
	ErrTimeout           = &VigilError{Code: ErrCodeTimeout, Msg: "timeout"}
	ErrInvalidTransition = &VigilError{Code: ErrCodeInvalidTransition, Msg: "invalid transition"}
	ErrTransportFailure  = &VigilError{Code: ErrCodeTransportFailure, Msg: "transport failure"}
	ErrFatal             = &VigilError{Code: ErrCodeFatal, Msg: "fatal"}
	ErrGroupBusy         = &VigilError{Code: ErrCodeGroupBusy, Msg: "group busy"}
	ErrUnknownGroup      = &VigilError{Code: ErrCodeUnknownGroup, Msg: "unknown group"}
	ErrGroupFull         = &VigilError{Code: ErrCodeGroupFull, Msg: "group full"}
	ErrConfigInvalid     = &VigilError{Code: ErrCodeConfigInvalid, Msg: "invalid config"}
)

// VigilError is a custom error type that provides structured error information,
// including an error code, the operation being performed, and the underlying cause.
type VigilError struct {
	// Code is the specific error code.
	Code ErrorCode
	// Msg is a human-readable description of the error.
	Msg string
	// Operation describes the action being performed when the error occurred.
	Operation string
	// Err is the underlying error that caused this error, if any.
	Err error
}

// Error returns a formatted string representation of the error.
func (e *VigilError) Error() string {
	op := e.Operation
	if op == "" {
		op = e.Code.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %s (cause: %v)", e.Code, op, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, op, e.Msg)
}

// Unwrap returns the underlying error.
func (e *VigilError) Unwrap() error {
	return e.Err
}

// Is matches any VigilError carrying the same code.
func (e *VigilError) Is(target error) bool {
	t, ok := target.(*VigilError)
	return ok && t.Code == e.Code
}

// New creates a new VigilError with the specified code, operation, message, and underlying error.
func New(code ErrorCode, op, msg string, err error) error {
	return &VigilError{
		Code:      code,
		Msg:       msg,
		Operation: op,
		Err:       err,
	}
}

// Newf is New with a formatted message and no cause.
func Newf(code ErrorCode, op, format string, args ...any) error {
	return New(code, op, fmt.Sprintf(format, args...), nil)
}

// Transport wraps an error returned by the bus transport. A nil err stays nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *VigilError
	if stderrors.As(err, &ve) {
		return err
	}
	return New(ErrCodeTransportFailure, op, "transport call failed", err)
}

// CodeOf extracts the integer status for err: 0 for nil, the carried code
// for VigilErrors and ErrCodeUnknown for anything else.
func CodeOf(err error) int {
	if err == nil {
		return 0
	}
	var ve *VigilError
	if stderrors.As(err, &ve) {
		return int(ve.Code)
	}
	return int(ErrCodeUnknown)
}

// Personal.AI order the ending
