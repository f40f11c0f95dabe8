package engine

import "fmt"

// ErrorKind classifies command failures.
type ErrorKind int

const (
	// ErrValidation - missing or ill-typed parameter; no state touched.
	ErrValidation ErrorKind = iota
	// ErrPrecondition - account missing, insufficient funds/holdings, no
	// pending intent, no armed trigger; no state touched.
	ErrPrecondition
	// ErrUpstream - quote oracle unreachable or malformed.
	ErrUpstream
	// ErrInternal - a store mutation deviated from the expected 1/1
	// matched/modified counts. State already applied is not rolled back.
	ErrInternal
)

// Error is a typed command failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func preconditionf(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrPrecondition, Message: fmt.Sprintf(format, args...)}
}

func upstreamf(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrUpstream, Message: fmt.Sprintf(format, args...)}
}

func internalf(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrInternal, Message: fmt.Sprintf(format, args...)}
}
