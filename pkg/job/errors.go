package job

import "fmt"

// Code is a wire-visible error code, grouped by thousands:
// 1xxx validation, 2xxx lifecycle, 3xxx worker, 4xxx routing,
// 5xxx rate-limit, 6xxx dependencies, 7xxx workflow, 8xxx security, 9xxx storage.
type Code int

// Error codes referenced by the broker scripts and the worker loop.
const (
	CodeInvalidPayload     Code = 1001
	CodeInvalidConfig      Code = 1002
	CodeInvalidJobType     Code = 1003
	CodeJobNotFound        Code = 2001
	CodeNotCancellable     Code = 2002
	CodeNotOwner           Code = 3001
	CodeHandlerMissing     Code = 3002
	CodeCapabilityMismatch Code = 3003
	CodeNoMatchingWorker   Code = 4001
	CodeRateLimited        Code = 5001
	CodeDependencyCycle    Code = 6001
	CodeRedisFailure       Code = 9001
	CodeWriteFailure       Code = 9004
	CodeReadFailure        Code = 9005
	CodeEventPublish       Code = 9006
)

// Error is a typed broker error carrying a taxonomy code.
// Retryable overrides the code-based retry classification when set.
type Error struct {
	Code      Code
	Message   string
	Retryable *bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("bridgemq: [%d] %s", e.Code, e.Message)
}

// NewError builds a typed error.
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Permanent marks an error as explicitly non-retryable.
func Permanent(code Code, format string, args ...interface{}) *Error {
	no := false
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: &no}
}
