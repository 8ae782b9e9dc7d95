// Package flowerrors defines the error taxonomy shared by every flow
// execution component: internal failures, expression/evaluation failures,
// and malformed flow definitions.
package flowerrors

import "fmt"

// Error codes, not Go types: InternalErr, ExecutionErr and BadRequest from
// the design are modeled as Code values on a single FlowError struct.
const (
	CodeInternal   = "internal"
	CodeExecution  = "execution"
	CodeBadRequest = "bad_request"
)

// FlowError is the single error type raised anywhere in the flow engine.
type FlowError struct {
	Code    string
	Message string
	Err     error
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s - %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// Internal builds an InternalErr: database unreachable, unparsable
// persisted status, broken invariants.
func Internal(format string, args ...interface{}) *FlowError {
	return &FlowError{Code: CodeInternal, Message: fmt.Sprintf(format, args...)}
}

// Execution builds an ExecutionErr: expression evaluator failure or type
// mismatch.
func Execution(format string, args ...interface{}) *FlowError {
	return &FlowError{Code: CodeExecution, Message: fmt.Sprintf(format, args...)}
}

// BadRequest builds a BadRequest: malformed flow definition.
func BadRequest(format string, args ...interface{}) *FlowError {
	return &FlowError{Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying cause to a new FlowError of the given code.
func Wrap(err error, code, format string, args ...interface{}) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsCode reports whether err is a *FlowError carrying the given code.
func IsCode(err error, code string) bool {
	fe, ok := err.(*FlowError)
	return ok && fe.Code == code
}
