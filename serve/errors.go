package serve

import (
	"fmt"
)

// ValidationInputError marks a caller mistake: a missing, unparseable or
// out-of-contract request. The HTTP layer maps it to a 400.
type ValidationInputError struct {
	Reason string
	Err    error
}

func (e *ValidationInputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid input: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid input: %s", e.Reason)
}

func (e *ValidationInputError) Unwrap() error { return e.Err }

// InferenceRuntimeError marks an unexpected failure inside the forward
// pass or softmax. The HTTP layer maps it to a 500 and logs full context.
type InferenceRuntimeError struct {
	Stage string
	Err   error
}

func (e *InferenceRuntimeError) Error() string {
	return fmt.Sprintf("inference failed at %s: %v", e.Stage, e.Err)
}

func (e *InferenceRuntimeError) Unwrap() error { return e.Err }
