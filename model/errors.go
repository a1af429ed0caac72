package model

import "fmt"

// ValidationError reports a malformed definition or a definition level
// configuration error discovered while advancing. Never retried.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid definition: %s", e.Reason)
}

// StateError reports an operation that is not legal for the current status
// of the run or execution. Callers should refresh their view, not retry.
type StateError struct {
	Op      string
	Current string
}

func (e StateError) Error() string {
	return fmt.Sprintf("operation %s not allowed in state %s", e.Op, e.Current)
}

type NotFoundError struct {
	Kind string
	Id   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Id)
}

// TransientError wraps a collaborator or storage failure where no engine
// mutation committed; the whole operation is safe to retry.
type TransientError struct {
	Cause error
}

func (e TransientError) Error() string {
	return fmt.Sprintf("transient failure: %v", e.Cause)
}

func (e TransientError) Unwrap() error {
	return e.Cause
}
