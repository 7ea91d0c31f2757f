package microvm

import (
	"errors"
	"fmt"
)

// ErrNotFound reports that no record exists for the requested instance id.
// Absence is a normal outcome for queries, not a failure.
var ErrNotFound = errors.New("instance not found")

// ErrNameInUse reports that an active instance already holds the name.
var ErrNameInUse = errors.New("instance name already in use")

// ConfigurationError reports invalid input or a failed configuration step.
// Op names the offending field or control-API step.
type ConfigurationError struct {
	Op     string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("configuration: %s: %s", e.Op, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ProcessError reports that the hypervisor process died or never came up.
type ProcessError struct {
	ID  string
	Err error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hypervisor process for %s: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("hypervisor process for %s is not running", e.ID)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// APIError reports that the control socket never became reachable within
// the retry budget.
type APIError struct {
	ID       string
	Attempts int
	Err      error
}

func (e *APIError) Error() string {
	message := fmt.Sprintf("control socket for %s unreachable after %d attempts", e.ID, e.Attempts)
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", message, e.Err)
	}
	return message
}

func (e *APIError) Unwrap() error { return e.Err }

// VMMError wraps a lifecycle-level failure with the operation and instance
// it occurred in. Component errors keep their type through Unwrap.
type VMMError struct {
	Op  string
	ID  string
	Err error
}

func (e *VMMError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *VMMError) Unwrap() error { return e.Err }
