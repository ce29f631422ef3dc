package model

import (
	"errors"
	"fmt"
)

// ErrNumericInstability marks a run aborted after too many consecutive
// non-finite steps. Individual non-finite steps are skipped, not returned.
var ErrNumericInstability = errors.New("numeric instability")

// ConfigurationError reports a malformed or contradictory parameter. It is
// always raised before the step loop starts.
type ConfigurationError struct {
	Param  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Param, e.Reason)
}

func ConfigErrorf(param, format string, args ...any) error {
	return &ConfigurationError{Param: param, Reason: fmt.Sprintf(format, args...)}
}

func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// NoAgent marks a CheckpointIOError about a run-level record.
const NoAgent AgentID = -1

// CheckpointIOError wraps a failure reading or writing agent state. Training
// halts on it rather than continuing with undefined parameters.
type CheckpointIOError struct {
	Op      string
	RunID   string
	AgentID AgentID
	Err     error
}

func (e *CheckpointIOError) Error() string {
	if e.AgentID != NoAgent {
		return fmt.Sprintf("checkpoint %s run=%s agent=%d: %v", e.Op, e.RunID, e.AgentID, e.Err)
	}
	return fmt.Sprintf("checkpoint %s run=%s: %v", e.Op, e.RunID, e.Err)
}

func (e *CheckpointIOError) Unwrap() error {
	return e.Err
}
