package flow

import (
	"errors"
	"fmt"
)

var (
	// ErrFlowConfiguration marks a flow graph that cannot be executed.
	ErrFlowConfiguration = errors.New("flow configuration error")
	ErrNotFound          = errors.New("flow not found")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// ConfigError pinpoints the flow and node that could not be executed.
type ConfigError struct {
	FlowID string
	NodeID string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("flow %s: %s", e.FlowID, e.Reason)
	}
	return fmt.Sprintf("flow %s node %s: %s", e.FlowID, e.NodeID, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrFlowConfiguration }

func configErr(flowID, nodeID, format string, args ...any) *ConfigError {
	return &ConfigError{FlowID: flowID, NodeID: nodeID, Reason: fmt.Sprintf(format, args...)}
}
