package controller

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/zmedgyes/charon-proxy/pkg/api"
)

// OperationType represents the type of port operation
type OperationType string

const (
	OpAdd    OperationType = "add"
	OpRemove OperationType = "remove"
)

// Reasons recorded on operations
const (
	ReasonNewTarget     = "new_target"
	ReasonTargetChanged = "target_changed"
	ReasonNotDesired    = "not_desired"
)

// PortOperation represents a single change to the set of live proxies
type PortOperation struct {
	Type      OperationType
	LocalPort int
	// Target is the endpoint being started for adds, and the endpoint being
	// dropped for removes
	Target api.Endpoint
	Reason string
}

// OperationResult represents the result of executing operations
type OperationResult struct {
	Added   []int
	Removed []int
	Failed  []error
}

// String returns a string representation of the operation
func (op PortOperation) String() string {
	switch op.Type {
	case OpAdd:
		return fmt.Sprintf("ADD proxy port %d → %s (%s)", op.LocalPort, op.Target, op.Reason)
	case OpRemove:
		return fmt.Sprintf("REMOVE proxy port %d → %s (%s)", op.LocalPort, op.Target, op.Reason)
	default:
		return fmt.Sprintf("UNKNOWN operation: %s", op.Type)
	}
}

// HasFailures reports whether any operation failed
func (r OperationResult) HasFailures() bool {
	return len(r.Failed) > 0
}

// CalculateDelta determines the operations that take current to desired.
// Every removal precedes every addition, and each phase is ordered by
// ascending local port. A port whose target changed yields a removal and a
// later addition. Ports with identical targets yield nothing.
func CalculateDelta(desired map[int]api.DesiredTarget, current map[int]api.Endpoint) []PortOperation {
	desiredPorts := sets.KeySet(desired)
	currentPorts := sets.KeySet(current)

	var removals, additions []PortOperation

	for _, port := range sets.List(currentPorts) {
		target := current[port]
		want, ok := desired[port]
		switch {
		case !ok:
			removals = append(removals, PortOperation{Type: OpRemove, LocalPort: port, Target: target, Reason: ReasonNotDesired})
		case want.Target != target:
			removals = append(removals, PortOperation{Type: OpRemove, LocalPort: port, Target: target, Reason: ReasonTargetChanged})
		}
	}

	for _, port := range sets.List(desiredPorts) {
		want := desired[port].Target
		have, ok := current[port]
		switch {
		case !ok:
			additions = append(additions, PortOperation{Type: OpAdd, LocalPort: port, Target: want, Reason: ReasonNewTarget})
		case have != want:
			additions = append(additions, PortOperation{Type: OpAdd, LocalPort: port, Target: want, Reason: ReasonTargetChanged})
		}
	}

	return append(removals, additions...)
}
