package workflow

import (
	"fmt"
	"strings"

	"github.com/zulandar/stageline/internal/pipeline"
)

// Blocking reasons reported by RequestTransition.
const (
	ReasonLocked             = "locked"
	ReasonTransitionInFlight = "transition_in_flight"
)

// StructuralError reports a transition that the pipeline does not allow,
// such as a disabled target or a skipped stage.
type StructuralError struct {
	From, To pipeline.StageID
	Reason   string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("workflow: cannot move %s -> %s: %s", e.From, e.To, e.Reason)
}

// PreconditionError reports a structurally valid transition that is blocked
// by the project's current state. Reasons lists every blocking condition.
type PreconditionError struct {
	Reasons []string
	errs    []error
}

// NewPreconditionError builds a PreconditionError from reasons.
func NewPreconditionError(reasons ...string) *PreconditionError {
	return &PreconditionError{Reasons: reasons}
}

func (e *PreconditionError) Error() string {
	return "workflow: blocked: " + strings.Join(e.Reasons, ", ")
}

// Unwrap exposes the specific causes, such as *MissingDocumentError.
func (e *PreconditionError) Unwrap() []error { return e.errs }

func (e *PreconditionError) add(reason string, cause error) {
	e.Reasons = append(e.Reasons, reason)
	if cause != nil {
		e.errs = append(e.errs, cause)
	}
}

// MissingDocumentError lists required documents the project does not have.
type MissingDocumentError struct {
	Types []pipeline.DocumentType
}

func (e *MissingDocumentError) Error() string {
	names := make([]string, len(e.Types))
	for i, t := range e.Types {
		names[i] = string(t)
	}
	return "workflow: missing documents: " + strings.Join(names, ", ")
}

// ApprovalPendingError reports that a stage has fewer approvals than required.
type ApprovalPendingError struct {
	Stage pipeline.StageID
	Have  int
	Need  int
}

func (e *ApprovalPendingError) Error() string {
	return fmt.Sprintf("workflow: %s has %d of %d approvals", e.Stage, e.Have, e.Need)
}
