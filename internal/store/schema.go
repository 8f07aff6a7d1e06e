package store

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/npasecink/chatling/internal/types"
)

// SchemaError marks a task that parsed structurally but failed semantic
// validation. The partially-decoded task is carried along so the caller can
// persist it as FAILED instead of dropping it.
type SchemaError struct {
	Task   types.Task
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("task %s failed schema validation: %s", e.Task.ID, e.Reason)
}

const defaultMaxAttempts = 3

// ValidateAndRepair checks the semantic invariants of a task and fills in
// defaults for omitted fields. Repair is conservative: anything that can be
// defaulted or clamped is, anything ambiguous is an error.
func ValidateAndRepair(task *types.Task) error {
	if task.ID == "" {
		return &SchemaError{Task: *task, Reason: "missing id"}
	}
	if !types.IDPattern.MatchString(task.ID) {
		return &SchemaError{Task: *task, Reason: fmt.Sprintf("id %q is not filename-safe", task.ID)}
	}
	if strings.TrimSpace(task.Spec.Target) == "" {
		return &SchemaError{Task: *task, Reason: "missing spec.target"}
	}
	if strings.TrimSpace(task.Spec.Payload.User) == "" {
		return &SchemaError{Task: *task, Reason: "missing spec.payload.user"}
	}
	if task.State.Status != "" && !task.State.Status.IsKnown() {
		return &SchemaError{Task: *task, Reason: fmt.Sprintf("unknown status %q", task.State.Status)}
	}
	if task.State.Attempts < 0 {
		return &SchemaError{Task: *task, Reason: "negative attempts count"}
	}
	if task.Spec.Validation.RequiredPattern != "" {
		if _, err := regexp.Compile(task.Spec.Validation.RequiredPattern); err != nil {
			return &SchemaError{Task: *task, Reason: "invalid validation.requiredPattern: " + err.Error()}
		}
	}

	// Repairs.
	if task.State.Status == "" {
		task.State.Status = types.TaskPending
	}
	if task.Meta.Priority < 0 {
		task.Meta.Priority = 0
	}
	if task.Meta.Priority > 100 {
		task.Meta.Priority = 100
	}
	if task.Policy.MaxAttempts <= 0 {
		task.Policy.MaxAttempts = defaultMaxAttempts
	}
	if task.Meta.CreatedAt.IsZero() {
		task.Meta.CreatedAt = time.Now().UTC()
	}
	return nil
}
