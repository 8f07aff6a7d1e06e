package types

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskRunning TaskStatus = "RUNNING"
	TaskDone    TaskStatus = "DONE"
	TaskFailed  TaskStatus = "FAILED"
	TaskPaused  TaskStatus = "PAUSED"
	TaskSkipped TaskStatus = "SKIPPED"
	TaskStalled TaskStatus = "STALLED"
)

// validTransitions defines the allowed status transitions. Within one run a task
// moves PENDING → RUNNING → {DONE | FAILED | SKIPPED}; RUNNING may revert to
// FAILED through zombie recovery but never directly back to PENDING.
var validTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending: {
		TaskRunning: true,
		TaskSkipped: true,
		TaskPaused:  true,
		TaskFailed:  true,
	},
	TaskRunning: {
		TaskDone:    true,
		TaskFailed:  true,
		TaskStalled: true,
	},
	TaskStalled: {
		TaskFailed:  true,
		TaskPending: true,
	},
	TaskPaused: {
		TaskPending: true,
	},
	TaskFailed: {
		TaskPending: true, // operator reset or attempts-remaining requeue
	},
	TaskSkipped: {
		TaskPending: true, // operator reset
	},
	TaskDone: {
		// terminal
	},
}

// ValidTransition reports whether moving a task from one status to another is
// allowed by the task state machine.
func ValidTransition(from, to TaskStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal returns true if the status is a terminal state for the current run.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskSkipped
}

// IsKnown returns true if the status is one of the defined task statuses.
func (s TaskStatus) IsKnown() bool {
	switch s {
	case TaskPending, TaskRunning, TaskDone, TaskFailed, TaskPaused, TaskSkipped, TaskStalled:
		return true
	}
	return false
}
