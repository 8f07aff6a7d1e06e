package types

import "time"

// Lock is the on-disk record guarding a target while a task is being processed.
// One lock file exists per target, named RUNNING_<target>.lock.
type Lock struct {
	TaskID    string    `json:"task_id"`
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
}
