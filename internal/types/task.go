package types

import (
	"encoding/json"
	"regexp"
	"strconv"
	"time"
)

// IDPattern constrains task ids to filename-safe strings.
var IDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Meta carries descriptive task metadata supplied at creation time.
type Meta struct {
	Priority      int       `json:"priority"`
	CreatedAt     time.Time `json:"createdAt"`
	Source        string    `json:"source,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	ProjectID     string    `json:"projectId,omitempty"`
	ParentID      string    `json:"parentId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// Payload is the message pair sent to the target chat surface.
type Payload struct {
	System string `json:"system,omitempty"`
	User   string `json:"user"`
}

// Validation describes the acceptance rules applied to collected output.
type Validation struct {
	MinLength       int      `json:"minLength,omitempty"`
	ForbiddenTerms  []string `json:"forbiddenTerms,omitempty"`
	RequiredPattern string   `json:"requiredPattern,omitempty"`
	Format          string   `json:"format,omitempty"`
}

// SessionConfig holds per-task session behavior flags.
type SessionConfig struct {
	ResetContext bool   `json:"resetContext,omitempty"`
	OutputFormat string `json:"outputFormat,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
}

// Spec describes what the task asks the target to do.
type Spec struct {
	Target     string        `json:"target"`
	Model      string        `json:"model,omitempty"`
	Payload    Payload       `json:"payload"`
	Validation Validation    `json:"validation,omitempty"`
	Config     SessionConfig `json:"config,omitempty"`
}

// Timeout is a task timeout that is either a millisecond count or "auto",
// in which case the adaptive estimator supplies the value.
type Timeout struct {
	Auto   bool
	Millis int64
}

// Duration returns the fixed timeout value. Only meaningful when Auto is false.
func (t Timeout) Duration() time.Duration {
	return time.Duration(t.Millis) * time.Millisecond
}

// MarshalJSON encodes "auto" as a string and fixed timeouts as numbers.
func (t Timeout) MarshalJSON() ([]byte, error) {
	if t.Auto {
		return json.Marshal("auto")
	}
	return json.Marshal(t.Millis)
}

// UnmarshalJSON accepts a number of milliseconds or the string "auto".
func (t *Timeout) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "auto" || s == "" {
			*t = Timeout{Auto: true}
			return nil
		}
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*t = Timeout{Millis: ms}
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}
	*t = Timeout{Millis: ms}
	return nil
}

// Policy controls retry, ordering, and timing behavior for a task.
type Policy struct {
	MaxAttempts int        `json:"maxAttempts"`
	Timeout     Timeout    `json:"timeout,omitempty"`
	DependsOn   []string   `json:"dependsOn,omitempty"`
	NotBefore   *time.Time `json:"notBefore,omitempty"`
	Weight      float64    `json:"weight,omitempty"`
}

// HistoryEvent is one timestamped entry in a task's append-only event log.
type HistoryEvent struct {
	At      time.Time `json:"at"`
	Event   string    `json:"event"`
	Message string    `json:"message,omitempty"`
}

// Metrics holds structured timing measurements for the most recent run.
type Metrics struct {
	DurationMS     int64 `json:"durationMs,omitempty"`
	FirstChunkMS   int64 `json:"firstChunkMs,omitempty"`
	Continuations  int   `json:"continuations,omitempty"`
	ResponseLength int   `json:"responseLength,omitempty"`
}

// State is the mutable runtime state of a task.
type State struct {
	Status      TaskStatus     `json:"status"`
	Attempts    int            `json:"attempts"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	LastError   string         `json:"lastError,omitempty"`
	Metrics     Metrics        `json:"metrics,omitempty"`
	History     []HistoryEvent `json:"history,omitempty"`
}

// Result records where a finished task's output landed.
type Result struct {
	OutputPath   string `json:"outputPath,omitempty"`
	SessionURL   string `json:"sessionUrl,omitempty"`
	FinishReason string `json:"finishReason,omitempty"`
}

// Task is the unit of work processed by the engine. It is persisted as one JSON
// file per task in the queue directory.
type Task struct {
	ID     string `json:"id"`
	Meta   Meta   `json:"meta"`
	Spec   Spec   `json:"spec"`
	Policy Policy `json:"policy"`
	State  State  `json:"state"`
	Result Result `json:"result,omitempty"`

	// Extra preserves unknown fields from older or external producers so a
	// round-trip through the store is lossless.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// AppendHistory adds a timestamped event to the task's append-only history log.
func (t *Task) AppendHistory(event, message string) {
	t.State.History = append(t.State.History, HistoryEvent{
		At:      time.Now().UTC(),
		Event:   event,
		Message: message,
	})
}

// SetStatus transitions the task to a new status and records the change in
// the history log.
func (t *Task) SetStatus(status TaskStatus, reason string) {
	t.State.Status = status
	t.AppendHistory("status:"+string(status), reason)
}
