// Package scheduler selects the next eligible task from the store, enforcing
// priority, dependency, and time-lock constraints and recovering zombie tasks
// left RUNNING by a dead or wedged owner.
package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/npasecink/chatling/internal/store"
	"github.com/npasecink/chatling/internal/types"
)

// Scheduler implements the selection policy over a task store.
type Scheduler struct {
	store             *store.Store
	recoveryThreshold time.Duration
	logger            *slog.Logger

	// now is swapped out in tests.
	now func() time.Time
}

// New creates a scheduler. recoveryThreshold is how long a task may sit in
// RUNNING before it is presumed abandoned.
func New(s *store.Store, recoveryThreshold time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:             s,
		recoveryThreshold: recoveryThreshold,
		logger:            logger,
		now:               time.Now,
	}
}

// SelectNext returns the highest-priority eligible task, or nil if none
// qualifies. Each pass first sweeps zombies and skips tasks whose dependencies
// have failed, persisting both transitions immediately.
func (s *Scheduler) SelectNext() (*types.Task, error) {
	tasks, err := s.store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	tasks, err = s.sweepZombies(tasks)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*types.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}

	now := s.now()
	eligible := make([]types.Task, 0, len(tasks))
	for i := range tasks {
		task := &tasks[i]
		if task.State.Status != types.TaskPending {
			continue
		}
		if task.Policy.NotBefore != nil && now.Before(*task.Policy.NotBefore) {
			continue
		}

		ok, skip := s.dependenciesSatisfied(task, byID)
		if skip != "" {
			task.SetStatus(types.TaskSkipped, skip)
			if err := s.store.Save(*task); err != nil {
				return nil, fmt.Errorf("failed to persist skip of %s: %w", task.ID, err)
			}
			s.logger.Info("task skipped", "task", task.ID, "reason", skip)
			continue
		}
		if !ok {
			continue
		}
		eligible = append(eligible, *task)
	}

	if len(eligible) == 0 {
		return nil, nil
	}

	// Strict priority, FIFO tie-break.
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Meta.Priority != eligible[j].Meta.Priority {
			return eligible[i].Meta.Priority > eligible[j].Meta.Priority
		}
		return eligible[i].Meta.CreatedAt.Before(eligible[j].Meta.CreatedAt)
	})

	head := eligible[0]
	return &head, nil
}

// sweepZombies force-fails tasks stuck in RUNNING beyond the recovery
// threshold. This runs on every selection pass, not just at startup: a task
// can go zombie while the engine is alive but its browser session is wedged.
func (s *Scheduler) sweepZombies(tasks []types.Task) ([]types.Task, error) {
	now := s.now()
	for i := range tasks {
		task := &tasks[i]
		if task.State.Status != types.TaskRunning {
			continue
		}
		if task.State.StartedAt == nil || now.Sub(*task.State.StartedAt) < s.recoveryThreshold {
			continue
		}

		age := now.Sub(*task.State.StartedAt).Truncate(time.Second)
		msg := fmt.Sprintf("recovered from stall: running for %s, threshold %s", age, s.recoveryThreshold)
		task.SetStatus(types.TaskFailed, msg)
		task.AppendHistory("recovery", msg)
		task.State.LastError = msg
		if err := s.store.Save(*task); err != nil {
			return nil, fmt.Errorf("failed to persist zombie recovery of %s: %w", task.ID, err)
		}
		s.logger.Warn("recovered zombie task", "task", task.ID, "age", age)
	}
	return tasks, nil
}

// dependenciesSatisfied resolves a task's dependency list. It returns
// ok=true when every dependency is DONE. A non-empty skip reason means a
// dependency has failed or been skipped and the task must be skipped too —
// the deadlock breaker that keeps a failed prerequisite from blocking its
// dependents forever. A missing dependency blocks (it may not exist yet).
func (s *Scheduler) dependenciesSatisfied(task *types.Task, byID map[string]*types.Task) (ok bool, skip string) {
	for _, depID := range task.Policy.DependsOn {
		dep, exists := byID[depID]
		if !exists {
			return false, ""
		}
		switch dep.State.Status {
		case types.TaskDone:
			continue
		case types.TaskFailed, types.TaskSkipped:
			return false, fmt.Sprintf("dependency %s is %s", depID, dep.State.Status)
		default:
			return false, ""
		}
	}
	return true, ""
}
