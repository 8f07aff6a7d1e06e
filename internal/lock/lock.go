// Package lock provides per-target mutual exclusion between engine processes,
// backed by exclusively-created lock files whose owners are checked for
// liveness against the OS process table.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/npasecink/chatling/internal/types"
)

// ErrInvalidTarget is returned when a target name is not filename-safe.
var ErrInvalidTarget = errors.New("invalid target name")

// Manager acquires and releases per-target lock files. Locks are scoped per
// target, not globally: different targets may be processed concurrently but
// never the same target twice.
type Manager struct {
	dir    string
	logger *slog.Logger

	// alive is swapped out in tests to simulate dead owners.
	alive func(pid int) bool
}

// NewManager creates a lock manager rooted at dir.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{dir: dir, logger: logger, alive: pidAlive}, nil
}

func (m *Manager) path(target string) string {
	return filepath.Join(m.dir, "RUNNING_"+target+".lock")
}

// Acquire attempts to take the exclusive lock for target on behalf of taskID.
// It returns true on success and false when a live owner holds the lock. A
// lock whose owning process no longer exists is broken and acquisition is
// retried exactly once.
func (m *Manager) Acquire(taskID, target string) (bool, error) {
	return m.acquire(taskID, target, false)
}

func (m *Manager) acquire(taskID, target string, retried bool) (bool, error) {
	if !types.IDPattern.MatchString(target) {
		return false, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}

	record := types.Lock{
		TaskID:    taskID,
		PID:       os.Getpid(),
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("failed to encode lock for %s: %w", target, err)
	}

	// Exclusive create via hardlink: the fully-written payload appears at the
	// lock path atomically, so a contender never observes a half-written lock.
	tmp := m.path(target) + fmt.Sprintf(".%d.tmp", os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return false, fmt.Errorf("failed to stage lock for %s: %w", target, err)
	}
	linkErr := os.Link(tmp, m.path(target))
	_ = os.Remove(tmp)
	if linkErr == nil {
		return true, nil
	}
	if !os.IsExist(linkErr) {
		return false, fmt.Errorf("failed to create lock for %s: %w", target, linkErr)
	}
	if retried {
		return false, nil
	}

	existing, readErr := m.read(target)
	if readErr != nil {
		// The holder may have released between our create attempt and the
		// read; treat an unreadable lock as stale.
		m.logger.Warn("removing unreadable lock", "target", target, "error", readErr)
		_ = os.Remove(m.path(target))
		return m.acquire(taskID, target, true)
	}

	if m.alive(existing.PID) {
		return false, nil
	}

	m.logger.Warn("breaking lock held by dead process",
		"target", target, "pid", existing.PID, "task", existing.TaskID)
	if err := os.Remove(m.path(target)); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to break stale lock for %s: %w", target, err)
	}
	return m.acquire(taskID, target, true)
}

// Release removes the lock file for target. It is idempotent: releasing an
// absent lock is not an error.
func (m *Manager) Release(target string) error {
	if !types.IDPattern.MatchString(target) {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	if err := os.Remove(m.path(target)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock for %s: %w", target, err)
	}
	return nil
}

// ErrNotHeld is returned by Holder when no lock file exists for the target.
var ErrNotHeld = errors.New("lock not held")

// Holder returns the current lock record for target.
func (m *Manager) Holder(target string) (types.Lock, error) {
	if !types.IDPattern.MatchString(target) {
		return types.Lock{}, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	record, err := m.read(target)
	if err != nil {
		if os.IsNotExist(err) {
			return types.Lock{}, ErrNotHeld
		}
		return types.Lock{}, err
	}
	return record, nil
}

func (m *Manager) read(target string) (types.Lock, error) {
	data, err := os.ReadFile(m.path(target))
	if err != nil {
		return types.Lock{}, err
	}
	var record types.Lock
	if err := json.Unmarshal(data, &record); err != nil {
		return types.Lock{}, err
	}
	if record.PID <= 0 {
		return types.Lock{}, fmt.Errorf("lock for %s has no owner pid", target)
	}
	return record, nil
}

// pidAlive reports whether a process with the given pid exists. Signal 0 probes
// existence without delivering anything; EPERM still proves the process exists.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
