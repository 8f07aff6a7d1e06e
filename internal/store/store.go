package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sethvargo/go-retry"

	"github.com/npasecink/chatling/internal/types"
)

var (
	// ErrTaskNotFound is returned when a task is not found in the queue directory
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidID is returned when a task id is not filename-safe
	ErrInvalidID = errors.New("invalid task id")
)

const (
	// QuarantineDir is the subdirectory of the queue that holds unparseable files.
	QuarantineDir = "corrupted"

	taskExt = ".json"
	tmpExt  = ".tmp"

	renameRetries = 5
	renameBackoff = 50 * time.Millisecond
)

// Store is a file-backed task store. Each task lives in its own
// <task-id>.json file under the queue directory; writes are atomic replaces.
// A reactive in-memory cache fronts directory scans, invalidated by file-system
// notifications and unconditionally expired on a heartbeat interval.
type Store struct {
	dir       string
	heartbeat time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	cache    []types.Task
	cachedAt time.Time
	valid    bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Option customizes a Store.
type Option func(*Store)

// WithHeartbeat sets the unconditional cache refresh interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Store) { s.heartbeat = d }
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New opens (creating if needed) a queue directory and starts watching it for
// changes. A failed watcher is tolerated: the heartbeat expiry still guarantees
// the cache converges when notifications are lost or unavailable.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, QuarantineDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	s := &Store{
		dir:       dir,
		heartbeat: 5 * time.Second,
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(dir); err == nil {
			s.watcher = watcher
			go s.watchLoop()
		} else {
			_ = watcher.Close()
			s.logger.Warn("queue watch unavailable, relying on heartbeat", "error", err)
		}
	} else {
		s.logger.Warn("fsnotify unavailable, relying on heartbeat", "error", err)
	}

	return s, nil
}

// Close stops the directory watcher.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Dir returns the queue directory path.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case _, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.Invalidate()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("queue watch error", "error", err)
		}
	}
}

// Invalidate marks the cache stale so the next List rescans the directory.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}

// List returns all currently valid tasks. Unparseable files are quarantined,
// schema-invalid tasks are marked FAILED and kept visible.
func (s *Store) List() ([]types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.valid && time.Since(s.cachedAt) < s.heartbeat {
		out := make([]types.Task, len(s.cache))
		copy(out, s.cache)
		return out, nil
	}

	tasks, err := s.scan()
	if err != nil {
		return nil, err
	}

	s.cache = tasks
	s.cachedAt = time.Now()
	s.valid = true

	out := make([]types.Task, len(tasks))
	copy(out, tasks)
	return out, nil
}

func (s *Store) scan() ([]types.Task, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue directory: %w", err)
	}

	tasks := make([]types.Task, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), taskExt) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())

		task, err := s.readTask(path)
		if err != nil {
			var schemaErr *SchemaError
			if errors.As(err, &schemaErr) {
				// Structurally parseable but semantically invalid: stays
				// visible as FAILED for operator inspection.
				failed := schemaErr.Task
				if failed.State.Status != types.TaskFailed || failed.State.LastError != schemaErr.Reason {
					failed.SetStatus(types.TaskFailed, "schema validation: "+schemaErr.Reason)
					failed.State.LastError = schemaErr.Reason
					if writeErr := s.writeTask(failed, path); writeErr != nil {
						s.logger.Error("failed to persist schema failure", "path", path, "error", writeErr)
					}
				}
				tasks = append(tasks, failed)
				continue
			}
			s.quarantine(path, err)
			continue
		}
		tasks = append(tasks, task)
	}

	return tasks, nil
}

// readTask parses and validates a single task file, applying the legacy shape
// upgrade before validation.
func (s *Store) readTask(path string) (types.Task, error) {
	data, err := readWithRetry(path)
	if err != nil {
		return types.Task{}, err
	}
	if len(data) == 0 {
		return types.Task{}, errors.New("empty file")
	}

	raw, upgraded, err := UpgradeLegacy(data)
	if err != nil {
		return types.Task{}, err
	}
	if upgraded {
		s.logger.Info("upgraded legacy task record", "path", path)
	}

	var task types.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return types.Task{}, err
	}

	if task.ID == "" {
		task.ID = strings.TrimSuffix(filepath.Base(path), taskExt)
	}
	if err := ValidateAndRepair(&task); err != nil {
		return types.Task{}, err
	}
	return task, nil
}

// quarantine moves an unparseable file aside with a timestamped .bad suffix so
// one bad record can never stall the scan loop.
func (s *Store) quarantine(path string, cause error) {
	dst := filepath.Join(
		s.dir, QuarantineDir,
		fmt.Sprintf("%s.%d.bad", filepath.Base(path), time.Now().Unix()),
	)
	if err := os.Rename(path, dst); err != nil {
		s.logger.Error("failed to quarantine corrupt task file", "path", path, "error", err)
		return
	}
	s.logger.Warn("quarantined corrupt task file", "path", path, "dest", dst, "cause", cause)
	s.valid = false
}

// Get reads a single task directly from disk, bypassing the cache.
func (s *Store) Get(id string) (types.Task, error) {
	if !types.IDPattern.MatchString(id) {
		return types.Task{}, ErrInvalidID
	}
	path := filepath.Join(s.dir, id+taskExt)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return types.Task{}, ErrTaskNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readTask(path)
}

// Save validates the task and durably replaces its file: the record is written
// to a temporary sibling and renamed over the target, so a crash mid-write
// leaves either the old or the new version, never a partial file.
func (s *Store) Save(task types.Task) error {
	if !types.IDPattern.MatchString(task.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, task.ID)
	}
	if err := ValidateAndRepair(&task); err != nil {
		return err
	}

	path := filepath.Join(s.dir, task.ID+taskExt)
	if err := s.writeTask(task, path); err != nil {
		return err
	}

	s.Invalidate()
	return nil
}

func (s *Store) writeTask(task types.Task, path string) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}

	tmp := path + tmpExt
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write task %s: %w", task.ID, err)
	}

	// Rename can transiently fail on some platforms while another process has
	// the file open; retry with a short constant backoff.
	backoff := retry.WithMaxRetries(renameRetries, retry.NewConstant(renameBackoff))
	err = retry.Do(context.Background(), backoff, func(_ context.Context) error {
		if err := os.Rename(tmp, path); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace task file %s: %w", task.ID, err)
	}
	return nil
}

// Delete removes a task file. A missing file is not an error.
func (s *Store) Delete(id string) error {
	if !types.IDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	err := os.Remove(filepath.Join(s.dir, id+taskExt))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	s.Invalidate()
	return nil
}

// Reset returns a FAILED or SKIPPED task to PENDING with its attempts cleared.
func (s *Store) Reset(id string) error {
	task, err := s.Get(id)
	if err != nil {
		return err
	}
	if task.State.Status != types.TaskFailed && task.State.Status != types.TaskSkipped {
		return fmt.Errorf("task %s is %s, only FAILED or SKIPPED tasks can be reset", id, task.State.Status)
	}
	task.State.Attempts = 0
	task.State.LastError = ""
	task.State.StartedAt = nil
	task.State.CompletedAt = nil
	task.SetStatus(types.TaskPending, "operator reset")
	return s.Save(task)
}

func readWithRetry(path string) ([]byte, error) {
	var data []byte
	backoff := retry.WithMaxRetries(renameRetries, retry.NewConstant(renameBackoff))
	err := retry.Do(context.Background(), backoff, func(_ context.Context) error {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	return data, err
}
