// Package engine is the orchestration loop: one task at a time through
// lock → run → collect → persist, with every failure contained at the task
// boundary so the queue keeps moving.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/npasecink/chatling/internal/browser"
	"github.com/npasecink/chatling/internal/lock"
	"github.com/npasecink/chatling/internal/protocol"
	"github.com/npasecink/chatling/internal/scheduler"
	"github.com/npasecink/chatling/internal/store"
	"github.com/npasecink/chatling/internal/telemetry"
	"github.com/npasecink/chatling/internal/types"
)

// Connector hands out live browser sessions. browser.Orchestrator is the real
// implementation; its contract is "never fails, returns nil only when ctx is
// done".
type Connector interface {
	AcquireContext(ctx context.Context) *browser.Session
}

// Config tunes the engine loop.
type Config struct {
	OutputDir         string
	ControlFile       string
	IdleSleep         time.Duration
	RateLimitCooldown time.Duration
	// CatastrophePause is the top-level breather after an uncontained error.
	CatastrophePause time.Duration
}

func (c *Config) applyDefaults() {
	if c.IdleSleep <= 0 {
		c.IdleSleep = 3 * time.Second
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = 30 * time.Minute
	}
	if c.CatastrophePause <= 0 {
		c.CatastrophePause = 5 * time.Second
	}
}

// Engine processes tasks one at a time against a shared browser session.
type Engine struct {
	cfg      Config
	store    *store.Store
	sched    *scheduler.Scheduler
	locks    *lock.Manager
	conns    Connector
	exchange Exchanger
	counters *telemetry.Counters
	logger   *slog.Logger

	sess     *browser.Session
	cooldown map[string]time.Time

	now func() time.Time
}

// New creates an Engine. counters may be nil when metrics are not wired.
func New(cfg Config, s *store.Store, sched *scheduler.Scheduler, locks *lock.Manager, conns Connector, ex Exchanger, counters *telemetry.Counters, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		store:    s,
		sched:    sched,
		locks:    locks,
		conns:    conns,
		exchange: ex,
		counters: counters,
		logger:   logger,
		cooldown: map[string]time.Time{},
		now:      time.Now,
	}
}

// Run is the main loop. It returns only when ctx is done; every other error
// is logged, the loop pauses briefly, and processing resumes.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine started", "output_dir", e.cfg.OutputDir)
	defer e.dropSession()

	for {
		if err := ctx.Err(); err != nil {
			e.logger.Info("engine stopping", "reason", err)
			return err
		}
		if err := e.cycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			e.logger.Error("engine cycle failed, pausing before resume", "error", err)
			sleep(ctx, e.cfg.CatastrophePause)
		}
	}
}

// cycle runs one pickup attempt: control gate, selection, cooldown gate,
// then the task itself.
func (e *Engine) cycle(ctx context.Context) error {
	state, err := ReadControl(e.cfg.ControlFile)
	if err != nil {
		// A broken control file pauses rather than runs: the operator was
		// mid-edit or the file is damaged, either way pickup should wait.
		e.logger.Warn("control file unreadable, treating as paused", "error", err)
		state = StatePaused
	}
	if state == StatePaused {
		sleep(ctx, e.cfg.IdleSleep)
		return nil
	}

	task, err := e.sched.SelectNext()
	if err != nil {
		return fmt.Errorf("select next task: %w", err)
	}
	if task == nil {
		sleep(ctx, e.cfg.IdleSleep)
		return nil
	}

	target := task.Spec.Target
	if until, ok := e.cooldown[target]; ok && e.now().Before(until) {
		e.logger.Info("target cooling down, skipping pickup",
			"task", task.ID, "target", target, "until", until)
		sleep(ctx, e.cfg.IdleSleep)
		return nil
	}

	if !e.runTask(ctx, task) {
		// Lock held elsewhere or the task was finished by another process;
		// back off instead of hammering the lock file.
		sleep(ctx, e.cfg.IdleSleep)
	}
	return nil
}

// runTask processes one task end to end, reporting whether an attempt
// actually started. Panics are contained here: the task fails, the lock
// releases, the loop survives.
func (e *Engine) runTask(ctx context.Context, task *types.Task) bool {
	target := task.Spec.Target

	held, err := e.locks.Acquire(task.ID, target)
	if err != nil {
		e.logger.Error("lock acquire failed", "task", task.ID, "target", target, "error", err)
		return false
	}
	if !held {
		e.logger.Info("target lock held elsewhere", "task", task.ID, "target", target)
		return false
	}
	defer func() {
		if err := e.locks.Release(target); err != nil {
			e.logger.Error("lock release failed", "target", target, "error", err)
		}
	}()

	// The scheduler works off a cached snapshot that can be a heartbeat
	// stale. Another process may have run this task and released the lock
	// inside that window, so only a freshly-read PENDING record proceeds;
	// saving the stale copy would clobber the other process's history.
	fresh, err := e.store.Get(task.ID)
	if err != nil {
		e.logger.Error("task reload after lock failed", "task", task.ID, "error", err)
		return false
	}
	if fresh.State.Status != types.TaskPending {
		e.logger.Info("task no longer pending, skipping",
			"task", task.ID, "status", fresh.State.Status)
		return false
	}
	task = &fresh

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic during task, contained", "task", task.ID, "panic", r)
			e.failTask(ctx, task, fmt.Sprintf("panic: %v", r))
		}
	}()

	e.counters.IncTasksTotal(ctx)
	e.logger.Info("task started", "task", task.ID, "target", target,
		"attempt", task.State.Attempts+1, "max_attempts", task.Policy.MaxAttempts)

	started := e.now()
	task.State.Attempts++
	task.State.StartedAt = &started
	task.State.CompletedAt = nil
	task.State.LastError = ""
	task.SetStatus(types.TaskRunning, fmt.Sprintf("attempt %d", task.State.Attempts))
	if err := e.store.Save(*task); err != nil {
		e.logger.Error("persist RUNNING failed", "task", task.ID, "error", err)
		return false
	}

	prompt, err := e.buildPrompt(task)
	if err != nil {
		e.failTask(ctx, task, err.Error())
		return true
	}

	sess := e.ensureSession(ctx)
	if sess == nil {
		// Only ctx cancellation gets here; the task stays RUNNING and the
		// zombie sweep reclaims it if this process never comes back.
		return true
	}

	outPath, artifact, err := e.openArtifact(task.ID)
	if err != nil {
		e.failTask(ctx, task, fmt.Sprintf("open output artifact: %v", err))
		return true
	}

	res, exchangeErr := e.exchange.Exchange(ctx, sess, task, prompt, artifact)
	if cerr := artifact.Close(); cerr != nil && exchangeErr == nil {
		exchangeErr = fmt.Errorf("close output artifact: %w", cerr)
	}
	if exchangeErr != nil {
		if ctx.Err() != nil {
			// Shutdown mid-exchange is not a verdict on the task. Hand the
			// attempt back so the next run retries it cleanly.
			task.State.Attempts--
			task.State.StartedAt = nil
			task.SetStatus(types.TaskPending, "interrupted by shutdown")
			if err := e.store.Save(*task); err != nil {
				e.logger.Error("persist interrupted task failed", "task", task.ID, "error", err)
			}
			return true
		}
		e.handleExchangeFailure(ctx, task, sess, exchangeErr)
		return true
	}

	collected, err := os.ReadFile(outPath)
	if err != nil {
		e.failTask(ctx, task, fmt.Sprintf("read back output artifact: %v", err))
		return true
	}
	if verr := validateOutput(task.Spec.Validation, string(collected)); verr != nil {
		e.snapshot(task.ID)
		e.failTask(ctx, task, "validation: "+verr.Error())
		return true
	}

	completed := e.now()
	task.State.CompletedAt = &completed
	task.State.Metrics = types.Metrics{
		DurationMS:     completed.Sub(started).Milliseconds(),
		FirstChunkMS:   res.FirstChunkMS,
		Continuations:  res.Continuations,
		ResponseLength: res.ResponseLength,
	}
	task.Result = types.Result{
		OutputPath:   outPath,
		SessionURL:   res.SessionURL,
		FinishReason: res.FinishReason,
	}
	task.SetStatus(types.TaskDone, res.FinishReason)
	if err := e.store.Save(*task); err != nil {
		e.logger.Error("persist DONE failed", "task", task.ID, "error", err)
		return true
	}
	e.counters.IncTasksSucceeded(ctx)
	e.logger.Info("task done", "task", task.ID, "duration_ms", task.State.Metrics.DurationMS,
		"finish_reason", res.FinishReason)
	return true
}

// handleExchangeFailure classifies an exchange error and records the failed
// attempt. Infrastructure failures additionally tear the session down; rate
// limits start the per-target cooldown.
func (e *Engine) handleExchangeFailure(ctx context.Context, task *types.Task, sess *browser.Session, err error) {
	var failure *protocol.Failure
	if !errors.As(err, &failure) {
		// Driver/selector errors are content failures for the attempt.
		e.snapshot(task.ID)
		e.failTask(ctx, task, err.Error())
		return
	}

	switch failure.Kind {
	case protocol.TargetClosed:
		e.dropSession()
	case protocol.LimitReached:
		until := e.now().Add(e.cfg.RateLimitCooldown)
		e.cooldown[task.Spec.Target] = until
		e.logger.Warn("rate limit hit, target cooling down",
			"target", task.Spec.Target, "until", until)
	case protocol.StallDetected:
		e.counters.IncStalls(ctx)
		e.snapshot(task.ID)
	default:
		// Captcha and login walls need a human; keep the evidence.
		e.snapshot(task.ID)
	}
	e.failTask(ctx, task, failure.Error())
}

// failTask records a failed attempt and requeues when attempts remain. The
// requeue is an explicit FAILED → PENDING transition with its own history
// event; RUNNING never silently becomes PENDING.
func (e *Engine) failTask(ctx context.Context, task *types.Task, reason string) {
	e.counters.IncTasksFailed(ctx)
	completed := e.now()
	task.State.CompletedAt = &completed
	task.State.LastError = reason
	task.SetStatus(types.TaskFailed, reason)
	e.logger.Warn("task failed", "task", task.ID, "attempt", task.State.Attempts, "reason", reason)

	if task.Policy.MaxAttempts > 0 && task.State.Attempts < task.Policy.MaxAttempts {
		task.SetStatus(types.TaskPending,
			fmt.Sprintf("requeued: attempt %d of %d failed", task.State.Attempts, task.Policy.MaxAttempts))
	}
	if err := e.store.Save(*task); err != nil {
		e.logger.Error("persist FAILED failed", "task", task.ID, "error", err)
	}
}

// buildPrompt joins the system and user messages and resolves cross-task
// references.
func (e *Engine) buildPrompt(task *types.Task) (string, error) {
	prompt := task.Spec.Payload.User
	if task.Spec.Payload.System != "" {
		prompt = task.Spec.Payload.System + "\n\n" + prompt
	}
	return resolveReferences(prompt, e.store)
}

// ensureSession returns the live session, reconnecting when the current one
// is gone. Returns nil only when ctx is done.
func (e *Engine) ensureSession(ctx context.Context) *browser.Session {
	if e.sess != nil && e.sess.Alive() {
		return e.sess
	}
	if e.sess != nil {
		e.logger.Warn("browser session lost", "reason", e.sess.LossReason())
		e.dropSession()
	}
	e.counters.IncReconnects(ctx)
	e.sess = e.conns.AcquireContext(ctx)
	return e.sess
}

// dropSession tears down the current session and its cached driver state.
func (e *Engine) dropSession() {
	if e.sess == nil {
		return
	}
	e.exchange.Dispose(string(e.sess.TargetID))
	e.sess.Close()
	e.sess = nil
}

// openArtifact creates (truncating) the task's output artifact for this
// attempt.
func (e *Engine) openArtifact(taskID string) (string, io.WriteCloser, error) {
	if err := os.MkdirAll(e.cfg.OutputDir, 0o755); err != nil {
		return "", nil, err
	}
	path := filepath.Join(e.cfg.OutputDir, taskID+".txt")
	f, err := os.Create(path)
	if err != nil {
		return "", nil, err
	}
	return path, f, nil
}

// snapshot captures forensic evidence from the live page, best effort.
func (e *Engine) snapshot(taskID string) {
	if err := captureSnapshot(e.sess, e.cfg.OutputDir, taskID); err != nil {
		e.logger.Debug("forensic snapshot unavailable", "task", taskID, "error", err)
	}
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
