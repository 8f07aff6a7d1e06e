package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npasecink/chatling/internal/browser"
	"github.com/npasecink/chatling/internal/lock"
	"github.com/npasecink/chatling/internal/protocol"
	"github.com/npasecink/chatling/internal/scheduler"
	"github.com/npasecink/chatling/internal/store"
	"github.com/npasecink/chatling/internal/types"
)

type fakeExchanger struct {
	output   string
	err      error
	panics   bool
	result   ExchangeResult
	calls    int
	prompts  []string
	disposed []string
}

func (f *fakeExchanger) Exchange(_ context.Context, _ *browser.Session, _ *types.Task, prompt string, sink io.Writer) (ExchangeResult, error) {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if f.panics {
		panic("exchange blew up")
	}
	if f.err != nil {
		return ExchangeResult{}, f.err
	}
	if _, err := sink.Write([]byte(f.output)); err != nil {
		return ExchangeResult{}, err
	}
	res := f.result
	res.ResponseLength = len(f.output)
	if res.FinishReason == "" {
		res.FinishReason = "complete"
	}
	return res, nil
}

func (f *fakeExchanger) Dispose(sessionID string) {
	f.disposed = append(f.disposed, sessionID)
}

type fakeConnector struct {
	acquired int
}

func (f *fakeConnector) AcquireContext(ctx context.Context) *browser.Session {
	if ctx.Err() != nil {
		return nil
	}
	f.acquired++
	return &browser.Session{Browser: context.Background(), Page: context.Background(), URL: "https://chatgpt.com/c/1"}
}

type harness struct {
	engine   *Engine
	store    *store.Store
	locks    *lock.Manager
	exchange *fakeExchanger
	conns    *fakeConnector
	dir      string
}

func newHarness(t *testing.T, ex *fakeExchanger) *harness {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := store.New(filepath.Join(dir, "queue"), store.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	locks, err := lock.NewManager(filepath.Join(dir, "locks"), logger)
	require.NoError(t, err)

	conns := &fakeConnector{}
	eng := New(Config{
		OutputDir:         filepath.Join(dir, "output"),
		ControlFile:       filepath.Join(dir, "control.json"),
		IdleSleep:         time.Millisecond,
		RateLimitCooldown: time.Hour,
	}, s, scheduler.New(s, 40*time.Minute, logger), locks, conns, ex, nil, logger)

	return &harness{engine: eng, store: s, locks: locks, exchange: ex, conns: conns, dir: dir}
}

func pendingTask(id string) types.Task {
	return types.Task{
		ID: id,
		Meta: types.Meta{
			Priority:  50,
			CreatedAt: time.Now().UTC().Add(-time.Minute),
		},
		Spec: types.Spec{
			Target:  "chatgpt",
			Payload: types.Payload{User: "write a haiku"},
		},
		Policy: types.Policy{MaxAttempts: 3},
		State:  types.State{Status: types.TaskPending},
	}
}

func (h *harness) mustGet(t *testing.T, id string) types.Task {
	t.Helper()
	h.store.Invalidate()
	task, err := h.store.Get(id)
	require.NoError(t, err)
	return task
}

func TestSuccessfulTask(t *testing.T) {
	ex := &fakeExchanger{output: "An old silent pond.\nA frog jumps into the pond.\nSplash! Silence again."}
	h := newHarness(t, ex)
	require.NoError(t, h.store.Save(pendingTask("t1")))

	require.NoError(t, h.engine.cycle(context.Background()))

	got := h.mustGet(t, "t1")
	assert.Equal(t, types.TaskDone, got.State.Status)
	assert.Equal(t, 1, got.State.Attempts)
	assert.Equal(t, "complete", got.Result.FinishReason)
	assert.Equal(t, len(ex.output), got.State.Metrics.ResponseLength)
	require.NotNil(t, got.State.CompletedAt)

	data, err := os.ReadFile(got.Result.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, ex.output, string(data))

	// Lock released after the run.
	held, err := h.locks.Acquire("probe", "chatgpt")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestContentFailureRequeuesWithHistory(t *testing.T) {
	ex := &fakeExchanger{err: &protocol.Failure{Kind: protocol.StallDetected, Diagnosis: "unknown"}}
	h := newHarness(t, ex)
	require.NoError(t, h.store.Save(pendingTask("t1")))

	require.NoError(t, h.engine.cycle(context.Background()))

	got := h.mustGet(t, "t1")
	assert.Equal(t, types.TaskPending, got.State.Status)
	assert.Equal(t, 1, got.State.Attempts)
	assert.Contains(t, got.State.LastError, "STALL_DETECTED")

	// The requeue is explicit: FAILED and PENDING both appear in history.
	var events []string
	for _, ev := range got.State.History {
		events = append(events, ev.Event)
	}
	assert.Contains(t, events, "status:FAILED")
	assert.Contains(t, events, "status:PENDING")
}

func TestFailureAtMaxAttemptsStaysFailed(t *testing.T) {
	ex := &fakeExchanger{err: errors.New("selector never matched")}
	h := newHarness(t, ex)
	task := pendingTask("t1")
	task.Policy.MaxAttempts = 1
	require.NoError(t, h.store.Save(task))

	require.NoError(t, h.engine.cycle(context.Background()))

	got := h.mustGet(t, "t1")
	assert.Equal(t, types.TaskFailed, got.State.Status)
	assert.Contains(t, got.State.LastError, "selector never matched")
}

func TestRateLimitStartsCooldown(t *testing.T) {
	ex := &fakeExchanger{err: &protocol.Failure{Kind: protocol.LimitReached}}
	h := newHarness(t, ex)
	require.NoError(t, h.store.Save(pendingTask("t1")))

	require.NoError(t, h.engine.cycle(context.Background()))
	assert.Equal(t, 1, ex.calls)

	// Requeued, but the target is cooling down: the next cycle must not pick
	// it up.
	got := h.mustGet(t, "t1")
	require.Equal(t, types.TaskPending, got.State.Status)

	require.NoError(t, h.engine.cycle(context.Background()))
	assert.Equal(t, 1, ex.calls)
}

func TestInfraFailureDropsSession(t *testing.T) {
	ex := &fakeExchanger{err: &protocol.Failure{Kind: protocol.TargetClosed, Diagnosis: "frozen tab"}}
	h := newHarness(t, ex)
	require.NoError(t, h.store.Save(pendingTask("t1")))

	require.NoError(t, h.engine.cycle(context.Background()))

	assert.Len(t, ex.disposed, 1)
	assert.Nil(t, h.engine.sess)

	got := h.mustGet(t, "t1")
	assert.Equal(t, types.TaskPending, got.State.Status)
	assert.Contains(t, got.State.LastError, "TARGET_CLOSED")

	// A later task reconnects.
	require.NoError(t, h.engine.cycle(context.Background()))
	assert.Equal(t, 2, h.conns.acquired)
}

func TestPanicIsContained(t *testing.T) {
	ex := &fakeExchanger{panics: true}
	h := newHarness(t, ex)
	task := pendingTask("t1")
	task.Policy.MaxAttempts = 1
	require.NoError(t, h.store.Save(task))

	require.NoError(t, h.engine.cycle(context.Background()))

	got := h.mustGet(t, "t1")
	assert.Equal(t, types.TaskFailed, got.State.Status)
	assert.Contains(t, got.State.LastError, "panic")

	// Lock released despite the panic.
	held, err := h.locks.Acquire("probe", "chatgpt")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestPausedControlFileGatesPickup(t *testing.T) {
	ex := &fakeExchanger{output: "hi."}
	h := newHarness(t, ex)
	require.NoError(t, h.store.Save(pendingTask("t1")))
	require.NoError(t, WriteControl(h.engine.cfg.ControlFile, StatePaused))

	require.NoError(t, h.engine.cycle(context.Background()))
	assert.Equal(t, 0, ex.calls)

	require.NoError(t, WriteControl(h.engine.cfg.ControlFile, StateRun))
	require.NoError(t, h.engine.cycle(context.Background()))
	assert.Equal(t, 1, ex.calls)
}

func TestPromptIncludesSystemAndResolvedReference(t *testing.T) {
	ex := &fakeExchanger{output: "done."}
	h := newHarness(t, ex)

	outPath := filepath.Join(h.dir, "t0-output.txt")
	require.NoError(t, os.WriteFile(outPath, []byte("forty-two"), 0o644))
	dep := pendingTask("t0")
	dep.State.Status = types.TaskDone
	dep.Result.OutputPath = outPath
	require.NoError(t, h.store.Save(dep))

	task := pendingTask("t1")
	task.Spec.Payload.System = "You are terse."
	task.Spec.Payload.User = "Previous answer: {{task:t0}}. Continue."
	require.NoError(t, h.store.Save(task))

	require.NoError(t, h.engine.cycle(context.Background()))

	require.Len(t, ex.prompts, 1)
	assert.Equal(t, "You are terse.\n\nPrevious answer: forty-two. Continue.", ex.prompts[0])
}

func TestUnresolvedReferenceFailsTask(t *testing.T) {
	ex := &fakeExchanger{output: "unused"}
	h := newHarness(t, ex)
	task := pendingTask("t1")
	task.Spec.Payload.User = "see {{task:ghost}}"
	task.Policy.MaxAttempts = 1
	require.NoError(t, h.store.Save(task))

	require.NoError(t, h.engine.cycle(context.Background()))

	assert.Equal(t, 0, ex.calls)
	got := h.mustGet(t, "t1")
	assert.Equal(t, types.TaskFailed, got.State.Status)
	assert.Contains(t, got.State.LastError, "unresolved task reference")
}

func TestValidationFailure(t *testing.T) {
	ex := &fakeExchanger{output: "too short"}
	h := newHarness(t, ex)
	task := pendingTask("t1")
	task.Spec.Validation.MinLength = 1000
	task.Policy.MaxAttempts = 1
	require.NoError(t, h.store.Save(task))

	require.NoError(t, h.engine.cycle(context.Background()))

	got := h.mustGet(t, "t1")
	assert.Equal(t, types.TaskFailed, got.State.Status)
	assert.Contains(t, got.State.LastError, "validation:")
}

// shutdownExchanger cancels the engine context mid-exchange, as a SIGINT
// during a wait would.
type shutdownExchanger struct {
	cancel context.CancelFunc
	calls  int
}

func (s *shutdownExchanger) Exchange(ctx context.Context, _ *browser.Session, _ *types.Task, _ string, _ io.Writer) (ExchangeResult, error) {
	s.calls++
	s.cancel()
	return ExchangeResult{}, ctx.Err()
}

func (s *shutdownExchanger) Dispose(string) {}

func TestShutdownMidExchangeRequeuesWithoutVerdict(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.New(filepath.Join(dir, "queue"), store.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	locks, err := lock.NewManager(filepath.Join(dir, "locks"), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ex := &shutdownExchanger{cancel: cancel}
	eng := New(Config{
		OutputDir:   filepath.Join(dir, "output"),
		ControlFile: filepath.Join(dir, "control.json"),
		IdleSleep:   time.Millisecond,
	}, s, scheduler.New(s, 40*time.Minute, logger), locks, &fakeConnector{}, ex, nil, logger)

	require.NoError(t, s.Save(pendingTask("t1")))
	require.NoError(t, eng.cycle(ctx))

	assert.Equal(t, 1, ex.calls)
	s.Invalidate()
	got, err := s.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.State.Status)
	assert.Equal(t, 0, got.State.Attempts)
	assert.Empty(t, got.State.LastError)
	require.NotEmpty(t, got.State.History)
	last := got.State.History[len(got.State.History)-1]
	assert.Equal(t, "status:PENDING", last.Event)
	assert.Equal(t, "interrupted by shutdown", last.Message)

	// Clean boundary: the lock is free for the next run.
	held, err := locks.Acquire("t2", "chatgpt")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestStaleSnapshotIsNotReExecuted(t *testing.T) {
	ex := &fakeExchanger{output: "fine."}
	h := newHarness(t, ex)
	task := pendingTask("t1")
	require.NoError(t, h.store.Save(task))
	stale := task

	// Another process runs the task to completion and releases the lock
	// while our scheduler still holds the old snapshot.
	done := h.mustGet(t, "t1")
	done.SetStatus(types.TaskRunning, "attempt 1")
	done.State.Attempts = 1
	done.SetStatus(types.TaskDone, "complete")
	require.NoError(t, h.store.Save(done))

	assert.False(t, h.engine.runTask(context.Background(), &stale))
	assert.Equal(t, 0, ex.calls)

	got := h.mustGet(t, "t1")
	assert.Equal(t, types.TaskDone, got.State.Status)
	assert.Equal(t, 1, got.State.Attempts)
	require.Len(t, got.State.History, 2)
	assert.Equal(t, "status:DONE", got.State.History[1].Event)

	// The lock must be released after the skip.
	held, err := h.locks.Acquire("t2", "chatgpt")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestHeldLockBacksOffInsteadOfSpinning(t *testing.T) {
	ex := &fakeExchanger{output: "fine."}
	h := newHarness(t, ex)
	h.engine.cfg.IdleSleep = 50 * time.Millisecond
	require.NoError(t, h.store.Save(pendingTask("t1")))

	// A live process (this one) already holds the target lock.
	held, err := h.locks.Acquire("other", "chatgpt")
	require.NoError(t, err)
	require.True(t, held)

	started := time.Now()
	require.NoError(t, h.engine.cycle(context.Background()))
	elapsed := time.Since(started)

	assert.Equal(t, 0, ex.calls)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)

	got := h.mustGet(t, "t1")
	assert.Equal(t, types.TaskPending, got.State.Status)
}

func TestSessionReusedAcrossTasks(t *testing.T) {
	ex := &fakeExchanger{output: "fine."}
	h := newHarness(t, ex)
	require.NoError(t, h.store.Save(pendingTask("t1")))
	require.NoError(t, h.store.Save(pendingTask("t2")))

	require.NoError(t, h.engine.cycle(context.Background()))
	require.NoError(t, h.engine.cycle(context.Background()))

	assert.Equal(t, 2, ex.calls)
	assert.Equal(t, 1, h.conns.acquired)
}
