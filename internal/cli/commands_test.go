package cli

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npasecink/chatling/internal/engine"
	"github.com/npasecink/chatling/internal/store"
	"github.com/npasecink/chatling/internal/types"
)

// setupQueue points the CHATLING_* environment at a temp queue holding the
// given tasks.
func setupQueue(t *testing.T, tasks ...types.Task) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CHATLING_QUEUE_DIR", filepath.Join(dir, "queue"))
	t.Setenv("CHATLING_CONTROL_FILE", filepath.Join(dir, "control.json"))

	s, err := store.New(filepath.Join(dir, "queue"))
	require.NoError(t, err)
	defer s.Close()
	for _, task := range tasks {
		require.NoError(t, s.Save(task))
	}
	return dir
}

func sampleTask(id string, status types.TaskStatus) types.Task {
	return types.Task{
		ID:   id,
		Meta: types.Meta{Priority: 10, CreatedAt: time.Now().UTC()},
		Spec: types.Spec{
			Target:  "chatgpt",
			Payload: types.Payload{User: "hello"},
		},
		Policy: types.Policy{MaxAttempts: 3},
		State:  types.State{Status: status, Attempts: 2},
	}
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	return rootCmd.Execute()
}

func TestResetCommand(t *testing.T) {
	dir := setupQueue(t, sampleTask("t1", types.TaskFailed))

	require.NoError(t, execute(t, "reset", "t1"))

	s, err := store.New(filepath.Join(dir, "queue"))
	require.NoError(t, err)
	defer s.Close()
	task, err := s.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.State.Status)
	assert.Equal(t, 0, task.State.Attempts)
}

func TestRmCommand(t *testing.T) {
	dir := setupQueue(t, sampleTask("t1", types.TaskDone))

	require.NoError(t, execute(t, "rm", "t1"))

	s, err := store.New(filepath.Join(dir, "queue"))
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Get("t1")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestPauseAndResumeCommands(t *testing.T) {
	dir := setupQueue(t)
	controlFile := filepath.Join(dir, "control.json")

	require.NoError(t, execute(t, "pause"))
	state, err := engine.ReadControl(controlFile)
	require.NoError(t, err)
	assert.Equal(t, engine.StatePaused, state)

	require.NoError(t, execute(t, "resume"))
	state, err = engine.ReadControl(controlFile)
	require.NoError(t, err)
	assert.Equal(t, engine.StateRun, state)
}

func TestAddCommand(t *testing.T) {
	dir := setupQueue(t)

	require.NoError(t, execute(t, "add", "--id", "t9", "--target", "claude", "--priority", "80", "summarize the report"))

	s, err := store.New(filepath.Join(dir, "queue"))
	require.NoError(t, err)
	defer s.Close()
	task, err := s.Get("t9")
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.State.Status)
	assert.Equal(t, "claude", task.Spec.Target)
	assert.Equal(t, 80, task.Meta.Priority)
	assert.Equal(t, "summarize the report", task.Spec.Payload.User)
	assert.True(t, task.Policy.Timeout.Auto)

	assert.Error(t, execute(t, "add", "--id", "t9", "duplicate"))
	assert.Error(t, execute(t, "add", "--id", "bad/id", "slash in id"))
}

func TestAddCommandGeneratesID(t *testing.T) {
	dir := setupQueue(t)

	require.NoError(t, execute(t, "add", "--id", "", "hello there"))

	s, err := store.New(filepath.Join(dir, "queue"))
	require.NoError(t, err)
	defer s.Close()
	tasks, err := s.List()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Regexp(t, types.IDPattern, tasks[0].ID)
	assert.NotEmpty(t, tasks[0].ID)
}

func TestLsAndShowCommands(t *testing.T) {
	setupQueue(t,
		sampleTask("t1", types.TaskPending),
		sampleTask("t2", types.TaskFailed),
	)

	require.NoError(t, execute(t, "ls"))
	require.NoError(t, execute(t, "ls", "--status", "FAILED"))
	require.NoError(t, execute(t, "show", "t2"))

	assert.Error(t, execute(t, "show", "missing-task"))
}
