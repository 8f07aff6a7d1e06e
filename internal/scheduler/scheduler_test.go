package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npasecink/chatling/internal/store"
	"github.com/npasecink/chatling/internal/types"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	s, err := store.New(t.TempDir(), store.WithHeartbeat(time.Nanosecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, 40*time.Minute, nil), s
}

func task(id string, priority int, created time.Time) types.Task {
	return types.Task{
		ID:   id,
		Meta: types.Meta{Priority: priority, CreatedAt: created},
		Spec: types.Spec{
			Target:  "chatgpt",
			Payload: types.Payload{User: "prompt for " + id},
		},
		State: types.State{Status: types.TaskPending},
	}
}

func TestSelectNextEmptyQueue(t *testing.T) {
	sched, _ := newTestScheduler(t)

	got, err := sched.SelectNext()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSelectNextPriorityThenFIFO(t *testing.T) {
	sched, st := newTestScheduler(t)
	base := time.Now().UTC()

	require.NoError(t, st.Save(task("low", 10, base)))
	require.NoError(t, st.Save(task("high-late", 90, base.Add(time.Minute))))
	require.NoError(t, st.Save(task("high-early", 90, base)))

	got, err := sched.SelectNext()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "high-early", got.ID, "highest priority, oldest first")
}

func TestSelectNextHonorsNotBefore(t *testing.T) {
	sched, st := newTestScheduler(t)

	later := time.Now().Add(time.Hour)
	tk := task("deferred", 50, time.Now())
	tk.Policy.NotBefore = &later
	require.NoError(t, st.Save(tk))

	got, err := sched.SelectNext()
	require.NoError(t, err)
	assert.Nil(t, got, "time-locked task must not be selected")

	// Once the clock passes the lock, it becomes eligible.
	sched.now = func() time.Time { return later.Add(time.Second) }
	got, err = sched.SelectNext()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "deferred", got.ID)
}

func TestDependencyFailedSkipsDependent(t *testing.T) {
	sched, st := newTestScheduler(t)

	t0 := task("T0", 50, time.Now())
	t0.State.Status = types.TaskFailed
	require.NoError(t, st.Save(t0))

	t1 := task("T1", 50, time.Now())
	t1.Policy.DependsOn = []string{"T0"}
	require.NoError(t, st.Save(t1))

	got, err := sched.SelectNext()
	require.NoError(t, err)
	assert.Nil(t, got)

	persisted, err := st.Get("T1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskSkipped, persisted.State.Status)
	require.NotEmpty(t, persisted.State.History)
	assert.Contains(t, persisted.State.History[len(persisted.State.History)-1].Message, "T0")
}

func TestDependencyChainGating(t *testing.T) {
	sched, st := newTestScheduler(t)

	tests := []struct {
		name      string
		depStatus types.TaskStatus
		selected  bool
	}{
		{"done dependency unblocks", types.TaskDone, true},
		{"running dependency blocks", types.TaskRunning, false},
		{"pending dependency blocks", types.TaskPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dep := task("dep", 50, time.Now())
			dep.State.Status = tt.depStatus
			if tt.depStatus == types.TaskRunning {
				now := time.Now()
				dep.State.StartedAt = &now
			}
			require.NoError(t, st.Save(dep))

			child := task("child", 50, time.Now())
			child.Policy.DependsOn = []string{"dep"}
			require.NoError(t, st.Save(child))

			got, err := sched.SelectNext()
			require.NoError(t, err)
			if tt.selected {
				require.NotNil(t, got)
				assert.Equal(t, "child", got.ID)
			} else {
				assert.Nil(t, got)
			}

			require.NoError(t, st.Delete("dep"))
			require.NoError(t, st.Delete("child"))
		})
	}
}

func TestMissingDependencyBlocksNotSkips(t *testing.T) {
	sched, st := newTestScheduler(t)

	tk := task("waiting", 50, time.Now())
	tk.Policy.DependsOn = []string{"not-created-yet"}
	require.NoError(t, st.Save(tk))

	got, err := sched.SelectNext()
	require.NoError(t, err)
	assert.Nil(t, got)

	persisted, err := st.Get("waiting")
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, persisted.State.Status,
		"missing dependency means wait, not skip")
}

func TestZombieRecovery(t *testing.T) {
	sched, st := newTestScheduler(t)

	started := time.Now().Add(-2 * time.Hour)
	zombie := task("zombie", 50, time.Now().Add(-3*time.Hour))
	zombie.State.Status = types.TaskRunning
	zombie.State.StartedAt = &started
	require.NoError(t, st.Save(zombie))

	_, err := sched.SelectNext()
	require.NoError(t, err)

	persisted, err := st.Get("zombie")
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, persisted.State.Status)
	assert.Contains(t, persisted.State.LastError, "recovered from stall")

	var recoveryEvent bool
	for _, ev := range persisted.State.History {
		if ev.Event == "recovery" {
			recoveryEvent = true
		}
	}
	assert.True(t, recoveryEvent, "recovery must be recorded in history")
}

func TestFreshRunningTaskNotRecovered(t *testing.T) {
	sched, st := newTestScheduler(t)

	started := time.Now().Add(-5 * time.Minute)
	running := task("active", 50, time.Now())
	running.State.Status = types.TaskRunning
	running.State.StartedAt = &started
	require.NoError(t, st.Save(running))

	_, err := sched.SelectNext()
	require.NoError(t, err)

	persisted, err := st.Get("active")
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, persisted.State.Status)
}
