package lock

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	return m
}

func TestAcquireAndRelease(t *testing.T) {
	m := newTestManager(t)

	ok, err := m.Acquire("task-1", "chatgpt")
	require.NoError(t, err)
	assert.True(t, ok)

	holder, err := m.Holder("chatgpt")
	require.NoError(t, err)
	assert.Equal(t, "task-1", holder.TaskID)
	assert.Equal(t, os.Getpid(), holder.PID)

	require.NoError(t, m.Release("chatgpt"))
	_, err = m.Holder("chatgpt")
	assert.ErrorIs(t, err, ErrNotHeld)
}

func TestAcquireHeldByLiveOwner(t *testing.T) {
	m := newTestManager(t)

	ok, err := m.Acquire("task-1", "chatgpt")
	require.NoError(t, err)
	require.True(t, ok)

	// Same process counts as a live owner.
	ok, err = m.Acquire("task-2", "chatgpt")
	require.NoError(t, err)
	assert.False(t, ok, "second acquire for the same target must fail")

	// A different target is independent.
	ok, err = m.Acquire("task-2", "gemini")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireBreaksStaleLock(t *testing.T) {
	m := newTestManager(t)
	m.alive = func(int) bool { return false }

	ok, err := m.Acquire("task-1", "chatgpt")
	require.NoError(t, err)
	require.True(t, ok)

	// Owner is "dead": the lock is broken and re-acquired in one call.
	ok, err = m.Acquire("task-2", "chatgpt")
	require.NoError(t, err)
	assert.True(t, ok)

	holder, err := m.Holder("chatgpt")
	require.NoError(t, err)
	assert.Equal(t, "task-2", holder.TaskID)
}

func TestAcquireRemovesUnreadableLock(t *testing.T) {
	m := newTestManager(t)

	path := filepath.Join(m.dir, "RUNNING_chatgpt.lock")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	ok, err := m.Acquire("task-1", "chatgpt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseIdempotent(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Release("chatgpt"))
	require.NoError(t, m.Release("chatgpt"))

	_, err := os.Stat(filepath.Join(m.dir, "RUNNING_chatgpt.lock"))
	assert.True(t, os.IsNotExist(err))
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	m := newTestManager(t)

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan string, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := m.Acquire("task", "chatgpt")
			if err != nil {
				t.Errorf("acquire error: %v", err)
				return
			}
			if ok {
				wins <- "won"
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one concurrent acquire must succeed")
}

func TestInvalidTargetRejected(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Acquire("task-1", "../etc")
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.ErrorIs(t, m.Release("bad name"), ErrInvalidTarget)
}
