package driver

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type nullInput struct{ id string }

func (nullInput) Type(context.Context, string) error  { return nil }
func (nullInput) Click(context.Context, string) error { return nil }

func TestRegistryCachesPerSession(t *testing.T) {
	builds := 0
	r := NewRegistry(func(sessionID string) *Driver {
		builds++
		return &Driver{Input: nullInput{id: sessionID}}
	})

	a := r.Get("sess-a")
	assert.Same(t, a, r.Get("sess-a"))
	assert.NotSame(t, a, r.Get("sess-b"))
	assert.Equal(t, 2, builds)
	assert.Equal(t, 2, r.Len())
}

func TestRegistryDispose(t *testing.T) {
	r := NewRegistry(func(string) *Driver { return &Driver{} })

	first := r.Get("sess-a")
	r.Dispose("sess-a")
	assert.Equal(t, 0, r.Len())

	// A fresh session gets a fresh driver, never the disposed one.
	assert.NotSame(t, first, r.Get("sess-a"))
}

func TestRegistryDisposeUnknownIsNoop(t *testing.T) {
	r := NewRegistry(func(string) *Driver { return &Driver{} })
	r.Dispose("never-created")
	assert.Equal(t, 0, r.Len())
}

func TestRegistryConcurrentGet(t *testing.T) {
	r := NewRegistry(func(sessionID string) *Driver {
		return &Driver{Input: nullInput{id: sessionID}}
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Get(fmt.Sprintf("sess-%d", n%4))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 4, r.Len())
}
