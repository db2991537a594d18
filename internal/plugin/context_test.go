package plugin

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContext(t *testing.T) {
	pc := NewContext("run-1")

	require.NotNil(t, pc)
	assert.Equal(t, "run-1", pc.RunID)
	assert.Empty(t, pc.NodeID)
	assert.Zero(t, pc.Attempt)
}

func TestContext_WithState(t *testing.T) {
	root := NewContext("run-1")

	derived := root.WithState("enrich", "state-1", 2)

	assert.Equal(t, "run-1", derived.RunID)
	assert.Equal(t, "enrich", derived.NodeID)
	assert.Equal(t, "state-1", derived.StateID)
	assert.Equal(t, 2, derived.Attempt)

	// The root is untouched.
	assert.Empty(t, root.NodeID)
}

func TestContext_Limiter_SharedAcrossDerivedContexts(t *testing.T) {
	root := NewContext("run-1")
	a := root.WithState("enrich", "state-1", 0)
	b := root.WithState("classify", "state-2", 0)

	la := a.Limiter("llm", 10, 20)
	lb := b.Limiter("llm", 99, 1)

	// First creation wins; the name identifies the shared limiter.
	assert.Same(t, la, lb)

	other := a.Limiter("search", 5, 10)
	assert.NotSame(t, la, other)
}

func TestContext_Limiter_ConcurrentFirstUse(t *testing.T) {
	root := NewContext("run-1")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		limiters = make(map[any]struct{})
	)

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			l := root.Limiter("llm", 10, 20)

			mu.Lock()
			limiters[l] = struct{}{}
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Len(t, limiters, 1)
}
