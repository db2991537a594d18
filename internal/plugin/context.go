package plugin

import (
	"sync"

	"golang.org/x/time/rate"
)

type (
	// Context is the typed ambient environment handed to every plugin
	// call. It carries the audit identifiers of the current attempt and a
	// run-scoped registry of named rate limiters, so plugins calling
	// external services (LLM clients, APIs) share throttling state without
	// reaching for process-wide globals.
	Context struct {
		RunID   string
		NodeID  string
		StateID string
		Attempt int

		limiters *limiterRegistry
	}

	limiterRegistry struct {
		mu sync.RWMutex
		m  map[string]*rate.Limiter
	}
)

// NewContext creates the run-scoped root context. Per-attempt contexts
// are derived with WithState and share the limiter registry.
func NewContext(runID string) *Context {
	return &Context{
		RunID:    runID,
		limiters: &limiterRegistry{m: make(map[string]*rate.Limiter)},
	}
}

// WithState derives a context for one execution attempt. The audit
// identifiers change; shared resources do not.
func (c *Context) WithState(nodeID, stateID string, attempt int) *Context {
	return &Context{
		RunID:    c.RunID,
		NodeID:   nodeID,
		StateID:  stateID,
		Attempt:  attempt,
		limiters: c.limiters,
	}
}

// Limiter returns the named shared rate limiter, creating it on first use
// with the given sustained rate and burst. Subsequent calls with the same
// name return the existing limiter regardless of the parameters.
func (c *Context) Limiter(name string, rps float64, burst int) *rate.Limiter {
	c.limiters.mu.RLock()
	l, ok := c.limiters.m[name]
	c.limiters.mu.RUnlock()

	if ok {
		return l
	}

	c.limiters.mu.Lock()
	defer c.limiters.mu.Unlock()

	if l, ok = c.limiters.m[name]; !ok {
		l = rate.NewLimiter(rate.Limit(rps), burst)
		c.limiters.m[name] = l
	}

	return l
}
