package session

import (
	"sync"

	"sessiond/internal/engine"
)

// ModelContext owns the loaded model and its RunState. A Session has exactly
// one. Initialization is check-and-set: installing into an initialized
// context is a no-op success.
type ModelContext struct {
	params Params

	mu          sync.Mutex
	model       engine.Model
	state       *RunState
	initialized bool
}

func newModelContext(p Params) *ModelContext {
	return &ModelContext{params: p.withDefaults()}
}

// Params returns the parameters the context was created with.
func (mc *ModelContext) Params() Params { return mc.params }

// Initialized reports whether a model is installed.
func (mc *ModelContext) Initialized() bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.initialized
}

// install sets the model and run state unless the context is already
// initialized, in which case it reports false and the caller keeps ownership
// of m.
func (mc *ModelContext) install(m engine.Model, rs *RunState) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.initialized {
		return false
	}
	mc.model, mc.state, mc.initialized = m, rs, true
	return true
}

// Model and State may only be used from the session work queue.
func (mc *ModelContext) Model() engine.Model {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.model
}

func (mc *ModelContext) State() *RunState {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.state
}

// release closes the model and clears the context so the next load starts
// from scratch.
func (mc *ModelContext) release() error {
	mc.mu.Lock()
	m := mc.model
	mc.model, mc.state, mc.initialized = nil, nil, false
	mc.mu.Unlock()
	if m != nil {
		return m.Close()
	}
	return nil
}
