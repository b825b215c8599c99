package runtime

import (
	"fmt"
	"sync"
)

// MockFunc is a stand-in for a guest export in the mock host: a plain Go
// closure invoked instead of a compiled WASM function.
type MockFunc func(args ...interface{}) (interface{}, error)

// MockHost implements the same lifecycle surface as Host without
// involving wasmtime at all, for unit tests of callers that only need a
// Loaded/Initialized/Executing state machine and don't exercise fuel or
// memory limiting.
type MockHost struct {
	mu      sync.Mutex
	modules map[string]*mockModule
}

type mockModule struct {
	state   State
	err     error
	exports map[string]MockFunc
	gasUsed uint64
}

// NewMockHost creates an empty mock runtime host.
func NewMockHost() *MockHost {
	return &MockHost{modules: make(map[string]*mockModule)}
}

// Load registers a module by name with a set of named mock exports in
// place of compiled WASM bytes.
func (h *MockHost) Load(name string, exports map[string]MockFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.modules[name]; exists {
		return fmt.Errorf("%w: %s", ErrModuleAlreadyLoaded, name)
	}
	h.modules[name] = &mockModule{state: StateLoaded, exports: exports}
	return nil
}

func (h *MockHost) get(name string) (*mockModule, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.modules[name]
	if !ok {
		return nil, fmt.Errorf("mockhost: module not found: %s", name)
	}
	return m, nil
}

// Initialize transitions Loaded -> Initialized.
func (h *MockHost) Initialize(name string) error {
	m, err := h.get(name)
	if err != nil {
		return err
	}
	if m.state != StateLoaded {
		return fmt.Errorf("mockhost: module %s not in Loaded state", name)
	}
	m.state = StateInitialized
	return nil
}

// SetFault replaces a named export so that every later call fails with
// outcome, for exercising trap/out-of-gas handling paths in callers.
func (h *MockHost) SetFault(name, fnName string, outcome Outcome, cause error) {
	m, err := h.get(name)
	if err != nil {
		return
	}
	m.exports[fnName] = func(args ...interface{}) (interface{}, error) {
		return outcome, cause
	}
}

// Execute invokes the mock export, applying the same non-fatal-vs-fatal
// state transition rules as Host.Execute.
func (h *MockHost) Execute(name, fnName string, args ...interface{}) (interface{}, Result, error) {
	m, err := h.get(name)
	if err != nil {
		return nil, Result{}, err
	}
	if m.state != StateInitialized {
		return nil, Result{}, fmt.Errorf("mockhost: module %s not Initialized", name)
	}
	fn, ok := m.exports[fnName]
	if !ok {
		return nil, Result{Outcome: OutcomeExecutionError}, fmt.Errorf("mockhost: export not found: %s", fnName)
	}

	m.state = StateExecuting
	val, callErr := fn(args...)
	if callErr == nil {
		m.state = StateInitialized
		return val, Result{Outcome: OutcomeSuccess}, nil
	}

	if outcome, ok := val.(Outcome); ok {
		switch outcome {
		case OutcomeOutOfGas, OutcomeMemoryLimitExceeded, OutcomeExecutionError:
			m.state = StateInitialized
		default:
			m.state = StateError
			m.err = callErr
		}
		return nil, Result{Outcome: outcome, Err: callErr}, callErr
	}

	m.state = StateInitialized
	return nil, Result{Outcome: OutcomeExecutionError, Err: callErr}, callErr
}

// Dispatch invokes the named mock export with payload as its sole argument,
// matching Host.Dispatch's (name, fnName, payload) -> (code, Result, error)
// shape without needing a real guest allocator or linear memory. Exports
// that want to report a result code should return an int32 from their
// MockFunc; anything else is reported as code 0 on success.
func (h *MockHost) Dispatch(name, fnName string, payload []byte) (int32, Result, error) {
	val, res, err := h.Execute(name, fnName, payload)
	if err != nil {
		return 0, res, err
	}
	if code, ok := val.(int32); ok {
		return code, res, nil
	}
	return 0, res, nil
}

// Recover reinitializes a module in the Error state.
func (h *MockHost) Recover(name string) error {
	m, err := h.get(name)
	if err != nil {
		return err
	}
	if m.state != StateError {
		return fmt.Errorf("mockhost: module %s not in Error state", name)
	}
	m.state = StateInitialized
	m.err = nil
	return nil
}

// Cleanup drops a module's registration.
func (h *MockHost) Cleanup(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.modules[name]; !ok {
		return fmt.Errorf("mockhost: module not found: %s", name)
	}
	delete(h.modules, name)
	return nil
}

// GetState returns a module's current lifecycle state.
func (h *MockHost) GetState(name string) (State, error) {
	m, err := h.get(name)
	if err != nil {
		return 0, err
	}
	return m.state, nil
}
