// Package runtime owns the WASM compilation engine and the per-module
// execution lifecycle: compile, instantiate, execute, recover, and tear
// down guest modules under fuel and memory limits, with trap recovery.
package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	wasmtime "github.com/bytecodealliance/wasmtime-go/v25"

	"github.com/cuemby/helium/pkg/metrics"
)

// State is a module instance's lifecycle state.
type State int

const (
	StateLoaded State = iota
	StateInitialized
	StateExecuting
	StateFinished
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateInitialized:
		return "initialized"
	case StateExecuting:
		return "executing"
	case StateFinished:
		return "finished"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome classifies the result of an Execute call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTrap
	OutcomeOutOfGas
	OutcomeMemoryLimitExceeded
	OutcomePanic
	OutcomeExecutionError
)

// Limits bounds a module instance's resource consumption. Must be a
// deterministic function of the module's configuration — no wall-clock
// input may influence it.
type Limits struct {
	GasLimit    uint64
	MemoryBytes uint64
}

// DefaultLimits mirrors the defaults the module loader historically used:
// 512MB memory, 10,000,000 units of fuel.
var DefaultLimits = Limits{GasLimit: 10_000_000, MemoryBytes: 512 * 1024 * 1024}

// ErrModuleAlreadyLoaded is returned by Load when the name is taken.
var ErrModuleAlreadyLoaded = errors.New("runtime: module already loaded")

// ErrModuleCompilation is returned by Load when the bytes don't compile.
var ErrModuleCompilation = errors.New("runtime: module compilation failed")

// HostLinker wires host functions into a guest's import namespace before
// instantiation. The module name lets the caller bind a per-module ABI
// context (capability set, state paths) to the functions it links.
type HostLinker func(name string, linker *wasmtime.Linker) error

// Module is a single loaded/instantiated guest.
type Module struct {
	Name  string
	State State
	Err   error

	limits   Limits
	engine   *wasmtime.Engine
	module   *wasmtime.Module
	bytes    []byte
	store    *wasmtime.Store
	linker   *wasmtime.Linker
	instance *wasmtime.Instance
	loadedAt time.Time

	mu sync.Mutex
}

// Host manages the compilation engine and all loaded module instances.
type Host struct {
	mu      sync.Mutex
	engine  *wasmtime.Engine
	modules map[string]*Module
	linker  HostLinker
}

// NewHost creates a runtime host with the engine configuration mandated
// for deterministic, sandboxed guest execution: 64-bit memory disabled,
// multi-memory allowed, fuel metering on, epoch-based interruption on,
// backtraces on.
func NewHost(link HostLinker) (*Host, error) {
	cfg := wasmtime.NewConfig()
	cfg.SetWasmMemory64(false)
	cfg.SetWasmMultiMemory(true)
	cfg.SetConsumeFuel(true)
	cfg.SetEpochInterruption(true)

	engine := wasmtime.NewEngineWithConfig(cfg)

	return &Host{
		engine:  engine,
		modules: make(map[string]*Module),
		linker:  link,
	}, nil
}

// Load compiles wasmBytes and registers it as Loaded. Fails if name is
// already taken or the bytes don't compile.
func (h *Host) Load(name string, wasmBytes []byte) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ModuleLoadDuration)

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.modules[name]; exists {
		return fmt.Errorf("%w: %s", ErrModuleAlreadyLoaded, name)
	}

	mod, err := wasmtime.NewModule(h.engine, wasmBytes)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrModuleCompilation, name, err)
	}

	h.modules[name] = &Module{
		Name:     name,
		State:    StateLoaded,
		engine:   h.engine,
		module:   mod,
		bytes:    wasmBytes,
		limits:   DefaultLimits,
		loadedAt: time.Now(),
	}
	metrics.ModulesLoaded.WithLabelValues(StateLoaded.String()).Inc()
	return nil
}

// ExportNames returns the names of every export the compiled module
// provides, for export-presence validation before registration.
func (h *Host) ExportNames(name string) ([]string, error) {
	m, err := h.get(name)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, exp := range m.module.Exports() {
		out = append(out, exp.Name())
	}
	return out, nil
}

// SetLimits overrides the resource limits applied at the next Initialize.
func (h *Host) SetLimits(name string, limits Limits) error {
	m, err := h.get(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.limits = limits
	m.mu.Unlock()
	return nil
}

func (h *Host) get(name string) (*Module, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.modules[name]
	if !ok {
		return nil, fmt.Errorf("runtime: module not found: %s", name)
	}
	return m, nil
}

// Initialize builds the per-instance store, links host functions, sets
// fuel, and instantiates the module, transitioning Loaded -> Initialized.
func (h *Host) Initialize(name string) error {
	m, err := h.get(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State != StateLoaded {
		return fmt.Errorf("runtime: module %s not in Loaded state (is %s)", name, m.State)
	}

	st := wasmtime.NewStore(h.engine)
	st.Limiter(int64(m.limits.MemoryBytes), -1, -1, -1, -1)
	// Epoch interruption is enabled engine-wide; without a deadline every
	// call would trap at the first epoch check.
	st.SetEpochDeadline(1)
	if err := st.SetFuel(m.limits.GasLimit); err != nil {
		return fmt.Errorf("runtime: set fuel: %w", err)
	}

	linker := wasmtime.NewLinker(h.engine)
	if h.linker != nil {
		if err := h.linker(name, linker); err != nil {
			return fmt.Errorf("runtime: link host functions: %w", err)
		}
	}

	instance, err := linker.Instantiate(st, m.module)
	if err != nil {
		return fmt.Errorf("runtime: instantiation failed for %s: %w", name, err)
	}

	m.store = st
	m.linker = linker
	m.instance = instance
	m.State = StateInitialized
	metrics.ModulesLoaded.WithLabelValues(StateInitialized.String()).Inc()
	return nil
}

// Result carries what Execute returns to its caller.
type Result struct {
	Outcome Outcome
	GasUsed uint64
	Err     error
}

// Execute invokes fnName with args (already written to guest memory by
// the caller) and classifies the outcome: success, trap, out-of-gas,
// memory-limit, panic, or a generic execution error. Out-of-fuel and
// memory-limit are non-fatal: the module remains Initialized. Traps and
// panics are fatal: the module moves to Error until Recover.
func (h *Host) Execute(name, fnName string, args ...interface{}) ([]wasmtime.Val, Result, error) {
	m, err := h.get(name)
	if err != nil {
		return nil, Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State != StateInitialized {
		return nil, Result{}, fmt.Errorf("runtime: module %s not Initialized (is %s)", name, m.State)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ModuleExecutionDuration, name)

	m.State = StateExecuting
	fuelBefore, _ := m.store.GetFuel()

	fn := m.instance.GetFunc(m.store, fnName)
	if fn == nil {
		m.State = StateInitialized
		return nil, Result{Outcome: OutcomeExecutionError}, fmt.Errorf("runtime: export not found: %s", fnName)
	}

	raw, callErr := fn.Call(m.store, args...)

	fuelAfter, _ := m.store.GetFuel()
	gasUsed := fuelBefore - fuelAfter
	metrics.GasConsumed.WithLabelValues(name).Observe(float64(gasUsed))

	if callErr == nil {
		m.State = StateInitialized
		metrics.ModuleExecutions.WithLabelValues(name, "success").Inc()
		return normalizeVals(raw), Result{Outcome: OutcomeSuccess, GasUsed: gasUsed}, nil
	}

	outcome, fatal := classify(callErr)
	switch outcome {
	case OutcomeOutOfGas, OutcomeMemoryLimitExceeded:
		m.State = StateInitialized
	default:
		if fatal {
			m.State = StateError
			m.Err = callErr
			metrics.ModuleTraps.WithLabelValues(name).Inc()
		} else {
			m.State = StateInitialized
		}
	}
	metrics.ModuleExecutions.WithLabelValues(name, outcomeLabel(outcome)).Inc()
	return nil, Result{Outcome: outcome, GasUsed: gasUsed, Err: callErr}, callErr
}

// normalizeVals folds wasmtime's single-value/multi-value return shapes
// into one []Val slice. fn.Call returns the bare Go value for a
// single-result function and []Val for multi-result ones.
func normalizeVals(raw interface{}) []wasmtime.Val {
	switch v := raw.(type) {
	case nil:
		return nil
	case []wasmtime.Val:
		return v
	case int32:
		return []wasmtime.Val{wasmtime.ValI32(v)}
	case int64:
		return []wasmtime.Val{wasmtime.ValI64(v)}
	case float32:
		return []wasmtime.Val{wasmtime.ValF32(v)}
	case float64:
		return []wasmtime.Val{wasmtime.ValF64(v)}
	default:
		return nil
	}
}

func outcomeLabel(o Outcome) string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTrap:
		return "trap"
	case OutcomeOutOfGas:
		return "out_of_gas"
	case OutcomeMemoryLimitExceeded:
		return "memory_limit"
	case OutcomePanic:
		return "panic"
	default:
		return "error"
	}
}

// classify maps a wasmtime call error onto an Outcome and whether it is
// fatal to the module's lifecycle.
func classify(err error) (Outcome, bool) {
	msg := err.Error()
	switch {
	case containsAny(msg, "all fuel consumed", "out of fuel"):
		return OutcomeOutOfGas, false
	case containsAny(msg, "memory size exceeds", "resource limit exceeded"):
		return OutcomeMemoryLimitExceeded, false
	case containsAny(msg, "unreachable", "wasm trap"):
		return OutcomeTrap, true
	case containsAny(msg, "panic"):
		return OutcomePanic, true
	default:
		return OutcomeExecutionError, false
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// Dispatch invokes fnName following the guest ABI calling convention every
// special-role and module guest export uses: the guest's own "alloc" export
// is called to reserve space for payload inside its linear memory, payload
// is copied there, and fnName is called with the resulting (ptr, len) pair.
// The single i32 the export returns is the guest's result code.
func (h *Host) Dispatch(name, fnName string, payload []byte) (int32, Result, error) {
	m, err := h.get(name)
	if err != nil {
		return 0, Result{}, err
	}

	m.mu.Lock()
	if m.State != StateInitialized {
		m.mu.Unlock()
		return 0, Result{}, fmt.Errorf("runtime: module %s not Initialized (is %s)", name, m.State)
	}
	store, instance := m.store, m.instance
	m.mu.Unlock()

	var ptr, ln int32
	if len(payload) > 0 {
		allocFn := instance.GetFunc(store, "alloc")
		if allocFn == nil {
			return 0, Result{}, fmt.Errorf("runtime: module %s exports no alloc", name)
		}
		raw, err := allocFn.Call(store, int32(len(payload)))
		if err != nil {
			return 0, Result{}, fmt.Errorf("runtime: guest alloc failed: %w", err)
		}
		p, ok := raw.(int32)
		if !ok {
			return 0, Result{}, fmt.Errorf("runtime: guest alloc returned non-i32")
		}
		mem := instance.GetExport(store, "memory")
		if mem == nil || mem.Memory() == nil {
			return 0, Result{}, fmt.Errorf("runtime: module %s exports no memory", name)
		}
		data := mem.Memory().UnsafeData(store)
		if p < 0 || int(p)+len(payload) > len(data) {
			return 0, Result{}, fmt.Errorf("runtime: guest allocation out of bounds")
		}
		copy(data[p:], payload)
		ptr, ln = p, int32(len(payload))
	}

	vals, res, err := h.Execute(name, fnName, ptr, ln)
	if err != nil {
		return 0, res, err
	}
	if len(vals) == 0 {
		return 0, res, nil
	}
	return vals[0].I32(), res, nil
}

// Engine is the subset of Host's surface the module router and host adapter
// depend on. MockHost satisfies it too, so callers can be tested against
// either without a wasmtime engine in the loop.
type Engine interface {
	Initialize(name string) error
	Dispatch(name, fnName string, payload []byte) (int32, Result, error)
	Recover(name string) error
	Cleanup(name string) error
	GetState(name string) (State, error)
}

// IOResult is what ExecuteWithIO returns: the guest's exit code and its
// captured standard streams.
type IOResult struct {
	ExitCode int32
	Stdout   []byte
	Stderr   []byte
}

// ExecuteWithIO is the one-shot execution path: compile wasmBytes,
// instantiate with WASI stdio wired to capture files, feed input on stdin,
// invoke ante_handle if exported else _start, and return the exit code and
// captured stdout/stderr. Nothing is registered; the instance is dropped
// when the call returns.
func (h *Host) ExecuteWithIO(wasmBytes, input []byte) (IOResult, error) {
	mod, err := wasmtime.NewModule(h.engine, wasmBytes)
	if err != nil {
		return IOResult{}, fmt.Errorf("runtime: compilation failed: %w", err)
	}

	dir, err := os.MkdirTemp("", "helium-io-*")
	if err != nil {
		return IOResult{}, fmt.Errorf("runtime: stdio scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	stdinPath := filepath.Join(dir, "stdin")
	stdoutPath := filepath.Join(dir, "stdout")
	stderrPath := filepath.Join(dir, "stderr")
	if err := os.WriteFile(stdinPath, input, 0600); err != nil {
		return IOResult{}, fmt.Errorf("runtime: write stdin: %w", err)
	}

	st := wasmtime.NewStore(h.engine)
	st.SetEpochDeadline(1)
	if err := st.SetFuel(DefaultLimits.GasLimit); err != nil {
		return IOResult{}, fmt.Errorf("runtime: set fuel: %w", err)
	}
	wasi := wasmtime.NewWasiConfig()
	if err := wasi.SetStdinFile(stdinPath); err != nil {
		return IOResult{}, fmt.Errorf("runtime: wasi stdin: %w", err)
	}
	if err := wasi.SetStdoutFile(stdoutPath); err != nil {
		return IOResult{}, fmt.Errorf("runtime: wasi stdout: %w", err)
	}
	if err := wasi.SetStderrFile(stderrPath); err != nil {
		return IOResult{}, fmt.Errorf("runtime: wasi stderr: %w", err)
	}
	st.SetWasi(wasi)

	linker := wasmtime.NewLinker(h.engine)
	if err := linker.DefineWasi(); err != nil {
		return IOResult{}, fmt.Errorf("runtime: define wasi: %w", err)
	}
	if h.linker != nil {
		if err := h.linker("", linker); err != nil {
			return IOResult{}, fmt.Errorf("runtime: link host functions: %w", err)
		}
	}

	instance, err := linker.Instantiate(st, mod)
	if err != nil {
		return IOResult{}, fmt.Errorf("runtime: instantiation failed: %w", err)
	}

	var exitCode int32
	if fn := instance.GetFunc(st, "ante_handle"); fn != nil {
		raw, callErr := fn.Call(st)
		if callErr != nil {
			exitCode = exitStatusOf(callErr)
		} else if code, ok := raw.(int32); ok {
			exitCode = code
		}
	} else if start := instance.GetFunc(st, "_start"); start != nil {
		if _, callErr := start.Call(st); callErr != nil {
			exitCode = exitStatusOf(callErr)
		}
	} else {
		return IOResult{}, fmt.Errorf("runtime: guest exports neither ante_handle nor _start")
	}

	stdout, _ := os.ReadFile(stdoutPath)
	stderr, _ := os.ReadFile(stderrPath)
	return IOResult{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}, nil
}

// exitStatusOf extracts a WASI exit status from a call error, defaulting
// to 1 for traps and other failures.
func exitStatusOf(err error) int32 {
	var werr *wasmtime.Error
	if ok := asWasmtimeError(err, &werr); ok {
		if status, exited := werr.ExitStatus(); exited {
			return status
		}
	}
	return 1
}

func asWasmtimeError(err error, target **wasmtime.Error) bool {
	we, ok := err.(*wasmtime.Error)
	if ok {
		*target = we
	}
	return ok
}

// Reload recompiles a module from its originally-loaded bytes and
// reinitializes it, dropping the previous instance. host.Host.ReloadModule
// is its caller.
func (h *Host) Reload(name string) error {
	m, err := h.get(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	bytes := m.bytes
	limits := m.limits
	m.mu.Unlock()

	if err := h.Cleanup(name); err != nil {
		return err
	}
	if err := h.Load(name, bytes); err != nil {
		return err
	}
	if err := h.SetLimits(name, limits); err != nil {
		return err
	}
	return h.Initialize(name)
}

// Recover reinitializes a module that is in the Error state, dropping its
// store and instance and rebuilding them.
func (h *Host) Recover(name string) error {
	m, err := h.get(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.State != StateError {
		m.mu.Unlock()
		return fmt.Errorf("runtime: module %s not in Error state", name)
	}
	m.State = StateLoaded
	m.Err = nil
	m.store = nil
	m.instance = nil
	m.linker = nil
	m.mu.Unlock()

	return h.Initialize(name)
}

// Cleanup drops a module's instance and registration entirely.
func (h *Host) Cleanup(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.modules[name]; !ok {
		return fmt.Errorf("runtime: module not found: %s", name)
	}
	delete(h.modules, name)
	return nil
}

// GetState returns a module's current lifecycle state.
func (h *Host) GetState(name string) (State, error) {
	m, err := h.get(name)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.State, nil
}

// Memory returns the guest's default linear memory for the instance, used
// by the ABI layer to validate and dereference (ptr, len) pairs.
func (h *Host) Memory(name string) (*wasmtime.Memory, *wasmtime.Store, error) {
	m, err := h.get(name)
	if err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mem := m.instance.GetExport(m.store, "memory")
	if mem == nil || mem.Memory() == nil {
		return nil, nil, fmt.Errorf("runtime: module %s exports no memory", name)
	}
	return mem.Memory(), m.store, nil
}
