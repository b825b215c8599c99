// Package router maintains the message-type-to-module registry, resolves
// dependency order at initialization, dispatches decoded messages into the
// right guest's handle export, and carries the per-module IPC mailboxes
// host_ipc_send/host_ipc_receive draw from.
package router

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/helium/pkg/metrics"
	"github.com/cuemby/helium/pkg/runtime"
	"github.com/cuemby/helium/pkg/types"
	"github.com/cuemby/helium/pkg/vfs"
)

// ExecMode is the phase label the consensus driver attaches to a dispatch,
// determining whether state mutations the call makes are durable.
type ExecMode int

const (
	ExecModeCheck ExecMode = iota
	ExecModeReCheck
	ExecModeSimulate
	ExecModePrepareProposal
	ExecModeProcessProposal
	ExecModeVoteExtension
	ExecModeVerifyVoteExtension
	ExecModeFinalize
)

func (m ExecMode) String() string {
	switch m {
	case ExecModeCheck:
		return "check"
	case ExecModeReCheck:
		return "recheck"
	case ExecModeSimulate:
		return "simulate"
	case ExecModePrepareProposal:
		return "prepare_proposal"
	case ExecModeProcessProposal:
		return "process_proposal"
	case ExecModeVoteExtension:
		return "vote_extension"
	case ExecModeVerifyVoteExtension:
		return "verify_vote_extension"
	case ExecModeFinalize:
		return "finalize"
	default:
		return "unknown"
	}
}

// Durable reports whether state mutations performed under this mode should
// persist. Only Finalize is durable; every other mode runs against a
// discarded VFS overlay.
func (m ExecMode) Durable() bool { return m == ExecModeFinalize }

// ComponentKind tags what role a registered guest plays. No downcasting
// is needed anywhere; callers switch on the tag.
type ComponentKind int

const (
	ComponentModule ComponentKind = iota
	ComponentAnteHandler
	ComponentBeginBlocker
	ComponentEndBlocker
	ComponentTxDecoder
)

func (k ComponentKind) String() string {
	switch k {
	case ComponentAnteHandler:
		return "ante_handler"
	case ComponentBeginBlocker:
		return "begin_blocker"
	case ComponentEndBlocker:
		return "end_blocker"
	case ComponentTxDecoder:
		return "tx_decoder"
	default:
		return "module"
	}
}

// ReservedPrefix returns the special-role path prefix a component kind
// reserves under the VFS, or "" for ordinary modules.
func ReservedPrefix(k ComponentKind) string {
	switch k {
	case ComponentAnteHandler:
		return "/ante/"
	case ComponentBeginBlocker:
		return "/begin/"
	case ComponentEndBlocker:
		return "/end/"
	case ComponentTxDecoder:
		return "/decoder/"
	default:
		return ""
	}
}

// RequiredExports returns the guest exports a component of this kind must
// provide: the full handler surface for ordinary modules, a single entry
// point for each special-role guest.
func RequiredExports(k ComponentKind) []string {
	switch k {
	case ComponentAnteHandler:
		return []string{"ante_handle"}
	case ComponentBeginBlocker:
		return []string{"begin_block"}
	case ComponentEndBlocker:
		return []string{"end_block"}
	case ComponentTxDecoder:
		return []string{"decode_tx"}
	default:
		return []string{"init_genesis", "handle_message", "handle_query", "end_block"}
	}
}

// ModuleHandle is the tagged-union guest handle the router hands back for
// GetModule: a compiled module's identity and config, addressable without
// the caller needing to reach into the runtime host directly.
type ModuleHandle struct {
	Name   string
	Kind   ComponentKind
	Config types.ModuleConfig
}

// MessageDecoder converts a type_url's raw bytes into a decoded message the
// caller can route. Guests contribute decoders at load time rather than
// the host hard-coding message types.
type MessageDecoder func(data []byte) (interface{}, error)

// Message is a single IPC envelope routed through a module's mailbox.
type Message struct {
	ID      string
	From    string
	To      string
	Payload []byte
}

// ErrUnknownMessage is returned by Dispatch when no module claims the
// message type.
var ErrUnknownMessage = fmt.Errorf("router: unknown message type")

// ErrMailboxFull is returned by Send when a module's mailbox is at
// capacity. An unbounded guest-addressable queue would be a resource
// exhaustion vector in a metered sandbox.
var ErrMailboxFull = fmt.Errorf("router: mailbox full")

// DefaultMailboxCapacity bounds each module's inbound IPC queue.
const DefaultMailboxCapacity = 256

// ExecutionContext is the per-dispatch bundle Dispatch takes. Only
// MessageBytes is passed to the module's handle_message export, and
// ExecMode selects overlay or durable execution; GasLimit and TxContext
// are not passed to the guest.
type ExecutionContext struct {
	MessageType  string
	MessageBytes []byte
	GasLimit     uint64
	TxContext    []byte
	ExecMode     ExecMode
}

// DispatchResult is what Dispatch returns: the guest's result code and gas
// consumed. Events do not travel in it; guests emit them through
// host_emit_event.
type DispatchResult struct {
	Code    int32
	GasUsed uint64
}

// Router maintains the message-type/module/endpoint/dependency maps and
// the per-module IPC mailboxes. A single mutex protects all of it; no
// guest is ever invoked while the lock is held.
type Router struct {
	mu sync.Mutex

	engine     runtime.Engine
	modules    map[string]*ModuleHandle
	msgToMod   map[string]string
	endpoints  map[string][]string
	decoders   map[string]MessageDecoder
	mailboxes  map[string]chan Message
	mailboxCap int
}

// New creates a router dispatching through engine (a *runtime.Host or
// *runtime.MockHost), with mailboxes bounded at capacity messages.
func New(engine runtime.Engine, mailboxCapacity int) *Router {
	if mailboxCapacity <= 0 {
		mailboxCapacity = DefaultMailboxCapacity
	}
	return &Router{
		engine:     engine,
		modules:    make(map[string]*ModuleHandle),
		msgToMod:   make(map[string]string),
		endpoints:  make(map[string][]string),
		decoders:   make(map[string]MessageDecoder),
		mailboxes:  make(map[string]chan Message),
		mailboxCap: mailboxCapacity,
	}
}

// Register adds a module (already loaded into the engine by the caller)
// to the router's maps. Rejects registration if the config names a
// dependency that isn't already registered.
func (r *Router) Register(handle *ModuleHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dep := range handle.Config.Dependencies {
		if _, ok := r.modules[dep]; !ok {
			return fmt.Errorf("router: module %s depends on unregistered module %s", handle.Name, dep)
		}
	}

	r.modules[handle.Name] = handle
	for _, mt := range handle.Config.MessageTypes {
		r.msgToMod[mt] = handle.Name
	}
	for _, ep := range handle.Config.Endpoints {
		r.endpoints[ep] = append(r.endpoints[ep], handle.Name)
	}
	r.mailboxes[handle.Name] = make(chan Message, r.mailboxCap)
	return nil
}

// Unregister removes a module and its mailbox from the router entirely,
// used by governance's uninstall path.
func (r *Router) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.modules, name)
	for mt, mod := range r.msgToMod {
		if mod == name {
			delete(r.msgToMod, mt)
		}
	}
	for ep, mods := range r.endpoints {
		kept := mods[:0]
		for _, m := range mods {
			if m != name {
				kept = append(kept, m)
			}
		}
		r.endpoints[ep] = kept
	}
	delete(r.mailboxes, name)
}

// topoOrder returns registered module names in dependency order (a
// module's dependencies precede it), or an error if the dependency graph
// has a cycle. Iteration order over ties is alphabetical for determinism.
func (r *Router) topoOrder() ([]string, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(r.modules))
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("router: dependency cycle involving %s", name)
		case done:
			return nil
		}
		state[name] = visiting
		for _, dep := range r.modules[name].Config.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, name)
		return nil
	}

	names := make([]string, 0, len(r.modules))
	for n := range r.modules {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// InitializeAll walks every registered module in topological dependency
// order and initializes it on the engine (the caller must already have
// Load-ed each module's bytes).
func (r *Router) InitializeAll() error {
	r.mu.Lock()
	order, err := r.topoOrder()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	for _, name := range order {
		if err := r.engine.Initialize(name); err != nil {
			return fmt.Errorf("router: initialize %s: %w", name, err)
		}
	}
	return nil
}

// GetModule returns a copy of the registered handle for name: a real
// handle or an error, never a silent nil.
func (r *Router) GetModule(name string) (*ModuleHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.modules[name]
	if !ok {
		return nil, fmt.Errorf("router: module not found: %s", name)
	}
	cp := *h
	return &cp, nil
}

// Endpoint returns the modules registered against a given IPC endpoint
// name.
func (r *Router) Endpoint(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.endpoints[name]...)
}

// RegisterDecoder contributes a decoder for a message type_url.
func (r *Router) RegisterDecoder(typeURL string, dec MessageDecoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[typeURL] = dec
}

// Decode runs the registered decoder for typeURL, or fails if none was
// contributed.
func (r *Router) Decode(typeURL string, data []byte) (interface{}, error) {
	r.mu.Lock()
	dec, ok := r.decoders[typeURL]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("router: no decoder registered for %s", typeURL)
	}
	return dec(data)
}

// Dispatch routes a message to its module's handle export. Check, ReCheck,
// Simulate, and the proposal/vote-extension modes run the call against a
// vfsRef.WithOverlay sandbox so any writes the module makes are discarded;
// only Finalize writes survive. vfsRef may be nil (e.g. pure query paths
// with no state access), in which case Dispatch always runs directly.
func (r *Router) Dispatch(vfsRef *vfs.VFS, ectx ExecutionContext) (DispatchResult, error) {
	r.mu.Lock()
	moduleName, ok := r.msgToMod[ectx.MessageType]
	r.mu.Unlock()
	if !ok {
		metrics.RouterDispatchTotal.WithLabelValues(ectx.MessageType, "unknown").Inc()
		return DispatchResult{}, ErrUnknownMessage
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RouterDispatchDuration, ectx.MessageType)

	run := func() (DispatchResult, error) {
		code, res, err := r.engine.Dispatch(moduleName, "handle_message", ectx.MessageBytes)
		if err != nil {
			metrics.RouterDispatchTotal.WithLabelValues(ectx.MessageType, "error").Inc()
			return DispatchResult{}, err
		}
		metrics.RouterDispatchTotal.WithLabelValues(ectx.MessageType, "ok").Inc()
		return DispatchResult{Code: code, GasUsed: res.GasUsed}, nil
	}

	if ectx.ExecMode.Durable() || vfsRef == nil {
		return run()
	}

	var result DispatchResult
	err := vfsRef.WithOverlay(func() error {
		var rerr error
		result, rerr = run()
		return rerr
	})
	return result, err
}

// FindByKind returns the name of the first registered component with the
// given kind, scanning names alphabetically for determinism. Used by the
// host adapter to locate the special-role guests (ante-handler,
// begin/end-blocker, tx-decoder).
func (r *Router) FindByKind(kind ComponentKind) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.modules))
	for n, h := range r.modules {
		if h.Kind == kind {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	return names[0], true
}

// Invoke calls a named export on a specific registered module, applying the
// same overlay semantics as Dispatch: non-durable modes run against a
// discarded VFS overlay. This is the path the host adapter uses for the
// special-role guests, whose exports aren't reachable through a message
// type.
func (r *Router) Invoke(vfsRef *vfs.VFS, module, fnName string, payload []byte, mode ExecMode) (DispatchResult, error) {
	r.mu.Lock()
	_, ok := r.modules[module]
	r.mu.Unlock()
	if !ok {
		return DispatchResult{}, fmt.Errorf("router: module not found: %s", module)
	}

	run := func() (DispatchResult, error) {
		code, res, err := r.engine.Dispatch(module, fnName, payload)
		if err != nil {
			return DispatchResult{}, err
		}
		return DispatchResult{Code: code, GasUsed: res.GasUsed}, nil
	}

	if mode.Durable() || vfsRef == nil {
		return run()
	}
	var result DispatchResult
	err := vfsRef.WithOverlay(func() error {
		var rerr error
		result, rerr = run()
		return rerr
	})
	return result, err
}

// ScannedModule is one .wasm file found by ScanManifests, with the path
// of its sibling manifest when one exists.
type ScannedModule struct {
	Entry        types.ModuleManifestEntry
	ManifestPath string
}

// ScanManifests walks dir for .wasm files and builds a manifest entry per
// module found: a sibling <name>.yaml, when present, is the caller's to
// parse (its path is recorded in ManifestPath); otherwise defaults apply.
// Entries come back sorted by name.
func ScanManifests(dir string) ([]ScannedModule, error) {
	var out []ScannedModule
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".wasm") {
			return nil
		}
		name := strings.TrimSuffix(filepath.Base(path), ".wasm")
		sm := ScannedModule{Entry: types.ModuleManifestEntry{
			Name:    name,
			Path:    path,
			Preload: true,
		}}
		manifest := strings.TrimSuffix(path, ".wasm") + ".yaml"
		if _, serr := os.Stat(manifest); serr == nil {
			sm.ManifestPath = manifest
		}
		out = append(out, sm)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("router: scan %s: %w", dir, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.Name < out[j].Entry.Name })
	return out, nil
}

// Send enqueues payload into to's mailbox on behalf of from. Returns
// ErrMailboxFull if the target's queue is already at capacity rather than
// growing it unboundedly.
func (r *Router) Send(from, to string, payload []byte) error {
	r.mu.Lock()
	mb, ok := r.mailboxes[to]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("router: unknown module %s", to)
	}
	msg := Message{ID: uuid.New().String(), From: from, To: to, Payload: payload}
	select {
	case mb <- msg:
		metrics.IPCMailboxDepth.WithLabelValues(to).Set(float64(len(mb)))
		return nil
	default:
		return ErrMailboxFull
	}
}

// Receive pops the first queued message addressed to module, if any.
func (r *Router) Receive(module string) ([]byte, bool) {
	r.mu.Lock()
	mb, ok := r.mailboxes[module]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case msg := <-mb:
		metrics.IPCMailboxDepth.WithLabelValues(module).Set(float64(len(mb)))
		return msg.Payload, true
	default:
		return nil, false
	}
}

// DrainBlock empties every module's mailbox at the block boundary, so
// undelivered messages never survive across blocks.
func (r *Router) DrainBlock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, mb := range r.mailboxes {
		for len(mb) > 0 {
			<-mb
		}
		metrics.IPCMailboxDepth.WithLabelValues(name).Set(0)
	}
}
