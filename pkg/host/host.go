// Package host is the composition root: it assembles the namespace store,
// capability manager, VFS, WASM runtime, ABI contexts, module router,
// governance, and the driver-facing adapter into one startable process.
package host

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	wasmtime "github.com/bytecodealliance/wasmtime-go/v25"

	"github.com/cuemby/helium/pkg/abi"
	"github.com/cuemby/helium/pkg/adapter"
	"github.com/cuemby/helium/pkg/capability"
	"github.com/cuemby/helium/pkg/config"
	"github.com/cuemby/helium/pkg/events"
	"github.com/cuemby/helium/pkg/governance"
	"github.com/cuemby/helium/pkg/log"
	"github.com/cuemby/helium/pkg/metrics"
	"github.com/cuemby/helium/pkg/router"
	"github.com/cuemby/helium/pkg/runtime"
	"github.com/cuemby/helium/pkg/store"
	"github.com/cuemby/helium/pkg/types"
	"github.com/cuemby/helium/pkg/vfs"
)

// governanceIdentity is the module identity governance's registry
// persistence writes through the VFS as.
const governanceIdentity = "governance"

// Host owns every subsystem of one running process. Construction wires
// them; Start brings up the background pieces; Stop tears down in reverse
// order.
type Host struct {
	cfg config.HostConfig

	store     store.Store
	caps      *capability.Manager
	vfs       *vfs.VFS
	engine    *runtime.Host
	router    *router.Router
	gov       *governance.Governance
	adapter   *adapter.Adapter
	broker    *events.Broker
	collector *metrics.Collector

	metricsSrv *http.Server

	mu       sync.Mutex
	contexts map[string]*abi.Context
}

// New assembles a host from cfg. Nothing starts running until Start.
func New(cfg config.HostConfig) (*Host, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("host: create data dir: %w", err)
	}
	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("host: open store: %w", err)
	}

	caps := capability.NewManager()
	v := vfs.New(caps)
	for _, ns := range append([]string{"system", "state"}, cfg.Namespaces...) {
		v.MountNamespace(ns, st)
	}
	if err := caps.Grant(governanceIdentity, types.Capability{Kind: types.CapWriteState, Param: "system"}, capability.SystemGranter, false); err != nil {
		st.Close()
		return nil, fmt.Errorf("host: grant governance capability: %w", err)
	}

	h := &Host{
		cfg:      cfg,
		store:    st,
		caps:     caps,
		vfs:      v,
		broker:   events.NewBroker(),
		contexts: make(map[string]*abi.Context),
	}

	engine, err := runtime.NewHost(h.linkModule)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("host: build engine: %w", err)
	}
	h.engine = engine

	h.router = router.New(engine, cfg.MailboxCapacity)
	h.gov = governance.New(h.router, governance.LoaderFunc(engine.Load), v, cfg.GovernanceAuthority)
	h.gov.SetEngine(engine)
	h.gov.SetCapabilities(caps)
	h.adapter = adapter.New(h.router, v, h.broker)
	h.collector = metrics.NewCollector(h.gov, 0)

	return h, nil
}

// contextFor returns (creating if needed) the per-module ABI context. The
// one-shot execution path passes an empty name and shares a throwaway
// context with no module identity.
func (h *Host) contextFor(name string) *abi.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ctx, ok := h.contexts[name]; ok {
		return ctx
	}
	ctx := abi.NewContext(name, h.caps, h.vfs)
	ctx.Sender = h.router
	ctx.Receiver = h.router
	ctx.Recorder = h.adapter
	h.contexts[name] = ctx
	return ctx
}

func (h *Host) linkModule(name string, linker *wasmtime.Linker) error {
	return abi.Link(h.contextFor(name))(linker)
}

// Start restores persisted registries, preloads configured modules, and
// brings up the broker, collector, and metrics listener.
func (h *Host) Start() error {
	h.broker.Start()
	h.collector.Start()

	metrics.RegisterComponent("store", true, "")
	metrics.RegisterComponent("runtime", true, "")

	if err := h.gov.Restore(); err != nil {
		return err
	}

	for _, entry := range h.discoverModules() {
		if !entry.Preload {
			continue
		}
		if err := h.preload(entry); err != nil {
			return fmt.Errorf("host: preload %s: %w", entry.Name, err)
		}
	}
	metrics.RegisterComponent("router", true, "")

	if h.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		h.metricsSrv = &http.Server{Addr: h.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := h.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("metrics listener failed", err)
			}
		}()
	}

	hostLogger := log.WithComponent("host")
	hostLogger.Info().
		Str("chain_id", h.cfg.ChainID).
		Int("modules", len(h.cfg.Modules)).
		Msg("host started")
	return nil
}

// discoverModules merges the explicitly-configured module entries with a
// scan of the module directory. Configured entries win on name collision;
// a scanned module's sibling manifest is parsed when present.
func (h *Host) discoverModules() []types.ModuleManifestEntry {
	entries := append([]types.ModuleManifestEntry(nil), h.cfg.Modules...)
	known := make(map[string]bool, len(entries))
	for _, e := range entries {
		known[e.Name] = true
	}

	if h.cfg.ModuleDir == "" {
		return entries
	}
	if _, err := os.Stat(h.cfg.ModuleDir); err != nil {
		return entries
	}
	scanned, err := router.ScanManifests(h.cfg.ModuleDir)
	if err != nil {
		log.Errorf("module directory scan failed", err)
		return entries
	}
	for _, sm := range scanned {
		entry := sm.Entry
		if sm.ManifestPath != "" {
			parsed, err := config.LoadManifest(sm.ManifestPath)
			if err != nil {
				log.Errorf("module manifest rejected", err)
				continue
			}
			parsed.Path = entry.Path
			parsed.Preload = true
			entry = parsed
		}
		if known[entry.Name] {
			continue
		}
		known[entry.Name] = true
		entries = append(entries, entry)
	}
	return entries
}

// preload loads one manifest entry's WASM from disk, grants its declared
// capabilities plus the defaults, and registers it with the router. The
// special-role names ante, begin, end, and decoder claim their reserved
// component kinds.
func (h *Host) preload(entry types.ModuleManifestEntry) error {
	wasmBytes, err := os.ReadFile(entry.Path)
	if err != nil {
		return fmt.Errorf("read wasm: %w", err)
	}
	if err := h.engine.Load(entry.Name, wasmBytes); err != nil {
		return err
	}
	exports, err := h.engine.ExportNames(entry.Name)
	if err != nil {
		return err
	}
	kind := kindForName(entry.Name)
	if err := governance.ValidateExports(exports, kind); err != nil {
		return err
	}

	mc := h.cfg.ModuleConfig(entry)
	if err := h.engine.SetLimits(entry.Name, runtime.Limits{
		GasLimit:    mc.GasLimit,
		MemoryBytes: mc.MemoryLimit,
	}); err != nil {
		return err
	}

	if err := h.caps.GrantDefaults(entry.Name); err != nil {
		return err
	}
	for _, capStr := range entry.Capabilities {
		c, err := types.ParseCapability(capStr)
		if err != nil {
			return fmt.Errorf("capability %q: %w", capStr, err)
		}
		if err := h.caps.Grant(entry.Name, c, capability.SystemGranter, false); err != nil {
			return err
		}
	}

	return h.router.Register(&router.ModuleHandle{
		Name:   entry.Name,
		Kind:   kind,
		Config: mc,
	})
}

// kindForName maps the reserved special-role module names onto their
// component kinds; everything else is an ordinary module.
func kindForName(name string) router.ComponentKind {
	switch name {
	case "ante":
		return router.ComponentAnteHandler
	case "begin":
		return router.ComponentBeginBlocker
	case "end":
		return router.ComponentEndBlocker
	case "decoder":
		return router.ComponentTxDecoder
	default:
		return router.ComponentModule
	}
}

// Stop shuts the host down: metrics listener, collector, broker, store.
func (h *Host) Stop() error {
	if h.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.metricsSrv.Shutdown(ctx)
	}
	h.collector.Stop()
	h.broker.Stop()
	if err := h.store.Close(); err != nil {
		return fmt.Errorf("host: close store: %w", err)
	}
	stopLogger := log.WithComponent("host")
	stopLogger.Info().Msg("host stopped")
	return nil
}

// Adapter returns the driver-facing request surface.
func (h *Host) Adapter() *adapter.Adapter { return h.adapter }

// Governance returns the module lifecycle handler.
func (h *Host) Governance() *governance.Governance { return h.gov }

// Router returns the module router.
func (h *Host) Router() *router.Router { return h.router }

// Engine returns the WASM runtime host.
func (h *Host) Engine() *runtime.Host { return h.engine }

// VFS returns the virtual filesystem.
func (h *Host) VFS() *vfs.VFS { return h.vfs }

// Capabilities returns the capability manager.
func (h *Host) Capabilities() *capability.Manager { return h.caps }

// Events returns the event broker.
func (h *Host) Events() *events.Broker { return h.broker }

// ExportModuleState serializes every key under a module's state namespace
// into a flat map, the hot-reload companion to ImportModuleState.
func (h *Host) ExportModuleState(name string) (map[string][]byte, error) {
	prefix := name + "/"
	keys, err := h.store.ListPrefix("state", prefix)
	if err != nil {
		return nil, fmt.Errorf("host: export state for %s: %w", name, err)
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := h.store.Get("state", k)
		if err != nil {
			return nil, fmt.Errorf("host: export key %s: %w", k, err)
		}
		out[k[len(prefix):]] = v
	}
	return out, nil
}

// ImportModuleState writes a previously-exported state map back under the
// module's state namespace.
func (h *Host) ImportModuleState(name string, state map[string][]byte) error {
	for k, v := range state {
		if err := h.store.Set("state", name+"/"+k, v); err != nil {
			return fmt.Errorf("host: import key %s: %w", k, err)
		}
	}
	return nil
}

// ReloadModule hot-reloads a module from its originally-loaded bytes,
// preserving its state namespace untouched.
func (h *Host) ReloadModule(name string) error {
	return h.engine.Reload(name)
}
