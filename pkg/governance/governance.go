// Package governance implements the authority-gated module lifecycle:
// storing WASM bytecode, installing a module from stored code, and
// upgrading an installed module to a newer code ID. Every mutation is
// persisted to the virtual filesystem so a restart can rebuild both
// registries from durable state.
package governance

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/helium/pkg/capability"
	"github.com/cuemby/helium/pkg/metrics"
	"github.com/cuemby/helium/pkg/router"
	"github.com/cuemby/helium/pkg/runtime"
	"github.com/cuemby/helium/pkg/security"
	"github.com/cuemby/helium/pkg/types"
	"github.com/cuemby/helium/pkg/vfs"
)

const (
	codeRegistryPath   = "/system/code_registry"
	moduleRegistryPath = "/system/module_registry"
	governanceModule   = "governance"
)

// ErrUnauthorized is returned when a caller other than the configured
// governance authority attempts a governed operation.
var ErrUnauthorized = fmt.Errorf("governance: unauthorized")

// ErrModuleExists is returned by InstallModule when a module with the given
// name is already installed.
var ErrModuleExists = fmt.Errorf("governance: module already installed")

// ErrCodeNotFound is returned when a code_id doesn't name a stored code.
var ErrCodeNotFound = fmt.Errorf("governance: code not found")

// ErrModuleNotFound is returned when a module_name doesn't name an
// installed module.
var ErrModuleNotFound = fmt.Errorf("governance: module not found")

// ErrIncompatibleVersion is returned by UpgradeModule when the new code's
// version doesn't lexically exceed the current one and force wasn't set.
var ErrIncompatibleVersion = fmt.Errorf("governance: new version is not newer than current")

// ErrInvalidWasm is returned when submitted bytes fail the WASM magic
// number/version check.
var ErrInvalidWasm = fmt.Errorf("governance: invalid wasm bytecode")

// ErrChecksumMismatch is returned when the submitted checksum doesn't
// match the SHA-256 of the submitted bytes.
var ErrChecksumMismatch = fmt.Errorf("governance: checksum mismatch")

// StoreCodeRequest carries a WASM submission awaiting a monotonic code_id.
type StoreCodeRequest struct {
	Authority string
	WasmBytes []byte
	Metadata  types.CodeMetadata
}

// InstallModuleRequest names a stored code and the configuration to
// install it under. InitData, when present, is handed to the guest's
// init_genesis export once the module is registered.
type InstallModuleRequest struct {
	Authority string
	CodeID    uint64
	Config    types.ModuleConfig
	Kind      router.ComponentKind
	Version   string
	InitData  []byte
}

// UpgradeModuleRequest names an installed module and the new code to
// replace it with. MigrationData, when present, is handed to the guest's
// pre_upgrade hook before the old code is unloaded and to post_upgrade
// after the new code is registered.
type UpgradeModuleRequest struct {
	Authority     string
	ModuleName    string
	NewCodeID     uint64
	MigrationData []byte
	Force         bool
}

// Loader loads compiled WASM bytes into the runtime engine under a module
// name, the one engine-specific step governance needs that the router
// interface doesn't cover (Load isn't part of runtime.Engine since the
// real and mock hosts take incompatible payload shapes).
type Loader interface {
	LoadModule(name string, wasmBytes []byte) error
}

// LoaderFunc adapts a plain function (e.g. runtime.Host.Load) to the
// Loader interface.
type LoaderFunc func(name string, wasmBytes []byte) error

// LoadModule implements Loader.
func (f LoaderFunc) LoadModule(name string, wasmBytes []byte) error { return f(name, wasmBytes) }

// Governance drives module lifecycle operations against a router, a
// loader, and the persisted code/module registries. The registry maps are
// protected by a single mutex; no guest is invoked while it is held.
type Governance struct {
	router    *router.Router
	loader    Loader
	engine    runtime.Engine
	caps      *capability.Manager
	vfsRef    *vfs.VFS
	authority string

	mu             sync.Mutex
	codeRegistry   map[uint64]types.StoredCode
	moduleRegistry map[string]types.InstalledModule
	nextCodeID     uint64
}

// New creates a governance handler. authority is the only identity
// StoreCode/InstallModule/UpgradeModule will accept as a caller.
func New(r *router.Router, loader Loader, vfsRef *vfs.VFS, authority string) *Governance {
	return &Governance{
		router:         r,
		loader:         loader,
		vfsRef:         vfsRef,
		authority:      authority,
		codeRegistry:   make(map[uint64]types.StoredCode),
		moduleRegistry: make(map[string]types.InstalledModule),
		nextCodeID:     1,
	}
}

// SetEngine wires the runtime engine governance uses for the optional
// install/upgrade guest hooks (init function, pre/post-upgrade). Without
// an engine the hooks are skipped.
func (g *Governance) SetEngine(engine runtime.Engine) {
	g.engine = engine
}

// SetCapabilities wires the capability manager install grants go through.
// Without one, installed modules receive no grants here and the caller
// owns capability setup.
func (g *Governance) SetCapabilities(caps *capability.Manager) {
	g.caps = caps
}

func validateWasm(code []byte) error {
	if len(code) < 8 {
		return ErrInvalidWasm
	}
	if code[0] != 0x00 || code[1] != 0x61 || code[2] != 0x73 || code[3] != 0x6d {
		return ErrInvalidWasm
	}
	version := uint32(code[4]) | uint32(code[5])<<8 | uint32(code[6])<<16 | uint32(code[7])<<24
	if version != 1 {
		return ErrInvalidWasm
	}
	return nil
}

// StoreCode verifies the submitted checksum, assigns the next code_id,
// and persists the code registry.
func (g *Governance) StoreCode(req StoreCodeRequest) (uint64, error) {
	if req.Authority != g.authority {
		metrics.GovernanceOperations.WithLabelValues("store_code", "unauthorized").Inc()
		return 0, ErrUnauthorized
	}
	if err := validateWasm(req.WasmBytes); err != nil {
		metrics.GovernanceOperations.WithLabelValues("store_code", "invalid_wasm").Inc()
		return 0, err
	}
	if !security.VerifyChecksum(req.WasmBytes, req.Metadata.Checksum) {
		metrics.GovernanceOperations.WithLabelValues("store_code", "checksum_mismatch").Inc()
		return 0, ErrChecksumMismatch
	}

	g.mu.Lock()
	codeID := g.nextCodeID
	g.nextCodeID++

	g.codeRegistry[codeID] = types.StoredCode{
		CodeID:    codeID,
		WasmBytes: req.WasmBytes,
		Metadata:  req.Metadata,
		CreatedAt: time.Now(),
		Creator:   req.Authority,
	}
	g.mu.Unlock()

	if err := g.persistCodeRegistry(); err != nil {
		metrics.GovernanceOperations.WithLabelValues("store_code", "storage_error").Inc()
		return 0, err
	}

	metrics.CodeIDHighWatermark.Set(float64(codeID))
	metrics.GovernanceOperations.WithLabelValues("store_code", "ok").Inc()
	return codeID, nil
}

// InstallModule loads a stored code's bytes into the engine, registers it
// with the router, and records the installation.
func (g *Governance) InstallModule(req InstallModuleRequest) error {
	if req.Authority != g.authority {
		metrics.GovernanceOperations.WithLabelValues("install_module", "unauthorized").Inc()
		return ErrUnauthorized
	}
	g.mu.Lock()
	_, exists := g.moduleRegistry[req.Config.Name]
	stored, ok := g.codeRegistry[req.CodeID]
	g.mu.Unlock()
	if exists {
		metrics.GovernanceOperations.WithLabelValues("install_module", "already_exists").Inc()
		return ErrModuleExists
	}
	if !ok {
		metrics.GovernanceOperations.WithLabelValues("install_module", "code_not_found").Inc()
		return ErrCodeNotFound
	}

	if err := g.loader.LoadModule(req.Config.Name, stored.WasmBytes); err != nil {
		metrics.GovernanceOperations.WithLabelValues("install_module", "load_error").Inc()
		return fmt.Errorf("governance: load module %s: %w", req.Config.Name, err)
	}

	if err := g.router.Register(&router.ModuleHandle{
		Name:   req.Config.Name,
		Kind:   req.Kind,
		Config: req.Config,
	}); err != nil {
		metrics.GovernanceOperations.WithLabelValues("install_module", "register_error").Inc()
		return fmt.Errorf("governance: register module %s: %w", req.Config.Name, err)
	}

	if g.caps != nil {
		if err := g.grantConfigured(req.Config); err != nil {
			g.router.Unregister(req.Config.Name)
			metrics.GovernanceOperations.WithLabelValues("install_module", "grant_error").Inc()
			return err
		}
	}

	if g.engine != nil {
		if err := g.engine.Initialize(req.Config.Name); err != nil {
			g.router.Unregister(req.Config.Name)
			metrics.GovernanceOperations.WithLabelValues("install_module", "init_error").Inc()
			return fmt.Errorf("governance: initialize module %s: %w", req.Config.Name, err)
		}
		if len(req.InitData) > 0 {
			if err := g.dispatchOptional(req.Config.Name, "init_genesis", req.InitData); err != nil {
				metrics.GovernanceOperations.WithLabelValues("install_module", "init_error").Inc()
				return fmt.Errorf("governance: init module %s: %w", req.Config.Name, err)
			}
		}
	}

	version := req.Version
	if version == "" {
		version = stored.Metadata.Version
	}

	g.mu.Lock()
	g.moduleRegistry[req.Config.Name] = types.InstalledModule{
		Name:        req.Config.Name,
		CodeID:      req.CodeID,
		Config:      req.Config,
		InstalledAt: time.Now(),
		Authority:   req.Authority,
		Version:     version,
	}
	g.mu.Unlock()

	if err := g.persistModuleRegistry(); err != nil {
		metrics.GovernanceOperations.WithLabelValues("install_module", "storage_error").Inc()
		return err
	}

	metrics.GovernanceOperations.WithLabelValues("install_module", "ok").Inc()
	return nil
}

// grantConfigured issues the default grants plus every capability the
// module's configuration declares.
func (g *Governance) grantConfigured(cfg types.ModuleConfig) error {
	if err := g.caps.GrantDefaults(cfg.Name); err != nil {
		return fmt.Errorf("governance: default grants for %s: %w", cfg.Name, err)
	}
	for _, capStr := range cfg.Capabilities {
		c, err := types.ParseCapability(capStr)
		if err != nil {
			return fmt.Errorf("governance: capability %q for %s: %w", capStr, cfg.Name, err)
		}
		if err := g.caps.Grant(cfg.Name, c, capability.SystemGranter, false); err != nil {
			return fmt.Errorf("governance: grant %q to %s: %w", capStr, cfg.Name, err)
		}
	}
	return nil
}

// dispatchOptional invokes a guest export that may legitimately be absent
// (init/upgrade hooks), treating a missing export as a no-op and a nonzero
// result code as failure.
func (g *Governance) dispatchOptional(module, fnName string, payload []byte) error {
	code, _, err := g.engine.Dispatch(module, fnName, payload)
	if err != nil {
		if strings.Contains(err.Error(), "export not found") {
			return nil
		}
		return err
	}
	if code != 0 {
		return fmt.Errorf("governance: %s returned code %d", fnName, code)
	}
	return nil
}

// UpgradeModule replaces an installed module's code with a newer stored
// code, requiring the new version to lexically exceed the current one
// unless force is set.
func (g *Governance) UpgradeModule(req UpgradeModuleRequest) error {
	if req.Authority != g.authority {
		metrics.GovernanceOperations.WithLabelValues("upgrade_module", "unauthorized").Inc()
		return ErrUnauthorized
	}
	g.mu.Lock()
	current, ok := g.moduleRegistry[req.ModuleName]
	newCode, codeOK := g.codeRegistry[req.NewCodeID]
	g.mu.Unlock()
	if !ok {
		metrics.GovernanceOperations.WithLabelValues("upgrade_module", "not_found").Inc()
		return ErrModuleNotFound
	}
	if !codeOK {
		metrics.GovernanceOperations.WithLabelValues("upgrade_module", "code_not_found").Inc()
		return ErrCodeNotFound
	}
	if !req.Force && newCode.Metadata.Version <= current.Version {
		metrics.GovernanceOperations.WithLabelValues("upgrade_module", "incompatible_version").Inc()
		return ErrIncompatibleVersion
	}

	if g.engine != nil {
		if err := g.dispatchOptional(req.ModuleName, "pre_upgrade", req.MigrationData); err != nil {
			metrics.GovernanceOperations.WithLabelValues("upgrade_module", "pre_upgrade_error").Inc()
			return fmt.Errorf("governance: pre-upgrade hook for %s: %w", req.ModuleName, err)
		}
	}

	g.router.Unregister(req.ModuleName)
	if g.engine != nil {
		_ = g.engine.Cleanup(req.ModuleName)
	}

	if err := g.loader.LoadModule(req.ModuleName, newCode.WasmBytes); err != nil {
		metrics.GovernanceOperations.WithLabelValues("upgrade_module", "load_error").Inc()
		return fmt.Errorf("governance: load module %s: %w", req.ModuleName, err)
	}
	if err := g.router.Register(&router.ModuleHandle{
		Name:   req.ModuleName,
		Config: current.Config,
	}); err != nil {
		metrics.GovernanceOperations.WithLabelValues("upgrade_module", "register_error").Inc()
		return fmt.Errorf("governance: register module %s: %w", req.ModuleName, err)
	}

	if g.engine != nil {
		if err := g.engine.Initialize(req.ModuleName); err != nil {
			metrics.GovernanceOperations.WithLabelValues("upgrade_module", "init_error").Inc()
			return fmt.Errorf("governance: initialize module %s: %w", req.ModuleName, err)
		}
		if err := g.dispatchOptional(req.ModuleName, "post_upgrade", req.MigrationData); err != nil {
			metrics.GovernanceOperations.WithLabelValues("upgrade_module", "post_upgrade_error").Inc()
			return fmt.Errorf("governance: post-upgrade hook for %s: %w", req.ModuleName, err)
		}
	}

	now := time.Now()
	current.CodeID = req.NewCodeID
	current.UpgradedAt = &now
	current.Version = newCode.Metadata.Version
	g.mu.Lock()
	g.moduleRegistry[req.ModuleName] = current
	g.mu.Unlock()

	if err := g.persistModuleRegistry(); err != nil {
		metrics.GovernanceOperations.WithLabelValues("upgrade_module", "storage_error").Inc()
		return err
	}

	metrics.GovernanceOperations.WithLabelValues("upgrade_module", "ok").Inc()
	return nil
}

// UninstallModule removes an installed module entirely: unregistered from
// the router, dropped from the engine, and erased from the registry.
// Governance-only, like every other mutation here.
func (g *Governance) UninstallModule(authority, moduleName string) error {
	if authority != g.authority {
		metrics.GovernanceOperations.WithLabelValues("uninstall_module", "unauthorized").Inc()
		return ErrUnauthorized
	}
	g.mu.Lock()
	_, ok := g.moduleRegistry[moduleName]
	if ok {
		delete(g.moduleRegistry, moduleName)
	}
	g.mu.Unlock()
	if !ok {
		metrics.GovernanceOperations.WithLabelValues("uninstall_module", "not_found").Inc()
		return ErrModuleNotFound
	}

	g.router.Unregister(moduleName)
	if g.engine != nil {
		_ = g.engine.Cleanup(moduleName)
	}

	if err := g.persistModuleRegistry(); err != nil {
		metrics.GovernanceOperations.WithLabelValues("uninstall_module", "storage_error").Inc()
		return err
	}
	metrics.GovernanceOperations.WithLabelValues("uninstall_module", "ok").Inc()
	return nil
}

// GetCode returns a stored code entry by ID.
func (g *Governance) GetCode(codeID uint64) (types.StoredCode, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.codeRegistry[codeID]
	return c, ok
}

// GetModule returns an installed module's registry entry by name.
func (g *Governance) GetModule(name string) (types.InstalledModule, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.moduleRegistry[name]
	return m, ok
}

// ListCodes returns every stored code entry.
func (g *Governance) ListCodes() []types.StoredCode {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.StoredCode, 0, len(g.codeRegistry))
	for _, c := range g.codeRegistry {
		out = append(out, c)
	}
	return out
}

// ListModules returns every installed module entry.
func (g *Governance) ListModules() []types.InstalledModule {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.InstalledModule, 0, len(g.moduleRegistry))
	for _, m := range g.moduleRegistry {
		out = append(out, m)
	}
	return out
}

// InstalledModules reports the module registry's size, sampled by the
// metrics collector.
func (g *Governance) InstalledModules() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.moduleRegistry)
}

// StoredCodes reports the code registry's size, sampled by the metrics
// collector.
func (g *Governance) StoredCodes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.codeRegistry)
}

// Restore rebuilds both registries from their persisted VFS files, called
// once at startup before any governance traffic. Missing files are not an
// error; a fresh chain has neither registry yet.
func (g *Governance) Restore() error {
	if g.vfsRef == nil {
		return nil
	}
	var codes map[uint64]types.StoredCode
	if ok, err := g.readSystemFile(codeRegistryPath, &codes); err != nil {
		return fmt.Errorf("governance: restore code registry: %w", err)
	} else if ok {
		g.mu.Lock()
		g.codeRegistry = codes
		g.nextCodeID = 1
		for id := range codes {
			if id >= g.nextCodeID {
				g.nextCodeID = id + 1
			}
		}
		g.mu.Unlock()
	}

	var modules map[string]types.InstalledModule
	if ok, err := g.readSystemFile(moduleRegistryPath, &modules); err != nil {
		return fmt.Errorf("governance: restore module registry: %w", err)
	} else if ok {
		g.mu.Lock()
		g.moduleRegistry = modules
		g.mu.Unlock()
	}
	return nil
}

// readSystemFile reads and decodes a registry file, reporting (false, nil)
// when the file does not exist yet.
func (g *Governance) readSystemFile(path string, out interface{}) (bool, error) {
	if _, err := g.vfsRef.Stat(governanceModule, path); err != nil {
		return false, nil
	}
	fd, err := g.vfsRef.Open(governanceModule, path, false)
	if err != nil {
		return false, err
	}
	defer g.vfsRef.Close(fd)

	var data []byte
	buf := make([]byte, 64*1024)
	for {
		n, err := g.vfsRef.Read(fd, buf)
		if err != nil {
			return false, err
		}
		if n == 0 {
			break
		}
		data = append(data, buf[:n]...)
	}
	if len(data) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(data, out)
}

func (g *Governance) persistCodeRegistry() error {
	g.mu.Lock()
	data, err := json.Marshal(g.codeRegistry)
	g.mu.Unlock()
	if err != nil {
		return fmt.Errorf("governance: marshal code registry: %w", err)
	}
	return g.writeSystemFile(codeRegistryPath, data)
}

func (g *Governance) persistModuleRegistry() error {
	g.mu.Lock()
	data, err := json.Marshal(g.moduleRegistry)
	g.mu.Unlock()
	if err != nil {
		return fmt.Errorf("governance: marshal module registry: %w", err)
	}
	return g.writeSystemFile(moduleRegistryPath, data)
}

func (g *Governance) writeSystemFile(path string, data []byte) error {
	if g.vfsRef == nil {
		return nil
	}
	if _, err := g.vfsRef.Stat(governanceModule, path); err == nil {
		if err := g.vfsRef.Unlink(governanceModule, path); err != nil {
			return fmt.Errorf("governance: unlink %s: %w", path, err)
		}
	}
	fd, err := g.vfsRef.Create(governanceModule, path)
	if err != nil {
		return fmt.Errorf("governance: create %s: %w", path, err)
	}
	if _, err := g.vfsRef.Write(fd, data); err != nil {
		_ = g.vfsRef.Close(fd)
		return fmt.Errorf("governance: write %s: %w", path, err)
	}
	return g.vfsRef.Close(fd)
}

// ValidateExports checks that a module's export list covers every export
// a component of the given kind requires, invoked at load time before the
// module is registered with the router.
func ValidateExports(exports []string, kind router.ComponentKind) error {
	have := make(map[string]bool, len(exports))
	for _, name := range exports {
		have[name] = true
	}
	for _, name := range router.RequiredExports(kind) {
		if !have[name] {
			return fmt.Errorf("governance: module missing required export %q for %s", name, kind)
		}
	}
	return nil
}
