package governance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/helium/pkg/capability"
	"github.com/cuemby/helium/pkg/router"
	"github.com/cuemby/helium/pkg/runtime"
	"github.com/cuemby/helium/pkg/security"
	"github.com/cuemby/helium/pkg/store"
	"github.com/cuemby/helium/pkg/types"
	"github.com/cuemby/helium/pkg/vfs"
)

const testAuthority = "governance_authority"

func validWasm() []byte {
	code := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	return append(code, make([]byte, 92)...)
}

type stubLoader struct {
	loaded map[string][]byte
	failOn string
}

func newStubLoader() *stubLoader { return &stubLoader{loaded: make(map[string][]byte)} }

func (s *stubLoader) LoadModule(name string, wasmBytes []byte) error {
	if name == s.failOn {
		return assert.AnError
	}
	s.loaded[name] = wasmBytes
	return nil
}

func newTestGovernance(t *testing.T) (*Governance, *router.Router, *stubLoader) {
	t.Helper()
	engine := runtime.NewMockHost()
	r := router.New(engine, 0)
	loader := newStubLoader()

	caps := capability.NewManager()
	require.NoError(t, caps.Grant(governanceModule, types.Capability{Kind: types.CapWriteState, Param: "system"}, capability.SystemGranter, false))
	v := vfs.New(caps)
	v.MountNamespace("system", store.NewMemStore())

	return New(r, loader, v, testAuthority), r, loader
}

func TestStoreCodeAssignsMonotonicIDs(t *testing.T) {
	g, _, _ := newTestGovernance(t)
	code := validWasm()
	checksum := security.Checksum(code)

	id1, err := g.StoreCode(StoreCodeRequest{
		Authority: testAuthority,
		WasmBytes: code,
		Metadata:  types.CodeMetadata{Version: "1.0.0", Checksum: checksum},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id1)

	id2, err := g.StoreCode(StoreCodeRequest{
		Authority: testAuthority,
		WasmBytes: code,
		Metadata:  types.CodeMetadata{Version: "1.0.1", Checksum: checksum},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id2)
}

func TestStoreCodeRejectsUnauthorized(t *testing.T) {
	g, _, _ := newTestGovernance(t)
	_, err := g.StoreCode(StoreCodeRequest{
		Authority: "someone_else",
		WasmBytes: validWasm(),
		Metadata:  types.CodeMetadata{Version: "1.0.0"},
	})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestStoreCodeRejectsInvalidMagic(t *testing.T) {
	g, _, _ := newTestGovernance(t)
	_, err := g.StoreCode(StoreCodeRequest{
		Authority: testAuthority,
		WasmBytes: []byte{0x12, 0x34, 0x56, 0x78, 0x01, 0x00, 0x00, 0x00},
		Metadata:  types.CodeMetadata{Version: "1.0.0"},
	})
	assert.ErrorIs(t, err, ErrInvalidWasm)
}

func TestStoreCodeRejectsChecksumMismatch(t *testing.T) {
	g, _, _ := newTestGovernance(t)
	var wrong [32]byte
	wrong[0] = 0xff
	_, err := g.StoreCode(StoreCodeRequest{
		Authority: testAuthority,
		WasmBytes: validWasm(),
		Metadata:  types.CodeMetadata{Version: "1.0.0", Checksum: wrong},
	})
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestInstallModuleHappyPath(t *testing.T) {
	g, r, loader := newTestGovernance(t)
	code := validWasm()
	id, err := g.StoreCode(StoreCodeRequest{Authority: testAuthority, WasmBytes: code, Metadata: types.CodeMetadata{Version: "1.0.0", Checksum: security.Checksum(code)}})
	require.NoError(t, err)

	err = g.InstallModule(InstallModuleRequest{
		Authority: testAuthority,
		CodeID:    id,
		Config:    types.ModuleConfig{Name: "bank", MessageTypes: []string{"bank.Send"}},
	})
	require.NoError(t, err)

	assert.Contains(t, loader.loaded, "bank")
	handle, err := r.GetModule("bank")
	require.NoError(t, err)
	assert.Equal(t, "bank", handle.Name)

	installed, ok := g.GetModule("bank")
	require.True(t, ok)
	assert.Equal(t, id, installed.CodeID)
	assert.Equal(t, "1.0.0", installed.Version)
}

func TestInstallModuleRejectsDuplicate(t *testing.T) {
	g, _, _ := newTestGovernance(t)
	code := validWasm()
	id, err := g.StoreCode(StoreCodeRequest{Authority: testAuthority, WasmBytes: code, Metadata: types.CodeMetadata{Version: "1.0.0", Checksum: security.Checksum(code)}})
	require.NoError(t, err)

	req := InstallModuleRequest{Authority: testAuthority, CodeID: id, Config: types.ModuleConfig{Name: "bank"}}
	require.NoError(t, g.InstallModule(req))

	err = g.InstallModule(req)
	assert.ErrorIs(t, err, ErrModuleExists)
}

func TestInstallModuleRejectsUnknownCode(t *testing.T) {
	g, _, _ := newTestGovernance(t)
	err := g.InstallModule(InstallModuleRequest{
		Authority: testAuthority,
		CodeID:    99,
		Config:    types.ModuleConfig{Name: "bank"},
	})
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestUpgradeModuleRequiresNewerVersion(t *testing.T) {
	g, _, _ := newTestGovernance(t)
	code := validWasm()
	id1, err := g.StoreCode(StoreCodeRequest{Authority: testAuthority, WasmBytes: code, Metadata: types.CodeMetadata{Version: "1.0.0", Checksum: security.Checksum(code)}})
	require.NoError(t, err)
	require.NoError(t, g.InstallModule(InstallModuleRequest{Authority: testAuthority, CodeID: id1, Config: types.ModuleConfig{Name: "bank"}}))

	id2, err := g.StoreCode(StoreCodeRequest{Authority: testAuthority, WasmBytes: code, Metadata: types.CodeMetadata{Version: "0.9.0", Checksum: security.Checksum(code)}})
	require.NoError(t, err)

	err = g.UpgradeModule(UpgradeModuleRequest{Authority: testAuthority, ModuleName: "bank", NewCodeID: id2})
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestUpgradeModuleForceSkipsVersionCheck(t *testing.T) {
	g, _, _ := newTestGovernance(t)
	code := validWasm()
	id1, err := g.StoreCode(StoreCodeRequest{Authority: testAuthority, WasmBytes: code, Metadata: types.CodeMetadata{Version: "1.0.0", Checksum: security.Checksum(code)}})
	require.NoError(t, err)
	require.NoError(t, g.InstallModule(InstallModuleRequest{Authority: testAuthority, CodeID: id1, Config: types.ModuleConfig{Name: "bank"}}))

	id2, err := g.StoreCode(StoreCodeRequest{Authority: testAuthority, WasmBytes: code, Metadata: types.CodeMetadata{Version: "0.9.0", Checksum: security.Checksum(code)}})
	require.NoError(t, err)

	err = g.UpgradeModule(UpgradeModuleRequest{Authority: testAuthority, ModuleName: "bank", NewCodeID: id2, Force: true})
	require.NoError(t, err)

	installed, ok := g.GetModule("bank")
	require.True(t, ok)
	assert.Equal(t, id2, installed.CodeID)
	assert.NotNil(t, installed.UpgradedAt)
}

func TestUpgradeModuleUnknownModule(t *testing.T) {
	g, _, _ := newTestGovernance(t)
	err := g.UpgradeModule(UpgradeModuleRequest{Authority: testAuthority, ModuleName: "missing", NewCodeID: 1})
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestUninstallModuleRemovesRegistration(t *testing.T) {
	g, r, _ := newTestGovernance(t)
	code := validWasm()
	id, err := g.StoreCode(StoreCodeRequest{Authority: testAuthority, WasmBytes: code, Metadata: types.CodeMetadata{Version: "1.0.0", Checksum: security.Checksum(code)}})
	require.NoError(t, err)
	require.NoError(t, g.InstallModule(InstallModuleRequest{Authority: testAuthority, CodeID: id, Config: types.ModuleConfig{Name: "bank"}}))

	require.NoError(t, g.UninstallModule(testAuthority, "bank"))

	_, ok := g.GetModule("bank")
	assert.False(t, ok)
	_, err = r.GetModule("bank")
	assert.Error(t, err)

	err = g.UninstallModule(testAuthority, "bank")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestUninstallModuleRejectsUnauthorized(t *testing.T) {
	g, _, _ := newTestGovernance(t)
	err := g.UninstallModule("someone_else", "bank")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRestoreRebuildsRegistries(t *testing.T) {
	engine := runtime.NewMockHost()
	r := router.New(engine, 0)
	loader := newStubLoader()

	caps := capability.NewManager()
	require.NoError(t, caps.Grant(governanceModule, types.Capability{Kind: types.CapWriteState, Param: "system"}, capability.SystemGranter, false))
	v := vfs.New(caps)
	v.MountNamespace("system", store.NewMemStore())

	g := New(r, loader, v, testAuthority)
	code := validWasm()
	id, err := g.StoreCode(StoreCodeRequest{Authority: testAuthority, WasmBytes: code, Metadata: types.CodeMetadata{Version: "1.0.0", Checksum: security.Checksum(code)}})
	require.NoError(t, err)
	require.NoError(t, g.InstallModule(InstallModuleRequest{Authority: testAuthority, CodeID: id, Config: types.ModuleConfig{Name: "bank"}}))

	// A second governance instance over the same VFS stands in for a
	// restarted process.
	g2 := New(router.New(runtime.NewMockHost(), 0), newStubLoader(), v, testAuthority)
	require.NoError(t, g2.Restore())

	restored, ok := g2.GetModule("bank")
	require.True(t, ok)
	assert.Equal(t, id, restored.CodeID)

	storedCode, ok := g2.GetCode(id)
	require.True(t, ok)
	assert.Equal(t, code, storedCode.WasmBytes)

	// code_id monotonicity must survive the restart
	id2, err := g2.StoreCode(StoreCodeRequest{Authority: testAuthority, WasmBytes: code, Metadata: types.CodeMetadata{Version: "1.0.1", Checksum: security.Checksum(code)}})
	require.NoError(t, err)
	assert.Equal(t, id+1, id2)
}
