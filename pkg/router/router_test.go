package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/helium/pkg/capability"
	"github.com/cuemby/helium/pkg/runtime"
	"github.com/cuemby/helium/pkg/store"
	"github.com/cuemby/helium/pkg/types"
	"github.com/cuemby/helium/pkg/vfs"
)

func newTestVFS(t *testing.T, grantee string) *vfs.VFS {
	t.Helper()
	caps := capability.NewManager()
	require.NoError(t, caps.Grant(grantee, types.Capability{Kind: types.CapWriteState, Param: "state"}, capability.SystemGranter, false))
	v := vfs.New(caps)
	v.MountNamespace("state", store.NewMemStore())
	return v
}

func registerModule(t *testing.T, r *Router, engine *runtime.MockHost, name string, deps []string, msgTypes []string, exports map[string]runtime.MockFunc) {
	t.Helper()
	require.NoError(t, engine.Load(name, exports))
	err := r.Register(&ModuleHandle{
		Name: name,
		Kind: ComponentModule,
		Config: types.ModuleConfig{
			Name:         name,
			MessageTypes: msgTypes,
			Dependencies: deps,
		},
	})
	require.NoError(t, err)
}

func TestRegisterRejectsUnknownDependency(t *testing.T) {
	engine := runtime.NewMockHost()
	r := New(engine, 0)

	err := r.Register(&ModuleHandle{
		Name: "bank",
		Config: types.ModuleConfig{
			Name:         "bank",
			Dependencies: []string{"auth"},
		},
	})
	assert.Error(t, err)
}

func TestInitializeAllRespectsDependencyOrder(t *testing.T) {
	engine := runtime.NewMockHost()
	r := New(engine, 0)

	registerModule(t, r, engine, "auth", nil, nil, map[string]runtime.MockFunc{})
	registerModule(t, r, engine, "bank", []string{"auth"}, []string{"bank.Send"}, map[string]runtime.MockFunc{})

	order, err := r.topoOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"auth", "bank"}, order)

	require.NoError(t, r.InitializeAll())

	st, err := engine.GetState("auth")
	require.NoError(t, err)
	assert.Equal(t, runtime.StateInitialized, st)

	st, err = engine.GetState("bank")
	require.NoError(t, err)
	assert.Equal(t, runtime.StateInitialized, st)
}

func TestInitializeAllDetectsCycle(t *testing.T) {
	engine := runtime.NewMockHost()
	r := New(engine, 0)

	require.NoError(t, engine.Load("a", map[string]runtime.MockFunc{}))
	require.NoError(t, engine.Load("b", map[string]runtime.MockFunc{}))

	r.modules["a"] = &ModuleHandle{Name: "a", Config: types.ModuleConfig{Name: "a", Dependencies: []string{"b"}}}
	r.modules["b"] = &ModuleHandle{Name: "b", Config: types.ModuleConfig{Name: "b", Dependencies: []string{"a"}}}

	err := r.InitializeAll()
	assert.Error(t, err)
}

func TestDispatchRoutesByMessageType(t *testing.T) {
	engine := runtime.NewMockHost()
	r := New(engine, 0)

	var received []byte
	registerModule(t, r, engine, "bank", nil, []string{"bank.Send"}, map[string]runtime.MockFunc{
		"handle_message": func(args ...interface{}) (interface{}, error) {
			received = args[0].([]byte)
			return int32(0), nil
		},
	})
	require.NoError(t, r.InitializeAll())

	res, err := r.Dispatch(nil, ExecutionContext{
		MessageType:  "bank.Send",
		MessageBytes: []byte("payload"),
		ExecMode:     ExecModeFinalize,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), res.Code)
	assert.Equal(t, []byte("payload"), received)
}

func TestDispatchUnknownMessageType(t *testing.T) {
	engine := runtime.NewMockHost()
	r := New(engine, 0)

	_, err := r.Dispatch(nil, ExecutionContext{MessageType: "nope"})
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestDispatchNonDurableModeDiscardsWrites(t *testing.T) {
	engine := runtime.NewMockHost()
	r := New(engine, 0)
	v := newTestVFS(t, "bank")

	registerModule(t, r, engine, "bank", nil, []string{"bank.Send"}, map[string]runtime.MockFunc{
		"handle_message": func(args ...interface{}) (interface{}, error) {
			fd, err := v.Create("bank", "/state/balance")
			require.NoError(t, err)
			_, err = v.Write(fd, []byte("100"))
			require.NoError(t, err)
			require.NoError(t, v.Close(fd))
			return int32(0), nil
		},
	})
	require.NoError(t, r.InitializeAll())

	_, err := r.Dispatch(v, ExecutionContext{
		MessageType: "bank.Send",
		ExecMode:    ExecModeCheck,
	})
	require.NoError(t, err)

	_, err = v.Stat("bank", "/state/balance")
	assert.Error(t, err, "Check-mode writes must not persist")
}

func TestSendReceiveMailbox(t *testing.T) {
	engine := runtime.NewMockHost()
	r := New(engine, 0)
	registerModule(t, r, engine, "bank", nil, nil, map[string]runtime.MockFunc{})

	require.NoError(t, r.Send("auth", "bank", []byte("hi")))
	payload, ok := r.Receive("bank")
	require.True(t, ok)
	assert.Equal(t, []byte("hi"), payload)

	_, ok = r.Receive("bank")
	assert.False(t, ok)
}

func TestSendMailboxFull(t *testing.T) {
	engine := runtime.NewMockHost()
	r := New(engine, 1)
	registerModule(t, r, engine, "bank", nil, nil, map[string]runtime.MockFunc{})

	require.NoError(t, r.Send("auth", "bank", []byte("first")))
	err := r.Send("auth", "bank", []byte("second"))
	assert.ErrorIs(t, err, ErrMailboxFull)
}

func TestDrainBlockEmptiesAllMailboxes(t *testing.T) {
	engine := runtime.NewMockHost()
	r := New(engine, 0)
	registerModule(t, r, engine, "bank", nil, nil, map[string]runtime.MockFunc{})

	require.NoError(t, r.Send("auth", "bank", []byte("hi")))
	r.DrainBlock()

	_, ok := r.Receive("bank")
	assert.False(t, ok)
}

func TestGetModuleNeverReturnsNilWithoutError(t *testing.T) {
	engine := runtime.NewMockHost()
	r := New(engine, 0)
	registerModule(t, r, engine, "bank", nil, nil, map[string]runtime.MockFunc{})

	h, err := r.GetModule("bank")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "bank", h.Name)

	_, err = r.GetModule("missing")
	assert.Error(t, err)
}

func TestRegisterDecoderAndDecode(t *testing.T) {
	engine := runtime.NewMockHost()
	r := New(engine, 0)

	r.RegisterDecoder("bank.Send", func(data []byte) (interface{}, error) {
		return string(data), nil
	})

	out, err := r.Decode("bank.Send", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	_, err = r.Decode("unregistered", nil)
	assert.Error(t, err)
}
