package runtime

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockHostLifecycle(t *testing.T) {
	h := NewMockHost()
	called := false
	require.NoError(t, h.Load("m", map[string]MockFunc{
		"run": func(args ...interface{}) (interface{}, error) {
			called = true
			return "ok", nil
		},
	}))

	state, err := h.GetState("m")
	require.NoError(t, err)
	assert.Equal(t, StateLoaded, state)

	require.NoError(t, h.Initialize("m"))
	val, res, err := h.Execute("m", "run")
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "ok", val)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
}

func TestMockHostTrapIsFatal(t *testing.T) {
	h := NewMockHost()
	require.NoError(t, h.Load("m", map[string]MockFunc{"run": func(args ...interface{}) (interface{}, error) { return nil, nil }}))
	require.NoError(t, h.Initialize("m"))

	h.SetFault("m", "run", OutcomeTrap, errors.New("unreachable"))
	_, res, err := h.Execute("m", "run")
	assert.Error(t, err)
	assert.Equal(t, OutcomeTrap, res.Outcome)

	state, _ := h.GetState("m")
	assert.Equal(t, StateError, state)

	_, _, err = h.Execute("m", "run")
	assert.Error(t, err, "executing an errored module must fail")

	require.NoError(t, h.Recover("m"))
	state, _ = h.GetState("m")
	assert.Equal(t, StateInitialized, state)
}

func TestMockHostOutOfGasIsNonFatal(t *testing.T) {
	h := NewMockHost()
	require.NoError(t, h.Load("m", map[string]MockFunc{"run": func(args ...interface{}) (interface{}, error) { return nil, nil }}))
	require.NoError(t, h.Initialize("m"))

	h.SetFault("m", "run", OutcomeOutOfGas, errors.New("all fuel consumed"))
	_, res, err := h.Execute("m", "run")
	assert.Error(t, err)
	assert.Equal(t, OutcomeOutOfGas, res.Outcome)

	state, _ := h.GetState("m")
	assert.Equal(t, StateInitialized, state, "out-of-gas must not move the module to Error")
}

func TestMockHostCleanupRemovesModule(t *testing.T) {
	h := NewMockHost()
	require.NoError(t, h.Load("m", map[string]MockFunc{}))
	require.NoError(t, h.Cleanup("m"))
	_, err := h.GetState("m")
	assert.Error(t, err)
}

func TestMockHostDuplicateLoad(t *testing.T) {
	h := NewMockHost()
	require.NoError(t, h.Load("m", map[string]MockFunc{}))
	err := h.Load("m", map[string]MockFunc{})
	assert.ErrorIs(t, err, ErrModuleAlreadyLoaded)
}
