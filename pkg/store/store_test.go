package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStoreRoundTrip(t *testing.T, s Store) {
	_, err := s.Get("auth", "accounts/a1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set("auth", "accounts/a1", []byte("hello")))

	v, err := s.Get("auth", "accounts/a1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), v)

	has, err := s.Has("auth", "accounts/a1")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, s.Set("auth", "accounts/a2", []byte("world")))
	require.NoError(t, s.Set("auth", "validators/v1", []byte("x")))

	keys, err := s.ListPrefix("auth", "accounts/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"accounts/a1", "accounts/a2"}, keys)

	require.NoError(t, s.Delete("auth", "accounts/a1"))
	has, err = s.Has("auth", "accounts/a1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestMemStoreRoundTrip(t *testing.T) {
	testStoreRoundTrip(t, NewMemStore())
}

func TestBoltStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()

	testStoreRoundTrip(t, s)
}

func TestStoreNamespaceIsolation(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Set("a", "k", []byte("1")))
	_, err := s.Get("b", "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOverlayStoreStagesWithoutMutatingBase(t *testing.T) {
	base := NewMemStore()
	require.NoError(t, base.Set("auth", "k1", []byte("base")))

	o := NewOverlay(base)

	// reads fall through
	v, err := o.Get("auth", "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("base"), v)

	// writes stay in the overlay
	require.NoError(t, o.Set("auth", "k2", []byte("staged")))
	_, err = base.Get("auth", "k2")
	assert.ErrorIs(t, err, ErrNotFound)

	// deletes shadow the base without touching it
	require.NoError(t, o.Delete("auth", "k1"))
	_, err = o.Get("auth", "k1")
	assert.ErrorIs(t, err, ErrNotFound)
	v, err = base.Get("auth", "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("base"), v)

	// listings merge staged writes and respect staged deletes
	keys, err := o.ListPrefix("auth", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"k2"}, keys)
}

func TestOverlayStoreWriteAfterDelete(t *testing.T) {
	base := NewMemStore()
	require.NoError(t, base.Set("auth", "k", []byte("old")))

	o := NewOverlay(base)
	require.NoError(t, o.Delete("auth", "k"))
	require.NoError(t, o.Set("auth", "k", []byte("new")))

	v, err := o.Get("auth", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
}
