package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/helium/pkg/capability"
	"github.com/cuemby/helium/pkg/store"
	"github.com/cuemby/helium/pkg/types"
)

func newTestVFS(t *testing.T) (*VFS, *capability.Manager) {
	t.Helper()
	caps := capability.NewManager()
	v := New(caps)
	v.MountNamespace("auth", store.NewMemStore())
	return v, caps
}

func grantReadWrite(t *testing.T, caps *capability.Manager, module, ns string) {
	t.Helper()
	require.NoError(t, caps.Grant(module, types.Capability{Kind: types.CapWriteState, Param: ns}, capability.SystemGranter, false))
}

func TestVFSWriteVisibility(t *testing.T) {
	v, caps := newTestVFS(t)
	grantReadWrite(t, caps, "m", "auth")

	fd, err := v.Create("m", "/auth/accounts/a1")
	require.NoError(t, err)

	n, err := v.Write(fd, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, v.Close(fd))

	fd2, err := v.Open("m", "/auth/accounts/a1", false)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err = v.Read(fd2, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestVFSDirectoryListing(t *testing.T) {
	v, caps := newTestVFS(t)
	grantReadWrite(t, caps, "m", "auth")

	for _, k := range []string{"accounts/addr1", "accounts/addr2", "validators/val1"} {
		fd, err := v.Create("m", "/auth/"+k)
		require.NoError(t, err)
		_, err = v.Write(fd, []byte("x"))
		require.NoError(t, err)
		require.NoError(t, v.Close(fd))
	}

	fd, err := v.Open("m", "/auth/", false)
	require.NoError(t, err)
	buf := make([]byte, 256)
	n, err := v.Read(fd, buf)
	require.NoError(t, err)
	listing := string(buf[:n])
	assert.Contains(t, listing, "accounts/addr1")
	assert.Contains(t, listing, "accounts/addr2")
	assert.Contains(t, listing, "validators/val1")
}

func TestVFSDescriptorsStartAtThree(t *testing.T) {
	v, caps := newTestVFS(t)
	grantReadWrite(t, caps, "m", "auth")

	fd, err := v.Create("m", "/auth/k")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fd, firstReservedFD)
}

func TestVFSDeniesWithoutCapability(t *testing.T) {
	v, _ := newTestVFS(t)
	_, err := v.Open("m", "/auth/accounts/a1", false)
	assert.Error(t, err)
}

func TestVFSCannotWriteDirectory(t *testing.T) {
	v, caps := newTestVFS(t)
	grantReadWrite(t, caps, "m", "auth")

	fd, err := v.Open("m", "/auth/", true)
	require.NoError(t, err)
	_, err = v.Write(fd, []byte("x"))
	assert.Error(t, err)
}

func TestVFSSeekClampsToZero(t *testing.T) {
	v, caps := newTestVFS(t)
	grantReadWrite(t, caps, "m", "auth")

	fd, err := v.Create("m", "/auth/k")
	require.NoError(t, err)
	_, err = v.Write(fd, []byte("hello"))
	require.NoError(t, err)

	pos, err := v.Seek(fd, SeekCurrent, -100)
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
}
