package hostfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharefs/internal/common"
	"sharefs/internal/provider"
)

func mountTemp(t *testing.T) (provider.Share, string) {
	t.Helper()
	dir := t.TempDir()
	svc := New(map[string]string{"S": dir})
	require.NoError(t, svc.Connect(context.Background()))
	t.Cleanup(func() { svc.Disconnect() })

	sh, err := svc.Mount(context.Background(), "S")
	require.NoError(t, err)
	return sh, dir
}

func TestMountRequiresConnect(t *testing.T) {
	svc := New(map[string]string{"S": t.TempDir()})
	_, err := svc.Mount(context.Background(), "S")
	assert.ErrorIs(t, err, common.ErrNotConnected)

	require.NoError(t, svc.Connect(context.Background()))
	_, err = svc.Mount(context.Background(), "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestGetAttrClassifiesTypes(t *testing.T) {
	sh, dir := mountTemp(t)
	ctx := context.Background()

	require.NoError(t, os.Mkdir(filepath.Join(dir, "a"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "b.txt"), make([]byte, 42), 0644))
	require.NoError(t, os.Symlink("a/b.txt", filepath.Join(dir, "link")))

	st, err := sh.GetAttr(ctx, "/a")
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	st, err = sh.GetAttr(ctx, "/a/b.txt")
	require.NoError(t, err)
	assert.True(t, st.IsRegular())
	assert.Equal(t, int64(42), st.Size)

	st, err = sh.GetAttr(ctx, "/link")
	require.NoError(t, err)
	assert.True(t, st.IsSymlink())

	sh.SetShowSymlinks(false)
	st, err = sh.GetAttr(ctx, "/link")
	require.NoError(t, err)
	assert.True(t, st.IsRegular(), "links are followed when hidden")

	_, err = sh.GetAttr(ctx, "/missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestPathsStayInsideShare(t *testing.T) {
	sh, dir := mountTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inside"), []byte("x"), 0644))

	st, err := sh.GetAttr(context.Background(), "/../../inside")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Size)
}

func TestSymlinksCannotLeaveShare(t *testing.T) {
	sh, dir := mountTemp(t)
	ctx := context.Background()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0644))
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "esc")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret"), filepath.Join(dir, "leak")))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "ok"), []byte("ok"), 0644))
	require.NoError(t, os.Symlink("sub", filepath.Join(dir, "in")))

	t.Run("through an intermediate link", func(t *testing.T) {
		_, err := sh.GetAttr(ctx, "/esc/secret")
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, err = sh.Open(ctx, "/esc/secret", 0)
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, _, err = sh.Create(ctx, "/esc/planted", 0644)
		assert.ErrorIs(t, err, common.ErrNotFound)
		assert.ErrorIs(t, sh.Remove(ctx, "/esc/secret", false), common.ErrNotFound)
		_, err = sh.Readdir(ctx, "/esc", 0)
		assert.ErrorIs(t, err, common.ErrNotFound)

		_, err = os.Stat(filepath.Join(outside, "planted"))
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(filepath.Join(outside, "secret"))
		assert.NoError(t, err)
	})

	t.Run("final link is followed only inside", func(t *testing.T) {
		sh.SetShowSymlinks(false)
		defer sh.SetShowSymlinks(true)

		_, err := sh.Open(ctx, "/leak", 0)
		assert.ErrorIs(t, err, common.ErrNotFound)

		chain, err := sh.Readdir(ctx, "/", 0)
		require.NoError(t, err)
		entries, _, err := chain.ReadAt(0, 0)
		require.NoError(t, err)
		var names []string
		for _, e := range entries {
			names = append(names, e.Name)
		}
		assert.NotContains(t, names, "leak")
		assert.NotContains(t, names, "esc")
		assert.Contains(t, names, "in")
	})

	t.Run("links inside the share resolve", func(t *testing.T) {
		st, err := sh.GetAttr(ctx, "/in/ok")
		require.NoError(t, err)
		assert.Equal(t, int64(2), st.Size)
		h, err := sh.Open(ctx, "/in/ok", 0)
		require.NoError(t, err)
		require.NoError(t, sh.Close(ctx, h))
	})

	t.Run("link itself can be removed", func(t *testing.T) {
		require.NoError(t, sh.Remove(ctx, "/leak", true))
		_, err := os.Stat(filepath.Join(outside, "secret"))
		assert.NoError(t, err)
	})
}

func TestCreateReadWrite(t *testing.T) {
	sh, dir := mountTemp(t)
	ctx := context.Background()

	h, st, err := sh.Create(ctx, "/new.txt", 0640)
	require.NoError(t, err)
	assert.True(t, st.IsRegular())

	n, err := sh.Write(ctx, h, []byte("hello world"), 0)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	require.NoError(t, sh.Fsync(ctx, h))

	buf := make([]byte, 32)
	n, err = sh.Read(ctx, h, buf, 6)
	require.NoError(t, err, "short read is not an error")
	assert.Equal(t, "world", string(buf[:n]))
	require.NoError(t, sh.Close(ctx, h))
	assert.ErrorIs(t, sh.Close(ctx, h), common.ErrInvalidHandle)

	data, err := os.ReadFile(filepath.Join(dir, "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	_, _, err = sh.Create(ctx, "/new.txt", 0640)
	assert.ErrorIs(t, err, common.ErrExists)
}

func TestDirectoryOps(t *testing.T) {
	sh, dir := mountTemp(t)
	ctx := context.Background()

	_, err := sh.Mkdir(ctx, "/d", 0755)
	require.NoError(t, err)
	for _, name := range []string{"x", "y", "z"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "d", name), nil, 0644))
	}

	chain, err := sh.Readdir(ctx, "/d", 0)
	require.NoError(t, err)
	entries, _, err := chain.ReadAt(0, 0)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"x", "y", "z"}, names)

	assert.ErrorIs(t, sh.Rmdir(ctx, "/d"), common.ErrNotEmpty)
	require.NoError(t, sh.Remove(ctx, "/d/x", false))
	require.NoError(t, sh.Rename(ctx, "/d/y", "/d/w", false))
	_, err = sh.GetAttr(ctx, "/d/w")
	assert.NoError(t, err)

	_, err = sh.Readdir(ctx, "/nope", 0)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSymlinkRoundTrip(t *testing.T) {
	sh, _ := mountTemp(t)
	ctx := context.Background()

	st, err := sh.Symlink(ctx, "/l", "target/elsewhere")
	require.NoError(t, err)
	assert.True(t, st.IsSymlink())

	target, err := sh.Readlink(ctx, "/l")
	require.NoError(t, err)
	assert.Equal(t, "target/elsewhere", target)
}

func TestFSInfo(t *testing.T) {
	sh, _ := mountTemp(t)
	info, err := sh.FSInfo(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, info.BlockSize)
	assert.NotZero(t, info.MaxNameSize)
}

func TestDisconnectClosesHandles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0644))
	svc := New(map[string]string{"S": dir})
	require.NoError(t, svc.Connect(context.Background()))
	sh, err := svc.Mount(context.Background(), "S")
	require.NoError(t, err)

	h, err := sh.Open(context.Background(), "/f", provider.OpenRead)
	require.NoError(t, err)
	require.NoError(t, svc.Disconnect())

	_, err = sh.Read(context.Background(), h, make([]byte, 1), 0)
	assert.ErrorIs(t, err, common.ErrInvalidHandle)
}
