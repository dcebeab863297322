package vfs

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"sharefs/internal/cache"
	"sharefs/internal/common"
	"sharefs/internal/provider"
	"sharefs/internal/provider/providertest"
)

const testShare = "share"

type testEnv struct {
	fs    *ShareFS
	fake  *providertest.Fake
	clock *cache.ManualClock
}

func newTestEnv(t *testing.T, setup func(f *providertest.Fake), tweak func(o *Options)) *testEnv {
	t.Helper()
	fake := providertest.New(testShare)
	if setup != nil {
		setup(fake)
	}
	return mountEnv(t, fake, fake, tweak)
}

func mountEnv(t *testing.T, svc provider.Service, fake *providertest.Fake, tweak func(o *Options)) *testEnv {
	t.Helper()
	ctx := context.Background()
	clock := cache.NewManualClock(time.Unix(1700000000, 0))
	opts := DefaultOptions()
	opts.Clock = clock
	if tweak != nil {
		tweak(&opts)
	}
	require.NoError(t, svc.Connect(ctx))
	fs := New(svc, testShare, opts)
	require.NoError(t, fs.Mount(ctx))
	t.Cleanup(func() { _ = fs.Unmount(true) })
	return &testEnv{fs: fs, fake: fake, clock: clock}
}

func (e *testEnv) lookup(t *testing.T, path string) *Node {
	t.Helper()
	n, err := e.fs.LookupPath(context.Background(), path)
	require.NoError(t, err, "lookup %s", path)
	return n
}

func TestMountRequiresConnectedService(t *testing.T) {
	t.Parallel()

	fake := providertest.New(testShare)
	fs := New(fake, testShare, DefaultOptions())
	err := fs.Mount(context.Background())
	assert.ErrorIs(t, err, common.ErrNotConnected)
	assert.False(t, fs.Mounted())

	_, err = fs.Lookup(context.Background(), nil, "x", Query)
	assert.ErrorIs(t, err, common.ErrNotConnected)
}

func TestLookupConcurrentQueriesCreateOneNode(t *testing.T) {
	t.Parallel()

	const racers = 16
	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddFile("/f", 0644, []byte("hello"))
		f.AddFile("/g", 0644, nil)
	}, nil)

	// Hold every racer inside the remote call until all of them have
	// missed the table.
	var arrived sync.WaitGroup
	arrived.Add(racers)
	env.fake.Hook = func(op, path string) {
		if op == "getattr" && path == "/f" {
			arrived.Done()
			arrived.Wait()
		}
	}

	ctx := context.Background()
	nodes := make([]*Node, racers)
	var g errgroup.Group
	for i := 0; i < racers; i++ {
		i := i
		g.Go(func() error {
			n, err := env.fs.Lookup(ctx, env.fs.Root(), "f", Query)
			nodes[i] = n
			return err
		})
	}
	require.NoError(t, g.Wait())
	env.fake.Hook = nil

	for _, n := range nodes {
		assert.Same(t, nodes[0], n)
	}
	assert.Equal(t, 2, env.fs.Table().Len())
	assert.Equal(t, 1, env.fs.Table().ChildCount(env.fs.Root()))
	assert.Equal(t, racers, env.fake.Calls("getattr")-1) // minus the root at mount

	// Every racer consumed an inode number; none is handed out again.
	g2 := env.lookup(t, "/g")
	assert.Equal(t, firstIno+racers, g2.Ino())
}

func TestLookupSpecialNames(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddDir("/a", 0755)
	}, nil)
	ctx := context.Background()
	root := env.fs.Root()
	a := env.lookup(t, "/a")
	calls := env.fake.Calls("getattr")

	for _, name := range []string{"", "."} {
		n, err := env.fs.Lookup(ctx, a, name, Query)
		require.NoError(t, err)
		assert.Same(t, a, n)
	}

	n, err := env.fs.Lookup(ctx, root, "..", Query)
	require.NoError(t, err)
	assert.Same(t, root, n)

	n, err = env.fs.Lookup(ctx, a, "..", Query)
	require.NoError(t, err)
	assert.Same(t, root, n)

	_, err = env.fs.Lookup(ctx, a, ".", CreateDir(0755))
	assert.ErrorIs(t, err, common.ErrExists)

	_, err = env.fs.Lookup(ctx, root, "x/y", Query)
	assert.ErrorIs(t, err, common.ErrInvalidPath)

	assert.Equal(t, calls, env.fake.Calls("getattr"))
}

func TestLookupMissingPathCreatesNoNode(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)
	_, err := env.fs.Lookup(context.Background(), env.fs.Root(), "missing", Query)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, 1, env.fs.Table().Len())
	assert.Equal(t, 0, env.fs.Table().ChildCount(env.fs.Root()))
}

func TestLookupUnsupportedType(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddSpecial("/fifo", 0010644)
	}, nil)
	_, err := env.fs.Lookup(context.Background(), env.fs.Root(), "fifo", Query)
	assert.ErrorIs(t, err, common.ErrNotSupported)
	assert.Equal(t, 1, env.fs.Table().Len())
}

func TestLookupCachedNodeSkipsRemote(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddFile("/f", 0644, nil)
	}, nil)
	first := env.lookup(t, "/f")
	calls := env.fake.Calls("getattr")

	again := env.lookup(t, "/f")
	assert.Same(t, first, again)
	assert.Equal(t, calls, env.fake.Calls("getattr"))

	_, err := env.fs.Lookup(context.Background(), env.fs.Root(), "f", CreateFile(0644))
	assert.ErrorIs(t, err, common.ErrExists)
}

func TestEndToEndFileRead(t *testing.T) {
	t.Parallel()

	data := []byte(strings.Repeat("0123456789", 4) + "xy")
	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddDir("/a", 0755)
		f.AddFile("/a/b.txt", 0644, data)
	}, nil)
	ctx := context.Background()

	a, err := env.fs.Lookup(ctx, env.fs.Root(), "a", Query)
	require.NoError(t, err)
	b, err := env.fs.Lookup(ctx, a, "b.txt", Query)
	require.NoError(t, err)

	assert.Equal(t, TypeDir, a.Type())
	assert.Equal(t, TypeRegular, b.Type())
	assert.Greater(t, b.Ino(), a.Ino())
	assert.Greater(t, a.Ino(), RootIno)
	assert.Equal(t, 3, env.fs.Table().Len())
	assert.EqualValues(t, 42, b.CachedStat().Size)

	require.NoError(t, env.fs.Open(ctx, b, false))
	assert.NotZero(t, b.Handle())

	buf := make([]byte, 10)
	n, err := env.fs.Read(ctx, b, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, data[:10], buf)

	require.NoError(t, env.fs.Close(ctx, b))
	assert.Zero(t, b.Handle())
	assert.Equal(t, 0, env.fake.OpenHandles())
	assert.Equal(t, 0, env.fs.Table().OpenCount(b))

	assert.ErrorIs(t, env.fs.Close(ctx, b), common.ErrInvalidHandle)
}

func TestOpenSharesOneRemoteHandle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddFile("/f", 0644, []byte("abc"))
	}, nil)
	ctx := context.Background()
	f := env.lookup(t, "/f")

	require.NoError(t, env.fs.Open(ctx, f, false))
	require.NoError(t, env.fs.Open(ctx, f, true))
	assert.Equal(t, 1, env.fake.Calls("open"))
	assert.Equal(t, 2, env.fs.Table().OpenCount(f))

	require.NoError(t, env.fs.Close(ctx, f))
	assert.Equal(t, 1, env.fake.OpenHandles())
	require.NoError(t, env.fs.Close(ctx, f))
	assert.Equal(t, 0, env.fake.OpenHandles())
}

func TestReadLoopsInMaxIOChunks(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddFile("/f", 0644, []byte("0123456789"))
	}, func(o *Options) { o.MaxIO = 4 })
	ctx := context.Background()
	f := env.lookup(t, "/f")
	require.NoError(t, env.fs.Open(ctx, f, false))
	defer env.fs.Close(ctx, f)

	buf := make([]byte, 16)
	n, err := env.fs.Read(ctx, f, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "0123456789", string(buf[:n]))
	assert.Equal(t, 3, env.fake.Calls("read"))

	n, err = env.fs.Read(ctx, f, buf, 20)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReadRequiresOpen(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddFile("/f", 0644, []byte("abc"))
	}, nil)
	_, err := env.fs.Read(context.Background(), env.lookup(t, "/f"), make([]byte, 3), 0)
	assert.ErrorIs(t, err, common.ErrInvalidHandle)
}

func TestMakeStaleCascade(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddDir("/d", 0755)
		f.AddFile("/d/x", 0644, nil)
		f.AddFile("/d/y", 0644, []byte("open"))
		f.AddDir("/d/sub", 0755)
		f.AddFile("/d/sub/z", 0644, nil)
		f.AddFile("/other", 0644, nil)
	}, nil)
	ctx := context.Background()
	tbl := env.fs.Table()

	d := env.lookup(t, "/d")
	x := env.lookup(t, "/d/x")
	y := env.lookup(t, "/d/y")
	sub := env.lookup(t, "/d/sub")
	z := env.lookup(t, "/d/sub/z")
	other := env.lookup(t, "/other")
	require.NoError(t, env.fs.Open(ctx, y, false))

	env.fs.MakeStale(d)

	assert.Equal(t, Destroyed, tbl.Membership(x))
	assert.Equal(t, Destroyed, tbl.Membership(z))
	assert.Equal(t, Destroyed, tbl.Membership(sub))
	assert.Equal(t, Stale, tbl.Membership(y))
	assert.Equal(t, Stale, tbl.Membership(d))
	assert.Equal(t, Live, tbl.Membership(other))
	assert.Equal(t, 2, tbl.StaleLen())
	assert.Equal(t, 2, tbl.Len()) // root and /other
	assert.Equal(t, 1, tbl.ChildCount(d))

	// A fresh lookup builds a new node alongside the stale one.
	d2 := env.lookup(t, "/d")
	assert.NotSame(t, d, d2)
	assert.Greater(t, d2.Ino(), d.Ino())

	// The open handle keeps working until the last close reclaims it.
	buf := make([]byte, 4)
	n, err := env.fs.Read(ctx, y, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "open", string(buf[:n]))

	require.NoError(t, env.fs.Close(ctx, y))
	assert.Equal(t, Destroyed, tbl.Membership(y))
	assert.Equal(t, Destroyed, tbl.Membership(d))
	assert.Equal(t, 0, tbl.StaleLen())
}

func TestMakeStaleRootKeepsRoot(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddDir("/a", 0755)
		f.AddFile("/a/b", 0644, nil)
	}, nil)
	root := env.fs.Root()
	env.lookup(t, "/a/b")
	_, _, err := env.fs.ReadDir(context.Background(), root, 0, 0)
	require.NoError(t, err)
	require.True(t, root.HasDirList())

	env.fs.MakeStale(root)
	assert.Equal(t, Live, env.fs.Table().Membership(root))
	assert.Equal(t, 1, env.fs.Table().Len())
	assert.False(t, root.HasDirList())
}

func TestStaleChildClearsParentListing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddDir("/d", 0755)
		f.AddFile("/d/a", 0644, nil)
	}, nil)
	ctx := context.Background()
	d := env.lookup(t, "/d")
	entries, _, err := env.fs.ReadDir(ctx, d, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, d.HasDirList())

	env.fs.MakeStale(entries[0].Node)
	assert.False(t, d.HasDirList())
}

func TestReadDirPopulatesOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddDir("/d", 0755)
		f.AddFile("/d/one", 0644, []byte("1"))
		f.AddDir("/d/two", 0700)
		f.AddSymlink("/d/three", "one")
	}, nil)
	ctx := context.Background()
	d := env.lookup(t, "/d")

	entries, next, err := env.fs.ReadDir(ctx, d, 0, 0)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
		found, ok := env.fs.Table().Find("/d/" + e.Name)
		require.True(t, ok)
		assert.Same(t, found, e.Node)
		assert.Equal(t, found.Ino(), e.Attr.Ino)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"one", "three", "two"}, names)
	assert.Equal(t, 1, env.fake.Calls("readdir"))

	size, err := env.fs.DirSize(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, size, next)

	again, _, err := env.fs.ReadDir(ctx, d, 0, 0)
	require.NoError(t, err)
	assert.Len(t, again, 3)
	assert.Equal(t, 1, env.fake.Calls("readdir"))
	for i := range entries {
		assert.Equal(t, entries[i].Attr.Ino, again[i].Attr.Ino)
	}

	// Listed entries were materialised; lookups need no remote call.
	calls := env.fake.Calls("getattr")
	env.lookup(t, "/d/two")
	assert.Equal(t, calls, env.fake.Calls("getattr"))

	// Close drops the listing; the next read fetches it again.
	require.NoError(t, env.fs.Open(ctx, d, false))
	require.NoError(t, env.fs.Close(ctx, d))
	assert.False(t, d.HasDirList())
	_, _, err = env.fs.ReadDir(ctx, d, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, env.fake.Calls("readdir"))
}

func TestReadDirSmallBuffersResume(t *testing.T) {
	t.Parallel()

	// Two entries with two-character names fit in one buffer.
	bufSize := 2*provider.EntrySize("f1") + 4
	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddDir("/d", 0755)
		f.AddFile("/d/f1", 0644, nil)
		f.AddFile("/d/f2", 0644, nil)
		f.AddFile("/d/f3", 0644, nil)
	}, func(o *Options) { o.DirBufferSize = bufSize })
	ctx := context.Background()
	d := env.lookup(t, "/d")

	first, next, err := env.fs.ReadDir(ctx, d, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Len(t, d.dirList.Load().Buffers, 2)

	rest, end, err := env.fs.ReadDir(ctx, d, next, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)

	var names []string
	for _, e := range append(first, rest...) {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"f1", "f2", "f3"}, names)

	tail, after, err := env.fs.ReadDir(ctx, d, end, 0)
	require.NoError(t, err)
	assert.Empty(t, tail)
	assert.Equal(t, end, after)

	_, _, err = env.fs.ReadDir(ctx, d, next+1, 0)
	assert.ErrorIs(t, err, common.ErrInvalidOffset)
	assert.Equal(t, 1, env.fake.Calls("readdir"))
}

func TestReadDirOnFile(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddFile("/f", 0644, nil)
	}, nil)
	_, _, err := env.fs.ReadDir(context.Background(), env.lookup(t, "/f"), 0, 0)
	assert.ErrorIs(t, err, common.ErrNotDir)
}

func TestGetAttrHonoursTTL(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddFile("/f", 0644, make([]byte, 42))
	}, func(o *Options) { o.TTL = time.Second })
	ctx := context.Background()
	f := env.lookup(t, "/f")
	calls := env.fake.Calls("getattr")

	a, err := env.fs.GetAttr(ctx, f)
	require.NoError(t, err)
	assert.EqualValues(t, 42, a.Size)

	env.fake.SetSizeOOB("/f", 100)
	env.clock.Advance(500 * time.Millisecond)
	a, err = env.fs.GetAttr(ctx, f)
	require.NoError(t, err)
	assert.EqualValues(t, 42, a.Size)
	assert.Equal(t, calls, env.fake.Calls("getattr"))

	env.clock.Advance(500 * time.Millisecond)
	a, err = env.fs.GetAttr(ctx, f)
	require.NoError(t, err)
	assert.EqualValues(t, 100, a.Size)
	assert.Equal(t, calls+1, env.fake.Calls("getattr"))

	_, err = env.fs.GetAttr(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, calls+1, env.fake.Calls("getattr"))

	env.fs.Invalidate(f)
	_, err = env.fs.GetAttr(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, calls+2, env.fake.Calls("getattr"))
}

func TestGetAttrStalesVanishedNode(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddDir("/d", 0755)
		f.AddFile("/d/f", 0644, nil)
	}, nil)
	ctx := context.Background()
	d := env.lookup(t, "/d")
	f := env.lookup(t, "/d/f")

	env.fake.Delete("/d/f")
	env.clock.Advance(DefaultTTL)
	_, err := env.fs.GetAttr(ctx, f)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, Destroyed, env.fs.Table().Membership(f))
	assert.Equal(t, 0, env.fs.Table().ChildCount(d))

	_, err = env.fs.Lookup(ctx, d, "f", Query)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestOpenStalesVanishedNode(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddFile("/f", 0644, nil)
	}, nil)
	f := env.lookup(t, "/f")
	env.fake.Delete("/f")

	err := env.fs.Open(context.Background(), f, false)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, Destroyed, env.fs.Table().Membership(f))
}

func TestAttributesApplyOptions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddDir("/d", 0777)
		f.AddFile("/f", 0666, make([]byte, 1000))
		f.AddSymlink("/l", "f")
	}, func(o *Options) {
		o.UID, o.GID = 501, 20
		o.DMask = 022
		o.FileMode = 0640
		o.FMask = 0040
	})
	ctx := context.Background()

	d, err := env.fs.GetAttr(ctx, env.lookup(t, "/d"))
	require.NoError(t, err)
	assert.EqualValues(t, provider.ModeDir|0755, d.Mode)
	assert.EqualValues(t, 2, d.Nlink)
	assert.EqualValues(t, 501, d.UID)
	assert.EqualValues(t, 20, d.GID)

	f, err := env.fs.GetAttr(ctx, env.lookup(t, "/f"))
	require.NoError(t, err)
	assert.EqualValues(t, provider.ModeRegular|0600, f.Mode)
	assert.EqualValues(t, 1, f.Nlink)
	assert.EqualValues(t, 2, f.Blocks)
	assert.EqualValues(t, BlockSize, f.BlockSize)

	l, err := env.fs.GetAttr(ctx, env.lookup(t, "/l"))
	require.NoError(t, err)
	assert.Equal(t, TypeSymlink, l.Type)
	assert.EqualValues(t, provider.ModeSymlink|0600, l.Mode)

	target, err := env.fs.Readlink(ctx, env.lookup(t, "/l"))
	require.NoError(t, err)
	assert.Equal(t, "f", target)
}

func TestStatFS(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)
	st, err := env.fs.StatFS(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 4096, st.BlockSize)
	assert.EqualValues(t, 500, st.Blocks)
	assert.EqualValues(t, 400, st.BlocksAvail)
	assert.EqualValues(t, 100, st.Files)
	assert.EqualValues(t, 100, st.FilesFree)
	assert.EqualValues(t, 255, st.NameMax)
}

// createRaceService runs a callback between a successful remote create
// and the resolver's insert.
type createRaceService struct {
	*providertest.Fake
	afterCreate func()
}

func (s *createRaceService) Mount(ctx context.Context, share string) (provider.Share, error) {
	if _, err := s.Fake.Mount(ctx, share); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *createRaceService) Create(ctx context.Context, path string, mode uint32) (provider.Handle, provider.Stat, error) {
	h, st, err := s.Fake.Create(ctx, path, mode)
	if err == nil && s.afterCreate != nil {
		fn := s.afterCreate
		s.afterCreate = nil
		fn()
	}
	return h, st, err
}

func TestCreateAdoptsNodeInsertedByQuery(t *testing.T) {
	t.Parallel()

	fake := providertest.New(testShare)
	svc := &createRaceService{Fake: fake}
	env := mountEnv(t, svc, fake, nil)
	ctx := context.Background()
	root := env.fs.Root()

	var queried *Node
	svc.afterCreate = func() {
		var err error
		queried, err = env.fs.Lookup(ctx, root, "new", Query)
		require.NoError(t, err)
	}

	created, err := env.fs.Create(ctx, root, "new", 0644)
	require.NoError(t, err)
	require.NotNil(t, queried)
	assert.Same(t, queried, created)
	assert.Equal(t, 1, env.fs.Table().OpenCount(created))
	assert.NotZero(t, created.Handle())
	assert.Equal(t, 2, env.fs.Table().Len())

	n, err := env.fs.Write(ctx, created, []byte("data"), 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.NoError(t, env.fs.Close(ctx, created))
	assert.Equal(t, 0, fake.OpenHandles())
}

func TestCreateFailsWhenParentGoesStale(t *testing.T) {
	t.Parallel()

	fake := providertest.New(testShare)
	fake.AddDir("/d", 0755)
	svc := &createRaceService{Fake: fake}
	env := mountEnv(t, svc, fake, nil)
	ctx := context.Background()
	d := env.lookup(t, "/d")

	svc.afterCreate = func() { env.fs.MakeStale(d) }

	_, err := env.fs.Create(ctx, d, "f", 0644)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, 0, fake.OpenHandles())
	assert.Equal(t, Destroyed, env.fs.Table().Membership(d))
}

func TestCreateReturnsOpenNode(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	root := env.fs.Root()

	dir, err := env.fs.Mkdir(ctx, root, "dir", 0755)
	require.NoError(t, err)
	assert.Equal(t, TypeDir, dir.Type())

	f, err := env.fs.Create(ctx, dir, "f", 0600)
	require.NoError(t, err)
	assert.Equal(t, 1, env.fs.Table().OpenCount(f))
	assert.EqualValues(t, provider.ModeRegular|0600, f.CachedStat().Mode)

	_, err = env.fs.Write(ctx, f, []byte("hello"), 0)
	require.NoError(t, err)
	require.NoError(t, env.fs.Close(ctx, f))

	a, err := env.fs.GetAttr(ctx, f)
	require.NoError(t, err)
	assert.EqualValues(t, 5, a.Size)

	_, err = env.fs.Mkdir(ctx, root, "dir", 0755)
	assert.ErrorIs(t, err, common.ErrExists)
}

func TestReadOnlyMount(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name  string
		setup func(f *providertest.Fake)
		tweak func(o *Options)
	}{
		{"option", nil, func(o *Options) { o.ReadOnly = true }},
		{"host", func(f *providertest.Fake) { f.SetReadOnly(true) }, nil},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t, func(f *providertest.Fake) {
				f.AddFile("/f", 0644, []byte("abc"))
				if tc.setup != nil {
					tc.setup(f)
				}
			}, tc.tweak)
			ctx := context.Background()
			root := env.fs.Root()
			f := env.lookup(t, "/f")
			require.True(t, env.fs.ReadOnly())

			_, err := env.fs.Create(ctx, root, "new", 0644)
			assert.ErrorIs(t, err, common.ErrReadOnly)
			_, err = env.fs.Mkdir(ctx, root, "dir", 0755)
			assert.ErrorIs(t, err, common.ErrReadOnly)
			assert.ErrorIs(t, env.fs.Remove(ctx, root, "f"), common.ErrReadOnly)
			assert.ErrorIs(t, env.fs.Rename(ctx, root, "f", root, "g"), common.ErrReadOnly)
			assert.ErrorIs(t, env.fs.Truncate(ctx, f, 0), common.ErrReadOnly)
			_, err = env.fs.Symlink(ctx, root, "l", "f")
			assert.ErrorIs(t, err, common.ErrReadOnly)
			assert.ErrorIs(t, env.fs.Open(ctx, f, true), common.ErrReadOnly)

			require.NoError(t, env.fs.Open(ctx, f, false))
			_, err = env.fs.Write(ctx, f, []byte("x"), 0)
			assert.ErrorIs(t, err, common.ErrReadOnly)
			require.NoError(t, env.fs.Close(ctx, f))

			assert.Equal(t, 0, env.fake.Calls("create"))
			assert.Equal(t, 0, env.fake.Calls("write"))
		})
	}
}

func TestRemoveAndRename(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddDir("/src", 0755)
		f.AddDir("/dst", 0755)
		f.AddFile("/src/a", 0644, []byte("a"))
		f.AddFile("/src/b", 0644, []byte("b"))
		f.AddDir("/src/empty", 0755)
	}, nil)
	ctx := context.Background()
	src := env.lookup(t, "/src")
	dst := env.lookup(t, "/dst")
	a := env.lookup(t, "/src/a")

	require.NoError(t, env.fs.Rename(ctx, src, "a", dst, "moved"))
	assert.Equal(t, Destroyed, env.fs.Table().Membership(a))
	moved := env.lookup(t, "/dst/moved")
	assert.NotEqual(t, a.Ino(), moved.Ino())
	_, err := env.fs.Lookup(ctx, src, "a", Query)
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, env.fs.Remove(ctx, src, "b"))
	_, err = env.fs.Lookup(ctx, src, "b", Query)
	assert.ErrorIs(t, err, common.ErrNotFound)

	assert.ErrorIs(t, env.fs.Remove(ctx, src, "empty"), common.ErrIsDir)
	require.NoError(t, env.fs.Rmdir(ctx, src, "empty"))
	assert.ErrorIs(t, env.fs.Rmdir(ctx, env.fs.Root(), "dst"), common.ErrNotEmpty)

	assert.ErrorIs(t, env.fs.Rename(ctx, env.fs.Root(), "src", src, "inner"), common.ErrInvalidPath)
}

func TestSymlinkCreatesNode(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	l, err := env.fs.Symlink(ctx, env.fs.Root(), "link", "target")
	require.NoError(t, err)
	assert.Equal(t, TypeSymlink, l.Type())

	target, err := env.fs.Readlink(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, "target", target)

	_, err = env.fs.Symlink(ctx, env.fs.Root(), "link", "other")
	assert.ErrorIs(t, err, common.ErrExists)
}

func TestFilterHidesEntries(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddFile("/keep", 0644, nil)
		f.AddFile("/junk.tmp", 0644, nil)
	}, func(o *Options) {
		o.Filter = func(path string, isDir bool) bool { return !strings.HasSuffix(path, ".tmp") }
	})
	ctx := context.Background()
	root := env.fs.Root()

	entries, _, err := env.fs.ReadDir(ctx, root, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "keep", entries[0].Name)

	_, err = env.fs.Lookup(ctx, root, "junk.tmp", Query)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = env.fs.Create(ctx, root, "new.tmp", 0644)
	assert.ErrorIs(t, err, common.ErrNotSupported)
	assert.Equal(t, 0, env.fake.Calls("create"))
}

func TestSingleFileMode(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddFile("/data.bin", 0644, []byte("payload"))
		f.AddFile("/other", 0644, nil)
	}, func(o *Options) { o.SingleFile = "/data.bin" })
	ctx := context.Background()
	root := env.fs.Root()

	entries, _, err := env.fs.ReadDir(ctx, root, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, TheFileName, entries[0].Name)
	assert.Equal(t, TheFileIno, entries[0].Attr.Ino)

	f, err := env.fs.Lookup(ctx, root, TheFileName, Query)
	require.NoError(t, err)
	assert.Same(t, entries[0].Node, f)

	require.NoError(t, env.fs.Open(ctx, f, false))
	buf := make([]byte, 16)
	n, err := env.fs.Read(ctx, f, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))
	require.NoError(t, env.fs.Close(ctx, f))

	_, err = env.fs.Lookup(ctx, root, "other", Query)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestInvalidatePath(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddDir("/d", 0755)
		f.AddFile("/d/f", 0644, nil)
	}, nil)
	ctx := context.Background()
	d := env.lookup(t, "/d")
	f := env.lookup(t, "/d/f")

	ok, err := env.fs.InvalidatePath(ctx, "/d")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Destroyed, env.fs.Table().Membership(d))
	assert.Equal(t, Destroyed, env.fs.Table().Membership(f))

	ok, err = env.fs.InvalidatePath(ctx, "/nowhere")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidateRootWithOpenChild(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddFile("/f", 0644, []byte("data"))
		f.AddDir("/d", 0755)
		f.AddFile("/d/g", 0644, []byte("more"))
	}, nil)
	ctx := context.Background()
	tbl := env.fs.Table()
	root := env.fs.Root()
	f := env.lookup(t, "/f")
	d := env.lookup(t, "/d")
	g := env.lookup(t, "/d/g")
	require.NoError(t, env.fs.Open(ctx, f, false))
	require.NoError(t, env.fs.Open(ctx, g, false))

	var ok bool
	var err error
	require.NotPanics(t, func() {
		ok, err = env.fs.InvalidatePath(ctx, "/")
	})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, Live, tbl.Membership(root))
	assert.Equal(t, Stale, tbl.Membership(f))
	assert.Equal(t, Stale, tbl.Membership(d))
	assert.Equal(t, Stale, tbl.Membership(g))
	assert.Equal(t, 1, tbl.Len())

	require.NoError(t, env.fs.Close(ctx, g))
	assert.Equal(t, Destroyed, tbl.Membership(d))
	require.NoError(t, env.fs.Close(ctx, f))
	assert.Equal(t, 0, tbl.StaleLen())
	assert.Equal(t, Live, tbl.Membership(root))
}

func TestUnmountBusyUnlessForced(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddFile("/f", 0644, nil)
	}, nil)
	ctx := context.Background()
	f := env.lookup(t, "/f")
	require.NoError(t, env.fs.Open(ctx, f, false))

	assert.ErrorIs(t, env.fs.Unmount(false), common.ErrBusy)
	assert.True(t, env.fs.Mounted())

	require.NoError(t, env.fs.Unmount(true))
	assert.False(t, env.fs.Mounted())
	assert.Equal(t, 0, env.fake.OpenHandles())
	assert.Equal(t, Destroyed, env.fs.Table().Membership(f))

	_, err := env.fs.Lookup(ctx, nil, "f", Query)
	assert.ErrorIs(t, err, common.ErrNotConnected)
}

func TestRemountBuildsFreshTable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(f *providertest.Fake) {
		f.AddFile("/f", 0644, nil)
	}, nil)
	env.lookup(t, "/f")
	require.NoError(t, env.fs.Unmount(false))
	require.NoError(t, env.fs.Mount(context.Background()))

	assert.Equal(t, 1, env.fs.Table().Len())
	f := env.lookup(t, "/f")
	assert.Equal(t, firstIno, f.Ino())
}
