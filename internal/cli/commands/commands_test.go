package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharefs/internal/daemon"
)

func TestCommandsRegistered(t *testing.T) {
	for _, args := range [][]string{
		{"mount"}, {"mount", "ls"}, {"mount", "check"},
		{"unmount"}, {"umount"}, {"invalidate"},
		{"daemon", "start"}, {"daemon", "stop"}, {"daemon", "status"}, {"daemon", "config"},
		{"host", "serve"}, {"fuse"},
	} {
		cmd, _, err := rootCmd.Find(args)
		require.NoError(t, err, args)
		last := args[len(args)-1]
		assert.True(t, cmd.Name() == last || cmd.HasAlias(last), args)
	}
}

func TestParseOctalMode(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]uint32{"644": 0o644, "0755": 0o755, "0o022": 0o022, "0": 0, "7777": 0o7777} {
		got, err := parseOctalMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "9", "rw", "17777", "-1"} {
		_, err := parseOctalMode(in)
		assert.Error(t, err, in)
	}
}

func TestMountFlagsParse(t *testing.T) {
	t.Parallel()

	host := t.TempDir()
	f := newMountFlags()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.addFlags(fs, true)
	require.NoError(t, fs.Parse([]string{
		"--host-dir", host, "--uid", "33", "--gid", "44",
		"--file-mode", "0640", "--dmask", "027",
		"--ttl-ms", "250", "--max-io", "65536", "--read-only", "--hide-symlinks",
	}))

	spec, err := f.toSpec("www", "rel/mnt")
	require.NoError(t, err)
	assert.Equal(t, "www", spec.Share)
	assert.Equal(t, host, spec.HostDir)
	assert.True(t, filepath.IsAbs(spec.MountPoint))
	assert.Equal(t, uint32(33), spec.UID)
	assert.Equal(t, uint32(44), spec.GID)
	assert.Equal(t, uint32(0o640), spec.FileMode)
	assert.Equal(t, uint32(0), spec.DirMode)
	assert.Equal(t, uint32(0o027), spec.DMask)
	assert.Equal(t, 250, spec.TTLMillis)
	assert.Equal(t, 65536, spec.MaxIO)
	assert.True(t, spec.ReadOnly)
	assert.True(t, spec.HideSymlinks)
}

func TestMountFlagsDefaults(t *testing.T) {
	t.Parallel()

	f := newMountFlags()
	f.remote = "tcp:127.0.0.1:7070"
	spec, err := f.toSpec("docs", "/mnt/docs")
	require.NoError(t, err)
	assert.Equal(t, -1, spec.TTLMillis)
	assert.Equal(t, uint32(os.Getuid()), spec.UID)
	assert.Empty(t, spec.HostDir)
}

func TestMountFlagsRejects(t *testing.T) {
	t.Parallel()

	host := t.TempDir()
	file := filepath.Join(host, "f")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	tests := []struct {
		name  string
		share string
		setup func(f *mountFlags)
	}{
		{"no source", "s", func(f *mountFlags) {}},
		{"both sources", "s", func(f *mountFlags) { f.hostDir = host; f.remote = "tcp:x:1" }},
		{"bad remote", "s", func(f *mountFlags) { f.remote = "nocolon" }},
		{"slash in share", "a/b", func(f *mountFlags) { f.hostDir = host }},
		{"empty share", "", func(f *mountFlags) { f.hostDir = host }},
		{"missing host dir", "s", func(f *mountFlags) { f.hostDir = filepath.Join(host, "nope") }},
		{"host dir is file", "s", func(f *mountFlags) { f.hostDir = file }},
		{"negative max io", "s", func(f *mountFlags) { f.hostDir = host; f.maxIO = -1 }},
		{"nested single file", "s", func(f *mountFlags) { f.hostDir = host; f.singleFile = "a/b" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMountFlags()
			tt.setup(f)
			_, err := f.toSpec(tt.share, "/mnt/x")
			assert.Error(t, err)
		})
	}
}

func TestPrepareMountPoint(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	missing := filepath.Join(dir, "a", "b")
	require.NoError(t, prepareMountPoint(missing))
	assert.DirExists(t, missing)
	require.NoError(t, prepareMountPoint(missing))

	require.NoError(t, os.WriteFile(filepath.Join(missing, "x"), nil, 0o644))
	assert.ErrorContains(t, prepareMountPoint(missing), "not empty")
	assert.ErrorContains(t, prepareMountPoint(filepath.Join(missing, "x")), "not a directory")
}

func TestEnclosingMount(t *testing.T) {
	t.Parallel()

	mounts := []daemon.MountStatus{{MountPoint: "/mnt/a"}, {MountPoint: "/mnt/b"}}
	m, ok := enclosingMount(mounts, "/mnt/a/x")
	require.True(t, ok)
	assert.Equal(t, "/mnt/a", m.MountPoint)
	_, ok = enclosingMount(mounts, "/mnt/b")
	assert.True(t, ok)
	_, ok = enclosingMount(mounts, "/mnt/ab")
	assert.False(t, ok)
}

func TestUnmountTarget(t *testing.T) {
	t.Parallel()

	target, err := unmountTarget(nil, true)
	require.NoError(t, err)
	assert.Empty(t, target)

	_, err = unmountTarget([]string{"/x"}, true)
	assert.Error(t, err)
	_, err = unmountTarget(nil, false)
	assert.Error(t, err)

	id := "1b4e28ba-2fa1-11d2-883f-0016d3cca427"
	target, err = unmountTarget([]string{id}, false)
	require.NoError(t, err)
	assert.Equal(t, id, target)

	target, err = unmountTarget([]string{"rel"}, false)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(target))
}

func TestSharePath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/", sharePath(""))
	assert.Equal(t, "/a/b", sharePath("a/b/"))
	assert.Equal(t, "/a", sharePath("/a/./b/.."))
	assert.Equal(t, "/", sharePath("../.."))
}

func TestParseShares(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sub := filepath.Join(dir, "proj")
	require.NoError(t, os.Mkdir(sub, 0o755))

	shares, err := parseShares([]string{sub, "docs=" + dir})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"proj": sub, "docs": dir}, shares)

	_, err = parseShares([]string{sub, "proj=" + dir})
	assert.ErrorContains(t, err, "given twice")
	_, err = parseShares([]string{"=" + dir})
	assert.Error(t, err)
	_, err = parseShares([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	s := &daemon.GlobalSettings{LogLevel: "info", TTLMillis: 100}
	require.NoError(t, applyConfig(s, "", "", -1))
	assert.Equal(t, "info", s.LogLevel)
	assert.Equal(t, 100, s.TTLMillis)

	require.NoError(t, applyConfig(s, "none", "on", 0))
	assert.Empty(t, s.LogLevel)
	assert.True(t, s.RestoreMounts)
	assert.Equal(t, 0, s.TTLMillis)

	require.NoError(t, applyConfig(s, "debug", "off", 2000))
	assert.Equal(t, "debug", s.LogLevel)
	assert.False(t, s.RestoreMounts)
	assert.Equal(t, 2000, s.TTLMillis)

	assert.Error(t, applyConfig(s, "loud", "", -1))
	assert.Error(t, applyConfig(s, "", "maybe", -1))
}
