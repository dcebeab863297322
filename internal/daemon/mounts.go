package daemon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"sharefs/internal/common"
	"sharefs/internal/metrics"
	"sharefs/internal/provider"
	"sharefs/internal/provider/hostfs"
	"sharefs/internal/provider/remote"
	"sharefs/internal/storage"
	"sharefs/internal/util"
	"sharefs/internal/vfs"
)

const (
	exportIP = "127.0.0.1"

	gaugeNodes       = "mount_nodes"
	gaugeStaleNodes  = "mount_stale_nodes"
	gaugeOpenHandles = "mount_open_handles"
)

// activeMount is one share served by the daemon.
type activeMount struct {
	entry  storage.MountEntry
	svc    provider.Service
	fs     *vfs.ShareFS
	hfs    *vfs.HandleFS
	server NetFSServer
	port   int
	kernel bool // mountNetFS succeeded
}

// newService returns the folder service backing entry: a remote host
// service when Remote is set, otherwise the local host directory.
func newService(e *storage.MountEntry) (provider.Service, error) {
	if e.Remote != "" {
		network, addr, ok := strings.Cut(e.Remote, ":")
		if !ok || addr == "" {
			return nil, fmt.Errorf("remote %q: want network:address", e.Remote)
		}
		return remote.NewClient(network, addr), nil
	}
	if e.HostDir == "" {
		return nil, fmt.Errorf("mount %s: needs a host directory or a remote", e.Share)
	}
	return hostfs.New(map[string]string{e.Share: e.HostDir}), nil
}

// mountOptions builds the ShareFS options of entry, filling unset values
// from the daemon settings.
func mountOptions(e *storage.MountEntry, s *GlobalSettings) vfs.Options {
	opts := vfs.DefaultOptions()
	opts.UID = e.UID
	opts.GID = e.GID
	opts.FileMode = e.FileMode
	opts.DirMode = e.DirMode
	opts.FMask = e.FMask
	opts.DMask = e.DMask
	opts.ReadOnly = e.ReadOnly
	opts.HideSymlinks = e.HideSymlinks
	opts.SingleFile = e.SingleFile

	if e.TTLMillis < 0 {
		opts.TTL = s.TTL()
	} else {
		opts.TTL = time.Duration(e.TTLMillis) * time.Millisecond
	}
	switch {
	case e.MaxIO > 0:
		opts.MaxIO = e.MaxIO
	case s.MaxIO > 0:
		opts.MaxIO = s.MaxIO
	}
	if s.DirBufSize > 0 {
		opts.DirBufferSize = s.DirBufSize
	}
	// A remote host's tree is not readable here, so only excludes apply.
	hostDir := ""
	if e.Remote == "" {
		hostDir = e.HostDir
	}
	opts.Filter = BuildFilter(hostDir, s.Gitignore, s.Exclude)
	return opts
}

// openShare connects e's folder service and mounts its share.
func openShare(ctx context.Context, e *storage.MountEntry, s *GlobalSettings) (provider.Service, *vfs.ShareFS, error) {
	svc, err := newService(e)
	if err != nil {
		return nil, nil, err
	}
	if err := svc.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	fs := vfs.New(svc, e.Share, mountOptions(e, s))
	if err := fs.Mount(ctx); err != nil {
		svc.Disconnect()
		return nil, nil, fmt.Errorf("mount share %q: %w", e.Share, err)
	}
	return svc, fs, nil
}

// OpenShare mounts the share described by spec in-process, for front ends
// that serve it themselves. The caller unmounts fs and disconnects svc.
func OpenShare(ctx context.Context, spec *MountSpec, s *GlobalSettings) (provider.Service, *vfs.ShareFS, error) {
	e, err := entryFromSpec(spec)
	if err != nil {
		return nil, nil, err
	}
	return openShare(ctx, e, s)
}

// startMount connects the service, mounts the share, starts its export
// server on 127.0.0.1 and, unless kernelMount is false, mounts it at the
// entry's mount point. Everything started is torn down again on failure.
func startMount(ctx context.Context, e *storage.MountEntry, s *GlobalSettings, port int, kernelMount bool) (_ *activeMount, err error) {
	t0 := time.Now()

	svc, fs, err := openShare(ctx, e, s)
	if err != nil {
		return nil, err
	}
	m := &activeMount{entry: *e, svc: svc, fs: fs, hfs: vfs.NewHandleFS(fs), port: port}
	defer func() {
		if err != nil {
			m.stop(true)
		}
	}()

	if m.port == 0 {
		if m.port, err = findAvailablePort(); err != nil {
			return nil, fmt.Errorf("failed to find available port: %w", err)
		}
	}

	srv := createServer(m.hfs, e.Share)
	addr := fmt.Sprintf("%s:%d", exportIP, m.port)
	go func() {
		if err := srv.Serve(addr); err != nil {
			log.Warnf("[Daemon] %s server for %s: %v", NetFSType(), e.MountPoint, err)
		}
	}()
	m.server = srv

	if err := waitForPort(ctx, exportIP, m.port); err != nil {
		return nil, fmt.Errorf("%s server failed to start: %w", NetFSType(), err)
	}

	if kernelMount {
		err := util.Retry(ctx, func() error {
			return mountNetFS(exportIP, m.port, e.Share, e.MountPoint)
		}, util.MountRetryOptions(ctx)...)
		if err != nil {
			return nil, fmt.Errorf("failed to mount %s: %w", e.MountPoint, err)
		}
		m.kernel = true
	}

	m.registerGauges()
	log.Infof("[Daemon] Mounted %s at %s via %s port %d (%v)", e.Share, e.MountPoint, NetFSType(), m.port, time.Since(t0))
	return m, nil
}

// stop unmounts the kernel mount while the server is still alive, then
// shuts the server down and releases the share. Without force it fails
// with the share's busy error if nodes are still open.
func (m *activeMount) stop(force bool) error {
	if m.hfs != nil && m.fs.Mounted() && !force {
		if open := m.hfs.OpenHandles(); open > 0 {
			return fmt.Errorf("%s: %d open handles: %w", m.entry.MountPoint, open, common.ErrBusy)
		}
	}

	if m.kernel {
		if err := Unmount(m.entry.MountPoint); err != nil {
			if !force {
				return err
			}
			log.Warnf("[Daemon] unmount %s: %v", m.entry.MountPoint, err)
		}
		m.kernel = false
	}

	if m.server != nil {
		m.server.Shutdown()
		m.server = nil
	}
	m.unregisterGauges()

	var err error
	if m.hfs != nil {
		if n := m.hfs.CloseAll(); n > 0 {
			log.Debugf("[Daemon] closed %d handles on %s", n, m.entry.MountPoint)
		}
	}
	if m.fs != nil {
		err = m.fs.Unmount(force)
	}
	if m.svc != nil {
		if derr := m.svc.Disconnect(); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}

func (m *activeMount) labels() prometheus.Labels {
	return prometheus.Labels{"mount": m.entry.ID.String(), "share": m.entry.Share}
}

func (m *activeMount) registerGauges() {
	fs, hfs := m.fs, m.hfs
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{gaugeNodes, "Live nodes cached for the mount.", func() float64 { return float64(fs.Table().Len()) }},
		{gaugeStaleNodes, "Stale nodes still referenced in the mount.", func() float64 { return float64(fs.Table().StaleLen()) }},
		{gaugeOpenHandles, "Open export handles on the mount.", func() float64 { return float64(hfs.OpenHandles()) }},
	}
	for _, g := range gauges {
		if err := metrics.RegisterGaugeFunc(g.name, g.help, m.labels(), g.fn); err != nil {
			log.Debugf("[Daemon] register %s: %v", g.name, err)
		}
	}
}

func (m *activeMount) unregisterGauges() {
	for _, name := range []string{gaugeNodes, gaugeStaleNodes, gaugeOpenHandles} {
		metrics.UnregisterGaugeFunc(name, m.labels())
	}
}

// status reports the mount for list and status replies.
func (m *activeMount) status() MountStatus {
	st := MountStatus{
		ID:         m.entry.ID.String(),
		Share:      m.entry.Share,
		Source:     m.entry.HostDir,
		MountPoint: m.entry.MountPoint,
		Port:       m.port,
		ReadOnly:   m.entry.ReadOnly,
	}
	if m.entry.Remote != "" {
		st.Source = m.entry.Remote
	}
	if m.fs != nil && m.fs.Mounted() {
		st.ReadOnly = m.fs.ReadOnly()
		st.Nodes = m.fs.Table().Len()
		st.StaleNodes = m.fs.Table().StaleLen()
		st.OpenHandles = m.hfs.OpenHandles()
	}
	return st
}
