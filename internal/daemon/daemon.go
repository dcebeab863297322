package daemon

// NFS DEADLOCK WARNING:
// While the daemon serves NFS requests, touching a path that is itself one
// of its own kernel mounts (os.Stat on a mount point, walking a host dir
// that contains one) blocks on the very server that is handling the call.
// Mount points are only ever passed to mount/umount and IsMounted.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sharefs/internal/storage"
	"sharefs/internal/util"
)

func init() {
	// Default logging to discard until explicitly enabled via --logging flag
	log.SetOutput(io.Discard)
}

// restoreParallelism bounds concurrent mounts during restore.
const restoreParallelism = 4

// Daemon serves one ShareFS per mount and exports each over NFS (or SMB)
type Daemon struct {
	ipcServer   *Server
	debugServer *http.Server
	logFile     *os.File
	stopCh      chan struct{}
	lock        *flock.Flock

	settings *GlobalSettings
	registry *storage.Registry

	opMu   sync.Mutex // serializes mount and unmount
	mu     sync.RWMutex
	mounts map[uuid.UUID]*activeMount

	// LogLevel sets the logging level: trace, debug, info, warn, off (default: off)
	LogLevel string

	// SkipCleanup skips startup cleanup of stale kernel mounts.
	SkipCleanup bool

	// NoKernelMount serves the exports without mounting them, leaving the
	// mount to the caller (or to tests talking to the server directly).
	NoKernelMount bool
}

// New creates a new daemon instance
func New() *Daemon {
	return &Daemon{
		stopCh: make(chan struct{}),
		mounts: make(map[uuid.UUID]*activeMount),
	}
}

// open loads settings and opens the mount registry.
func (d *Daemon) open() error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	settings, err := LoadGlobalSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	d.settings = settings
	if settings.BusyTimeout > 0 {
		storage.SetConfigBusyTimeout(settings.BusyTimeout)
	}
	if d.LogLevel == "" {
		d.LogLevel = settings.LogLevel
	}

	reg, err := storage.OpenRegistry(RegistryPath(), storage.DBContextDaemon)
	if err != nil {
		return fmt.Errorf("failed to open mount registry: %w", err)
	}
	d.registry = reg
	return nil
}

// close stops every mount and closes the registry. Registry rows are kept
// for the next start only when restore_mounts is set.
func (d *Daemon) close() {
	keep := d.settings != nil && d.settings.RestoreMounts
	d.unmountAll(true, !keep)
	if d.registry != nil {
		d.registry.Close()
		d.registry = nil
	}
}

// Run starts the daemon and blocks until stopped
func (d *Daemon) Run() error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}

	// Acquire exclusive lock
	d.lock = flock.New(LockPath())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon instance is already running")
	}
	defer d.lock.Unlock()

	if err := d.open(); err != nil {
		return err
	}
	if err := d.setupLogging(d.LogLevel); err != nil {
		d.close()
		return err
	}
	defer func() {
		d.close()
		if d.logFile != nil {
			d.logFile.Close()
		}
	}()

	if !d.SkipCleanup {
		result := CleanupStale(context.Background(), d.registry)
		if len(result.StaleMounts) > 0 || result.CleanedPidFile || result.CleanedSocket || len(result.Errors) > 0 {
			log.Infof("[Daemon] Startup cleanup: %s", FormatCleanupResult(result))
		}
	}

	if err := d.writePidFile(); err != nil {
		return err
	}
	defer d.removePidFile()

	log.Infof("[Daemon] Daemon started (PID %d, %s export)", os.Getpid(), NetFSType())

	if d.settings.RestoreMounts {
		d.restoreMounts(context.Background())
	} else {
		d.forgetSavedMounts(context.Background())
	}

	if d.settings.MetricsAddr != "" {
		srv, err := d.startDebugServer(d.settings.MetricsAddr)
		if err != nil {
			log.Warnf("[Daemon] debug listener on %s: %v", d.settings.MetricsAddr, err)
		} else {
			d.debugServer = srv
			defer stopDebugServer(srv)
		}
	}

	// Start IPC server last so clients only see a fully restored daemon
	d.ipcServer = NewServer(d.handleRequest)
	if err := d.ipcServer.Start(); err != nil {
		return err
	}
	log.Infof("[IPC] Listening at %s", SocketPath())
	defer d.ipcServer.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Infof("[Daemon] Received signal %v, shutting down...", sig)
	case <-d.stopCh:
		log.Infof("[Daemon] Stop requested, shutting down...")
	}
	return nil
}

// setupLogging directs logrus to the daemon log file at the given level
func (d *Daemon) setupLogging(level string) error {
	level = strings.ToLower(level)
	if level == "" || level == "none" || level == "off" {
		log.SetOutput(io.Discard)
		return nil
	}

	// Truncate log file if it exceeds 50MB
	if err := d.truncateLogFile(50 * 1024 * 1024); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to truncate log file: %v\n", err)
	}

	logFile, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	d.logFile = logFile
	log.SetOutput(logFile)

	switch level {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.DebugLevel)
	}
	return nil
}

// handleRequest processes an IPC request
func (d *Daemon) handleRequest(req *Request) *Response {
	switch req.Type {
	case RequestMount:
		return d.handleMount(req)
	case RequestUnmount:
		return d.handleUnmount(req)
	case RequestList:
		return &Response{Success: true, Mounts: d.mountStatuses()}
	case RequestInvalidate:
		return d.handleInvalidate(req)
	case RequestStatus:
		return d.handleStatus()
	case RequestStop:
		return d.handleStop()
	default:
		return &Response{Success: false, Error: "unknown request type"}
	}
}

func errorResponse(format string, args ...any) *Response {
	return &Response{Success: false, Error: fmt.Sprintf(format, args...)}
}

// entryFromSpec converts an IPC mount request into a registry entry
func entryFromSpec(spec *MountSpec) (*storage.MountEntry, error) {
	if spec.Share == "" {
		return nil, errors.New("share name is required")
	}
	if spec.MountPoint == "" {
		return nil, errors.New("mount point is required")
	}
	if (spec.HostDir == "") == (spec.Remote == "") {
		return nil, errors.New("exactly one of host dir and remote is required")
	}
	mountPoint, err := filepath.Abs(spec.MountPoint)
	if err != nil {
		return nil, err
	}
	hostDir := spec.HostDir
	if hostDir != "" {
		if hostDir, err = filepath.Abs(hostDir); err != nil {
			return nil, err
		}
		if mountPoint == hostDir || strings.HasPrefix(mountPoint, hostDir+string(filepath.Separator)) {
			return nil, fmt.Errorf("mount point %s is inside host directory %s", mountPoint, hostDir)
		}
	}
	return &storage.MountEntry{
		Share:        spec.Share,
		HostDir:      hostDir,
		Remote:       spec.Remote,
		MountPoint:   mountPoint,
		UID:          spec.UID,
		GID:          spec.GID,
		FileMode:     spec.FileMode,
		DirMode:      spec.DirMode,
		FMask:        spec.FMask,
		DMask:        spec.DMask,
		TTLMillis:    spec.TTLMillis,
		MaxIO:        spec.MaxIO,
		ReadOnly:     spec.ReadOnly,
		HideSymlinks: spec.HideSymlinks,
		SingleFile:   spec.SingleFile,
	}, nil
}

func (d *Daemon) handleMount(req *Request) *Response {
	if req.Mount == nil {
		return errorResponse("mount request without mount spec")
	}
	entry, err := entryFromSpec(req.Mount)
	if err != nil {
		return errorResponse("invalid mount: %v", err)
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	if m := d.findMount(entry.MountPoint); m != nil {
		return errorResponse("%s is already mounted (share %s)", entry.MountPoint, m.entry.Share)
	}

	ctx := context.Background()
	if err := d.registry.Add(ctx, entry); err != nil {
		return errorResponse("failed to record mount: %v", err)
	}

	m, err := startMount(ctx, entry, d.settings, d.nextPort(), !d.NoKernelMount)
	if err != nil {
		log.Warnf("[Daemon] mount %s at %s: %v", entry.Share, entry.MountPoint, err)
		d.registry.Remove(ctx, entry.ID)
		return errorResponse("%v", err)
	}

	d.mu.Lock()
	d.mounts[entry.ID] = m
	d.mu.Unlock()

	st := m.status()
	return &Response{
		Success: true,
		Message: fmt.Sprintf("Mounted %s at %s", entry.Share, entry.MountPoint),
		Mounts:  []MountStatus{st},
	}
}

// nextPort returns the configured nfs_port when no live mount holds it, or
// 0 to pick a free port.
func (d *Daemon) nextPort() int {
	if d.settings.NFSPort == 0 {
		return 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, m := range d.mounts {
		if m.port == d.settings.NFSPort {
			return 0
		}
	}
	return d.settings.NFSPort
}

func (d *Daemon) handleUnmount(req *Request) *Response {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if req.All {
		n, errs := d.unmountAll(req.Force, true)
		if len(errs) > 0 {
			return errorResponse("unmounted %d, %d failed: %v", n, len(errs), errors.Join(errs...))
		}
		return &Response{Success: true, Message: fmt.Sprintf("Unmounted %d share(s)", n)}
	}

	m := d.findMount(req.Target)
	if m == nil {
		return errorResponse("%s is not mounted", req.Target)
	}
	if err := d.unmountOne(m, req.Force, true); err != nil {
		return errorResponse("unmount %s: %v", m.entry.MountPoint, err)
	}
	return &Response{Success: true, Message: fmt.Sprintf("Unmounted %s", m.entry.MountPoint)}
}

// unmountOne stops m and drops it from the daemon, and from the registry
// when forget is set. A busy mount stays in place.
func (d *Daemon) unmountOne(m *activeMount, force, forget bool) error {
	if err := m.stop(force); err != nil && !force {
		return err
	} else if err != nil {
		log.Warnf("[Daemon] unmount %s: %v", m.entry.MountPoint, err)
	}

	d.mu.Lock()
	delete(d.mounts, m.entry.ID)
	d.mu.Unlock()

	if forget && d.registry != nil {
		if err := d.registry.Remove(context.Background(), m.entry.ID); err != nil && !storage.IsNotFound(err) {
			log.Warnf("[Daemon] forget %s: %v", m.entry.MountPoint, err)
		}
	}
	log.Infof("[Daemon] Unmounted %s", m.entry.MountPoint)
	return nil
}

func (d *Daemon) unmountAll(force, forget bool) (int, []error) {
	d.mu.RLock()
	mounts := make([]*activeMount, 0, len(d.mounts))
	for _, m := range d.mounts {
		mounts = append(mounts, m)
	}
	d.mu.RUnlock()

	var errs []error
	n := 0
	for _, m := range mounts {
		if err := d.unmountOne(m, force, forget); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.entry.MountPoint, err))
			continue
		}
		n++
	}
	return n, errs
}

func (d *Daemon) handleInvalidate(req *Request) *Response {
	m := d.findMount(req.Target)
	if m == nil {
		return errorResponse("%s is not mounted", req.Target)
	}
	path := req.Path
	if path == "" {
		path = "/"
	}
	found, err := m.fs.InvalidatePath(context.Background(), path)
	if err != nil {
		return errorResponse("invalidate %s: %v", path, err)
	}
	return &Response{Success: true, Invalidated: found}
}

func (d *Daemon) handleStatus() *Response {
	return &Response{
		Success: true,
		PID:     os.Getpid(),
		Message: NetFSType(),
		Mounts:  d.mountStatuses(),
	}
}

func (d *Daemon) handleStop() *Response {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	return &Response{Success: true, Message: "Daemon stopping"}
}

// findMount looks up a live mount by mount point or ID.
func (d *Daemon) findMount(target string) *activeMount {
	if target == "" {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	if id, err := uuid.Parse(target); err == nil {
		if m, ok := d.mounts[id]; ok {
			return m
		}
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		abs = target
	}
	for _, m := range d.mounts {
		if m.entry.MountPoint == abs {
			return m
		}
	}
	return nil
}

// mountStatuses lists live mounts ordered by mount point.
func (d *Daemon) mountStatuses() []MountStatus {
	d.mu.RLock()
	statuses := make([]MountStatus, 0, len(d.mounts))
	for _, m := range d.mounts {
		statuses = append(statuses, m.status())
	}
	d.mu.RUnlock()

	slices.SortFunc(statuses, func(a, b MountStatus) int {
		return strings.Compare(a.MountPoint, b.MountPoint)
	})
	return statuses
}

// restoreMounts re-creates the mounts recorded by the previous session.
// Entries that fail to mount are dropped from the registry.
func (d *Daemon) restoreMounts(ctx context.Context) {
	entries, err := d.registry.List(ctx)
	if err != nil {
		log.Warnf("[Daemon] restore: list mounts: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	log.Infof("[Daemon] restore: %d saved mounts", len(entries))

	d.opMu.Lock()
	defer d.opMu.Unlock()

	var (
		g        errgroup.Group
		restored int
		mu       sync.Mutex
	)
	g.SetLimit(restoreParallelism)
	for i := range entries {
		e := entries[i]
		g.Go(func() error {
			// nfs_port can serve only one mount; restored mounts pick free ports
			m, err := startMount(ctx, &e, d.settings, 0, !d.NoKernelMount)
			if err != nil {
				log.Warnf("[Daemon] restore %s at %s: %v", e.Share, e.MountPoint, err)
				if rerr := d.registry.Remove(ctx, e.ID); rerr != nil {
					log.Warnf("[Daemon] restore: forget %s: %v", e.MountPoint, rerr)
				}
				return nil
			}
			mu.Lock()
			restored++
			mu.Unlock()
			d.mu.Lock()
			d.mounts[e.ID] = m
			d.mu.Unlock()
			return nil
		})
	}
	g.Wait()
	log.Infof("[Daemon] restore: %d of %d mounts restored", restored, len(entries))
}

// forgetSavedMounts clears registry rows left by a session that was not
// configured to restore them.
func (d *Daemon) forgetSavedMounts(ctx context.Context) {
	entries, err := d.registry.List(ctx)
	if err != nil {
		return
	}
	for _, e := range entries {
		d.registry.Remove(ctx, e.ID)
	}
}

func (d *Daemon) writePidFile() error {
	data := []byte(strconv.Itoa(os.Getpid()))
	return os.WriteFile(PidPath(), data, 0600)
}

func (d *Daemon) removePidFile() {
	os.Remove(PidPath())
}

// GetPID reads the daemon PID from file
func GetPID() (int, error) {
	data, err := os.ReadFile(PidPath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// findAvailablePort finds an available TCP port
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", exportIP+":0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// waitForPort waits until a port is accepting connections on the given IP
func waitForPort(ctx context.Context, ip string, port int) error {
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	err := util.PollUntil(ctx, util.ExportPollConfig(), func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	})
	if err != nil {
		return fmt.Errorf("timeout waiting for port %d: %w", port, err)
	}
	return nil
}

// truncateLogFile truncates the log file if it exceeds maxSize bytes.
// It keeps the last half of the file content to preserve recent logs.
func (d *Daemon) truncateLogFile(maxSize int64) error {
	logPath := LogPath()

	info, err := os.Stat(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		return err
	}

	// Keep the last half, starting at a line boundary
	startIdx := len(data) - len(data)/2
	for i := startIdx; i < len(data); i++ {
		if data[i] == '\n' {
			startIdx = i + 1
			break
		}
	}

	truncatedData := data[startIdx:]
	header := []byte(fmt.Sprintf("--- Log truncated at %s (kept last %d bytes) ---\n",
		time.Now().Format(time.RFC3339), len(truncatedData)))

	return os.WriteFile(logPath, append(header, truncatedData...), 0600)
}
