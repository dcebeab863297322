package daemon

import "sharefs/internal/vfs"

// NetFSServer is a loopback export of one share that the kernel mounts.
type NetFSServer interface {
	// Serve listens on addr ("127.0.0.1:12345") until Shutdown.
	Serve(addr string) error
	Shutdown()
}

// exportBackend is the export protocol compiled into this binary. The nfs
// and smb build variants each register one.
type exportBackend struct {
	name  string
	serve func(hfs *vfs.HandleFS, share string) NetFSServer
	mount func(ip string, port int, share, mountPoint string) error
}

var backend exportBackend

// NetFSType returns the export protocol in use, "nfs" or "smb".
func NetFSType() string {
	return backend.name
}

func createServer(hfs *vfs.HandleFS, share string) NetFSServer {
	return backend.serve(hfs, share)
}

// mountNetFS mounts the export on port at mountPoint.
func mountNetFS(ip string, port int, share, mountPoint string) error {
	return backend.mount(ip, port, share, mountPoint)
}
