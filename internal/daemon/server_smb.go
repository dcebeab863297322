//go:build smb

package daemon

import (
	smb2 "github.com/macos-fuse-t/go-smb2/server"
	smbvfs "github.com/macos-fuse-t/go-smb2/vfs"

	"sharefs/internal/vfs"
)

func init() {
	backend = exportBackend{
		name: "smb",
		serve: func(hfs *vfs.HandleFS, share string) NetFSServer {
			return NewSMBServer(hfs, share)
		},
		mount: func(_ string, port int, share, mountPoint string) error {
			return SMBMount(port, share, mountPoint)
		},
	}
}

// SMBServer wraps the go-smb2 server
type SMBServer struct {
	server *smb2.Server
}

// NewSMBServer serves hfs as the SMB share name.
func NewSMBServer(hfs *vfs.HandleFS, name string) *SMBServer {
	smbCfg := &smb2.ServerConfig{
		AllowGuest:  true,
		MaxIOReads:  4,
		MaxIOWrites: 4,
	}
	shares := map[string]smbvfs.VFSFileSystem{name: hfs}

	auth := &smb2.NTLMAuthenticator{
		NbDomain:   "WORKGROUP",
		NbName:     "SHAREFS",
		DnsName:    "sharefs.local",
		DnsDomain:  ".local",
		AllowGuest: true,
	}

	return &SMBServer{
		server: smb2.NewServer(smbCfg, auth, shares),
	}
}

// Serve starts the SMB server
func (s *SMBServer) Serve(addr string) error {
	return s.server.Serve(addr)
}

// Shutdown stops the SMB server
func (s *SMBServer) Shutdown() {
	s.server.Shutdown()
}
