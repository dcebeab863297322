// Copyright 2026 ShareFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"

	"sharefs/internal/util"
)

// Request types
const (
	RequestMount      = "mount"
	RequestUnmount    = "unmount"
	RequestList       = "list"
	RequestInvalidate = "invalidate" // Mark a path stale in a live mount
	RequestStatus     = "status"
	RequestStop       = "stop"
)

// MountSpec describes a mount requested over IPC. Zero values fall back to
// daemon settings; TTLMillis < 0 means the configured default.
type MountSpec struct {
	Share        string `json:"share"`
	HostDir      string `json:"host_dir,omitempty"`
	Remote       string `json:"remote,omitempty"` // "network:address" of a remote host service
	MountPoint   string `json:"mount_point"`
	UID          uint32 `json:"uid"`
	GID          uint32 `json:"gid"`
	FileMode     uint32 `json:"file_mode,omitempty"`
	DirMode      uint32 `json:"dir_mode,omitempty"`
	FMask        uint32 `json:"fmask,omitempty"`
	DMask        uint32 `json:"dmask,omitempty"`
	TTLMillis    int    `json:"ttl_ms"`
	MaxIO        int    `json:"max_io,omitempty"`
	ReadOnly     bool   `json:"read_only,omitempty"`
	HideSymlinks bool   `json:"hide_symlinks,omitempty"`
	SingleFile   string `json:"single_file,omitempty"`
}

// Request represents an IPC request
type Request struct {
	Type   string     `json:"type"`
	Mount  *MountSpec `json:"mount,omitempty"`
	Target string     `json:"target,omitempty"` // Mount point or mount ID
	Path   string     `json:"path,omitempty"`   // Share-relative path (invalidate)
	Force  bool       `json:"force,omitempty"`
	All    bool       `json:"all,omitempty"`
}

// MountStatus represents a mount's status
type MountStatus struct {
	ID          string `json:"id"`
	Share       string `json:"share"`
	Source      string `json:"source"` // Host directory or remote address
	MountPoint  string `json:"mount_point"`
	Port        int    `json:"port,omitempty"`
	ReadOnly    bool   `json:"read_only,omitempty"`
	Nodes       int    `json:"nodes"`
	StaleNodes  int    `json:"stale_nodes"`
	OpenHandles int    `json:"open_handles"`
}

// Response represents an IPC response
type Response struct {
	Success     bool          `json:"success"`
	Message     string        `json:"message,omitempty"`
	Error       string        `json:"error,omitempty"`
	PID         int           `json:"pid,omitempty"`
	Mounts      []MountStatus `json:"mounts,omitempty"`
	Invalidated bool          `json:"invalidated,omitempty"` // A cached node was marked stale
}

// Server is the IPC server
type Server struct {
	listener net.Listener
	handler  func(*Request) *Response
}

// NewServer creates a new IPC server
func NewServer(handler func(*Request) *Response) *Server {
	return &Server{handler: handler}
}

// Start starts the IPC server
func (s *Server) Start() error {
	// Remove existing socket
	os.Remove(SocketPath())

	listener, err := net.Listen("unix", SocketPath())
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	s.listener = listener

	os.Chmod(SocketPath(), 0600)

	go s.accept()

	return nil
}

// Stop stops the IPC server
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
		os.Remove(SocketPath())
	}
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // Server stopped
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	var req Request
	if err := decoder.Decode(&req); err != nil {
		return
	}

	resp := s.handler(&req)

	encoder := json.NewEncoder(conn)
	encoder.Encode(resp)
}

// Client is the IPC client
type Client struct {
	conn net.Conn
}

// Connect connects to the daemon
func Connect() (*Client, error) {
	conn, err := net.Dial("unix", SocketPath())
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// ConnectWithRetry connects to the daemon, retrying while the socket is not
// yet accepting connections.
func ConnectWithRetry(ctx context.Context) (*Client, error) {
	return util.RetryWithResult(ctx, Connect, util.DialRetryOptions(ctx)...)
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send sends a request and returns the response
func (c *Client) Send(req *Request) (*Response, error) {
	encoder := json.NewEncoder(c.conn)
	if err := encoder.Encode(req); err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(c.conn)
	var resp Response
	if err := decoder.Decode(&resp); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("daemon closed connection")
		}
		return nil, err
	}

	return &resp, nil
}

// Mount asks the daemon to mount a share
func (c *Client) Mount(spec *MountSpec) (*Response, error) {
	return c.Send(&Request{
		Type:  RequestMount,
		Mount: spec,
	})
}

// Unmount sends an unmount request for a mount point or mount ID
func (c *Client) Unmount(target string, all, force bool) (*Response, error) {
	return c.Send(&Request{
		Type:   RequestUnmount,
		Target: target,
		All:    all,
		Force:  force,
	})
}

// List returns the daemon's live mounts
func (c *Client) List() ([]MountStatus, error) {
	resp, err := c.Send(&Request{Type: RequestList})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("list failed: %s", resp.Error)
	}
	return resp.Mounts, nil
}

// Invalidate marks path stale in the mount at target so the next access
// refetches it from the host. Returns whether a cached node was found.
func (c *Client) Invalidate(target, path string) (bool, error) {
	resp, err := c.Send(&Request{
		Type:   RequestInvalidate,
		Target: target,
		Path:   path,
	})
	if err != nil {
		return false, err
	}
	if !resp.Success {
		return false, fmt.Errorf("invalidate failed: %s", resp.Error)
	}
	return resp.Invalidated, nil
}

// Status sends a status request
func (c *Client) Status() (*Response, error) {
	return c.Send(&Request{Type: RequestStatus})
}

// Stop sends a stop request
func (c *Client) Stop() (*Response, error) {
	return c.Send(&Request{Type: RequestStop})
}

// IsDaemonRunning checks if the daemon is running
func IsDaemonRunning() bool {
	client, err := Connect()
	if err != nil {
		return false
	}
	client.Close()
	return true
}
