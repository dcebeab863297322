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

package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"sharefs/internal/common"
	"sharefs/internal/provider"
	"sharefs/internal/util"
)

// DefaultCallTimeout bounds a call whose context carries no deadline.
const DefaultCallTimeout = 30 * time.Second

// Client is a provider.Service backed by a remote Server.
type Client struct {
	network string
	addr    string

	mu      sync.Mutex
	conn    net.Conn
	scanner *bufio.Scanner
	enc     *json.Encoder
	nextID  uint64
}

// NewClient returns a client for the server at addr. network is "unix" or
// "tcp". Nothing is dialled until Connect.
func NewClient(network, addr string) *Client {
	return &Client{network: network, addr: addr}
}

// Connect dials the server, retrying while it is not yet listening.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	var d net.Dialer
	conn, err := util.RetryWithResult(ctx, func() (net.Conn, error) {
		return d.DialContext(ctx, c.network, c.addr)
	}, util.DialRetryOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("connect %s %s: %w: %v", c.network, c.addr, common.ErrNotConnected, err)
	}
	c.attach(conn)
	log.Debugf("[Remote] Connected to %s %s", c.network, c.addr)
	return nil
}

func (c *Client) attach(conn net.Conn) {
	c.conn = conn
	c.scanner = bufio.NewScanner(conn)
	c.scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	c.enc = json.NewEncoder(conn)
}

// Disconnect closes the connection. Shares mounted through it stop
// working; the server unmounts them.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropLocked()
}

func (c *Client) dropLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.scanner, c.enc = nil, nil, nil
	return err
}

// Connected reports whether the client holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Mount mounts share on the server.
func (c *Client) Mount(ctx context.Context, share string) (provider.Share, error) {
	if _, err := c.roundTrip(ctx, &call{Op: opMount, Share: share}); err != nil {
		return nil, err
	}
	return &remoteShare{c: c, name: share}, nil
}

// roundTrip sends one call and waits for its reply. A transport failure
// drops the connection; later calls fail with ErrNotConnected until the
// client is connected again.
func (c *Client) roundTrip(ctx context.Context, req *call) (*reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, fmt.Errorf("%s: %w", req.Op, common.ErrNotConnected)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultCallTimeout)
	}
	c.conn.SetDeadline(deadline)

	c.nextID++
	req.ID = c.nextID
	if err := c.enc.Encode(req); err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("%s: send: %w: %v", req.Op, common.ErrNotConnected, err)
	}
	if !c.scanner.Scan() {
		err := c.scanner.Err()
		if err == nil {
			err = errors.New("connection closed by server")
		}
		c.dropLocked()
		return nil, fmt.Errorf("%s: receive: %w: %v", req.Op, common.ErrNotConnected, err)
	}
	var r reply
	if err := json.Unmarshal(c.scanner.Bytes(), &r); err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("%s: bad reply: %w", req.Op, common.ErrIO)
	}
	if r.ID != req.ID {
		c.dropLocked()
		return nil, fmt.Errorf("%s: reply %d for call %d: %w", req.Op, r.ID, req.ID, common.ErrIO)
	}
	if r.Error != nil {
		return nil, decodeError(req.Op, r.Error)
	}
	return &r, nil
}

// remoteShare is a share mounted through a Client.
type remoteShare struct {
	c    *Client
	name string
}

func (s *remoteShare) do(ctx context.Context, req *call) (*reply, error) {
	req.Share = s.name
	return s.c.roundTrip(ctx, req)
}

func statOf(r *reply) provider.Stat {
	if r.Stat == nil {
		return provider.Stat{}
	}
	return *r.Stat
}

func (s *remoteShare) Name() string { return s.name }

func (s *remoteShare) Unmount() error {
	_, err := s.do(context.Background(), &call{Op: opUnmount})
	return err
}

func (s *remoteShare) FSInfo(ctx context.Context) (provider.FSInfo, error) {
	r, err := s.do(ctx, &call{Op: opFSInfo})
	if err != nil {
		return provider.FSInfo{}, err
	}
	if r.Info == nil {
		return provider.FSInfo{}, fmt.Errorf("fsinfo: empty reply: %w", common.ErrIO)
	}
	return *r.Info, nil
}

func (s *remoteShare) GetAttr(ctx context.Context, path string) (provider.Stat, error) {
	r, err := s.do(ctx, &call{Op: opGetAttr, Path: path})
	if err != nil {
		return provider.Stat{}, err
	}
	return statOf(r), nil
}

func (s *remoteShare) SetAttr(ctx context.Context, path string, req provider.SetAttrRequest) error {
	_, err := s.do(ctx, &call{Op: opSetAttr, Path: path, Attr: &req})
	return err
}

func (s *remoteShare) SetSize(ctx context.Context, path string, size int64) error {
	_, err := s.do(ctx, &call{Op: opSetSize, Path: path, Size: size})
	return err
}

func (s *remoteShare) Create(ctx context.Context, path string, mode uint32) (provider.Handle, provider.Stat, error) {
	r, err := s.do(ctx, &call{Op: opCreate, Path: path, Mode: mode})
	if err != nil {
		return 0, provider.Stat{}, err
	}
	return provider.Handle(r.Handle), statOf(r), nil
}

func (s *remoteShare) Open(ctx context.Context, path string, flags int) (provider.Handle, error) {
	r, err := s.do(ctx, &call{Op: opOpen, Path: path, Flags: flags})
	if err != nil {
		return 0, err
	}
	return provider.Handle(r.Handle), nil
}

func (s *remoteShare) Close(ctx context.Context, h provider.Handle) error {
	_, err := s.do(ctx, &call{Op: opClose, Handle: uint64(h)})
	return err
}

func (s *remoteShare) Read(ctx context.Context, h provider.Handle, buf []byte, off int64) (int, error) {
	r, err := s.do(ctx, &call{Op: opRead, Handle: uint64(h), Offset: off, Count: len(buf)})
	if err != nil {
		return 0, err
	}
	return copy(buf, r.Data), nil
}

func (s *remoteShare) Write(ctx context.Context, h provider.Handle, data []byte, off int64) (int, error) {
	r, err := s.do(ctx, &call{Op: opWrite, Handle: uint64(h), Offset: off, Data: data})
	if err != nil {
		return 0, err
	}
	return r.N, nil
}

func (s *remoteShare) Fsync(ctx context.Context, h provider.Handle) error {
	_, err := s.do(ctx, &call{Op: opFsync, Handle: uint64(h)})
	return err
}

func (s *remoteShare) Mkdir(ctx context.Context, path string, mode uint32) (provider.Stat, error) {
	r, err := s.do(ctx, &call{Op: opMkdir, Path: path, Mode: mode})
	if err != nil {
		return provider.Stat{}, err
	}
	return statOf(r), nil
}

func (s *remoteShare) Rmdir(ctx context.Context, path string) error {
	_, err := s.do(ctx, &call{Op: opRmdir, Path: path})
	return err
}

func (s *remoteShare) Remove(ctx context.Context, path string, isLink bool) error {
	_, err := s.do(ctx, &call{Op: opRemove, Path: path, Flag: isLink})
	return err
}

func (s *remoteShare) Rename(ctx context.Context, from, to string, isDir bool) error {
	_, err := s.do(ctx, &call{Op: opRename, Path: from, Path2: to, Flag: isDir})
	return err
}

func (s *remoteShare) Readlink(ctx context.Context, path string) (string, error) {
	r, err := s.do(ctx, &call{Op: opReadlink, Path: path})
	if err != nil {
		return "", err
	}
	return r.Target, nil
}

func (s *remoteShare) Symlink(ctx context.Context, linkPath, target string) (provider.Stat, error) {
	r, err := s.do(ctx, &call{Op: opSymlink, Path: linkPath, Path2: target})
	if err != nil {
		return provider.Stat{}, err
	}
	return statOf(r), nil
}

func (s *remoteShare) Readdir(ctx context.Context, path string, bufSize int) (*provider.DirChain, error) {
	r, err := s.do(ctx, &call{Op: opReaddir, Path: path, Count: bufSize})
	if err != nil {
		return nil, err
	}
	if r.Chain == nil {
		return &provider.DirChain{}, nil
	}
	return r.Chain, nil
}

func (s *remoteShare) SetShowSymlinks(show bool) {
	if _, err := s.do(context.Background(), &call{Op: opSetShowSymlink, Flag: show}); err != nil {
		log.Warnf("[Remote] show symlinks on %q: %v", s.name, err)
	}
}

var (
	_ provider.Service = (*Client)(nil)
	_ provider.Share   = (*remoteShare)(nil)
)
