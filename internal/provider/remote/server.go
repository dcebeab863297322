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
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"sharefs/internal/common"
	"sharefs/internal/provider"
)

// maxLine bounds one JSON message. Reads and readdir chains dominate.
const maxLine = 64 << 20

// Server exports a provider.Service to remote clients. Each connection
// gets its own set of mounted shares, released when it closes.
type Server struct {
	svc provider.Service

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer wraps svc. The service must already be connected.
func NewServer(svc provider.Service) *Server {
	return &Server{svc: svc, conns: make(map[net.Conn]struct{})}
}

// Serve accepts connections on l until Close is called or ctx ends.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	log.Infof("[Remote] Serving remote folder service on %s", l.Addr())
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting and drops every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
		s.listener = nil
	}
	for c := range s.conns {
		c.Close()
	}
	return err
}

// session is the server side of one client connection.
type session struct {
	svc    provider.Service
	shares map[string]provider.Share
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	sess := &session{svc: s.svc, shares: make(map[string]provider.Share)}
	defer sess.release()

	log.Debugf("[Remote] Client connected: %s", conn.RemoteAddr())
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		var c call
		if err := json.Unmarshal(scanner.Bytes(), &c); err != nil {
			log.Warnf("[Remote] Dropping connection %s: bad call: %v", conn.RemoteAddr(), err)
			return
		}
		r := sess.dispatch(ctx, &c)
		r.ID = c.ID
		if err := enc.Encode(r); err != nil {
			log.Debugf("[Remote] Write reply to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
	log.Debugf("[Remote] Client disconnected: %s", conn.RemoteAddr())
}

// release unmounts every share the client left mounted.
func (sess *session) release() {
	for name, sh := range sess.shares {
		if err := sh.Unmount(); err != nil {
			log.Warnf("[Remote] Unmount %q: %v", name, err)
		}
	}
}

func (sess *session) dispatch(ctx context.Context, c *call) *reply {
	if c.Op == opMount {
		if _, ok := sess.shares[c.Share]; ok {
			return &reply{}
		}
		sh, err := sess.svc.Mount(ctx, c.Share)
		if err != nil {
			return &reply{Error: encodeError(err)}
		}
		sess.shares[c.Share] = sh
		return &reply{}
	}

	sh, ok := sess.shares[c.Share]
	if !ok {
		return &reply{Error: encodeError(common.ErrNotConnected)}
	}

	var (
		r   reply
		err error
	)
	switch c.Op {
	case opUnmount:
		delete(sess.shares, c.Share)
		err = sh.Unmount()
	case opFSInfo:
		var info provider.FSInfo
		info, err = sh.FSInfo(ctx)
		r.Info = &info
	case opGetAttr:
		var st provider.Stat
		st, err = sh.GetAttr(ctx, c.Path)
		r.Stat = &st
	case opSetAttr:
		if c.Attr == nil {
			err = common.ErrInvalidPath
			break
		}
		err = sh.SetAttr(ctx, c.Path, *c.Attr)
	case opSetSize:
		err = sh.SetSize(ctx, c.Path, c.Size)
	case opCreate:
		var (
			h  provider.Handle
			st provider.Stat
		)
		h, st, err = sh.Create(ctx, c.Path, c.Mode)
		r.Handle, r.Stat = uint64(h), &st
	case opOpen:
		var h provider.Handle
		h, err = sh.Open(ctx, c.Path, c.Flags)
		r.Handle = uint64(h)
	case opClose:
		err = sh.Close(ctx, provider.Handle(c.Handle))
	case opRead:
		if c.Count < 0 || c.Count > maxLine/2 {
			err = common.ErrIO
			break
		}
		buf := make([]byte, c.Count)
		r.N, err = sh.Read(ctx, provider.Handle(c.Handle), buf, c.Offset)
		r.Data = buf[:r.N]
	case opWrite:
		r.N, err = sh.Write(ctx, provider.Handle(c.Handle), c.Data, c.Offset)
	case opFsync:
		err = sh.Fsync(ctx, provider.Handle(c.Handle))
	case opMkdir:
		var st provider.Stat
		st, err = sh.Mkdir(ctx, c.Path, c.Mode)
		r.Stat = &st
	case opRmdir:
		err = sh.Rmdir(ctx, c.Path)
	case opRemove:
		err = sh.Remove(ctx, c.Path, c.Flag)
	case opRename:
		err = sh.Rename(ctx, c.Path, c.Path2, c.Flag)
	case opReadlink:
		r.Target, err = sh.Readlink(ctx, c.Path)
	case opSymlink:
		var st provider.Stat
		st, err = sh.Symlink(ctx, c.Path, c.Path2)
		r.Stat = &st
	case opReaddir:
		r.Chain, err = sh.Readdir(ctx, c.Path, c.Count)
	case opSetShowSymlink:
		sh.SetShowSymlinks(c.Flag)
	default:
		err = common.ErrNotSupported
	}
	if err != nil {
		return &reply{Error: encodeError(err)}
	}
	return &r
}
