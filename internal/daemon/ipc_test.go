package daemon

import (
	"context"
	"os"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortConfigDir points SHAREFS_CONFIG_DIR at a short temp path; unix socket
// paths are limited to ~104 bytes on macOS.
func shortConfigDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "sfs")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	t.Setenv("SHAREFS_CONFIG_DIR", dir)
	return dir
}

// startTestServer starts an IPC server and returns a func yielding the next
// request it receives.
func startTestServer(t *testing.T, resp *Response) func() *Request {
	t.Helper()
	shortConfigDir(t)

	reqs := make(chan *Request, 16)
	server := NewServer(func(req *Request) *Response {
		reqs <- req
		if resp == nil {
			return &Response{Success: true}
		}
		return resp
	})
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)

	last := func() *Request {
		select {
		case r := <-reqs:
			return r
		case <-time.After(2 * time.Second):
			t.Fatal("no request received")
			return nil
		}
	}
	return last
}

func TestRequestConstantsUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for _, v := range []string{RequestMount, RequestUnmount, RequestList, RequestInvalidate, RequestStatus, RequestStop} {
		assert.NotEmpty(t, v)
		assert.False(t, seen[v], "duplicate request type: %s", v)
		seen[v] = true
	}
}

func TestServerStartStop(t *testing.T) {
	shortConfigDir(t)

	server := NewServer(func(req *Request) *Response { return &Response{Success: true} })
	require.NoError(t, server.Start())

	_, err := os.Stat(SocketPath())
	assert.NoError(t, err, "socket file should be created")

	server.Stop()

	_, err = os.Stat(SocketPath())
	assert.True(t, os.IsNotExist(err), "socket should be removed after Stop()")
}

func TestClientServerCommunication(t *testing.T) {
	shortConfigDir(t)

	server := NewServer(func(req *Request) *Response {
		return &Response{Success: true, Message: "received: " + req.Type, PID: os.Getpid()}
	})
	require.NoError(t, server.Start())
	defer server.Stop()

	client, err := Connect()
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Send(&Request{Type: RequestStatus})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "received: status", resp.Message)
	assert.Equal(t, os.Getpid(), resp.PID)
}

func TestClientMount(t *testing.T) {
	last := startTestServer(t, nil)

	client, err := Connect()
	require.NoError(t, err)
	defer client.Close()

	spec := &MountSpec{
		Share:      "docs",
		HostDir:    "/srv/docs",
		MountPoint: "/mnt/docs",
		UID:        501,
		GID:        20,
		TTLMillis:  -1,
		ReadOnly:   true,
	}
	_, err = client.Mount(spec)
	require.NoError(t, err)

	req := last()
	assert.Equal(t, RequestMount, req.Type)
	require.NotNil(t, req.Mount)
	assert.Equal(t, *spec, *req.Mount)
}

func TestClientUnmount(t *testing.T) {
	last := startTestServer(t, nil)

	client, err := Connect()
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Unmount("/mnt/target", false, true)
	require.NoError(t, err)

	req := last()
	assert.Equal(t, RequestUnmount, req.Type)
	assert.Equal(t, "/mnt/target", req.Target)
	assert.False(t, req.All)
	assert.True(t, req.Force)
}

func TestClientList(t *testing.T) {
	last := startTestServer(t, &Response{
		Success: true,
		Mounts: []MountStatus{
			{ID: "a", Share: "docs", MountPoint: "/mnt/docs", Nodes: 3, StaleNodes: 1},
		},
	})

	client, err := Connect()
	require.NoError(t, err)
	defer client.Close()

	mounts, err := client.List()
	require.NoError(t, err)
	assert.Equal(t, RequestList, last().Type)
	require.Len(t, mounts, 1)
	assert.Equal(t, "docs", mounts[0].Share)
	assert.Equal(t, 3, mounts[0].Nodes)
	assert.Equal(t, 1, mounts[0].StaleNodes)
}

func TestClientListFailure(t *testing.T) {
	startTestServer(t, &Response{Success: false, Error: "registry closed"})

	client, err := Connect()
	require.NoError(t, err)
	defer client.Close()

	_, err = client.List()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry closed")
}

func TestClientInvalidate(t *testing.T) {
	last := startTestServer(t, &Response{Success: true, Invalidated: true})

	client, err := Connect()
	require.NoError(t, err)
	defer client.Close()

	found, err := client.Invalidate("/mnt/docs", "a/b.txt")
	require.NoError(t, err)
	assert.True(t, found)

	req := last()
	assert.Equal(t, RequestInvalidate, req.Type)
	assert.Equal(t, "/mnt/docs", req.Target)
	assert.Equal(t, "a/b.txt", req.Path)
}

func TestClientStatusAndStop(t *testing.T) {
	last := startTestServer(t, &Response{Success: true, PID: 12345})

	client, err := Connect()
	require.NoError(t, err)
	resp, err := client.Status()
	client.Close()
	require.NoError(t, err)
	assert.Equal(t, RequestStatus, last().Type)
	assert.Equal(t, 12345, resp.PID)

	client, err = Connect()
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Stop()
	require.NoError(t, err)
	assert.Equal(t, RequestStop, last().Type)
}

func TestIsDaemonRunning(t *testing.T) {
	t.Run("returns false when not running", func(t *testing.T) {
		shortConfigDir(t)
		assert.False(t, IsDaemonRunning())
	})

	t.Run("returns true when running", func(t *testing.T) {
		g := NewWithT(t)
		startTestServer(t, nil)

		g.Eventually(IsDaemonRunning).WithTimeout(time.Second).Should(BeTrue())
	})
}

func TestConnectWithRetry(t *testing.T) {
	t.Run("gives up when nothing listens", func(t *testing.T) {
		shortConfigDir(t)

		_, err := ConnectWithRetry(context.Background())
		assert.Error(t, err)
	})

	t.Run("connects once the server appears", func(t *testing.T) {
		shortConfigDir(t)

		server := NewServer(func(req *Request) *Response { return &Response{Success: true} })
		started := make(chan error, 1)
		go func() {
			time.Sleep(60 * time.Millisecond)
			started <- server.Start()
		}()
		t.Cleanup(func() {
			<-started
			server.Stop()
		})

		client, err := ConnectWithRetry(context.Background())
		require.NoError(t, err)
		client.Close()
	})
}
