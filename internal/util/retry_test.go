package util

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsNotListening(t *testing.T) {
	t.Parallel()

	assert.True(t, IsNotListening(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
	assert.True(t, IsNotListening(&os.SyscallError{Syscall: "connect", Err: syscall.ENOENT}))
	assert.False(t, IsNotListening(errors.New("permission denied")))
	assert.False(t, IsNotListening(nil))
}

func TestDialRetryGivesUpOnOtherErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return errors.New("bad address")
	}, DialRetryOptions(context.Background())...)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDialRetryReachesLateListener(t *testing.T) {
	t.Parallel()

	sock := filepath.Join(t.TempDir(), "late.sock")
	calls := 0
	conn, err := RetryWithResult(context.Background(), func() (net.Conn, error) {
		calls++
		if calls == 2 {
			l, err := net.Listen("unix", sock)
			require.NoError(t, err)
			t.Cleanup(func() { l.Close() })
		}
		return net.Dial("unix", sock)
	}, DialRetryOptions(context.Background())...)
	require.NoError(t, err)
	conn.Close()
	assert.Equal(t, 2, calls)
}

func TestIsDatabaseLocked(t *testing.T) {
	t.Parallel()

	assert.True(t, IsDatabaseLocked(errors.New("database is locked (5)")))
	assert.False(t, IsDatabaseLocked(errors.New("no such table")))
	assert.False(t, IsDatabaseLocked(nil))
}
