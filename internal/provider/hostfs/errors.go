package hostfs

import (
	"errors"
	"fmt"
	"syscall"

	"sharefs/internal/common"
)

// mapError translates host errors into the provider taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return fmt.Errorf("%s: %w", op, common.ErrIO)
	}
	switch errno {
	case syscall.ENOENT:
		return fmt.Errorf("%s: %w", op, common.ErrNotFound)
	case syscall.EEXIST:
		return fmt.Errorf("%s: %w", op, common.ErrExists)
	case syscall.ENOTDIR:
		return fmt.Errorf("%s: %w", op, common.ErrNotDir)
	case syscall.EISDIR:
		return fmt.Errorf("%s: %w", op, common.ErrIsDir)
	case syscall.ENOTEMPTY:
		return fmt.Errorf("%s: %w", op, common.ErrNotEmpty)
	case syscall.EROFS:
		return fmt.Errorf("%s: %w", op, common.ErrReadOnly)
	default:
		return common.NewRemoteError(op, int(errno))
	}
}
