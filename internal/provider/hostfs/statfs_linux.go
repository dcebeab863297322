//go:build linux

package hostfs

import (
	"golang.org/x/sys/unix"

	"sharefs/internal/provider"
)

func statfs(root string) (provider.FSInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return provider.FSInfo{}, mapError("fsinfo", err)
	}
	return provider.FSInfo{
		BlockSize:   uint32(st.Bsize),
		BlocksUsed:  st.Blocks - st.Bfree,
		BlocksAvail: st.Bavail,
		MaxNameSize: uint32(st.Namelen),
		ReadOnly:    st.Flags&unix.ST_RDONLY != 0,
	}, nil
}
