//go:build darwin

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
		BlockSize:   st.Bsize,
		BlocksUsed:  st.Blocks - st.Bfree,
		BlocksAvail: st.Bavail,
		MaxNameSize: 255,
		ReadOnly:    st.Flags&unix.MNT_RDONLY != 0,
	}, nil
}
