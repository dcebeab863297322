//go:build !linux && !darwin

package hostfs

import "sharefs/internal/provider"

// statfs has no portable source of capacity here; report an empty share.
func statfs(root string) (provider.FSInfo, error) {
	return provider.FSInfo{BlockSize: 4096, MaxNameSize: 255}, nil
}
