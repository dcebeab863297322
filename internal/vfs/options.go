package vfs

import (
	"time"

	"sharefs/internal/cache"
	"sharefs/internal/provider"
)

const (
	// DefaultTTL bounds how long cached attributes are trusted.
	DefaultTTL = 200 * time.Millisecond
	// DefaultMaxIO is the largest single remote read or write.
	DefaultMaxIO = 64 * 1024
)

// Filter decides whether a share path is visible. Hidden paths behave as
// if absent from the host.
type Filter func(path string, isDir bool) bool

// Options are the per-mount settings of a ShareFS.
type Options struct {
	UID uint32
	GID uint32

	// FileMode and DirMode replace the host permission bits when non-zero.
	FileMode uint32
	DirMode  uint32
	// FMask and DMask are cleared from the reported permission bits.
	FMask uint32
	DMask uint32

	TTL      time.Duration
	ReadOnly bool

	// MaxIO caps the size of each remote read or write.
	MaxIO int
	// DirBufferSize is the capacity of each directory listing buffer.
	DirBufferSize int

	// HideSymlinks makes the host follow symlinks instead of reporting them.
	HideSymlinks bool

	// SingleFile, when set, exposes only this host path, as "/thefile".
	SingleFile string

	Filter Filter
	Clock  cache.Clock
}

// DefaultOptions returns the options of a plain read-write mount.
func DefaultOptions() Options {
	return Options{
		TTL:           DefaultTTL,
		MaxIO:         DefaultMaxIO,
		DirBufferSize: provider.DefaultDirBufferSize,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxIO <= 0 {
		o.MaxIO = DefaultMaxIO
	}
	if o.DirBufferSize <= 0 {
		o.DirBufferSize = provider.DefaultDirBufferSize
	}
	if o.TTL < 0 {
		o.TTL = 0
	}
	if o.Clock == nil {
		o.Clock = cache.SystemClock
	}
	return o
}
