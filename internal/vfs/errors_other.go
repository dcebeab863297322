//go:build !darwin

package vfs

import "syscall"

// ENOATTR is reported for a missing extended attribute.
var ENOATTR = syscall.ENODATA
