//go:build !linux

package netio

import "syscall"

// controlReuseAddr is a no-op on platforms without the Linux-specific
// socket option constants, mirroring the teacher's fwmark_other.go half of
// the same build-tag split.
func controlReuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}
