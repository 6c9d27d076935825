//go:build !windows

package tokenfile

import "syscall"

// IsProcessAlive reports whether pid names a live process, using the
// POSIX convention of sending signal 0 (no-op delivery, error-only probe).
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}
