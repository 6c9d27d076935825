//go:build windows

package tokenfile

import "golang.org/x/sys/windows"

// IsProcessAlive reports whether pid names a live process. Windows has no
// signal-0 probe; opening the process handle with a query-only access
// right and checking its exit code is the standard substitute.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(h, &exitCode); err != nil {
		return false
	}
	return exitCode == windows.STILL_ACTIVE
}
