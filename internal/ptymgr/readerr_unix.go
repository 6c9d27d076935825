//go:build !windows

package ptymgr

import (
	"errors"
	"io"
	"syscall"
)

// isExpectedReadEnd reports whether err represents a normal end-of-stream
// condition for a PTY master whose slave side has closed — EOF, or the
// EIO Linux/BSD kernels return once the last slave file descriptor closes.
func isExpectedReadEnd(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	return errors.Is(err, syscall.EIO)
}
