//go:build windows

package ptymgr

import (
	"errors"
	"io"
)

func isExpectedReadEnd(err error) bool {
	return errors.Is(err, io.EOF)
}
