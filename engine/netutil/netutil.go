package netutil

import (
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/gwutils"
)

// IsConnectionError check if the error is a connection error (close)
func IsConnectionError(_err interface{}) bool {
	err, ok := _err.(error)
	if !ok {
		return false
	}

	err = errors.Cause(err)
	if err == io.EOF || err == io.ErrUnexpectedEOF || errors.Is(err, net.ErrClosed) {
		return true
	}

	neterr, ok := err.(net.Error)
	if !ok {
		return false
	}
	if neterr.Timeout() {
		return false
	}

	return true
}

// ServeForever runs the function, restarting it whenever it panics.
// It returns once f returns normally.
func ServeForever(f func()) {
	for gwutils.RunPanicless(f) {
	}
}
