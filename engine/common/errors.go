package common

import "github.com/pkg/errors"

// Error categories. Errors of these categories are absorbed at the boundary where they
// happen and logged; they never unwind into transactions or reconciliation phases.
var (
	// ErrTransientIO marks failed description fetches, storage hiccups and sends to
	// disconnected clients. Retried by the next reconciliation or send.
	ErrTransientIO = errors.New("transient io error")
	// ErrProtocol marks unknown message types and malformed payloads.
	ErrProtocol = errors.New("protocol error")
	// ErrCrashRecovery marks a phase record that is missing or cannot be decoded.
	ErrCrashRecovery = errors.New("crash recovery error")
)

// StructuralError is implemented by errors rejecting a mutation that would break
// the cell tree (containment cycles, duplicate capabilities).
type StructuralError interface {
	error
	IsStructural() bool
}

// IsStructural checks if err (or any error it wraps) is a StructuralError
func IsStructural(err error) bool {
	var se StructuralError
	return errors.As(err, &se) && se.IsStructural()
}
