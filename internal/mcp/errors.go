package mcp

import (
	"os"
	"os/exec"

	"github.com/cockroachdb/errors"
)

// Error classes for everything this package surfaces. Callers test with
// errors.Is; the concrete cause stays wrapped underneath the mark.
var (
	// ErrConnection covers spawn and dial failures plus any I/O on a dead or
	// closed connection.
	ErrConnection = errors.New("mcp: connection failed")
	// ErrProtocol covers malformed frames, id mismatches, JSON-RPC error
	// payloads, and capability violations.
	ErrProtocol = errors.New("mcp: protocol violation")
	// ErrTimeout covers handshake or call deadlines.
	ErrTimeout = errors.New("mcp: deadline exceeded")
	// ErrResourceLimit covers oversized frames, notification floods, and
	// pagination without forward progress.
	ErrResourceLimit = errors.New("mcp: resource limit exceeded")
	// ErrCancelled covers caller-initiated cancellation.
	ErrCancelled = errors.New("mcp: call cancelled")
	// ErrNotSupported covers operations the server did not declare a
	// capability for; a subclass of ErrProtocol.
	ErrNotSupported = errors.Mark(errors.New("mcp: not supported by server"), ErrProtocol)
)

func connectionErrf(cause error, format string, args ...any) error {
	if cause == nil {
		return errors.Mark(errors.Newf(format, args...), ErrConnection)
	}
	return errors.Mark(errors.Wrapf(cause, format, args...), ErrConnection)
}

func protocolErrf(cause error, format string, args ...any) error {
	if cause == nil {
		return errors.Mark(errors.Newf(format, args...), ErrProtocol)
	}
	return errors.Mark(errors.Wrapf(cause, format, args...), ErrProtocol)
}

func resourceLimitErrf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrResourceLimit)
}

// classifySpawnError keeps "command not found" and "permission denied"
// distinguishable so the CLI layer can print a useful hint.
func classifySpawnError(serverName, command string, err error) error {
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return connectionErrf(err, "mcp server %q: command not found: %s", serverName, command)
	case errors.Is(err, os.ErrPermission):
		return connectionErrf(err, "mcp server %q: permission denied: %s", serverName, command)
	default:
		return connectionErrf(err, "mcp server %q: start %s", serverName, command)
	}
}
