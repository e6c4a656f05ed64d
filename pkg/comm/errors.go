package comm

import (
	"errors"

	"github.com/tiancaiamao/ccb/pkg/terminal"
)

var (
	// ErrNoActiveSession means no session descriptor was found in the
	// environment or the working directory. Never retried.
	ErrNoActiveSession = errors.New("no active session")

	// ErrSessionUnhealthy means the session exists but its terminal or
	// helper processes failed a liveness check.
	ErrSessionUnhealthy = errors.New("session unhealthy")

	// ErrTranscriptUnavailable means the transcript root or file is
	// missing. Blocking waits retry it internally; non-blocking calls
	// surface it.
	ErrTranscriptUnavailable = errors.New("transcript unavailable")

	// ErrTimeout means the wait deadline elapsed with no reply. It reports
	// "no reply", not a fault.
	ErrTimeout = errors.New("no reply before timeout")
)

// Injection and query failures originate in the terminal backends; aliased
// here so callers can match the whole taxonomy from one package.
var (
	ErrInjectionFailed = terminal.ErrInjectionFailed
	ErrQueryFailed     = terminal.ErrQueryFailed
)
