// Package terminal abstracts the terminal multiplexers (tmux, WezTerm,
// iTerm2) that host interactive assistant sessions. Text is injected via
// the multiplexer's CLI as if typed by a user; liveness is queried the
// same way.
package terminal

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Common errors.
var (
	// ErrInjectionFailed wraps subprocess failures while sending text.
	ErrInjectionFailed = errors.New("terminal injection failed")
	// ErrQueryFailed wraps subprocess failures on lifecycle operations.
	ErrQueryFailed = errors.New("terminal query failed")
	// ErrUnknownTerminal is returned for an unrecognized terminal kind.
	ErrUnknownTerminal = errors.New("unknown terminal kind")
)

// Backend is the capability set every multiplexer kind implements. The
// target is the backend's own handle namespace: a session name for tmux, a
// pane/session id for WezTerm and iTerm2.
type Backend interface {
	// SendText delivers text as if typed, followed by Enter. Carriage
	// returns are stripped; empty text is a no-op.
	SendText(target, text string) error

	// IsAlive reports whether the target still exists. It never returns an
	// error: an absent or broken multiplexer reads as false.
	IsAlive(target string) bool

	// KillPane terminates the target session/pane.
	KillPane(target string) error

	// Activate focuses (or attaches to) the target.
	Activate(target string) error

	// CreatePane starts cmd in a new pane/session under cwd and returns the
	// new target handle. direction is "right" or "bottom"; percent is the
	// split size; parentPane may be empty.
	CreatePane(cmd, cwd, direction string, percent int, parentPane string) (string, error)
}

// New constructs the backend for a declared terminal kind.
func New(kind string) (Backend, error) {
	switch kind {
	case "tmux":
		return NewTmuxBackend(), nil
	case "wezterm":
		return NewWeztermBackend(), nil
	case "iterm2":
		return NewIterm2Backend(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTerminal, kind)
	}
}

// runner executes a multiplexer CLI command and returns trimmed stdout.
// Indirection exists so tests can record calls without spawning processes.
type runner interface {
	run(stdin []byte, name string, args ...string) (string, error)
}

// execRunner is the real subprocess runner.
type execRunner struct{}

func (execRunner) run(stdin []byte, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("%s %s: %s", name, args[0], msg)
		}
		return "", fmt.Errorf("%s %s: %w", name, args[0], err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// interactiveCommand builds a command wired to the caller's terminal, for
// operations like tmux attach that take over the screen.
func interactiveCommand(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

// sanitizeText strips carriage returns and surrounding whitespace from text
// headed for a terminal. Embedded CRs act as premature Enter presses in
// most TUIs.
func sanitizeText(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, "\r", ""))
}
