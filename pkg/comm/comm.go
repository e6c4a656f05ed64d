// Package comm drives a conversation with an assistant CLI running in a
// terminal pane: questions go in through terminal injection, answers come
// back by tailing the transcript the assistant writes to disk.
package comm

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tiancaiamao/ccb/pkg/config"
	"github.com/tiancaiamao/ccb/pkg/logger"
	"github.com/tiancaiamao/ccb/pkg/session"
	"github.com/tiancaiamao/ccb/pkg/terminal"
	"github.com/tiancaiamao/ccb/pkg/transcript"
)

// waitForeverRound bounds each poll when the caller asked to wait
// indefinitely, so progress can be reported between rounds.
const waitForeverRound = 30 * time.Second

// Communicator composes a session descriptor, a terminal backend, and a
// transcript reader for one provider. All operations are synchronous; the
// only waiting is sleep-and-retry inside the reader.
type Communicator struct {
	provider string
	desc     *session.Descriptor
	backend  terminal.Backend
	reader   transcript.Reader
	cfg      config.ProviderConfig
	log      *logger.Logger

	// OnProgress, when set, is called between poll rounds of an unbounded
	// wait with the total elapsed time.
	OnProgress func(elapsed time.Duration)
}

// New builds a Communicator for provider ("codex" or "gemini"), verifies
// session health without probing the terminal, and binds the current
// transcript so the first ask starts from a known file. Returns
// ErrNoActiveSession when no descriptor is found.
func New(provider string, cfg *config.Config, log *logger.Logger) (*Communicator, error) {
	c, err := NewLazy(provider, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := c.healthCheck(false); err != nil {
		return nil, err
	}
	c.primeBinding()
	return c, nil
}

// NewLazy builds a Communicator without the health check or transcript
// priming, for status-style paths that must work against a sick session.
func NewLazy(provider string, cfg *config.Config, log *logger.Logger) (*Communicator, error) {
	desc := session.Load(provider)
	if desc == nil {
		return nil, fmt.Errorf("%w: no %s descriptor in environment or working directory", ErrNoActiveSession, provider)
	}

	if desc.Terminal == "" {
		desc.Terminal = terminal.Detect()
	}
	backend, err := terminal.New(desc.Terminal)
	if err != nil {
		return nil, fmt.Errorf("session descriptor: %w", err)
	}

	c := &Communicator{
		provider: provider,
		desc:     desc,
		backend:  backend,
		log:      log,
	}
	switch provider {
	case "gemini":
		c.cfg = cfg.Gemini
		c.reader = newGeminiReader(desc, c.cfg)
	default:
		c.cfg = cfg.Codex
		c.reader = newCodexReader(desc, c.cfg)
	}
	return c, nil
}

// Descriptor exposes the loaded session descriptor.
func (c *Communicator) Descriptor() *session.Descriptor {
	return c.desc
}

// primeBinding resolves the current transcript and persists its identity
// before the first ask, so a later rotation is measured against a known
// file.
func (c *Communicator) primeBinding() {
	if path := c.reader.CurrentPath(); path != "" {
		c.rememberSession(path)
	}
}

// AskAsync injects text and returns without waiting for a reply. The
// health check skips terminal liveness to keep latency low; a dead pane
// will surface on the next ping or when no reply ever lands.
func (c *Communicator) AskAsync(text string) error {
	if err := c.healthCheck(false); err != nil {
		return err
	}
	marker := askMarker()
	c.log.Debug("%s %s: async ask (%d bytes)", c.provider, marker, len(text))

	// Resolve the transcript before injecting so the binding persisted
	// below reflects the pre-ask state, not a file the ask itself created.
	c.reader.CaptureState()
	if err := c.backend.SendText(c.desc.Target(), c.formatAsk(text)); err != nil {
		return err
	}
	c.rememberSession(c.reader.CurrentPath())
	return nil
}

// AskSync injects text and waits for the reply. timeout 0 waits
// indefinitely, as repeated bounded polls with a progress notification
// between rounds. Returns ErrTimeout when the deadline passes with no
// reply.
func (c *Communicator) AskSync(text string, timeout time.Duration) (string, error) {
	if err := c.healthCheck(false); err != nil {
		return "", err
	}
	marker := askMarker()
	c.log.Debug("%s %s: sync ask (%d bytes, timeout %v)", c.provider, marker, len(text), timeout)

	cur := c.reader.CaptureState()
	if err := c.backend.SendText(c.desc.Target(), c.formatAsk(text)); err != nil {
		return "", err
	}
	c.rememberSession(c.reader.CurrentPath())

	if timeout > 0 {
		reply, _ := c.reader.Poll(cur, timeout, true)
		if reply == nil {
			return "", fmt.Errorf("%w: %v elapsed", ErrTimeout, timeout)
		}
		c.log.Debug("%s %s: reply after bounded wait (%d bytes)", c.provider, marker, len(reply.Text))
		return reply.Text, nil
	}

	start := time.Now()
	for {
		reply, next := c.reader.Poll(cur, waitForeverRound, true)
		if reply != nil {
			c.log.Debug("%s %s: reply after %v", c.provider, marker, time.Since(start).Round(time.Second))
			return reply.Text, nil
		}
		cur = next
		elapsed := time.Since(start)
		c.log.Info("%s: still waiting for a reply (%v elapsed)", c.provider, elapsed.Round(time.Second))
		if c.OnProgress != nil {
			c.OnProgress(elapsed)
		}
	}
}

// Ping probes the session: terminal liveness plus, for tmux codex
// sessions, the helper pidfiles. Returns a human-readable status either
// way.
func (c *Communicator) Ping() (bool, string) {
	if err := c.healthCheck(true); err != nil {
		return false, err.Error()
	}
	return true, fmt.Sprintf("%s session %s alive (%s, target %s)",
		c.provider, c.desc.SessionID, c.desc.Terminal, c.desc.Target())
}

// ConsumePending returns the latest reply already in the transcript
// without sending anything. Idempotent: it never advances a cursor, so
// two calls with no writes in between return the same text.
func (c *Communicator) ConsumePending() (string, bool) {
	reply, ok := c.reader.Latest()
	if !ok {
		return "", false
	}
	c.rememberSession(c.reader.CurrentPath())
	return reply.Text, true
}

// Status reports the session fields a human asks about first. It never
// fails; unknown values are omitted.
func (c *Communicator) Status() map[string]interface{} {
	status := map[string]interface{}{
		"provider":   c.provider,
		"session_id": c.desc.SessionID,
		"terminal":   c.desc.Terminal,
		"target":     c.desc.Target(),
	}
	if c.desc.RuntimeDir != "" {
		status["runtime_dir"] = c.desc.RuntimeDir
	}
	if path := c.reader.CurrentPath(); path != "" {
		status["transcript"] = path
	}
	if err := c.healthCheck(true); err != nil {
		status["healthy"] = false
		status["health_detail"] = err.Error()
	} else {
		status["healthy"] = true
	}
	if c.provider == "codex" && c.desc.RuntimeDir != "" {
		if pid, err := session.ReadPidfile(filepath.Join(c.desc.RuntimeDir, "codex.pid")); err == nil {
			status["codex_pid"] = pid
		}
	}
	return status
}

// healthCheck validates the session. The cheap checks (descriptor shape,
// runtime directory) always run; probe additionally verifies terminal
// liveness and, for tmux codex sessions, the helper pidfiles and input
// FIFO. Failures wrap ErrSessionUnhealthy with the failing detail.
func (c *Communicator) healthCheck(probe bool) error {
	if c.desc.RuntimeDir != "" {
		if _, err := os.Stat(c.desc.RuntimeDir); err != nil {
			return fmt.Errorf("%w: runtime dir %s missing", ErrSessionUnhealthy, c.desc.RuntimeDir)
		}
	}
	if !probe {
		return nil
	}

	if !c.backend.IsAlive(c.desc.Target()) {
		return fmt.Errorf("%w: %s target %q not alive", ErrSessionUnhealthy, c.desc.Terminal, c.desc.Target())
	}
	if c.provider == "codex" && c.desc.Terminal == "tmux" {
		return c.codexTmuxHealth()
	}
	return nil
}

// formatAsk prepares the injected text. Codex gets a source tag so the
// assistant can tell tool-originated questions from typed ones.
func (c *Communicator) formatAsk(text string) string {
	if c.provider == "codex" {
		return "[CCB] " + text
	}
	return text
}

// rememberSession persists the discovered transcript identity back to the
// descriptor file. Best effort: the reply path must keep working on a
// read-only descriptor, so failures only warn.
func (c *Communicator) rememberSession(path string) {
	if path == "" || c.desc.Path == "" {
		return
	}
	var updates map[string]interface{}
	if c.provider == "gemini" {
		updates = c.geminiSessionFields(path)
	} else {
		updates = c.codexSessionFields(path)
	}
	if len(updates) == 0 {
		return
	}
	changed, err := session.UpdateFields(c.desc.Path, updates)
	if err != nil {
		c.log.Warn("could not persist %s transcript binding: %v", c.provider, err)
		return
	}
	if changed > 0 {
		c.log.Debug("%s: bound transcript %s", c.provider, filepath.Base(path))
	}
}

// askMarker tags one ask operation across log lines.
func askMarker() string {
	return "ask-" + uuid.NewString()[:8]
}
