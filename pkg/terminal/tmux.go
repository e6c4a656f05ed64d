package terminal

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// sendKeysMaxLen is the cutoff for the send-keys fast path. Longer or
// multi-line text goes through a paste buffer, which avoids per-key event
// overhead and send-keys escaping issues.
const sendKeysMaxLen = 200

// TmuxBackend drives tmux sessions. Targets are session names.
type TmuxBackend struct {
	run        runner
	enterDelay time.Duration
}

// NewTmuxBackend creates a tmux backend. CCB_TMUX_ENTER_DELAY (fractional
// seconds) inserts a pause between pasting and the Enter key for TUIs that
// drop input arriving in the same flush.
func NewTmuxBackend() *TmuxBackend {
	return &TmuxBackend{
		run:        execRunner{},
		enterDelay: envDelay("CCB_TMUX_ENTER_DELAY", 0),
	}
}

func (b *TmuxBackend) SendText(session, text string) error {
	sanitized := sanitizeText(text)
	if sanitized == "" {
		return nil
	}

	// Fast path for typical short, single-line prompts: fewer subprocess calls.
	if !hasNewline(sanitized) && len(sanitized) <= sendKeysMaxLen {
		if _, err := b.run.run(nil, "tmux", "send-keys", "-t", session, "-l", sanitized); err != nil {
			return fmt.Errorf("%w: %v", ErrInjectionFailed, err)
		}
		if _, err := b.run.run(nil, "tmux", "send-keys", "-t", session, "Enter"); err != nil {
			return fmt.Errorf("%w: %v", ErrInjectionFailed, err)
		}
		return nil
	}

	bufName := "ccb-" + uuid.NewString()[:8]
	if _, err := b.run.run([]byte(sanitized), "tmux", "load-buffer", "-b", bufName, "-"); err != nil {
		return fmt.Errorf("%w: %v", ErrInjectionFailed, err)
	}
	defer b.run.run(nil, "tmux", "delete-buffer", "-b", bufName)

	if _, err := b.run.run(nil, "tmux", "paste-buffer", "-t", session, "-b", bufName, "-p"); err != nil {
		return fmt.Errorf("%w: %v", ErrInjectionFailed, err)
	}
	if b.enterDelay > 0 {
		time.Sleep(b.enterDelay)
	}
	if _, err := b.run.run(nil, "tmux", "send-keys", "-t", session, "Enter"); err != nil {
		return fmt.Errorf("%w: %v", ErrInjectionFailed, err)
	}
	return nil
}

func (b *TmuxBackend) IsAlive(session string) bool {
	_, err := b.run.run(nil, "tmux", "has-session", "-t", session)
	return err == nil
}

func (b *TmuxBackend) KillPane(session string) error {
	if _, err := b.run.run(nil, "tmux", "kill-session", "-t", session); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

func (b *TmuxBackend) Activate(session string) error {
	cmd := interactiveCommand("tmux", "attach", "-t", session)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

func (b *TmuxBackend) CreatePane(cmd, cwd, direction string, percent int, parentPane string) (string, error) {
	// tmux targets are whole detached sessions, not splits of an existing
	// window; direction/percent/parentPane only apply to the pane-id backends.
	name := fmt.Sprintf("ai-%d-%d", time.Now().Unix()%100000, os.Getpid())
	if _, err := b.run.run(nil, "tmux", "new-session", "-d", "-s", name, "-c", cwd, cmd); err != nil {
		return "", fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return name, nil
}

func hasNewline(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return true
		}
	}
	return false
}

// envDelay reads a fractional-seconds delay from the environment.
func envDelay(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs < 0 {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}
