package terminal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Iterm2Backend drives iTerm2 sessions through the it2 control CLI.
// Targets are iTerm2 session ids.
type Iterm2Backend struct {
	run runner
	bin string
}

// NewIterm2Backend creates an iTerm2 backend using the cached it2 path.
func NewIterm2Backend() *Iterm2Backend {
	return &Iterm2Backend{run: execRunner{}, bin: it2Bin()}
}

func (b *Iterm2Backend) SendText(sessionID, text string) error {
	sanitized := sanitizeText(text)
	if sanitized == "" {
		return nil
	}

	// it2 sends text without a newline; Enter goes as a separate CR after a
	// short pause so the TUI has drained the paste.
	if _, err := b.run.run(nil, b.bin, "session", "send", sanitized, "--session", sessionID); err != nil {
		return fmt.Errorf("%w: %v", ErrInjectionFailed, err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := b.run.run(nil, b.bin, "session", "send", "\r", "--session", sessionID); err != nil {
		return fmt.Errorf("%w: %v", ErrInjectionFailed, err)
	}
	return nil
}

func (b *Iterm2Backend) IsAlive(sessionID string) bool {
	out, err := b.run.run(nil, b.bin, "session", "list", "--json")
	if err != nil {
		return false
	}
	var sessions []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(out), &sessions); err != nil {
		return false
	}
	for _, s := range sessions {
		if s.ID == sessionID {
			return true
		}
	}
	return false
}

func (b *Iterm2Backend) KillPane(sessionID string) error {
	if _, err := b.run.run(nil, b.bin, "session", "close", "--session", sessionID, "--force"); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

func (b *Iterm2Backend) Activate(sessionID string) error {
	if _, err := b.run.run(nil, b.bin, "session", "focus", sessionID); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

func (b *Iterm2Backend) CreatePane(cmd, cwd, direction string, percent int, parentPane string) (string, error) {
	args := []string{"session", "split"}
	if direction != "bottom" {
		args = append(args, "--vertical")
	}
	if parentPane != "" {
		args = append(args, "--session", parentPane)
	}

	out, err := b.run.run(nil, b.bin, args...)
	if err != nil {
		return "", fmt.Errorf("%w: split: %v", ErrQueryFailed, err)
	}

	// it2 prints "Created new pane: <session_id>".
	newID := strings.TrimSpace(out)
	if idx := strings.LastIndex(newID, ":"); idx >= 0 {
		newID = strings.TrimSpace(newID[idx+1:])
	}

	if newID != "" && cmd != "" {
		startup := fmt.Sprintf("cd %s && %s", shellQuote(cwd), cmd)
		time.Sleep(200 * time.Millisecond)
		if err := b.SendText(newID, startup); err != nil {
			return newID, err
		}
	}
	return newID, nil
}

// shellQuote single-quotes a path for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
