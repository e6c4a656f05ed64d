package terminal

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// WeztermBackend drives WezTerm panes through `wezterm cli`. Targets are
// numeric pane ids.
type WeztermBackend struct {
	run        runner
	bin        string
	enterDelay time.Duration
}

// NewWeztermBackend creates a WezTerm backend using the cached binary path.
func NewWeztermBackend() *WeztermBackend {
	return &WeztermBackend{
		run:        execRunner{},
		bin:        weztermBin(),
		enterDelay: envDelay("CCB_WEZTERM_ENTER_DELAY", 10*time.Millisecond),
	}
}

// cliArgs prepends the cli subcommand plus optional class/mux flags.
func (b *WeztermBackend) cliArgs(rest ...string) []string {
	args := []string{"cli"}
	if class := firstEnv("CODEX_WEZTERM_CLASS", "WEZTERM_CLASS"); class != "" {
		args = append(args, "--class", class)
	}
	if envFlag("CODEX_WEZTERM_PREFER_MUX") {
		args = append(args, "--prefer-mux")
	}
	if envFlag("CODEX_WEZTERM_NO_AUTO_START") {
		args = append(args, "--no-auto-start")
	}
	return append(args, rest...)
}

// flattenText joins a multi-line prompt into one line for send-text.
// WezTerm has no separate Enter concept, so line breaks (LF or CRLF)
// would be typed mid-text; they become spaces. A stray CR is dropped: it
// acts as a premature Enter in most TUIs and never marks a word boundary.
var flattenText = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", "")

func (b *WeztermBackend) SendText(paneID, text string) error {
	sanitized := strings.TrimSpace(flattenText.Replace(text))
	if sanitized == "" {
		return nil
	}

	args := b.cliArgs("send-text", "--pane-id", paneID, "--no-paste", sanitized)
	if _, err := b.run.run(nil, b.bin, args...); err != nil {
		return fmt.Errorf("%w: %v", ErrInjectionFailed, err)
	}
	if b.enterDelay > 0 {
		time.Sleep(b.enterDelay)
	}

	// Enter key: try CR, LF, CRLF as an argument; some WezTerm builds strip
	// one or the other. Fall back to feeding CR on stdin.
	for _, key := range []string{"\r", "\n", "\r\n"} {
		args := b.cliArgs("send-text", "--pane-id", paneID, "--no-paste", key)
		if _, err := b.run.run(nil, b.bin, args...); err == nil {
			return nil
		}
	}
	args = b.cliArgs("send-text", "--pane-id", paneID, "--no-paste")
	if _, err := b.run.run([]byte("\r"), b.bin, args...); err != nil {
		return fmt.Errorf("%w: %v", ErrInjectionFailed, err)
	}
	return nil
}

func (b *WeztermBackend) IsAlive(paneID string) bool {
	out, err := b.run.run(nil, b.bin, b.cliArgs("list", "--format", "json")...)
	if err != nil {
		return false
	}
	var panes []struct {
		PaneID json.Number `json:"pane_id"`
	}
	if err := json.Unmarshal([]byte(out), &panes); err != nil {
		return false
	}
	for _, p := range panes {
		if p.PaneID.String() == paneID {
			return true
		}
	}
	return false
}

func (b *WeztermBackend) KillPane(paneID string) error {
	if _, err := b.run.run(nil, b.bin, b.cliArgs("kill-pane", "--pane-id", paneID)...); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

func (b *WeztermBackend) Activate(paneID string) error {
	if _, err := b.run.run(nil, b.bin, b.cliArgs("activate-pane", "--pane-id", paneID)...); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

func (b *WeztermBackend) CreatePane(cmd, cwd, direction string, percent int, parentPane string) (string, error) {
	rest := []string{"split-pane", "--cwd", cwd}
	switch direction {
	case "bottom":
		rest = append(rest, "--bottom")
	default:
		rest = append(rest, "--right")
	}
	rest = append(rest, "--percent", strconv.Itoa(percent))
	if parentPane != "" {
		rest = append(rest, "--pane-id", parentPane)
	}
	rest = append(rest, "--", "bash", "-c", cmd)

	out, err := b.run.run(nil, b.bin, b.cliArgs(rest...)...)
	if err != nil {
		return "", fmt.Errorf("%w: split-pane: %v", ErrQueryFailed, err)
	}
	return strings.TrimSpace(out), nil
}

func envFlag(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	return ""
}
