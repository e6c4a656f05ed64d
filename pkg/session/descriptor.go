// Package session loads and persists the per-project session descriptor
// that binds a logical assistant session to its terminal pane, runtime
// directory, and discovered transcript file.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Descriptor is the typed view of a session descriptor file
// (.codex-session / .gemini-session in the project directory). The file may
// carry fields this tool does not know about; persistence goes through
// UpdateFields so those are preserved.
type Descriptor struct {
	SessionID   string `json:"session_id"`
	RuntimeDir  string `json:"runtime_dir"`
	Terminal    string `json:"terminal"`
	TmuxSession string `json:"tmux_session,omitempty"`
	PaneID      string `json:"pane_id,omitempty"`
	InputFIFO   string `json:"input_fifo,omitempty"`
	WorkDir     string `json:"work_dir,omitempty"`
	Active      bool   `json:"active"`

	CodexSessionPath string `json:"codex_session_path,omitempty"`
	CodexSessionID   string `json:"codex_session_id,omitempty"`
	CodexStartCmd    string `json:"codex_start_cmd,omitempty"`

	GeminiSessionPath string `json:"gemini_session_path,omitempty"`
	GeminiProjectHash string `json:"gemini_project_hash,omitempty"`
	GeminiSessionID   string `json:"gemini_session_id,omitempty"`

	// Path is where the descriptor was loaded from. Empty when the
	// descriptor came from environment variables (nothing to persist).
	Path string `json:"-"`
}

// Target returns the terminal handle for backend operations: the tmux
// session name for tmux, the pane/session id otherwise.
func (d *Descriptor) Target() string {
	switch d.Terminal {
	case "wezterm", "iterm2":
		return d.PaneID
	default:
		if d.TmuxSession != "" {
			return d.TmuxSession
		}
		return d.PaneID
	}
}

// descriptorFileName maps a provider to its descriptor file in cwd.
func descriptorFileName(provider string) string {
	return "." + provider + "-session"
}

// Load reads the session descriptor for a provider ("codex" or "gemini").
// Environment variables take precedence over the project file; a descriptor
// with active=false or a missing runtime directory counts as absent.
// Returns nil when no active session is found.
func Load(provider string) *Descriptor {
	if d := fromEnv(provider); d != nil {
		return d
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil
	}
	path := filepath.Join(cwd, descriptorFileName(provider))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	// Tolerate a UTF-8 BOM from editors on Windows.
	data = stripBOM(data)

	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil
	}
	if !d.Active {
		return nil
	}
	if d.RuntimeDir == "" {
		return nil
	}
	if _, err := os.Stat(d.RuntimeDir); err != nil {
		return nil
	}

	d.Path = path
	return &d
}

// fromEnv builds a descriptor from <PROVIDER>_SESSION_ID and friends.
func fromEnv(provider string) *Descriptor {
	prefix := envPrefix(provider)
	id := os.Getenv(prefix + "_SESSION_ID")
	if id == "" {
		return nil
	}

	terminal := os.Getenv(prefix + "_TERMINAL")
	if terminal == "" {
		terminal = "tmux"
	}
	var paneID string
	switch terminal {
	case "wezterm":
		paneID = os.Getenv(prefix + "_WEZTERM_PANE")
	case "iterm2":
		paneID = os.Getenv(prefix + "_ITERM2_PANE")
	}

	return &Descriptor{
		SessionID:   id,
		RuntimeDir:  os.Getenv(prefix + "_RUNTIME_DIR"),
		Terminal:    terminal,
		TmuxSession: os.Getenv(prefix + "_TMUX_SESSION"),
		PaneID:      paneID,
		InputFIFO:   os.Getenv(prefix + "_INPUT_FIFO"),
		Active:      true,
	}
}

func envPrefix(provider string) string {
	switch provider {
	case "gemini":
		return "GEMINI"
	default:
		return "CODEX"
	}
}

// UpdateFields applies updates to the descriptor file, preserving fields
// this tool does not model, and writes the result atomically. Keys mapped
// to nil are removed. Returns the number of fields that actually changed.
func UpdateFields(path string, updates map[string]interface{}) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read descriptor: %w", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(stripBOM(data), &raw); err != nil {
		return 0, fmt.Errorf("parse descriptor: %w", err)
	}

	changed := 0
	for key, val := range updates {
		if val == nil {
			if _, ok := raw[key]; ok {
				delete(raw, key)
				changed++
			}
			continue
		}
		if prev, ok := raw[key]; !ok || prev != val {
			raw[key] = val
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}

	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("marshal descriptor: %w", err)
	}
	out = append(out, '\n')
	if err := WriteFileAtomic(path, out, 0644); err != nil {
		return 0, err
	}
	return changed, nil
}

func stripBOM(data []byte) []byte {
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		return data[3:]
	}
	return data
}
