package terminal

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Binary discovery runs once per process. Safe to cache globally: the
// resolved executable path is immutable once found.
var (
	weztermOnce sync.Once
	weztermPath string

	it2Once sync.Once
	it2Path string
)

// weztermBin resolves the wezterm executable: env override, then the
// install cache file, then PATH. Falls back to the bare name so errors
// surface at call time rather than construction time.
func weztermBin() string {
	weztermOnce.Do(func() {
		if override := firstEnv("CODEX_WEZTERM_BIN", "WEZTERM_BIN"); override != "" {
			if _, err := os.Stat(override); err == nil {
				weztermPath = override
				return
			}
		}
		if cached := loadCachedBin("CODEX_WEZTERM_BIN"); cached != "" {
			weztermPath = cached
			return
		}
		if found, err := exec.LookPath("wezterm"); err == nil {
			weztermPath = found
			return
		}
		weztermPath = "wezterm"
	})
	return weztermPath
}

// it2Bin resolves the it2 executable: env override, then PATH.
func it2Bin() string {
	it2Once.Do(func() {
		if override := firstEnv("CODEX_IT2_BIN", "IT2_BIN"); override != "" {
			it2Path = override
			return
		}
		if found, err := exec.LookPath("it2"); err == nil {
			it2Path = found
			return
		}
		it2Path = "it2"
	})
	return it2Path
}

// loadCachedBin reads KEY=path lines from the installer's env cache file.
func loadCachedBin(key string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(home, ".config", "ccb", "env"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, key+"=") {
			continue
		}
		path := strings.TrimSpace(strings.TrimPrefix(line, key+"="))
		if path != "" {
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// Detect guesses the terminal kind for the current environment. Running
// inside a terminal wins over installed tools.
func Detect() string {
	if os.Getenv("WEZTERM_PANE") != "" {
		return "wezterm"
	}
	if os.Getenv("ITERM_SESSION_ID") != "" {
		return "iterm2"
	}
	if os.Getenv("TMUX") != "" {
		return "tmux"
	}
	if override := firstEnv("CODEX_IT2_BIN", "IT2_BIN"); override != "" {
		if _, err := os.Stat(override); err == nil {
			return "iterm2"
		}
	}
	if _, err := exec.LookPath("it2"); err == nil {
		return "iterm2"
	}
	if _, err := exec.LookPath("tmux"); err == nil {
		return "tmux"
	}
	return ""
}
