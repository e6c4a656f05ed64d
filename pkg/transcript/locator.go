package transcript

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LogLocator finds the newest append-only line log (*.jsonl) under a root
// directory, for assistants like Codex that keep one rollout file per
// session under ~/.codex/sessions.
type LogLocator struct {
	root      string
	preferred string
}

// NewLogLocator creates a locator over root.
func NewLogLocator(root string) *LogLocator {
	return &LogLocator{root: root}
}

// SetPreferred binds the locator to a known transcript file.
func (l *LogLocator) SetPreferred(path string) {
	if path != "" {
		l.preferred = path
	}
}

// Preferred returns the currently bound file, which may no longer exist.
func (l *LogLocator) Preferred() string {
	return l.preferred
}

// ScanLatest walks the root and returns the most recently modified .jsonl
// file, or "" when the root is absent or empty. Candidates are tracked in
// a single pass; session histories can hold thousands of files and a full
// sort would be wasted work.
func (l *LogLocator) ScanLatest() string {
	var latest string
	var latestMod time.Time

	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, keep walking
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if latest == "" || !info.ModTime().Before(latestMod) {
			latest = path
			latestMod = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return ""
	}
	return latest
}

// Resolve returns the current best transcript: the bound file while it is
// still the newest, otherwise the freshly scanned latest (rebinding to
// it). Detects session rotation without paying a rescan on the result of
// every call path that holds a preference.
func (l *LogLocator) Resolve() string {
	latest := l.ScanLatest()
	preferred := l.preferred

	if latest == "" {
		if preferred != "" && fileExists(preferred) {
			return preferred
		}
		return ""
	}
	if preferred == "" || preferred == latest || !fileExists(preferred) {
		l.preferred = latest
		return latest
	}

	if modTime(latest).After(modTime(preferred)) {
		l.preferred = latest
		return latest
	}
	return preferred
}

// DocLocator finds the newest whole-document chat file for assistants like
// Gemini that keep per-project session documents under
// <root>/<project-hash>/chats/session-*.json.
type DocLocator struct {
	root        string
	projectHash string
	strict      bool
	preferred   string
}

// NewDocLocator creates a locator over root for workDir's project
// partition. forcedHash overrides the computed hash; strict disables the
// cross-project fallback.
func NewDocLocator(root, workDir, forcedHash string, strict bool) *DocLocator {
	hash := forcedHash
	if hash == "" {
		hash = ProjectHash(workDir)
	}
	return &DocLocator{root: root, projectHash: hash, strict: strict}
}

// ProjectHash computes the per-project partition hash of a directory the
// way gemini-cli does: sha256 over the absolute (not symlink-resolved)
// path.
func ProjectHash(workDir string) string {
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	abs, err := filepath.Abs(workDir)
	if err != nil {
		abs = workDir
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])
}

// Hash returns the project hash currently in use.
func (l *DocLocator) Hash() string {
	return l.projectHash
}

// SetPreferred binds the locator to a known session file and adopts its
// project hash.
func (l *DocLocator) SetPreferred(path string) {
	if path == "" || !fileExists(path) {
		return
	}
	l.preferred = path
	if hash := projectHashFromPath(path); hash != "" {
		l.projectHash = hash
	}
}

// Preferred returns the currently bound session file.
func (l *DocLocator) Preferred() string {
	return l.preferred
}

// ScanLatest returns the newest session-*.json in the project's chats
// directory. When the project partition yields nothing and strict mode is
// off, the search widens to every sibling project: the controller and the
// assistant can disagree on path normalization (symlinks, case, WSL),
// which makes the hashes diverge.
func (l *DocLocator) ScanLatest() string {
	chats := filepath.Join(l.root, l.projectHash, "chats")
	if latest := latestSessionIn(chats); latest != "" {
		return latest
	}
	if l.strict {
		return ""
	}
	return l.scanAnyProject()
}

func (l *DocLocator) scanAnyProject() string {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return ""
	}
	var latest string
	var latestMod time.Time
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		candidate := latestSessionIn(filepath.Join(l.root, e.Name(), "chats"))
		if candidate == "" {
			continue
		}
		if mod := modTime(candidate); latest == "" || !mod.Before(latestMod) {
			latest = candidate
			latestMod = mod
		}
	}
	return latest
}

// latestSessionIn picks the newest session-*.json in dir, skipping
// dotfiles (editors and sync tools leave them behind).
func latestSessionIn(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var latest string
	var latestMod time.Time
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.HasPrefix(name, "session-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if latest == "" || !info.ModTime().Before(latestMod) {
			latest = filepath.Join(dir, name)
			latestMod = info.ModTime()
		}
	}
	return latest
}

// Resolve mirrors LogLocator.Resolve for document transcripts.
func (l *DocLocator) Resolve() string {
	latest := l.ScanLatest()
	preferred := l.preferred

	if latest == "" {
		if preferred != "" && fileExists(preferred) {
			return preferred
		}
		return ""
	}
	if preferred == "" || preferred == latest || !fileExists(preferred) {
		l.SetPreferred(latest)
		return latest
	}
	if modTime(latest).After(modTime(preferred)) {
		l.SetPreferred(latest)
		return latest
	}
	return preferred
}

// projectHashFromPath extracts <hash> from <root>/<hash>/chats/session.json.
func projectHashFromPath(path string) string {
	return filepath.Base(filepath.Dir(filepath.Dir(path)))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
