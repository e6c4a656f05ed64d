package comm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/tiancaiamao/ccb/pkg/config"
	"github.com/tiancaiamao/ccb/pkg/session"
	"github.com/tiancaiamao/ccb/pkg/transcript"
)

// defaultCodexRoot is where the codex CLI writes rollout transcripts.
func defaultCodexRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".codex", "sessions")
}

// newCodexReader builds the append-log reader for a codex session,
// pre-bound to the transcript recorded in the descriptor when one exists.
func newCodexReader(desc *session.Descriptor, cfg config.ProviderConfig) transcript.Reader {
	root := cfg.SessionRoot
	if root == "" {
		root = defaultCodexRoot()
	}
	loc := transcript.NewLogLocator(root)
	if desc.CodexSessionPath != "" {
		loc.SetPreferred(desc.CodexSessionPath)
	}
	return transcript.NewLogReader(loc, cfg.PollInterval())
}

// codexTmuxHealth checks the helper processes of a tmux codex session:
// both pidfiles must reference live processes and the input FIFO must
// still exist.
func (c *Communicator) codexTmuxHealth() error {
	for _, name := range []string{"codex.pid", "bridge.pid"} {
		path := filepath.Join(c.desc.RuntimeDir, name)
		pid, alive := session.PidfileAlive(path)
		if !alive {
			if pid > 0 {
				return fmt.Errorf("%w: %s process %d not running", ErrSessionUnhealthy, name, pid)
			}
			return fmt.Errorf("%w: %s unreadable", ErrSessionUnhealthy, path)
		}
	}
	if c.desc.InputFIFO != "" {
		if _, err := os.Stat(c.desc.InputFIFO); err != nil {
			return fmt.Errorf("%w: input fifo %s missing", ErrSessionUnhealthy, c.desc.InputFIFO)
		}
	}
	return nil
}

// codexSessionFields derives the descriptor updates for a bound codex
// transcript: the path, the session UUID, and the resume command.
func (c *Communicator) codexSessionFields(path string) map[string]interface{} {
	updates := map[string]interface{}{
		"codex_session_path": path,
	}
	if id := codexSessionID(path); id != "" {
		updates["codex_session_id"] = id
		updates["codex_start_cmd"] = "codex resume " + id
	}
	return updates
}

var uuidPattern = regexp.MustCompile(
	`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// codexSessionID extracts the session UUID from a rollout file. The
// filename usually embeds it (rollout-<timestamp>-<uuid>.jsonl); failing
// that, the first line's session metadata is consulted.
func codexSessionID(path string) string {
	name := filepath.Base(path)
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	for _, candidate := range []string{stem, name} {
		if m := uuidPattern.FindString(candidate); m != "" {
			if _, err := uuid.Parse(m); err == nil {
				return strings.ToLower(m)
			}
		}
	}
	return sessionIDFromFirstLine(path)
}

// sessionIDFromFirstLine scans the file's first line: a raw UUID match
// first, then the JSON session fields the codex CLI has used across
// versions.
func sessionIDFromFirstLine(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return ""
	}
	line := scanner.Bytes()

	if m := uuidPattern.Find(line); m != nil {
		if _, err := uuid.Parse(string(m)); err == nil {
			return strings.ToLower(string(m))
		}
	}

	var meta struct {
		SessionID string `json:"session_id"`
		Payload   struct {
			ID      string `json:"id"`
			Session struct {
				ID string `json:"id"`
			} `json:"session"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(line, &meta); err != nil {
		return ""
	}
	for _, id := range []string{meta.SessionID, meta.Payload.ID, meta.Payload.Session.ID} {
		if _, err := uuid.Parse(id); err == nil {
			return strings.ToLower(id)
		}
	}
	return ""
}
