package comm

import (
	"os"
	"path/filepath"

	"github.com/tiancaiamao/ccb/pkg/config"
	"github.com/tiancaiamao/ccb/pkg/session"
	"github.com/tiancaiamao/ccb/pkg/transcript"
)

// defaultGeminiRoot is where the gemini CLI keeps per-project session
// documents.
func defaultGeminiRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".gemini", "tmp")
}

// newGeminiReader builds the whole-document reader for a gemini session.
// The project hash comes from config, then the descriptor, then the
// session work directory; a transcript recorded in the descriptor is
// pre-bound.
func newGeminiReader(desc *session.Descriptor, cfg config.ProviderConfig) transcript.Reader {
	root := cfg.SessionRoot
	if root == "" {
		root = defaultGeminiRoot()
	}
	hash := cfg.ProjectHash
	if hash == "" {
		hash = desc.GeminiProjectHash
	}
	workDir := desc.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	loc := transcript.NewDocLocator(root, workDir, hash, cfg.StrictSessionMatch)
	if desc.GeminiSessionPath != "" {
		loc.SetPreferred(desc.GeminiSessionPath)
	}
	return transcript.NewDocReader(loc, cfg.PollInterval(), cfg.ForceReadInterval())
}

// geminiSessionFields derives the descriptor updates for a bound gemini
// transcript: the path, the project partition it lives under, and the
// document's own session id.
func (c *Communicator) geminiSessionFields(path string) map[string]interface{} {
	updates := map[string]interface{}{
		"gemini_session_path": path,
	}
	// <root>/<hash>/chats/session.json
	if hash := filepath.Base(filepath.Dir(filepath.Dir(path))); hash != "" && hash != "." {
		updates["gemini_project_hash"] = hash
	}
	if dr, ok := c.reader.(*transcript.DocReader); ok {
		if id := dr.SessionID(); id != "" {
			updates["gemini_session_id"] = id
		}
	}
	return updates
}
