package comm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiancaiamao/ccb/pkg/config"
	"github.com/tiancaiamao/ccb/pkg/logger"
)

// fakeBackend records injected text and can mimic the assistant by
// writing a reply to the transcript on send.
type fakeBackend struct {
	sent     []string
	alive    bool
	failSend error
	onSend   func(text string)
}

func (f *fakeBackend) SendText(target, text string) error {
	if f.failSend != nil {
		return f.failSend
	}
	f.sent = append(f.sent, text)
	if f.onSend != nil {
		f.onSend(text)
	}
	return nil
}

func (f *fakeBackend) IsAlive(target string) bool { return f.alive }
func (f *fakeBackend) KillPane(target string) error { return nil }
func (f *fakeBackend) Activate(target string) error { return nil }
func (f *fakeBackend) CreatePane(cmd, cwd, direction string, percent int, parentPane string) (string, error) {
	return "", nil
}

func quietLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.NewLogger(&logger.Config{Level: logger.ERROR})
	require.NoError(t, err)
	return l
}

func responseLine(text string) string {
	return fmt.Sprintf(`{"type":"response_item","payload":{"type":"message","content":[{"type":"output_text","text":%q}]}}`+"\n", text)
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(line)
	require.NoError(t, err)
}

// codexFixture wires up a working directory with a codex descriptor, a
// runtime dir, live pidfiles, and an empty rollout transcript.
type codexFixture struct {
	descPath   string
	transcript string
	cfg        *config.Config
}

func setupCodex(t *testing.T) codexFixture {
	t.Helper()
	work := t.TempDir()
	chdir(t, work)

	runtimeDir := t.TempDir()
	pid := strconv.Itoa(os.Getpid())
	require.NoError(t, os.WriteFile(filepath.Join(runtimeDir, "codex.pid"), []byte(pid), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(runtimeDir, "bridge.pid"), []byte(pid), 0o644))

	root := t.TempDir()
	transcriptPath := filepath.Join(root, "rollout-2026-08-29-6ba7b810-9dad-11d1-80b4-00c04fd430c8.jsonl")
	require.NoError(t, os.WriteFile(transcriptPath, nil, 0o644))

	descPath := filepath.Join(work, ".codex-session")
	desc := map[string]interface{}{
		"session_id":   "test-session",
		"runtime_dir":  runtimeDir,
		"terminal":     "tmux",
		"tmux_session": "ai-test",
		"active":       true,
		"custom_field": "preserved",
	}
	data, err := json.Marshal(desc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(descPath, data, 0o644))

	return codexFixture{
		descPath:   descPath,
		transcript: transcriptPath,
		cfg: &config.Config{
			Codex: config.ProviderConfig{SessionRoot: root, SyncTimeout: 30, PollIntervalMs: 10},
		},
	}
}

func newCodexComm(t *testing.T, fx codexFixture, backend *fakeBackend) *Communicator {
	t.Helper()
	c, err := NewLazy("codex", fx.cfg, quietLogger(t))
	require.NoError(t, err)
	c.backend = backend
	return c
}

func TestNewNoDescriptor(t *testing.T) {
	chdir(t, t.TempDir())
	_, err := New("codex", &config.Config{}, quietLogger(t))
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestAskSyncReturnsReply(t *testing.T) {
	fx := setupCodex(t)
	backend := &fakeBackend{alive: true}
	backend.onSend = func(string) {
		appendLine(t, fx.transcript, responseLine("the reply"))
	}
	c := newCodexComm(t, fx, backend)

	reply, err := c.AskSync("what is up", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "the reply", reply)

	require.Len(t, backend.sent, 1)
	assert.Equal(t, "[CCB] what is up", backend.sent[0])
}

func TestAskSyncTimeout(t *testing.T) {
	fx := setupCodex(t)
	c := newCodexComm(t, fx, &fakeBackend{alive: true})

	start := time.Now()
	_, err := c.AskSync("anyone there", 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestAskSyncUnhealthyRuntimeDir(t *testing.T) {
	fx := setupCodex(t)
	c := newCodexComm(t, fx, &fakeBackend{alive: true})

	var desc map[string]interface{}
	data, err := os.ReadFile(fx.descPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &desc))
	require.NoError(t, os.RemoveAll(desc["runtime_dir"].(string)))

	_, err = c.AskSync("hello", time.Second)
	assert.ErrorIs(t, err, ErrSessionUnhealthy)
}

func TestAskAsyncAndConsumePending(t *testing.T) {
	fx := setupCodex(t)
	backend := &fakeBackend{alive: true}
	backend.onSend = func(string) {
		appendLine(t, fx.transcript, responseLine("async answer"))
	}
	c := newCodexComm(t, fx, backend)

	require.NoError(t, c.AskAsync("fire and forget"))

	text, ok := c.ConsumePending()
	require.True(t, ok)
	assert.Equal(t, "async answer", text)

	// Idempotent: no new writes, same text again.
	again, ok := c.ConsumePending()
	require.True(t, ok)
	assert.Equal(t, text, again)
}

func TestAskAsyncInjectionFailure(t *testing.T) {
	fx := setupCodex(t)
	backend := &fakeBackend{alive: true, failSend: fmt.Errorf("%w: tmux gone", ErrInjectionFailed)}
	c := newCodexComm(t, fx, backend)

	err := c.AskAsync("hello")
	assert.ErrorIs(t, err, ErrInjectionFailed)
}

func TestAskPersistsCodexBinding(t *testing.T) {
	fx := setupCodex(t)
	backend := &fakeBackend{alive: true}
	c := newCodexComm(t, fx, backend)

	require.NoError(t, c.AskAsync("bind me"))

	data, err := os.ReadFile(fx.descPath)
	require.NoError(t, err)
	var desc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &desc))

	assert.Equal(t, fx.transcript, desc["codex_session_path"])
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", desc["codex_session_id"])
	assert.Equal(t, "codex resume 6ba7b810-9dad-11d1-80b4-00c04fd430c8", desc["codex_start_cmd"])
	// Unknown fields survive the rewrite.
	assert.Equal(t, "preserved", desc["custom_field"])
}

func TestPing(t *testing.T) {
	fx := setupCodex(t)

	c := newCodexComm(t, fx, &fakeBackend{alive: true})
	ok, detail := c.Ping()
	assert.True(t, ok)
	assert.Contains(t, detail, "alive")

	c = newCodexComm(t, fx, &fakeBackend{alive: false})
	ok, detail = c.Ping()
	assert.False(t, ok)
	assert.Contains(t, detail, "not alive")
}

func TestPingDeadPidfile(t *testing.T) {
	fx := setupCodex(t)
	c := newCodexComm(t, fx, &fakeBackend{alive: true})

	// A PID that cannot exist on Linux.
	require.NoError(t, os.WriteFile(filepath.Join(c.desc.RuntimeDir, "bridge.pid"), []byte("4194399"), 0o644))
	ok, detail := c.Ping()
	assert.False(t, ok)
	assert.Contains(t, detail, "bridge.pid")
}

func TestStatus(t *testing.T) {
	fx := setupCodex(t)
	c := newCodexComm(t, fx, &fakeBackend{alive: true})

	status := c.Status()
	assert.Equal(t, "codex", status["provider"])
	assert.Equal(t, "test-session", status["session_id"])
	assert.Equal(t, "tmux", status["terminal"])
	assert.Equal(t, "ai-test", status["target"])
	assert.Equal(t, true, status["healthy"])
	assert.Equal(t, os.Getpid(), status["codex_pid"])
	assert.Equal(t, fx.transcript, status["transcript"])
}

func TestCodexSessionIDFromFilename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rollout-2026-08-29T10-00-00-6ba7b811-9dad-11d1-80b4-00c04fd430c8.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	assert.Equal(t, "6ba7b811-9dad-11d1-80b4-00c04fd430c8", codexSessionID(path))
}

func TestCodexSessionIDFromFirstLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rollout-undated.jsonl")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"type":"session_meta","payload":{"id":"6ba7b812-9dad-11d1-80b4-00c04fd430c8"}}`+"\n"), 0o644))
	assert.Equal(t, "6ba7b812-9dad-11d1-80b4-00c04fd430c8", codexSessionID(path))

	path = filepath.Join(dir, "rollout-nothing.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not meta\n"), 0o644))
	assert.Equal(t, "", codexSessionID(path))
}
