package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func newTestLogReader(t *testing.T) (*LogReader, string) {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, "rollout-test.jsonl")
	writeFile(t, path, "")
	loc := NewLogLocator(root)
	loc.SetPreferred(path)
	return NewLogReader(loc, 10*time.Millisecond), path
}

func TestLogReaderAppendThenRead(t *testing.T) {
	r, path := newTestLogReader(t)

	cur := r.CaptureState()
	appendLine(t, path, responseLine("hi"))

	reply, next := r.Poll(cur, 0, false)
	require.NotNil(t, reply)
	assert.Equal(t, "hi", reply.Text)
	assert.NotZero(t, reply.Fingerprint)

	// The advanced cursor does not re-deliver.
	reply, _ = r.Poll(next, 0, false)
	assert.Nil(t, reply)
}

func TestLogReaderExcludesHistory(t *testing.T) {
	r, path := newTestLogReader(t)
	appendLine(t, path, responseLine("old answer"))

	cur := r.CaptureState()
	reply, _ := r.Poll(cur, 0, false)
	assert.Nil(t, reply)
}

func TestLogReaderSkipsNoise(t *testing.T) {
	r, path := newTestLogReader(t)
	cur := r.CaptureState()

	appendLine(t, path, "not json at all\n")
	appendLine(t, path, `{"type":"event_msg","payload":{"type":"token_count"}}`+"\n")
	appendLine(t, path, `{"type":"response_item","payload":{"type":"function_call"}}`+"\n")
	appendLine(t, path, responseLine("the answer"))

	reply, _ := r.Poll(cur, 0, false)
	require.NotNil(t, reply)
	assert.Equal(t, "the answer", reply.Text)
}

func TestLogReaderLegacyMessageField(t *testing.T) {
	r, path := newTestLogReader(t)
	cur := r.CaptureState()

	appendLine(t, path, `{"type":"response_item","payload":{"type":"message","message":"plain form"}}`+"\n")

	reply, _ := r.Poll(cur, 0, false)
	require.NotNil(t, reply)
	assert.Equal(t, "plain form", reply.Text)
}

func TestLogReaderJoinsContentParts(t *testing.T) {
	r, path := newTestLogReader(t)
	cur := r.CaptureState()

	appendLine(t, path, `{"type":"response_item","payload":{"type":"message","content":[{"type":"output_text","text":"part one"},{"type":"reasoning","text":"hidden"},{"type":"output_text","text":"part two"}]}}`+"\n")

	reply, _ := r.Poll(cur, 0, false)
	require.NotNil(t, reply)
	assert.Equal(t, "part one\npart two", reply.Text)
}

func TestLogReaderPartialWriteSafety(t *testing.T) {
	r, path := newTestLogReader(t)
	cur := r.CaptureState()

	line := responseLine("complete reply")
	half := line[:len(line)/2]
	appendLine(t, path, half)

	// The half line must not be consumed or advance the cursor past its start.
	reply, next := r.Poll(cur, 0, false)
	assert.Nil(t, reply)

	appendLine(t, path, line[len(half):])
	reply, _ = r.Poll(next, 0, false)
	require.NotNil(t, reply)
	assert.Equal(t, "complete reply", reply.Text)
}

func TestLogReaderCursorMonotonic(t *testing.T) {
	r, path := newTestLogReader(t)
	cur := r.CaptureState()

	var offsets []int64
	for i := 0; i < 3; i++ {
		appendLine(t, path, responseLine(fmt.Sprintf("reply %d", i)))
		reply, next := r.Poll(cur, 0, false)
		require.NotNil(t, reply)
		assert.Equal(t, fmt.Sprintf("reply %d", i), reply.Text)
		lc, ok := next.(LogCursor)
		require.True(t, ok)
		offsets = append(offsets, lc.Offset)
		cur = next
	}
	assert.Less(t, offsets[0], offsets[1])
	assert.Less(t, offsets[1], offsets[2])
}

func TestLogReaderCaptureBeforeTranscriptExists(t *testing.T) {
	root := t.TempDir()
	loc := NewLogLocator(root)
	r := NewLogReader(loc, 10*time.Millisecond)

	// Captured before any transcript exists: offset zero, so a file that
	// appears afterwards is read from its start.
	cur := r.CaptureState()
	lc, ok := cur.(LogCursor)
	require.True(t, ok)
	assert.Equal(t, int64(0), lc.Offset)

	path := filepath.Join(root, "rollout-new.jsonl")
	writeFile(t, path, responseLine("written after capture"))

	reply, _ := r.Poll(cur, 0, false)
	require.NotNil(t, reply)
	assert.Equal(t, "written after capture", reply.Text)
}

func TestLogReaderBlockingTimeout(t *testing.T) {
	r, _ := newTestLogReader(t)
	cur := r.CaptureState()

	start := time.Now()
	reply, _ := r.Poll(cur, 200*time.Millisecond, true)
	elapsed := time.Since(start)

	assert.Nil(t, reply)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestLogReaderBlockingDelivers(t *testing.T) {
	r, path := newTestLogReader(t)
	cur := r.CaptureState()

	go func() {
		time.Sleep(50 * time.Millisecond)
		appendLine(t, path, responseLine("delayed"))
	}()

	reply, _ := r.Poll(cur, 2*time.Second, true)
	require.NotNil(t, reply)
	assert.Equal(t, "delayed", reply.Text)
}

func TestLogReaderRotation(t *testing.T) {
	root := t.TempDir()
	oldPath := filepath.Join(root, "rollout-old.jsonl")
	writeFile(t, oldPath, responseLine("history"))
	touch(t, oldPath, time.Now().Add(-time.Hour))

	loc := NewLogLocator(root)
	loc.SetPreferred(oldPath)
	r := NewLogReader(loc, 10*time.Millisecond)
	cur := r.CaptureState()

	// A new session file appears with a reply already inside.
	newPath := filepath.Join(root, "rollout-new.jsonl")
	writeFile(t, newPath, responseLine("first in new file"))

	reply, _ := r.Poll(cur, 2*time.Second, true)
	require.NotNil(t, reply)
	assert.Equal(t, "first in new file", reply.Text)
	assert.Equal(t, newPath, r.CurrentPath())
}

func TestLogReaderLatest(t *testing.T) {
	r, path := newTestLogReader(t)

	_, ok := r.Latest()
	assert.False(t, ok)

	appendLine(t, path, responseLine("first"))
	appendLine(t, path, `{"type":"event_msg"}`+"\n")
	appendLine(t, path, responseLine("second"))
	appendLine(t, path, `{"type":"event_msg"}`+"\n")

	reply, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, "second", reply.Text)
}

func TestLogReaderCaptureStateIdempotent(t *testing.T) {
	r, path := newTestLogReader(t)
	appendLine(t, path, responseLine("existing"))

	a := r.CaptureState().(LogCursor)
	b := r.CaptureState().(LogCursor)
	assert.Equal(t, a, b)
}
