package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"
)

// LogCursor is a byte-offset position in an append-only line log.
type LogCursor struct {
	// Path is the transcript file the offset refers to.
	Path string
	// Offset is the byte position of the next unread line.
	Offset int64
}

func (LogCursor) isCursor() {}

// Log record shapes for Codex rollout files: one JSON object per line,
// assistant replies under type=response_item / payload.type=message.
type logEntry struct {
	Type    string     `json:"type"`
	Payload logPayload `json:"payload"`
}

type logPayload struct {
	Type    string       `json:"type"`
	Content []logContent `json:"content"`
	Message string       `json:"message"` // legacy single-string form
}

type logContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// extractLogReply pulls the assistant reply text out of a raw log line.
// Returns nil for any other record kind or for undecodable input.
func extractLogReply(line []byte) *Reply {
	var entry logEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return nil
	}
	if entry.Type != "response_item" || entry.Payload.Type != "message" {
		return nil
	}

	var texts []string
	for _, c := range entry.Payload.Content {
		if c.Type == "output_text" && c.Text != "" {
			texts = append(texts, c.Text)
		}
	}
	if len(texts) > 0 {
		return NewReply("", strings.TrimSpace(strings.Join(texts, "\n")))
	}

	if msg := strings.TrimSpace(entry.Payload.Message); msg != "" {
		return NewReply("", msg)
	}
	return nil
}

// LogReader extracts replies from an append-only line log (strategy A).
// It carries no mutable cursor state itself; position travels through
// LogCursor values so callers control resumption.
type LogReader struct {
	loc          *LogLocator
	pollInterval time.Duration
}

// NewLogReader creates a reader over the locator. pollInterval is clamped
// to 10ms..500ms.
func NewLogReader(loc *LogLocator, pollInterval time.Duration) *LogReader {
	return &LogReader{
		loc:          loc,
		pollInterval: clampDuration(pollInterval, 10*time.Millisecond, 500*time.Millisecond),
	}
}

// CurrentPath resolves the current best-known transcript file.
func (r *LogReader) CurrentPath() string {
	return r.loc.Resolve()
}

// SetPreferred binds the reader to a known transcript file.
func (r *LogReader) SetPreferred(path string) {
	r.loc.SetPreferred(path)
}

// CaptureState starts listening from the current end of the transcript,
// deliberately excluding history. When the file is missing or unreadable
// the offset is zero: whatever transcript appears next postdates the
// capture and is read from the start.
func (r *LogReader) CaptureState() Cursor {
	return r.captureState()
}

func (r *LogReader) captureState() LogCursor {
	path := r.loc.Resolve()
	if path == "" {
		return LogCursor{Offset: 0}
	}
	info, err := os.Stat(path)
	if err != nil {
		return LogCursor{Path: path, Offset: 0}
	}
	return LogCursor{Path: path, Offset: info.Size()}
}

// Poll reads forward from the cursor and returns the first new assistant
// reply, with the cursor advanced past its line. With blocking=false it
// returns immediately, cursor advanced to end-of-file. With blocking=true
// it sleeps between reads until the deadline, periodically rescanning for
// a rotated transcript; on rotation it switches files and restarts at
// offset 0, preferring a re-read of the (assumed short) new file over
// missing a reply already written there.
func (r *LogReader) Poll(cur Cursor, timeout time.Duration, blocking bool) (*Reply, Cursor) {
	lc, ok := cur.(LogCursor)
	if !ok {
		lc = r.captureState()
	}
	return r.readSince(lc, timeout, blocking)
}

func (r *LogReader) readSince(cur LogCursor, timeout time.Duration, blocking bool) (*Reply, LogCursor) {
	deadline := time.Now().Add(timeout)
	path := cur.Path
	offset := cur.Offset
	rescanInterval := rescanEvery(timeout)
	lastRescan := time.Now()

	for {
		logPath := r.ensureLog(path)
		if logPath == "" {
			if !blocking {
				return nil, cur
			}
			time.Sleep(r.pollInterval)
			if time.Now().After(deadline) {
				return nil, cur
			}
			continue
		}

		reply, newOffset, readErr := r.scanFile(logPath, offset, deadline, blocking)
		offset = newOffset
		if reply != nil {
			return reply, LogCursor{Path: logPath, Offset: offset}
		}
		if readErr != nil {
			// Transient I/O failure: retried while blocking, terminal otherwise.
			if !blocking {
				return nil, LogCursor{Path: logPath, Offset: offset}
			}
			time.Sleep(r.pollInterval)
			if time.Now().After(deadline) {
				return nil, LogCursor{Path: logPath, Offset: offset}
			}
			continue
		}

		if time.Since(lastRescan) >= rescanInterval {
			lastRescan = time.Now()
			if latest := r.loc.ScanLatest(); latest != "" && latest != logPath {
				// Session rotation: a new transcript appeared. Start from its
				// beginning so a reply already written there is not skipped.
				r.loc.SetPreferred(latest)
				path = latest
				offset = 0
				if !blocking {
					return nil, LogCursor{Path: latest, Offset: 0}
				}
				time.Sleep(r.pollInterval)
				continue
			}
		}

		if !blocking {
			return nil, LogCursor{Path: logPath, Offset: offset}
		}
		time.Sleep(r.pollInterval)
		if time.Now().After(deadline) {
			return nil, LogCursor{Path: logPath, Offset: offset}
		}
	}
}

// ensureLog picks the file to read: the bound preference, then the
// cursor's file, then a fresh scan.
func (r *LogReader) ensureLog(cursorPath string) string {
	if p := r.loc.Preferred(); p != "" && fileExists(p) {
		return p
	}
	if cursorPath != "" && fileExists(cursorPath) {
		return cursorPath
	}
	if latest := r.loc.ScanLatest(); latest != "" {
		r.loc.SetPreferred(latest)
		return latest
	}
	return ""
}

// scanFile reads complete lines from offset looking for a reply. A line
// without a trailing newline is an in-progress write: the offset stays at
// its start so the next poll re-reads it whole. The returned offset never
// regresses below the input except when the file shrank underneath us.
func (r *LogReader) scanFile(path string, offset int64, deadline time.Time, blocking bool) (*Reply, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	size := int64(-1)
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	if offset < 0 {
		offset = 0
	}
	if size >= 0 && offset > size {
		offset = size
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}

	reader := bufio.NewReader(f)
	for {
		if blocking && time.Now().After(deadline) {
			return nil, offset, nil
		}
		raw, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, offset, err
		}
		if len(raw) == 0 || !bytes.HasSuffix(raw, []byte{'\n'}) {
			// Partial (or no) line at EOF; the writer may still be appending.
			return nil, offset, nil
		}
		offset += int64(len(raw))

		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}
		if reply := extractLogReply(line); reply != nil {
			return reply, offset, nil
		}
		// Undecodable or non-reply line: skipped, cursor already advanced.
	}
}

// latestTailWindow bounds the snapshot read: enough for recent replies
// without re-reading a long session.
const (
	latestTailBytes = 256 * 1024
	latestTailLines = 50
)

// Latest returns the most recent reply near the end of the transcript, or
// nil. It reads a bounded tail window backwards and never touches any
// cursor.
func (r *LogReader) Latest() (*Reply, bool) {
	path := r.loc.Resolve()
	if path == "" {
		return nil, false
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, false
	}

	var buf []byte
	pos := end
	for pos > 0 && int64(len(buf)) < latestTailBytes {
		chunk := int64(4096)
		if chunk > pos {
			chunk = pos
		}
		pos -= chunk
		if _, err := f.Seek(pos, io.SeekStart); err != nil {
			return nil, false
		}
		block := make([]byte, chunk)
		if _, err := io.ReadFull(f, block); err != nil {
			return nil, false
		}
		buf = append(block, buf...)
		if bytes.Count(buf, []byte{'\n'}) >= latestTailLines {
			break
		}
	}

	lines := bytes.Split(buf, []byte{'\n'})
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		if pos > 0 && i == 0 {
			// First chunk boundary may have split this line; skip the fragment.
			continue
		}
		if reply := extractLogReply(line); reply != nil {
			return reply, true
		}
	}
	return nil, false
}
