package transcript

import (
	"encoding/json"
	"os"
	"strings"
	"time"
)

// DocCursor is a position in a whole-document session file that is
// rewritten in place on every turn. Byte offsets are useless there, so
// the cursor tracks the message count plus the identity and fingerprint
// of the last assistant message.
type DocCursor struct {
	// Path is the session document the counters refer to.
	Path string
	// MsgCount is the number of messages at capture time. Negative means
	// the baseline is unknown (the document was unreadable when captured):
	// the first successful parse establishes it.
	MsgCount int
	// LastID and LastFingerprint identify the assistant message already
	// seen, so an unchanged trailing message is never re-delivered.
	LastID          string
	LastFingerprint uint64
	// ModTime and Size gate re-parsing: an unchanged stat usually means an
	// unchanged document.
	ModTime time.Time
	Size    int64
}

func (DocCursor) isCursor() {}

// Session document shape: {"sessionId": ..., "messages": [{"id", "type",
// "content"}, ...]} where assistant turns carry type "gemini".
type sessionDoc struct {
	SessionID string       `json:"sessionId"`
	Messages  []docMessage `json:"messages"`
}

type docMessage struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// lastAssistant returns the trailing assistant message with non-empty
// content, or nil. Only these are deliverable replies.
func (d *sessionDoc) lastAssistant() *docMessage {
	for i := len(d.Messages) - 1; i >= 0; i-- {
		m := &d.Messages[i]
		if m.Type == "gemini" && strings.TrimSpace(m.Content) != "" {
			return m
		}
	}
	return nil
}

// trailingAssistant returns the trailing assistant message regardless of
// content. Baselines track this one: the writer appends an empty
// placeholder first and fills it in place, and the baseline must already
// point at the placeholder when the fill arrives.
func (d *sessionDoc) trailingAssistant() *docMessage {
	for i := len(d.Messages) - 1; i >= 0; i-- {
		m := &d.Messages[i]
		if m.Type == "gemini" {
			return m
		}
	}
	return nil
}

// DocReader extracts replies from a whole-document session file
// (strategy B). The writer rewrites the file on each turn, sometimes
// mid-read, so every parse tolerates transient garbage.
type DocReader struct {
	loc          *DocLocator
	pollInterval time.Duration
	// forceReadInterval bounds how long a stale stat can suppress parsing;
	// some filesystems coarsen mtime enough to hide an in-place rewrite.
	forceReadInterval time.Duration
}

// NewDocReader creates a reader over the locator. pollInterval is clamped
// to 10ms..500ms and forceReadInterval to 200ms..5s.
func NewDocReader(loc *DocLocator, pollInterval, forceReadInterval time.Duration) *DocReader {
	return &DocReader{
		loc:               loc,
		pollInterval:      clampDuration(pollInterval, 10*time.Millisecond, 500*time.Millisecond),
		forceReadInterval: clampDuration(forceReadInterval, 200*time.Millisecond, 5*time.Second),
	}
}

// CurrentPath resolves the current best-known session document.
func (r *DocReader) CurrentPath() string {
	return r.loc.Resolve()
}

// SetPreferred binds the reader to a known session document.
func (r *DocReader) SetPreferred(path string) {
	r.loc.SetPreferred(path)
}

// parseDoc reads and decodes the session document, retrying briefly: the
// writer truncates then rewrites, so a read can catch the file empty or
// half-written.
func parseDoc(path string) (*sessionDoc, bool) {
	for attempt := 0; attempt < 10; attempt++ {
		if attempt > 0 {
			time.Sleep(20 * time.Millisecond)
		}
		data, err := os.ReadFile(path)
		if err != nil || len(data) == 0 {
			continue
		}
		var doc sessionDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}
		return &doc, true
	}
	return nil, false
}

// CaptureState records the document's message count and trailing
// assistant message so only subsequent turns count as new. An unreadable
// document yields an unknown baseline resolved on the first successful
// parse.
func (r *DocReader) CaptureState() Cursor {
	return r.captureState()
}

func (r *DocReader) captureState() DocCursor {
	path := r.loc.Resolve()
	if path == "" {
		return DocCursor{MsgCount: -1}
	}
	cur := DocCursor{Path: path, MsgCount: -1}
	if info, err := os.Stat(path); err == nil {
		cur.ModTime = info.ModTime()
		cur.Size = info.Size()
	}
	doc, ok := parseDoc(path)
	if !ok {
		return cur
	}
	cur.MsgCount = len(doc.Messages)
	if trailing := doc.trailingAssistant(); trailing != nil {
		cur.LastID = trailing.ID
		cur.LastFingerprint = Fingerprint(strings.TrimSpace(trailing.Content))
	}
	return cur
}

// Poll re-parses the document and returns the trailing assistant message
// when it differs from the cursor's, either because the message list grew
// or because the last message was edited in place. With blocking=true it
// sleeps between checks until the deadline, periodically rescanning for a
// rotated session; a stat that matches the cursor short-circuits the
// parse unless the force-read interval has elapsed.
func (r *DocReader) Poll(cur Cursor, timeout time.Duration, blocking bool) (*Reply, Cursor) {
	dc, ok := cur.(DocCursor)
	if !ok {
		dc = r.captureState()
	}
	return r.readSince(dc, timeout, blocking)
}

func (r *DocReader) readSince(cur DocCursor, timeout time.Duration, blocking bool) (*Reply, DocCursor) {
	deadline := time.Now().Add(timeout)
	rescanInterval := rescanEvery(timeout)
	lastRescan := time.Now()
	lastForcedRead := time.Now()

	for {
		path := r.ensureDoc(cur.Path)
		if path == "" {
			if !blocking {
				return nil, cur
			}
			time.Sleep(r.pollInterval)
			if time.Now().After(deadline) {
				return nil, cur
			}
			continue
		}
		if path != cur.Path && cur.Path != "" {
			// Session rotation: the counters belong to the old document.
			cur = DocCursor{Path: path, MsgCount: 0}
		}
		cur.Path = path

		skipParse := false
		statMoved := true
		if info, err := os.Stat(path); err == nil {
			statMoved = !info.ModTime().Equal(cur.ModTime) || info.Size() != cur.Size
			if cur.MsgCount >= 0 && !statMoved {
				if time.Since(lastForcedRead) < r.forceReadInterval {
					skipParse = true
				}
			}
			if !skipParse {
				cur.ModTime = info.ModTime()
				cur.Size = info.Size()
			}
		}

		if !skipParse {
			lastForcedRead = time.Now()
			if doc, ok := parseDoc(path); ok {
				if reply, next, found := r.diff(cur, doc, statMoved); found {
					return reply, next
				} else {
					cur = next
				}
			}
		}

		if time.Since(lastRescan) >= rescanInterval {
			lastRescan = time.Now()
			if latest := r.loc.ScanLatest(); latest != "" && latest != path {
				r.loc.SetPreferred(latest)
				cur = DocCursor{Path: latest, MsgCount: 0}
				if !blocking {
					return nil, cur
				}
				time.Sleep(r.pollInterval)
				continue
			}
		}

		if !blocking {
			return nil, cur
		}
		time.Sleep(r.pollInterval)
		if time.Now().After(deadline) {
			return nil, cur
		}
	}
}

// diff compares a freshly parsed document against the cursor. It returns
// the new reply and the advanced cursor, or found=false with an updated
// cursor when nothing new is present. statMoved reports whether the file's
// stat changed since the cursor was taken.
//
// A reply is delivered when the last non-empty assistant message differs
// from the recorded baseline by id or fingerprint. That single rule covers
// appended turns, a replaced trailing message, and the in-place fill of an
// empty placeholder captured earlier.
func (r *DocReader) diff(cur DocCursor, doc *sessionDoc, statMoved bool) (*Reply, DocCursor, bool) {
	count := len(doc.Messages)
	last := doc.lastAssistant()

	if cur.MsgCount < 0 {
		// Unknown baseline: a trailing assistant message counts as new only
		// when the file actually changed since capture; an unchanged file
		// means the message predates the question. Either way the parse
		// establishes the baseline.
		if last != nil && statMoved {
			reply := NewReply(last.ID, strings.TrimSpace(last.Content))
			return reply, r.advance(cur, count, reply), true
		}
		return nil, r.adopt(cur, count, doc.trailingAssistant()), false
	}

	if last != nil {
		reply := NewReply(last.ID, strings.TrimSpace(last.Content))
		if !reply.Same(cur.LastID, cur.LastFingerprint) {
			return reply, r.advance(cur, count, reply), true
		}
	}
	// Nothing deliverable. The baseline still tracks the trailing assistant
	// message so a later in-place fill of a just-appended placeholder is
	// measured against the placeholder, not a stale message.
	return nil, r.adopt(cur, count, doc.trailingAssistant()), false
}

func (r *DocReader) advance(cur DocCursor, count int, reply *Reply) DocCursor {
	cur.MsgCount = count
	cur.LastID = reply.OriginID
	cur.LastFingerprint = reply.Fingerprint
	return cur
}

// adopt refreshes the baseline without delivering anything.
func (r *DocReader) adopt(cur DocCursor, count int, trailing *docMessage) DocCursor {
	cur.MsgCount = count
	if trailing != nil {
		cur.LastID = trailing.ID
		cur.LastFingerprint = Fingerprint(strings.TrimSpace(trailing.Content))
	}
	return cur
}

// ensureDoc picks the document to read: the bound preference, then the
// cursor's file, then a fresh scan.
func (r *DocReader) ensureDoc(cursorPath string) string {
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

// Latest returns the trailing assistant message of the current session
// document, or nil. It never touches any cursor.
func (r *DocReader) Latest() (*Reply, bool) {
	path := r.loc.Resolve()
	if path == "" {
		return nil, false
	}
	doc, ok := parseDoc(path)
	if !ok {
		return nil, false
	}
	last := doc.lastAssistant()
	if last == nil {
		return nil, false
	}
	return NewReply(last.ID, strings.TrimSpace(last.Content)), true
}

// SessionID reads the session identifier out of the current document,
// used when persisting a session binding.
func (r *DocReader) SessionID() string {
	path := r.loc.Resolve()
	if path == "" {
		return ""
	}
	doc, ok := parseDoc(path)
	if !ok {
		return ""
	}
	return doc.SessionID
}
