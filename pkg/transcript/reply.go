// Package transcript discovers and tails the conversation files an
// assistant CLI writes to disk, extracting new assistant replies without
// duplication or loss. It only ever reads: the transcripts are owned by
// the assistant process and may be appended to or rewritten at any time.
package transcript

import (
	"time"

	"github.com/cespare/xxhash/v2"
)

// Reply is one assistant message extracted from a transcript.
type Reply struct {
	// Text is the joined, trimmed reply text.
	Text string

	// OriginID is the message id from the transcript, when present.
	OriginID string

	// Fingerprint is a content hash of Text, used together with OriginID
	// for duplicate suppression. IDs may be absent or reused, so neither
	// field alone is sufficient.
	Fingerprint uint64
}

// NewReply builds a Reply with its fingerprint computed.
func NewReply(originID, text string) *Reply {
	return &Reply{Text: text, OriginID: originID, Fingerprint: Fingerprint(text)}
}

// Fingerprint hashes reply text for duplicate detection.
func Fingerprint(text string) uint64 {
	return xxhash.Sum64String(text)
}

// Same reports whether a message with the given id and fingerprint is the
// same observable event as this reply.
func (r *Reply) Same(originID string, fingerprint uint64) bool {
	if r == nil {
		return false
	}
	return r.OriginID == originID && r.Fingerprint == fingerprint
}

// Cursor is a resumable read position in a transcript. The two concrete
// shapes match the two transcript kinds: LogCursor (byte offset into an
// append-only line log) and DocCursor (message count plus content
// fingerprint for a whole-document file). A reader only ever accepts its
// own cursor shape.
type Cursor interface {
	isCursor()
}

// Reader produces assistant replies from a transcript, resuming from a
// Cursor of its own shape.
type Reader interface {
	// CaptureState snapshots the current position so that a later Poll only
	// sees replies written after this call.
	CaptureState() Cursor

	// Poll returns the next new reply after the cursor, or nil. When
	// blocking, it waits up to timeout, sleeping between checks; timeout is
	// measured against the wall clock. The returned cursor replaces the
	// input for the next call.
	Poll(cur Cursor, timeout time.Duration, blocking bool) (*Reply, Cursor)

	// Latest returns the most recent qualifying reply in the transcript
	// without consuming or advancing anything.
	Latest() (*Reply, bool)

	// CurrentPath resolves the current best-known transcript file.
	CurrentPath() string

	// SetPreferred binds the reader to a known transcript file.
	SetPreferred(path string)
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// rescanEvery derives the locator rescan interval from the wait budget.
// New replies usually append to the already-bound file, so rescans stay
// infrequent relative to polling.
func rescanEvery(timeout time.Duration) time.Duration {
	return clampDuration(timeout/2, 200*time.Millisecond, 2*time.Second)
}
