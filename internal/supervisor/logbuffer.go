package supervisor

import (
	"sync"
	"time"
)

// TruncationNotice is the sentinel line pinned at the head of a snapshot
// once the buffer has dropped lines.
const TruncationNotice = "… log truncated …"

// LogLine is one decoded logical output line, without its terminator,
// tagged with its capture time.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// logBuffer is a bounded, append-only line buffer. Writers append under the
// lock; readers take consistent snapshots. On overflow the oldest lines are
// discarded; snapshots then carry the truncation sentinel at the head.
type logBuffer struct {
	mu        sync.Mutex
	lines     []LogLine
	byteSize  int
	maxLines  int
	maxBytes  int
	truncated bool
	gen       uint64
}

func newLogBuffer(maxLines, maxBytes int) *logBuffer {
	if maxLines <= 0 {
		maxLines = 1
	}
	if maxBytes <= 0 {
		maxBytes = 1
	}
	return &logBuffer{maxLines: maxLines, maxBytes: maxBytes}
}

// append records one line with the current time. Timestamps are assigned
// under the lock, so they are non-decreasing within the buffer.
func (b *logBuffer) append(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines = append(b.lines, LogLine{Timestamp: time.Now(), Text: text})
	b.byteSize += len(text)
	b.gen++

	for len(b.lines) > b.maxLines || (b.byteSize > b.maxBytes && len(b.lines) > 1) {
		b.byteSize -= len(b.lines[0].Text)
		b.lines = b.lines[1:]
		b.truncated = true
	}
}

// snapshot returns a copy of the buffer. When lines have been dropped, the
// sentinel is prepended with the timestamp of the oldest retained line so
// per-stream timestamp ordering still holds.
func (b *logBuffer) snapshot() []LogLine {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]LogLine, 0, len(b.lines)+1)
	if b.truncated && len(b.lines) > 0 {
		out = append(out, LogLine{Timestamp: b.lines[0].Timestamp, Text: TruncationNotice})
	}
	return append(out, b.lines...)
}

// generation changes whenever a line is appended; log followers poll it.
func (b *logBuffer) generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}
