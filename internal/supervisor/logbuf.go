package supervisor

import "time"

// maxLogEntries caps the per-process log history.
const maxLogEntries = 100

// LogEntry is one captured output line from a scrape process.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// logRing is a bounded FIFO log store. Appending beyond the cap evicts the
// oldest entry. Not safe for concurrent use on its own; the supervisor
// serializes access.
type logRing struct {
	entries []LogEntry
}

func newLogRing() *logRing {
	return &logRing{entries: make([]LogEntry, 0, maxLogEntries)}
}

func (r *logRing) Append(message string) {
	if len(r.entries) >= maxLogEntries {
		copy(r.entries, r.entries[1:])
		r.entries = r.entries[:len(r.entries)-1]
	}
	r.entries = append(r.entries, LogEntry{Timestamp: time.Now(), Message: message})
}

// Last returns the newest n entries in arrival order.
func (r *logRing) Last(n int) []LogEntry {
	if n <= 0 || len(r.entries) == 0 {
		return nil
	}
	if n > len(r.entries) {
		n = len(r.entries)
	}
	out := make([]LogEntry, n)
	copy(out, r.entries[len(r.entries)-n:])
	return out
}

func (r *logRing) All() []LogEntry {
	out := make([]LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *logRing) Len() int { return len(r.entries) }
