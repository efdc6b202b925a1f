// Package history keeps the ordered chat/system log of a room session and
// mirrors it into an optional persistent sink.
package history

import "time"

// Kind distinguishes chat lines from server notices
type Kind string

const (
	KindChat   Kind = "chat"
	KindSystem Kind = "system"
)

// Entry is one line of the log. ID is assigned by Log.Append, starts at 1 and
// is never reused.
type Entry struct {
	ID              uint64    `json:"id"`
	Kind            Kind      `json:"kind"`
	ParticipantID   string    `json:"user_id,omitempty"`
	Content         string    `json:"content"`
	OriginalContent string    `json:"original_content,omitempty"`
	Language        string    `json:"language,omitempty"`
	IsOriginal      bool      `json:"is_original"`
	Timestamp       time.Time `json:"timestamp"`
}

// Log is an append-only, in-order sequence of entries. It is not safe for
// concurrent use; the session manager owns it from its event loop.
type Log struct {
	nextID  uint64
	entries []Entry
}

func NewLog() *Log {
	return &Log{nextID: 1}
}

// Append assigns the next id to e, stores it and returns the stored copy
func (l *Log) Append(e Entry) Entry {
	e.ID = l.nextID
	l.nextID++
	l.entries = append(l.entries, e)
	return e
}

// Entries returns a copy of every entry in append order
func (l *Log) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int {
	return len(l.entries)
}
