// Package logbuf keeps the most recent log records in memory so the API can
// serve them, including the trace of a single ticket's pipeline runs.
package logbuf

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// TicketKey is the attribute that ties a record to a ticket.
const TicketKey = "ticket_id"

// Entry is a single log entry captured from slog.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Filter selects entries. The zero Filter matches every entry at INFO or above.
type Filter struct {
	Since    time.Time
	MinLevel slog.Level
	// AttrKey/AttrValue keep entries whose attribute prints as AttrValue.
	AttrKey   string
	AttrValue string
	// Limit keeps the newest Limit matches; 0 keeps all.
	Limit int
}

// Buffer is a thread-safe ring buffer for log entries.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	size    int
	pos     int
	count   int
}

// New creates a ring buffer holding up to size entries.
func New(size int) *Buffer {
	if size <= 0 {
		size = 1
	}
	return &Buffer{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Write appends an entry, overwriting the oldest when full.
func (b *Buffer) Write(e Entry) {
	b.mu.Lock()
	b.entries[b.pos] = e
	b.pos = (b.pos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	b.mu.Unlock()
}

// Query returns entries matching f, oldest first. The result is never nil.
func (b *Buffer) Query(f Filter) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := []Entry{}
	start := 0
	if b.count == b.size {
		start = b.pos
	}
	for i := 0; i < b.count; i++ {
		e := b.entries[(start+i)%b.size]
		if f.matches(e) {
			result = append(result, e)
		}
	}

	if f.Limit > 0 && len(result) > f.Limit {
		result = result[len(result)-f.Limit:]
	}
	return result
}

// Ticket returns the entries logged for one ticket, oldest first.
func (b *Buffer) Ticket(id int64, limit int) []Entry {
	return b.Query(Filter{
		MinLevel:  slog.LevelDebug,
		AttrKey:   TicketKey,
		AttrValue: fmt.Sprint(id),
		Limit:     limit,
	})
}

func (f Filter) matches(e Entry) bool {
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if ParseLevel(e.Level) < f.MinLevel {
		return false
	}
	if f.AttrKey != "" {
		v, ok := e.Attrs[f.AttrKey]
		if !ok || fmt.Sprint(v) != f.AttrValue {
			return false
		}
	}
	return true
}

// ParseLevel converts a level name ("debug", "WARN", ...) to slog.Level.
// Unknown names map to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
