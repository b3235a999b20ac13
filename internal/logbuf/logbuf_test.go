package logbuf

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func fill(buf *Buffer, n int, level string) time.Time {
	now := time.Now()
	for i := 0; i < n; i++ {
		buf.Write(Entry{
			Time:    now.Add(time.Duration(i) * time.Second),
			Level:   level,
			Message: "msg",
			Attrs:   map[string]any{"i": i},
		})
	}
	return now
}

func TestBufferRingOverwrite(t *testing.T) {
	buf := New(3)
	fill(buf, 5, "INFO")

	entries := buf.Query(Filter{MinLevel: slog.LevelDebug})
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries (ring size), got %d", len(entries))
	}
	if entries[0].Attrs["i"] != 2 || entries[2].Attrs["i"] != 4 {
		t.Fatalf("expected entries 2..4 oldest first, got %v..%v", entries[0].Attrs["i"], entries[2].Attrs["i"])
	}
}

func TestBufferQuerySinceAndLimit(t *testing.T) {
	buf := New(10)
	now := fill(buf, 8, "INFO")

	if got := buf.Query(Filter{Since: now.Add(5 * time.Second)}); len(got) != 3 {
		t.Errorf("since: expected 3, got %d", len(got))
	}
	got := buf.Query(Filter{Limit: 2})
	if len(got) != 2 || got[1].Attrs["i"] != 7 {
		t.Errorf("limit should keep newest entries, got %v", got)
	}
}

func TestBufferQueryLevel(t *testing.T) {
	buf := New(10)
	now := time.Now()
	for _, l := range []string{"DEBUG", "INFO", "WARN", "ERROR"} {
		buf.Write(Entry{Time: now, Level: l, Message: l})
	}

	entries := buf.Query(Filter{MinLevel: slog.LevelWarn})
	if len(entries) != 2 || entries[0].Message != "WARN" {
		t.Fatalf("unexpected entries: %v", entries)
	}
}

func TestBufferQueryEmptyIsNotNil(t *testing.T) {
	if got := New(4).Query(Filter{}); got == nil {
		t.Fatal("expected empty slice")
	}
}

func TestBufferTicket(t *testing.T) {
	buf := New(10)
	logger := slog.New(NewHandler(slog.NewTextHandler(io.Discard, nil), buf))

	logger.With(TicketKey, int64(7)).Info("pipeline started")
	logger.With(TicketKey, int64(8)).Info("pipeline started")
	logger.Debug("stage", TicketKey, int64(7))
	logger.Info("unrelated")

	entries := buf.Ticket(7, 0)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for ticket 7, got %d", len(entries))
	}
	if entries[1].Level != "DEBUG" {
		t.Errorf("ticket trace should include debug entries, got %q", entries[1].Level)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "warning": slog.LevelWarn,
		"error": slog.LevelError, "info": slog.LevelInfo, "bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v", in, got)
		}
	}
}

func TestHandlerCapturesAllLevels(t *testing.T) {
	buf := New(10)
	inner := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn})
	logger := slog.New(NewHandler(inner, buf))

	logger.Debug("debug msg")
	logger.Info("info msg", "key", "value")
	logger.Warn("warn msg")

	entries := buf.Query(Filter{MinLevel: slog.LevelDebug})
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries in buffer, got %d", len(entries))
	}
	if entries[1].Attrs["key"] != "value" {
		t.Errorf("attrs = %v", entries[1].Attrs)
	}
	if !NewHandler(inner, buf).Enabled(context.Background(), slog.LevelDebug) {
		t.Error("buffer handler should accept every level")
	}
}

func TestHandlerGroupsAndErrors(t *testing.T) {
	buf := New(10)
	logger := slog.New(NewHandler(slog.NewJSONHandler(io.Discard, nil), buf)).
		With("component", "api").
		WithGroup("req").
		With("method", "GET")

	logger.Error("failed", "error", errors.New("boom"))

	e := buf.Query(Filter{})[0]
	if e.Attrs["component"] != "api" || e.Attrs["req.method"] != "GET" {
		t.Errorf("attrs = %v", e.Attrs)
	}
	if e.Attrs["req.error"] != "boom" {
		t.Errorf("error attr = %v", e.Attrs["req.error"])
	}
}
