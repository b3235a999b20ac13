package knowledge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestIngester(t *testing.T) (*Ingester, *DirStore) {
	t.Helper()
	s, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	return &Ingester{Store: s}, s
}

func TestIngestText(t *testing.T) {
	in, s := newTestIngester(t)
	ctx := context.Background()

	r, err := in.IngestText(ctx, "policy", strings.Repeat("Billing disputes go to finance. ", 80))
	if err != nil {
		t.Fatalf("IngestText: %v", err)
	}
	if r.Documents != 1 || r.Chunks < 2 {
		t.Errorf("unexpected result %+v", r)
	}
	if n, _ := s.Count(ctx); n != r.Chunks {
		t.Errorf("store has %d passages, want %d", n, r.Chunks)
	}
}

func TestIngestText_RequiresSource(t *testing.T) {
	in, _ := newTestIngester(t)
	if _, err := in.IngestText(context.Background(), "", "text"); err == nil {
		t.Fatal("expected error")
	}
}

func TestIngestDir(t *testing.T) {
	in, s := newTestIngester(t)
	src := t.TempDir()
	os.WriteFile(filepath.Join(src, "a.txt"), []byte("Printers are on floor two."), 0o644)
	os.WriteFile(filepath.Join(src, "b.md"), []byte("# VPN\nUse the corporate profile."), 0o644)
	os.WriteFile(filepath.Join(src, "c.bin"), []byte{0, 1, 2}, 0o644)

	r, err := in.IngestDir(context.Background(), src)
	if err != nil {
		t.Fatalf("IngestDir: %v", err)
	}
	if r.Documents != 2 || r.Chunks != 2 {
		t.Errorf("unexpected result %+v", r)
	}
	hits, _ := s.Search(context.Background(), "printers", 3)
	if len(hits) != 1 || hits[0].Source != "a.txt" {
		t.Errorf("unexpected hits %+v", hits)
	}
}

func TestIngestFile_Unsupported(t *testing.T) {
	in, _ := newTestIngester(t)
	path := filepath.Join(t.TempDir(), "x.pdf")
	os.WriteFile(path, []byte("%PDF"), 0o644)
	if _, err := in.IngestFile(context.Background(), path); err == nil {
		t.Fatal("expected error")
	}
}

func TestIngestURL_HTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<!DOCTYPE html>
<html><head><title>Wifi Guide</title></head>
<body><article><h1>Wifi</h1><p>Connect to the guest network with your badge number.</p></article></body>
</html>`))
	}))
	defer server.Close()

	in, s := newTestIngester(t)
	r, err := in.IngestURL(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("IngestURL: %v", err)
	}
	if r.Chunks != 1 {
		t.Errorf("expected 1 chunk, got %d", r.Chunks)
	}
	hits, _ := s.Search(context.Background(), "guest network", 3)
	if len(hits) != 1 || !strings.Contains(hits[0].Content, "Wifi Guide") {
		t.Errorf("unexpected hits %+v", hits)
	}
}

func TestIngestURL_PlainText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("Laptops are refreshed every three years."))
	}))
	defer server.Close()

	in, _ := newTestIngester(t)
	r, err := in.IngestURL(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("IngestURL: %v", err)
	}
	if r.Chunks != 1 {
		t.Errorf("expected 1 chunk, got %d", r.Chunks)
	}
}

func TestIngestURL_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	in, _ := newTestIngester(t)
	if _, err := in.IngestURL(context.Background(), server.URL); err == nil {
		t.Error("expected error for 404")
	}
	if _, err := in.IngestURL(context.Background(), "ftp://example.com/x"); err == nil {
		t.Error("expected error for non-http scheme")
	}
}
