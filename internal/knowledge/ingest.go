package knowledge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
)

const (
	maxFetchSize = 5 << 20
	fetchTimeout = 30 * time.Second
)

// Ingester chunks documents and writes them to a Store.
type Ingester struct {
	Store        Store
	ChunkSize    int
	ChunkOverlap int
	Client       *http.Client
	Logger       *slog.Logger
}

// Result summarizes an ingestion run.
type Result struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
}

// IngestText chunks text and stores it under source.
func (in *Ingester) IngestText(ctx context.Context, source, text string) (Result, error) {
	if source == "" {
		return Result{}, fmt.Errorf("knowledge: ingest: source is required")
	}
	size, overlap := in.ChunkSize, in.ChunkOverlap
	if size <= 0 {
		size, overlap = DefaultChunkSize, DefaultChunkOverlap
	}
	chunks := Chunk(text, size, overlap)
	if len(chunks) == 0 {
		return Result{}, nil
	}
	passages := make([]Passage, len(chunks))
	for i, c := range chunks {
		passages[i] = Passage{Content: c, Source: source, Chunk: i}
	}
	n, err := in.Store.Upsert(ctx, passages)
	if err != nil {
		return Result{}, fmt.Errorf("knowledge: ingest %s: %w", source, err)
	}
	in.logger().Info("document ingested", "source", source, "chunks", n)
	return Result{Documents: 1, Chunks: n}, nil
}

// IngestFile ingests a .txt, .md or .html file. HTML is reduced to its
// readable text first.
func (in *Ingester) IngestFile(ctx context.Context, path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("knowledge: ingest: %w", err)
	}
	defer f.Close()

	var text string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		abs, _ := filepath.Abs(path)
		text, err = extractReadable(f, &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)})
	case ".txt", ".md":
		var data []byte
		data, err = io.ReadAll(f)
		text = string(data)
	default:
		return Result{}, fmt.Errorf("knowledge: ingest %s: unsupported file type", path)
	}
	if err != nil {
		return Result{}, fmt.Errorf("knowledge: ingest %s: %w", path, err)
	}
	return in.IngestText(ctx, filepath.Base(path), text)
}

// IngestDir ingests every supported file under dir. Files that fail are
// logged and skipped.
func (in *Ingester) IngestDir(ctx context.Context, dir string) (Result, error) {
	var total Result
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !supportedFile(path) {
			return nil
		}
		r, err := in.IngestFile(ctx, path)
		if err != nil {
			in.logger().Warn("skipping document", "path", path, "error", err)
			return nil
		}
		total.Documents += r.Documents
		total.Chunks += r.Chunks
		return nil
	})
	if err != nil {
		return total, fmt.Errorf("knowledge: ingest dir %s: %w", dir, err)
	}
	return total, nil
}

// IngestURL fetches a page and ingests its readable text.
func (in *Ingester) IngestURL(ctx context.Context, rawURL string) (Result, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil || (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") {
		return Result{}, fmt.Errorf("knowledge: ingest: invalid URL %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("knowledge: ingest: %w", err)
	}
	req.Header.Set("User-Agent", "triage-ingest/1.0")

	client := in.Client
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("knowledge: ingest %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("knowledge: ingest %s: HTTP %d", rawURL, resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxFetchSize)
	var text string
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		text, err = extractReadable(body, parsedURL)
		if err != nil {
			return Result{}, fmt.Errorf("knowledge: ingest %s: %w", rawURL, err)
		}
	} else {
		data, err := io.ReadAll(body)
		if err != nil {
			return Result{}, fmt.Errorf("knowledge: ingest %s: %w", rawURL, err)
		}
		text = string(data)
	}
	return in.IngestText(ctx, rawURL, text)
}

func extractReadable(r io.Reader, pageURL *url.URL) (string, error) {
	article, err := readability.FromReader(r, pageURL)
	if err != nil {
		return "", fmt.Errorf("parse: %w", err)
	}
	var buf bytes.Buffer
	if err := article.RenderText(&buf); err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	text := buf.String()
	if title := article.Title(); title != "" {
		text = title + "\n\n" + text
	}
	return text, nil
}

func supportedFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".html", ".htm":
		return true
	}
	return false
}

func (in *Ingester) logger() *slog.Logger {
	if in.Logger != nil {
		return in.Logger
	}
	return slog.Default()
}
