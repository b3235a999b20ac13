package knowledge

import (
	"context"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// DirStore is a passage store backed by plain .txt/.md files in a directory.
// Files are chunked in memory at load time and scored lexically.
// Passages upserted at runtime are persisted under {dir}/ingested/.
type DirStore struct {
	dir      string
	mu       sync.RWMutex
	passages map[string]Passage // "source#chunk" → passage
	order    []string
}

// NewDirStore creates a store and loads every .txt and .md file under dir.
// A missing directory yields an empty store; it is created on the first Upsert.
func NewDirStore(dir string) (*DirStore, error) {
	s := &DirStore{
		dir:      dir,
		passages: make(map[string]Passage),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DirStore) Search(_ context.Context, query string, k int) ([]Passage, error) {
	terms := tokenize(query)
	if len(terms) == 0 || k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []Passage
	for _, key := range s.order {
		p := s.passages[key]
		if score := lexicalScore(terms, p.Content); score > 0 {
			p.Score = score
			hits = append(hits, p)
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *DirStore) Upsert(_ context.Context, passages []Passage) (int, error) {
	if len(passages) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bySource := make(map[string][]Passage)
	for _, p := range passages {
		bySource[p.Source] = append(bySource[p.Source], p)
	}
	for source := range bySource {
		s.drop(source)
	}
	for _, p := range passages {
		s.put(p)
	}

	ingestDir := filepath.Join(s.dir, "ingested")
	if err := os.MkdirAll(ingestDir, 0o755); err != nil {
		return 0, fmt.Errorf("knowledge: mkdir: %w", err)
	}
	for source, ps := range bySource {
		sort.Slice(ps, func(i, j int) bool { return ps[i].Chunk < ps[j].Chunk })
		var b strings.Builder
		for i, p := range ps {
			if i > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(p.Content)
		}
		path := filepath.Join(ingestDir, sanitizeName(source)+".md")
		if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
			return 0, fmt.Errorf("knowledge: write %s: %w", path, err)
		}
	}
	return len(passages), nil
}

func (s *DirStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.passages), nil
}

// Ping reports an error if the directory exists but cannot be read.
func (s *DirStore) Ping(_ context.Context) error {
	if _, err := os.ReadDir(s.dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("knowledge: %w", err)
	}
	return nil
}

// put must be called with mu held.
func (s *DirStore) put(p Passage) {
	key := fmt.Sprintf("%s#%d", p.Source, p.Chunk)
	if _, ok := s.passages[key]; !ok {
		s.order = append(s.order, key)
	}
	p.Score = 0
	s.passages[key] = p
}

// drop removes every passage of source. mu must be held.
func (s *DirStore) drop(source string) {
	kept := s.order[:0]
	for _, key := range s.order {
		if s.passages[key].Source == source {
			delete(s.passages, key)
			continue
		}
		kept = append(kept, key)
	}
	s.order = kept
}

// load reads all .txt and .md files under the directory into passages.
func (s *DirStore) load() error {
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.dir {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".txt" && ext != ".md" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil // unreadable files are skipped
		}
		rel, _ := filepath.Rel(s.dir, path)
		for i, c := range Chunk(string(data), DefaultChunkSize, DefaultChunkOverlap) {
			s.put(Passage{Content: c, Source: filepath.ToSlash(rel), Chunk: i})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("knowledge: load %s: %w", s.dir, err)
	}
	return nil
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"but": true, "by": true, "can": true, "for": true, "from": true, "have": true, "how": true,
	"i": true, "in": true, "is": true, "it": true, "my": true, "not": true, "of": true,
	"on": true, "or": true, "the": true, "this": true, "to": true, "was": true, "what": true,
	"with": true, "you": true, "me": true, "do": true, "does": true, "cant": true,
}

// tokenize lowercases, splits on non-alphanumerics, drops stopwords and
// deduplicates.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// lexicalScore is the fraction of query terms found in content, with a mild
// length penalty so short focused passages win ties.
func lexicalScore(terms []string, content string) float32 {
	words := make(map[string]bool)
	for _, w := range tokenize(content) {
		words[w] = true
		// crude stemming: "passwords" matches "password"
		words[strings.TrimSuffix(w, "s")] = true
	}
	matched := 0
	for _, t := range terms {
		if words[t] || words[strings.TrimSuffix(t, "s")] {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	penalty := 1 + math.Log1p(float64(len(content))/float64(DefaultChunkSize))/10
	return float32(float64(matched) / float64(len(terms)) / penalty)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeName(source string) string {
	name := strings.Trim(unsafeName.ReplaceAllString(source, "_"), "_.")
	if name == "" {
		name = "document"
	}
	return name
}
