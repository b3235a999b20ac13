package knowledge

import "strings"

// Default chunking parameters: large enough to keep a policy paragraph intact,
// with overlap so sentences cut at a boundary appear in both neighbours.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

var separators = []string{"\n\n", "\n", ". ", " "}

// Chunk splits text into pieces of at most size bytes, preferring paragraph,
// then line, then sentence, then word boundaries. Consecutive chunks share up
// to overlap bytes of trailing context.
func Chunk(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	if len(text) <= size {
		return []string{text}
	}
	return merge(splitRecursive(text, separators, size), size, overlap)
}

func splitRecursive(text string, seps []string, size int) []string {
	if len(text) <= size {
		return []string{text}
	}
	if len(seps) == 0 {
		return hardSplit(text, size)
	}
	parts := strings.SplitAfter(text, seps[0])
	if len(parts) == 1 {
		return splitRecursive(text, seps[1:], size)
	}
	var out []string
	for _, p := range parts {
		if p == "" {
			continue
		}
		if len(p) > size {
			out = append(out, splitRecursive(p, seps[1:], size)...)
		} else {
			out = append(out, p)
		}
	}
	return out
}

// hardSplit cuts on rune boundaries when no separator fits.
func hardSplit(text string, size int) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		if b.Len()+len(string(r)) > size {
			out = append(out, b.String())
			b.Reset()
		}
		b.WriteRune(r)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

func merge(pieces []string, size, overlap int) []string {
	var chunks []string
	var window []string
	total := 0

	emit := func() {
		if c := strings.TrimSpace(strings.Join(window, "")); c != "" {
			chunks = append(chunks, c)
		}
	}

	for _, p := range pieces {
		if total+len(p) > size && len(window) > 0 {
			emit()
			for len(window) > 0 && (total > overlap || total+len(p) > size) {
				total -= len(window[0])
				window = window[1:]
			}
		}
		window = append(window, p)
		total += len(p)
	}
	if len(window) > 0 {
		emit()
	}
	return chunks
}
