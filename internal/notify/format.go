package notify

import (
	"regexp"
	"strings"
)

var (
	mdCode   = regexp.MustCompile("`([^`]+)`")
	mdBold   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic = regexp.MustCompile(`\*(.+?)\*`)
	mdLink   = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdFence  = regexp.MustCompile("(?s)```[^\n]*\n?(.*?)```")
)

// telegramHTML renders the Markdown subset drafts use (fences, inline code,
// bold, italic, links) as Telegram HTML. Everything else is escaped.
func telegramHTML(md string) string {
	var b strings.Builder
	inFence := false
	for i, line := range strings.Split(md, "\n") {
		if i > 0 {
			b.WriteByte('\n')
		}
		if lang, ok := strings.CutPrefix(line, "```"); ok {
			switch {
			case inFence:
				b.WriteString("</code></pre>")
			case strings.TrimSpace(lang) != "":
				b.WriteString(`<pre><code class="language-` + escape(strings.TrimSpace(lang)) + `">`)
			default:
				b.WriteString("<pre><code>")
			}
			inFence = !inFence
			continue
		}
		if inFence {
			b.WriteString(escape(line))
			continue
		}
		b.WriteString(inlineHTML(line))
	}
	if inFence {
		b.WriteString("</code></pre>")
	}
	return b.String()
}

// inlineHTML formats one line. Code spans are emitted verbatim (escaped) and
// the text between them gets emphasis and links.
func inlineHTML(line string) string {
	var b strings.Builder
	last := 0
	for _, m := range mdCode.FindAllStringSubmatchIndex(line, -1) {
		b.WriteString(emphasis(line[last:m[0]]))
		b.WriteString("<code>" + escape(line[m[2]:m[3]]) + "</code>")
		last = m[1]
	}
	b.WriteString(emphasis(line[last:]))
	return b.String()
}

func emphasis(s string) string {
	s = escape(s)
	s = mdBold.ReplaceAllString(s, "<b>$1</b>")
	s = mdItalic.ReplaceAllString(s, "<i>$1</i>")
	return mdLink.ReplaceAllString(s, `<a href="$2">$1</a>`)
}

// escape covers the three entities Telegram requires; quotes stay literal.
func escape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

// plainText drops Markdown markup, keeping link targets in parentheses.
func plainText(md string) string {
	s := mdFence.ReplaceAllString(md, "$1")
	s = mdCode.ReplaceAllString(s, "$1")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1 ($2)")
	return strings.TrimRight(s, "\n")
}
