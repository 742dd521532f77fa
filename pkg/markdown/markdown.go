// Package markdown renders the small markdown subset used for post bodies:
// headings of level 1 to 3, fenced code blocks and plain paragraphs. Inline
// formatting is not parsed, every other line is escaped verbatim.
package markdown

import (
	"html"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/xhad/pressroom/internal/models"
)

const (
	fence          = "```"
	wordsPerMinute = 220
)

var (
	headingRe = regexp.MustCompile(`^(#{1,3})[ \t]+(\S.*)$`)
	nonSlugRe = regexp.MustCompile(`[^a-z0-9]+`)
)

// Output holds the rendered HTML and the headings in document order.
type Output struct {
	HTML string
	TOC  []models.TocEntry
}

// Render converts source into HTML and collects a table of contents.
// An unterminated code fence is closed at the end of the document.
func Render(source string) Output {
	source = strings.ReplaceAll(source, "\r\n", "\n")
	source = strings.ReplaceAll(source, "\r", "\n")

	var (
		b      strings.Builder
		toc    = []models.TocEntry{}
		inCode bool
	)

	for _, line := range strings.Split(source, "\n") {
		if strings.HasPrefix(line, fence) {
			if inCode {
				b.WriteString("</code></pre>")
				inCode = false
				continue
			}
			lang := strings.TrimSpace(line[len(fence):])
			b.WriteString(`<pre><code class="language-` + html.EscapeString(lang) + `">`)
			inCode = true
			continue
		}

		if inCode {
			b.WriteString(html.EscapeString(line))
			b.WriteByte('\n')
			continue
		}

		if m := headingRe.FindStringSubmatch(line); m != nil {
			level := len(m[1])
			text := strings.TrimSpace(m[2])
			id := Slugify(text)
			toc = append(toc, models.TocEntry{Level: level, ID: id, Text: text})

			tag := "h" + strconv.Itoa(level)
			b.WriteString("<" + tag + ` id="` + id + `">` + html.EscapeString(text) + "</" + tag + ">")
			continue
		}

		if strings.TrimSpace(line) == "" {
			b.WriteString("<p></p>")
			continue
		}

		b.WriteString("<p>" + html.EscapeString(line) + "</p>")
	}

	if inCode {
		b.WriteString("</code></pre>")
	}

	return Output{HTML: b.String(), TOC: toc}
}

// Slugify lower-cases text and collapses every run of characters outside
// [a-z0-9] into one hyphen. Leading and trailing hyphens are trimmed; text
// with no usable characters yields "section".
func Slugify(text string) string {
	slug := nonSlugRe.ReplaceAllString(strings.ToLower(text), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "section"
	}
	return slug
}

// EstimateReadTime returns whole minutes at 220 words per minute, never
// less than one.
func EstimateReadTime(text string) int {
	words := len(strings.Fields(text))
	minutes := int(math.Round(float64(words) / wordsPerMinute))
	return max(1, minutes)
}
