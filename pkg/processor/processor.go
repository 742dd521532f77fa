package processor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/xhad/pressroom/internal/models"
	"github.com/xhad/pressroom/pkg/markdown"
)

type ProcessorConfig struct {
	ExcerptLength int
	MaxTags       int
	Now           func() time.Time
}

// PostInput is the payload accepted by the content-save handler.
type PostInput struct {
	Title    string            `json:"title"`
	Slug     string            `json:"slug"`
	Tags     []string          `json:"tags"`
	Status   models.PostStatus `json:"status"`
	Source   string            `json:"mdx"`
	AuthorID string            `json:"author_id"`
}

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type Processor struct {
	config ProcessorConfig
}

func NewWithConfig(config ProcessorConfig) Processor {
	if config.ExcerptLength == 0 {
		config.ExcerptLength = 200
	}
	if config.MaxTags == 0 {
		config.MaxTags = 20
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return Processor{
		config: config,
	}
}

// Process validates input and derives everything stored alongside the raw
// source: rendered HTML, the TOC (also JSON encoded), an excerpt and the
// reading time.
func (p *Processor) Process(input PostInput) (models.Post, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return models.Post{}, ValidationError{Field: "title", Message: "title is required"}
	}

	slug := strings.TrimSpace(input.Slug)
	if slug == "" {
		slug = title
	}
	slug = markdown.Slugify(slug)

	status := input.Status
	if status == "" {
		status = models.PostDraft
	}
	switch status {
	case models.PostDraft, models.PostPublished, models.PostArchived:
	default:
		return models.Post{}, ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("unknown status %q", status),
		}
	}

	tags := p.cleanTags(input.Tags)
	if len(tags) > p.config.MaxTags {
		return models.Post{}, ValidationError{
			Field:   "tags",
			Message: fmt.Sprintf("at most %d tags allowed", p.config.MaxTags),
		}
	}

	out := markdown.Render(input.Source)
	tocJSON, err := json.Marshal(out.TOC)
	if err != nil {
		return models.Post{}, fmt.Errorf("failed to encode toc: %w", err)
	}

	excerpt, err := p.extractExcerpt(out.HTML)
	if err != nil {
		return models.Post{}, err
	}

	now := p.config.Now().UTC()
	return models.Post{
		Slug:      slug,
		Title:     title,
		Source:    input.Source,
		HTML:      out.HTML,
		TOC:       out.TOC,
		TOCJSON:   string(tocJSON),
		Excerpt:   excerpt,
		ReadTime:  markdown.EstimateReadTime(input.Source),
		Tags:      tags,
		Status:    status,
		AuthorID:  input.AuthorID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Preview renders source without validating any post fields.
func (p *Processor) Preview(source string) (markdown.Output, int) {
	return markdown.Render(source), markdown.EstimateReadTime(source)
}

func (p *Processor) extractExcerpt(rendered string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rendered))
	if err != nil {
		return "", fmt.Errorf("failed to parse rendered html: %w", err)
	}

	var text string
	doc.Find("p").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text = strings.Join(strings.Fields(s.Text()), " ")
		return text == ""
	})

	return p.truncate(text), nil
}

func (p *Processor) truncate(text string) string {
	if utf8.RuneCountInString(text) <= p.config.ExcerptLength {
		return text
	}

	runes := []rune(text)
	cut := string(runes[:p.config.ExcerptLength])
	// Prefer breaking on a word boundary
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}

func (p *Processor) cleanTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	cleaned := make([]string, 0, len(tags))

	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		cleaned = append(cleaned, tag)
	}

	return cleaned
}
