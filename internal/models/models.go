package models

import "time"

// TocEntry is one heading in a rendered document's outline.
type TocEntry struct {
	Level int    `json:"level"`
	ID    string `json:"id"`
	Text  string `json:"text"`
}

type PostStatus string

const (
	PostDraft     PostStatus = "draft"
	PostPublished PostStatus = "published"
	PostArchived  PostStatus = "archived"
)

// Post is a content entry as persisted in the posts table. Source holds the
// raw markdown, HTML and TOC are derived from it on every save.
type Post struct {
	ID        string     `json:"id"`
	Slug      string     `json:"slug"`
	Title     string     `json:"title"`
	Source    string     `json:"mdx"`
	HTML      string     `json:"html"`
	TOC       []TocEntry `json:"toc"`
	TOCJSON   string     `json:"-"`
	Excerpt   string     `json:"excerpt"`
	ReadTime  int        `json:"read_time"`
	Tags      []string   `json:"tags"`
	Status    PostStatus `json:"status"`
	AuthorID  string     `json:"author_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type File struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	Content     []byte `json:"-"`
}

type SubmissionStatus string

const (
	StatusPending   SubmissionStatus = "pending"
	StatusUploading SubmissionStatus = "uploading"
	StatusRetrying  SubmissionStatus = "retrying"
	StatusCompleted SubmissionStatus = "completed"
	StatusPartial   SubmissionStatus = "partial"
	StatusFailed    SubmissionStatus = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s SubmissionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// Submission is one batch of files queued for upload and admin notification.
type Submission struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	Files         []File            `json:"files"`
	Metadata      map[string]string `json:"metadata"`
	Status        SubmissionStatus  `json:"status"`
	Attempts      int               `json:"attempts"`
	MaxAttempts   int               `json:"max_attempts"`
	LastAttemptAt *time.Time        `json:"last_attempt_at"`
	NextAttemptAt *time.Time        `json:"next_attempt_at,omitempty"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Notification is the message dispatched to admins after a submission's
// files have been stored.
type Notification struct {
	SubmissionID string            `json:"submission_id"`
	UserID       string            `json:"user_id"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	FileURLs     []string          `json:"file_urls"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}
