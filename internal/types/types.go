package types

import (
	"context"

	"github.com/xhad/pressroom/internal/models"
)

// Core interfaces
type ObjectStore interface {
	Put(ctx context.Context, key string, content []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

type Notifier interface {
	Channel() string
	Notify(ctx context.Context, n models.Notification) error
}

// SubmitResult is what a Submitter reports for one attempt. Channels lists
// the notification channels that were delivered successfully.
type SubmitResult struct {
	Success  bool
	Message  string
	Channels []string
	URLs     []string
}

type Submitter interface {
	Submit(ctx context.Context, userID string, files []models.File, metadata map[string]string) (SubmitResult, error)
}

type StatusMirror interface {
	UpsertSubmission(ctx context.Context, sub models.Submission) error
}

type SubmissionReader interface {
	GetSubmission(ctx context.Context, id string) (models.Submission, error)
}

type PostRepository interface {
	SavePost(ctx context.Context, post models.Post) (models.Post, error)
	GetPost(ctx context.Context, slug string) (models.Post, error)
	ListPosts(ctx context.Context, status models.PostStatus, limit int) ([]models.Post, error)
}

type NotificationWriter interface {
	InsertNotification(ctx context.Context, channel string, n models.Notification) error
}

// Notification channel names.
const (
	ChannelInApp = "in-app"
	ChannelEmail = "email"
)
