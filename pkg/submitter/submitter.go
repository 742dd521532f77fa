package submitter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/xhad/pressroom/internal/models"
	"github.com/xhad/pressroom/internal/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrNoFiles = errors.New("no files to upload")

type SubmitterConfig struct {
	Store     types.ObjectStore
	Notifiers []types.Notifier
	RateLimit float64 // uploads per second
	KeyPrefix string
	Logger    *zap.Logger
	Now       func() time.Time
}

// Submitter stores every file of a submission and then tells admins about
// it. It is the collaborator the upload pipeline retries.
type Submitter struct {
	config  SubmitterConfig
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewWithConfig(config SubmitterConfig) (*Submitter, error) {
	if config.Store == nil {
		return nil, errors.New("submitter requires an object store")
	}
	if config.RateLimit == 0 {
		config.RateLimit = 5
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "submissions"
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Submitter{
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		log:     config.Logger.Named("submitter"),
	}, nil
}

// Submit uploads files then notifies every configured channel. An upload
// problem fails the whole attempt; notification problems only shrink the
// reported channel list.
func (s *Submitter) Submit(ctx context.Context, userID string, files []models.File, metadata map[string]string) (types.SubmitResult, error) {
	if len(files) == 0 {
		return types.SubmitResult{Success: false, Message: ErrNoFiles.Error()}, nil
	}

	urls := make([]string, 0, len(files))
	for _, file := range files {
		// Apply rate limiting
		if err := s.limiter.Wait(ctx); err != nil {
			return types.SubmitResult{}, fmt.Errorf("rate limiter: %w", err)
		}

		url, err := s.config.Store.Put(ctx, s.objectKey(userID, file), file.Content)
		if err != nil {
			return types.SubmitResult{
				Success: false,
				Message: fmt.Sprintf("failed to upload %s: %v", file.Name, err),
				URLs:    urls,
			}, nil
		}
		urls = append(urls, url)
	}

	note := s.buildNotification(userID, files, urls, metadata)
	channels := make([]string, 0, len(s.config.Notifiers))
	for _, n := range s.config.Notifiers {
		if err := n.Notify(ctx, note); err != nil {
			s.log.Warn("notification failed",
				zap.String("channel", n.Channel()),
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		channels = append(channels, n.Channel())
	}

	return types.SubmitResult{
		Success:  true,
		Message:  fmt.Sprintf("uploaded %d files", len(urls)),
		Channels: channels,
		URLs:     urls,
	}, nil
}

// objectKey addresses a file by owner and content hash so a retried upload
// lands on the same object.
func (s *Submitter) objectKey(userID string, file models.File) string {
	sum := sha256.Sum256(file.Content)
	return path.Join(s.config.KeyPrefix, sanitizeSegment(userID), hex.EncodeToString(sum[:]), sanitizeSegment(file.Name))
}

func (s *Submitter) buildNotification(userID string, files []models.File, urls []string, metadata map[string]string) models.Notification {
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}

	title := "New document submission"
	if t := metadata["title"]; t != "" {
		title += ": " + t
	}

	return models.Notification{
		SubmissionID: metadata["submission_id"],
		UserID:       userID,
		Title:        title,
		Body:         fmt.Sprintf("%s submitted %d file(s): %s", userID, len(files), strings.Join(names, ", ")),
		FileURLs:     urls,
		Metadata:     metadata,
		CreatedAt:    s.config.Now().UTC(),
	}
}

func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("/", "_", "\\", "_").Replace(s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
