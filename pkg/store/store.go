package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xhad/pressroom/internal/models"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrInvalidTable   = errors.New("invalid table name")
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)
)

type StoreConfig struct {
	ConnString         string
	PostsTable         string
	SubmissionsTable   string
	NotificationsTable string
}

// Store is the relational row store: posts, the submission status mirror
// and the in-app notification feed.
type Store struct {
	config StoreConfig
	pool   *pgxpool.Pool
}

func NewWithConfig(ctx context.Context, config StoreConfig) (*Store, error) {
	config, err := withDefaults(config)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{
		config: config,
		pool:   pool,
	}

	if err := s.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func withDefaults(config StoreConfig) (StoreConfig, error) {
	if config.PostsTable == "" {
		config.PostsTable = "posts"
	}
	if config.SubmissionsTable == "" {
		config.SubmissionsTable = "submissions"
	}
	if config.NotificationsTable == "" {
		config.NotificationsTable = "notifications"
	}

	// Table names are interpolated into SQL, so only plain identifiers pass
	for _, name := range []string{config.PostsTable, config.SubmissionsTable, config.NotificationsTable} {
		if !identifierPattern.MatchString(name) {
			return config, fmt.Errorf("%w: %q", ErrInvalidTable, name)
		}
	}
	return config, nil
}

func (s *Store) initialize(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
			slug TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			mdx TEXT NOT NULL,
			html TEXT NOT NULL,
			toc TEXT NOT NULL,
			excerpt TEXT,
			read_time INTEGER NOT NULL DEFAULT 1,
			tags TEXT[] NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			author_id TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, s.config.PostsTable),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			files JSONB NOT NULL,
			metadata JSONB,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			max_attempts INTEGER NOT NULL,
			last_attempt_at TIMESTAMPTZ,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, s.config.SubmissionsTable),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			channel TEXT NOT NULL,
			submission_id TEXT,
			user_id TEXT,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			file_urls TEXT[] NOT NULL DEFAULT '{}',
			read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`, s.config.NotificationsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (status, updated_at DESC)`,
			s.config.PostsTable, s.config.PostsTable),
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return nil
}

// SavePost upserts by slug. created_at of an existing row is preserved.
func (s *Store) SavePost(ctx context.Context, post models.Post) (models.Post, error) {
	stmt := fmt.Sprintf(`
		INSERT INTO %s (slug, title, mdx, html, toc, excerpt, read_time, tags, status, author_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (slug) DO UPDATE SET
			title = EXCLUDED.title,
			mdx = EXCLUDED.mdx,
			html = EXCLUDED.html,
			toc = EXCLUDED.toc,
			excerpt = EXCLUDED.excerpt,
			read_time = EXCLUDED.read_time,
			tags = EXCLUDED.tags,
			status = EXCLUDED.status,
			author_id = EXCLUDED.author_id,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at`,
		s.config.PostsTable)

	tags := post.Tags
	if tags == nil {
		tags = []string{}
	}

	err := s.pool.QueryRow(ctx, stmt,
		post.Slug,
		sanitizeUTF8(post.Title),
		sanitizeUTF8(post.Source),
		sanitizeUTF8(post.HTML),
		post.TOCJSON,
		sanitizeUTF8(post.Excerpt),
		post.ReadTime,
		tags,
		string(post.Status),
		post.AuthorID,
		post.CreatedAt,
		post.UpdatedAt,
	).Scan(&post.ID, &post.CreatedAt, &post.UpdatedAt)
	if err != nil {
		return models.Post{}, fmt.Errorf("failed to save post: %w", err)
	}

	return post, nil
}

func (s *Store) GetPost(ctx context.Context, slug string) (models.Post, error) {
	query := fmt.Sprintf(`
		SELECT id, slug, title, mdx, html, toc, COALESCE(excerpt, ''), read_time, tags, status,
			COALESCE(author_id, ''), created_at, updated_at
		FROM %s
		WHERE slug = $1`,
		s.config.PostsTable)

	post, err := scanPost(s.pool.QueryRow(ctx, query, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Post{}, fmt.Errorf("%w: post %s", ErrNotFound, slug)
	}
	if err != nil {
		return models.Post{}, fmt.Errorf("failed to get post: %w", err)
	}
	return post, nil
}

// ListPosts returns the most recently updated posts, optionally filtered
// by status.
func (s *Store) ListPosts(ctx context.Context, status models.PostStatus, limit int) ([]models.Post, error) {
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT id, slug, title, mdx, html, toc, COALESCE(excerpt, ''), read_time, tags, status,
			COALESCE(author_id, ''), created_at, updated_at
		FROM %s
		WHERE ($1 = '' OR status = $1)
		ORDER BY updated_at DESC
		LIMIT $2`,
		s.config.PostsTable)

	rows, err := s.pool.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query posts: %w", err)
	}
	defer rows.Close()

	posts := []models.Post{}
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read posts: %w", err)
	}

	return posts, nil
}

func scanPost(row pgx.Row) (models.Post, error) {
	var (
		post   models.Post
		status string
	)
	err := row.Scan(
		&post.ID,
		&post.Slug,
		&post.Title,
		&post.Source,
		&post.HTML,
		&post.TOCJSON,
		&post.Excerpt,
		&post.ReadTime,
		&post.Tags,
		&status,
		&post.AuthorID,
		&post.CreatedAt,
		&post.UpdatedAt,
	)
	if err != nil {
		return models.Post{}, err
	}
	post.Status = models.PostStatus(status)

	if err := json.Unmarshal([]byte(post.TOCJSON), &post.TOC); err != nil {
		return models.Post{}, fmt.Errorf("failed to decode toc: %w", err)
	}
	return post, nil
}

// UpsertSubmission mirrors a queue item keyed by id. Writing the same
// snapshot twice leaves the row unchanged.
func (s *Store) UpsertSubmission(ctx context.Context, sub models.Submission) error {
	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, files, metadata, status, attempts, max_attempts, last_attempt_at, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			files = EXCLUDED.files,
			metadata = EXCLUDED.metadata,
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			last_attempt_at = EXCLUDED.last_attempt_at,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`,
		s.config.SubmissionsTable)

	files := sub.Files
	if files == nil {
		files = []models.File{}
	}

	_, err := s.pool.Exec(ctx, stmt,
		sub.ID,
		sub.UserID,
		files,
		sub.Metadata,
		string(sub.Status),
		sub.Attempts,
		sub.MaxAttempts,
		sub.LastAttemptAt,
		sanitizeUTF8(sub.Error),
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert submission %s: %w", sub.ID, err)
	}
	return nil
}

func (s *Store) GetSubmission(ctx context.Context, id string) (models.Submission, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, files, metadata, status, attempts, max_attempts, last_attempt_at,
			COALESCE(error, ''), created_at, updated_at
		FROM %s
		WHERE id = $1`,
		s.config.SubmissionsTable)

	var (
		sub    models.Submission
		status string
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&sub.ID,
		&sub.UserID,
		&sub.Files,
		&sub.Metadata,
		&status,
		&sub.Attempts,
		&sub.MaxAttempts,
		&sub.LastAttemptAt,
		&sub.Error,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Submission{}, fmt.Errorf("%w: submission %s", ErrNotFound, id)
	}
	if err != nil {
		return models.Submission{}, fmt.Errorf("failed to get submission: %w", err)
	}
	sub.Status = models.SubmissionStatus(status)

	return sub, nil
}

func (s *Store) InsertNotification(ctx context.Context, channel string, n models.Notification) error {
	stmt := fmt.Sprintf(`
		INSERT INTO %s (channel, submission_id, user_id, title, body, file_urls, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.config.NotificationsTable)

	urls := n.FileURLs
	if urls == nil {
		urls = []string{}
	}

	_, err := s.pool.Exec(ctx, stmt,
		channel,
		n.SubmissionID,
		n.UserID,
		sanitizeUTF8(n.Title),
		sanitizeUTF8(n.Body),
		urls,
		n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// sanitizeUTF8 drops invalid byte sequences, which Postgres rejects in TEXT.
func sanitizeUTF8(s string) string {
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for i, r := range s {
			if r == utf8.RuneError {
				_, size := utf8.DecodeRuneInString(s[i:])
				if size == 1 {
					continue
				}
			}
			v = append(v, r)
		}
		return string(v)
	}
	return s
}
