// Package server exposes posts, previews and the submission queue over HTTP
// and streams queue updates to websocket clients.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/xhad/pressroom/internal/models"
	"github.com/xhad/pressroom/internal/types"
	"github.com/xhad/pressroom/pkg/processor"
	"github.com/xhad/pressroom/pkg/store"
	"go.uber.org/zap"
)

const (
	DefaultMaxUploadBytes = 32 << 20
	defaultListLimit      = 20
	maxListLimit          = 100
)

// Queue is the part of the upload pipeline the HTTP layer drives.
type Queue interface {
	AddToQueue(userID string, files []models.File, metadata map[string]string) (string, error)
	Get(id string) (models.Submission, bool)
	List() []models.Submission
	ClearCompleted() int
}

type ServerConfig struct {
	Processor processor.ProcessorConfig

	// Posts is optional; post endpoints answer DATABASE_ERROR without it.
	Posts types.PostRepository
	Queue Queue
	// Mirror answers status lookups for ids the live queue no longer holds.
	Mirror types.SubmissionReader
	Hub    *Hub

	// FilesDir, when set, is served read-only under FilesPrefix.
	FilesDir    string
	FilesPrefix string

	MaxUploadBytes int64
	Logger         *zap.Logger
}

type Server struct {
	config    ServerConfig
	processor processor.Processor
	log       *zap.Logger
	mux       *http.ServeMux
}

func NewWithConfig(config ServerConfig) (*Server, error) {
	if config.Queue == nil {
		return nil, errors.New("server requires a submission queue")
	}
	if config.MaxUploadBytes == 0 {
		config.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if config.FilesPrefix == "" {
		config.FilesPrefix = "/files"
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Hub == nil {
		config.Hub = NewHub(config.Logger)
	}

	s := &Server{
		config:    config,
		processor: processor.NewWithConfig(config.Processor),
		log:       config.Logger.Named("server"),
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/posts", s.handleSavePost)
	s.mux.HandleFunc("GET /api/posts", s.handleListPosts)
	s.mux.HandleFunc("GET /api/posts/{slug}", s.handleGetPost)
	s.mux.HandleFunc("POST /api/preview", s.handlePreview)

	s.mux.HandleFunc("POST /api/submissions", s.handleSubmit)
	s.mux.HandleFunc("GET /api/submissions", s.handleListSubmissions)
	s.mux.HandleFunc("GET /api/submissions/{id}", s.handleGetSubmission)
	s.mux.HandleFunc("DELETE /api/submissions/completed", s.handleClearCompleted)

	s.mux.HandleFunc("GET /ws", s.config.Hub.ServeWS)
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.config.FilesDir != "" {
		prefix := s.config.FilesPrefix + "/"
		s.mux.Handle("GET "+prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(s.config.FilesDir))))
	}
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) Hub() *Hub {
	return s.config.Hub
}

type previewRequest struct {
	Source string `json:"mdx"`
}

type previewResponse struct {
	Success  bool              `json:"success"`
	HTML     string            `json:"html"`
	TOC      []models.TocEntry `json:"toc"`
	ReadTime int               `json:"read_time"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	out, readTime := s.processor.Preview(req.Source)
	toc := out.TOC
	if toc == nil {
		toc = []models.TocEntry{}
	}
	s.writeJSON(w, http.StatusOK, previewResponse{
		Success:  true,
		HTML:     out.HTML,
		TOC:      toc,
		ReadTime: readTime,
	})
}

func (s *Server) handleSavePost(w http.ResponseWriter, r *http.Request) {
	var input processor.PostInput
	if !s.decodeJSON(w, r, &input) {
		return
	}

	post, err := s.processor.Process(input)
	if err != nil {
		var verr processor.ValidationError
		if errors.As(err, &verr) {
			s.writeError(w, http.StatusBadRequest, CodeInvalidInput, verr.Error())
			return
		}
		s.log.Error("failed to process post", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, CodeInternalError, "failed to process post")
		return
	}

	if s.config.Posts == nil {
		s.writeError(w, http.StatusServiceUnavailable, CodeDatabaseError, "no database configured")
		return
	}

	saved, err := s.config.Posts.SavePost(r.Context(), post)
	if err != nil {
		s.log.Error("failed to save post", zap.String("slug", post.Slug), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, CodeDatabaseError, "failed to save content")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "post": saved})
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	if s.config.Posts == nil {
		s.writeError(w, http.StatusServiceUnavailable, CodeDatabaseError, "no database configured")
		return
	}

	slug := r.PathValue("slug")
	post, err := s.config.Posts.GetPost(r.Context(), slug)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, CodeNotFound, "post not found: "+slug)
		return
	}
	if err != nil {
		s.log.Error("failed to get post", zap.String("slug", slug), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, CodeDatabaseError, "failed to load content")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "post": post})
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	if s.config.Posts == nil {
		s.writeError(w, http.StatusServiceUnavailable, CodeDatabaseError, "no database configured")
		return
	}

	status := models.PostStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.PostDraft, models.PostPublished, models.PostArchived:
	default:
		s.writeError(w, http.StatusBadRequest, CodeInvalidInput, "unknown status: "+string(status))
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, CodeInvalidInput, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	posts, err := s.config.Posts.ListPosts(r.Context(), status, limit)
	if err != nil {
		s.log.Error("failed to list posts", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, CodeDatabaseError, "failed to list content")
		return
	}
	if posts == nil {
		posts = []models.Post{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "posts": posts})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || errors.Is(err, multipart.ErrMessageTooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "upload exceeds size limit")
			return
		}
		s.writeError(w, http.StatusBadRequest, CodeInvalidInput, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	userID := r.FormValue("user_id")
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, CodeInvalidInput, "user_id is required")
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		s.writeError(w, http.StatusBadRequest, CodeInvalidInput, "at least one file is required")
		return
	}

	files := make([]models.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			s.writeError(w, http.StatusBadRequest, CodeInvalidInput, "unreadable file: "+fh.Filename)
			return
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			s.writeError(w, http.StatusBadRequest, CodeInvalidInput, "unreadable file: "+fh.Filename)
			return
		}
		files = append(files, models.File{
			Name:        fh.Filename,
			Size:        int64(len(content)),
			ContentType: fh.Header.Get("Content-Type"),
			Content:     content,
		})
	}

	metadata := make(map[string]string)
	for key, values := range r.MultipartForm.Value {
		if key == "user_id" || len(values) == 0 {
			continue
		}
		metadata[key] = values[0]
	}

	id, err := s.config.Queue.AddToQueue(userID, files, metadata)
	if err != nil {
		s.log.Error("failed to enqueue submission", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, CodeInternalError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"success": true, "id": id})
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"submissions": s.config.Queue.List(),
	})
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if sub, ok := s.config.Queue.Get(id); ok {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":    true,
			"source":     "queue",
			"submission": sub,
		})
		return
	}

	if s.config.Mirror != nil {
		sub, err := s.config.Mirror.GetSubmission(r.Context(), id)
		switch {
		case err == nil:
			s.writeJSON(w, http.StatusOK, map[string]interface{}{
				"success":    true,
				"source":     "mirror",
				"submission": sub,
			})
			return
		case !errors.Is(err, store.ErrNotFound):
			s.log.Error("mirror lookup failed", zap.String("submission_id", id), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, CodeDatabaseError, "failed to load submission")
			return
		}
	}

	s.writeError(w, http.StatusNotFound, CodeNotFound, "submission not found: "+id)
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	removed := s.config.Queue.ClearCompleted()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "removed": removed})
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "request body too large")
			return false
		}
		s.writeError(w, http.StatusBadRequest, CodeInvalidInput, "invalid JSON body")
		return false
	}
	return true
}
