package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/xhad/pressroom/internal/models"
	"github.com/xhad/pressroom/internal/types"
	cfgPkg "github.com/xhad/pressroom/pkg/config"
	"github.com/xhad/pressroom/pkg/markdown"
	"github.com/xhad/pressroom/pkg/notify"
	"github.com/xhad/pressroom/pkg/objectstore"
	"github.com/xhad/pressroom/pkg/pipeline"
	"github.com/xhad/pressroom/pkg/store"
	"github.com/xhad/pressroom/pkg/submitter"
	"github.com/xhad/pressroom/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("files"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// stack holds the long-lived components shared by -submit and -serve.
type stack struct {
	db       *store.Store
	objects  *objectstore.DiskStore
	pipeline *pipeline.Pipeline
}

func (s *stack) Close() {
	s.pipeline.Close()
	s.closeDB()
}

// buildStack wires the object store, notifiers, submitter and pipeline.
// The database is optional; without it there is no status mirror and the
// in-app channel is skipped.
func buildStack(ctx context.Context, config *cfgPkg.Config, log *zap.Logger, onUpdate func(models.Submission)) (*stack, error) {
	st := &stack{}

	if config.Database.URL != "" {
		db, err := store.NewWithConfig(ctx, store.StoreConfig{
			ConnString:         config.Database.URL,
			PostsTable:         config.Database.PostsTable,
			SubmissionsTable:   config.Database.SubmissionsTable,
			NotificationsTable: config.Database.NotificationsTable,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize store: %w", err)
		}
		st.db = db
	}

	objects, err := objectstore.NewWithConfig(objectstore.StoreConfig{
		Dir:           config.Storage.Dir,
		PublicBaseURL: config.Storage.PublicBaseURL,
	})
	if err != nil {
		st.closeDB()
		return nil, fmt.Errorf("failed to initialize object store: %w", err)
	}
	st.objects = objects

	var notifiers []types.Notifier
	for _, channel := range config.Notify.Channels {
		switch channel {
		case types.ChannelInApp:
			if st.db == nil {
				log.Warn("in-app notifications need a database, channel disabled")
				continue
			}
			notifiers = append(notifiers, notify.NewInApp(st.db))
		case types.ChannelEmail:
			email := config.Notify.Email
			notifiers = append(notifiers, notify.NewEmail(notify.EmailConfig{
				Host:     email.Host,
				Port:     email.Port,
				Username: email.Username,
				Password: email.Password,
				From:     email.From,
				To:       email.To,
			}))
		}
	}

	sub, err := submitter.NewWithConfig(submitter.SubmitterConfig{
		Store:     objects,
		Notifiers: notifiers,
		RateLimit: config.Storage.RateLimit,
		Logger:    log,
	})
	if err != nil {
		st.closeDB()
		return nil, fmt.Errorf("failed to initialize submitter: %w", err)
	}

	pipelineConfig := pipeline.PipelineConfig{
		BaseDelay:      config.Pipeline.BaseDelay,
		PollInterval:   config.Pipeline.PollInterval,
		AttemptTimeout: config.Pipeline.AttemptTimeout,
		Logger:         log,
		OnUpdate:       onUpdate,
	}
	if st.db != nil {
		pipelineConfig.Mirror = st.db
	}
	st.pipeline = pipeline.NewWithConfig(sub, pipelineConfig)

	return st, nil
}

func (s *stack) closeDB() {
	if s.db != nil {
		s.db.Close()
	}
}

func htmlPath(source string) string {
	return strings.TrimSuffix(source, filepath.Ext(source)) + ".html"
}

func renderFile(source string) (string, []models.TocEntry, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read %s: %w", source, err)
	}

	out := markdown.Render(string(data))
	target := htmlPath(source)
	if err := os.WriteFile(target, []byte(out.HTML), 0644); err != nil {
		return "", nil, fmt.Errorf("failed to write %s: %w", target, err)
	}
	return target, out.TOC, nil
}

func runRender(paths []string) error {
	if len(paths) == 0 {
		return errors.New("no markdown files given")
	}

	bar := getProgressBar(len(paths), " Rendering...")
	type rendered struct {
		source, target string
		toc            []models.TocEntry
	}
	var results []rendered
	var failed []error

	for _, path := range paths {
		target, toc, err := renderFile(path)
		bar.Add(1)
		if err != nil {
			failed = append(failed, err)
			continue
		}
		results = append(results, rendered{source: path, target: target, toc: toc})
	}
	bar.Finish()

	heading := color.New(color.FgCyan, color.Bold).PrintfFunc()
	for _, r := range results {
		heading("\n%s", r.source)
		color.Green(" -> %s\n", r.target)
		if len(r.toc) == 0 {
			color.Yellow("  (no headings)\n")
		}
		for _, entry := range r.toc {
			indent := strings.Repeat("  ", entry.Level-1)
			fmt.Printf("%s%s %s\n", indent, entry.Text, color.HiBlackString("#"+entry.ID))
		}
	}

	for _, err := range failed {
		color.Red("%v\n", err)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d files failed", len(failed), len(paths))
	}
	return nil
}

func readFiles(paths []string) ([]models.File, error) {
	files := make([]models.File, 0, len(paths))
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		files = append(files, models.File{
			Name:    filepath.Base(path),
			Size:    int64(len(content)),
			Content: content,
		})
	}
	return files, nil
}

func runSubmit(config *cfgPkg.Config, log *zap.Logger, userID string, paths []string) error {
	if userID == "" {
		return errors.New("-user is required with -submit")
	}
	if len(paths) == 0 {
		return errors.New("no files given")
	}

	files, err := readFiles(paths)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	updates := make(chan models.Submission, 16)
	st, err := buildStack(ctx, config, log, func(sub models.Submission) {
		select {
		case updates <- sub:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := st.pipeline.AddToQueue(userID, files, nil)
	if err != nil {
		return err
	}
	color.Blue("\nQueued submission %s (%d files)\n", id, len(files))

	final, err := waitForSubmission(ctx, st.pipeline, id, updates)
	if err != nil {
		return err
	}

	switch final.Status {
	case models.StatusCompleted:
		color.Green("\n✓ Submission %s completed after %d attempt(s)\n", final.ID, final.Attempts)
		return nil
	case models.StatusPartial:
		color.Yellow("\n! Submission %s uploaded: %s\n", final.ID, final.Error)
		return nil
	default:
		return fmt.Errorf("submission %s failed after %d attempts: %s", final.ID, final.Attempts, final.Error)
	}
}

func waitForSubmission(ctx context.Context, p *pipeline.Pipeline, id string, updates <-chan models.Submission) (models.Submission, error) {
	spinner := getSpinner(" Submitting...")
	defer spinner.Finish()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return models.Submission{}, ctx.Err()
		case sub := <-updates:
			if sub.ID != id {
				continue
			}
			spinner.Describe(color.CyanString(" %s (attempt %d/%d)", sub.Status, sub.Attempts, sub.MaxAttempts))
		case <-ticker.C:
			spinner.Add(1)
		}

		if sub, ok := p.Get(id); ok && sub.Status.Terminal() {
			return sub, nil
		}
	}
}

func runServe(config *cfgPkg.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub(log)
	defer hub.Close()

	st, err := buildStack(ctx, config, log, hub.PublishSubmission)
	if err != nil {
		return err
	}
	defer st.Close()

	serverConfig := server.ServerConfig{
		Queue:          st.pipeline,
		Hub:            hub,
		MaxUploadBytes: config.Server.MaxUploadBytes,
		Logger:         log,
	}
	// Objects are only served locally when their public URLs are relative.
	if strings.HasPrefix(config.Storage.PublicBaseURL, "/") {
		serverConfig.FilesDir = st.objects.Dir()
		serverConfig.FilesPrefix = strings.TrimSuffix(config.Storage.PublicBaseURL, "/")
	}
	if st.db != nil {
		serverConfig.Posts = st.db
		serverConfig.Mirror = st.db
	}
	srv, err := server.NewWithConfig(serverConfig)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              config.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server", zap.String("addr", config.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
