// Package pipeline queues file submissions and drives each one through
// upload and admin notification with bounded, exponentially backed-off
// retries.
//
// Items are processed one at a time. The in-memory queue is authoritative
// for the life of the process; the optional StatusMirror only receives a
// best-effort copy after every attempt and is never read back.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xhad/pressroom/internal/models"
	"github.com/xhad/pressroom/internal/types"
	"go.uber.org/zap"
)

const (
	MaxAttempts = 3

	DefaultBaseDelay      = time.Second
	DefaultPollInterval   = 5 * time.Second
	DefaultAttemptTimeout = time.Minute
	DefaultMirrorTimeout  = 10 * time.Second
)

// SubmissionIDKey is added to the metadata handed to the submitter so the
// notification can link back to the queue item.
const SubmissionIDKey = "submission_id"

var ErrClosed = errors.New("pipeline is closed")

// qualifyingChannels are the notification channels whose delivery marks a
// submission completed rather than partial.
var qualifyingChannels = []string{types.ChannelInApp, types.ChannelEmail}

type PipelineConfig struct {
	BaseDelay      time.Duration
	PollInterval   time.Duration
	AttemptTimeout time.Duration
	MirrorTimeout  time.Duration

	Scheduler Scheduler
	Mirror    types.StatusMirror
	Logger    *zap.Logger

	// OnUpdate receives a snapshot after enqueue, when an attempt starts and
	// when it ends, in the order the changes happened. It is called without
	// the queue lock held but must not call AddToQueue.
	OnUpdate func(models.Submission)

	NewID func() string
}

type Pipeline struct {
	config    PipelineConfig
	submitter types.Submitter
	sched     Scheduler
	log       *zap.Logger

	// updateMu is taken before mu and held from a state change until its
	// OnUpdate returns, so updates for one item are never delivered out of order.
	updateMu sync.Mutex

	mu         sync.Mutex
	items      map[string]*models.Submission
	order      []string
	processing bool
	rerun      bool
	polling    bool
	closed     bool
	timers     map[*timerToken]Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type timerToken struct{ poll bool }

func NewWithConfig(submitter types.Submitter, config PipelineConfig) *Pipeline {
	if config.BaseDelay == 0 {
		config.BaseDelay = DefaultBaseDelay
	}
	if config.PollInterval == 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.AttemptTimeout == 0 {
		config.AttemptTimeout = DefaultAttemptTimeout
	}
	if config.MirrorTimeout == 0 {
		config.MirrorTimeout = DefaultMirrorTimeout
	}
	if config.Scheduler == nil {
		config.Scheduler = realScheduler{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.NewID == nil {
		config.NewID = func() string { return uuid.New().String() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		config:    config,
		submitter: submitter,
		sched:     config.Scheduler,
		log:       config.Logger.Named("pipeline"),
		items:     make(map[string]*models.Submission),
		timers:    make(map[*timerToken]Timer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// AddToQueue registers a submission and returns its id without waiting for
// any upload. Processing is started in the background if it is idle.
func (p *Pipeline) AddToQueue(userID string, files []models.File, metadata map[string]string) (string, error) {
	p.updateMu.Lock()
	defer p.updateMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrClosed
	}

	now := p.sched.Now()
	item := &models.Submission{
		ID:          p.config.NewID(),
		UserID:      userID,
		Files:       slices.Clone(files),
		Metadata:    cloneMetadata(metadata),
		Status:      models.StatusPending,
		MaxAttempts: MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	p.items[item.ID] = item
	p.order = append(p.order, item.ID)

	if p.processing {
		p.rerun = true
	} else {
		p.afterLocked(0, false)
	}
	snap := snapshot(item)
	p.mu.Unlock()

	p.log.Info("submission enqueued",
		zap.String("submission_id", snap.ID),
		zap.String("user_id", userID),
		zap.Int("files", len(files)))
	p.emit(snap)

	return snap.ID, nil
}

// GetStatus reports the status of a queued submission. ok is false for ids
// this process has never seen or has already cleared.
func (p *Pipeline) GetStatus(id string) (status models.SubmissionStatus, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	item, ok := p.items[id]
	if !ok {
		return "", false
	}
	return item.Status, true
}

func (p *Pipeline) Get(id string) (models.Submission, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	item, ok := p.items[id]
	if !ok {
		return models.Submission{}, false
	}
	return snapshot(item), true
}

// List returns every queued submission in insertion order.
func (p *Pipeline) List() []models.Submission {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := make([]models.Submission, 0, len(p.order))
	for _, id := range p.order {
		subs = append(subs, snapshot(p.items[id]))
	}
	return subs
}

// ClearCompleted drops completed, partial and failed submissions from the
// queue and returns how many were removed. The mirror is left untouched.
func (p *Pipeline) ClearCompleted() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.order[:0]
	removed := 0
	for _, id := range p.order {
		if p.items[id].Status.Terminal() {
			delete(p.items, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	p.order = kept

	if removed > 0 {
		p.log.Info("cleared finished submissions", zap.Int("removed", removed))
	}
	return removed
}

// Close stops scheduled retries, cancels an in-flight attempt and waits for
// the processing pass to return. Queued items stay readable.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for tok, t := range p.timers {
		t.Stop()
		delete(p.timers, tok)
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// afterLocked schedules a processing pass after d. Poll timers are
// coalesced so at most one is pending. p.mu must be held.
func (p *Pipeline) afterLocked(d time.Duration, poll bool) {
	if p.closed || (poll && p.polling) {
		return
	}
	if poll {
		p.polling = true
	}

	tok := &timerToken{poll: poll}
	p.timers[tok] = p.sched.AfterFunc(d, func() {
		p.mu.Lock()
		delete(p.timers, tok)
		if tok.poll {
			p.polling = false
		}
		p.mu.Unlock()
		p.trigger()
	})
}

func (p *Pipeline) trigger() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.processing {
		p.rerun = true
		p.mu.Unlock()
		return
	}
	p.processing = true
	p.wg.Add(1)
	p.mu.Unlock()

	defer p.wg.Done()
	p.run()
}

func (p *Pipeline) run() {
	for {
		if id, ok := p.nextEligible(); ok {
			p.processItem(id)
			continue
		}

		p.mu.Lock()
		if p.rerun && !p.closed {
			p.rerun = false
			p.mu.Unlock()
			continue
		}
		p.rerun = false
		p.processing = false
		if p.waitingLocked() {
			p.afterLocked(p.config.PollInterval, true)
		}
		p.mu.Unlock()
		return
	}
}

func (p *Pipeline) nextEligible() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return "", false
	}

	now := p.sched.Now()
	for _, id := range p.order {
		item := p.items[id]
		if item.Status != models.StatusPending && item.Status != models.StatusRetrying {
			continue
		}
		if item.Attempts >= item.MaxAttempts {
			continue
		}
		if item.NextAttemptAt != nil && item.NextAttemptAt.After(now) {
			continue
		}
		return id, true
	}
	return "", false
}

// waitingLocked reports whether some item is backing off before a retry.
func (p *Pipeline) waitingLocked() bool {
	for _, id := range p.order {
		item := p.items[id]
		if item.Status == models.StatusRetrying && item.Attempts < item.MaxAttempts {
			return true
		}
	}
	return false
}

func (p *Pipeline) processItem(id string) {
	p.updateMu.Lock()
	p.mu.Lock()
	item, ok := p.items[id]
	if !ok {
		p.mu.Unlock()
		p.updateMu.Unlock()
		return
	}

	now := p.sched.Now()
	if item.Attempts == 0 {
		item.Status = models.StatusUploading
	} else {
		item.Status = models.StatusRetrying
	}
	item.Attempts++
	item.LastAttemptAt = &now
	item.NextAttemptAt = nil
	item.UpdatedAt = now

	attempt := item.Attempts
	userID := item.UserID
	files := item.Files
	metadata := cloneMetadata(item.Metadata)
	metadata[SubmissionIDKey] = item.ID
	started := snapshot(item)
	p.mu.Unlock()

	p.emit(started)
	p.updateMu.Unlock()

	ctx, cancel := context.WithTimeout(p.ctx, p.config.AttemptTimeout)
	result, err := p.safeSubmit(ctx, userID, files, metadata)
	cancel()

	p.updateMu.Lock()
	p.mu.Lock()
	now = p.sched.Now()
	item.UpdatedAt = now

	var delay time.Duration
	switch {
	case err == nil && result.Success && qualifies(result.Channels):
		item.Status = models.StatusCompleted
		item.Error = ""
	case err == nil && result.Success:
		item.Status = models.StatusPartial
		item.Error = partialMessage(result)
	default:
		item.Error = failureReason(result, err)
		if item.Attempts < item.MaxAttempts {
			delay = p.backoff(attempt)
			next := now.Add(delay)
			item.Status = models.StatusRetrying
			item.NextAttemptAt = &next
			p.afterLocked(delay, false)
		} else {
			item.Status = models.StatusFailed
		}
	}
	finished := snapshot(item)
	p.mu.Unlock()

	p.logAttempt(finished, delay)
	p.emit(finished)
	p.updateMu.Unlock()

	p.mirror(finished)
}

func (p *Pipeline) safeSubmit(ctx context.Context, userID string, files []models.File, metadata map[string]string) (result types.SubmitResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("submitter panic: %v", r)
		}
	}()
	return p.submitter.Submit(ctx, userID, files, metadata)
}

// backoff is BaseDelay * 2^attempt: 2s, 4s, 8s with the default base.
func (p *Pipeline) backoff(attempt int) time.Duration {
	return p.config.BaseDelay << uint(attempt)
}

func (p *Pipeline) mirror(sub models.Submission) {
	if p.config.Mirror == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.MirrorTimeout)
	defer cancel()

	if err := p.config.Mirror.UpsertSubmission(ctx, sub); err != nil {
		p.log.Warn("failed to mirror submission status",
			zap.String("submission_id", sub.ID),
			zap.String("status", string(sub.Status)),
			zap.Error(err))
	}
}

func (p *Pipeline) emit(sub models.Submission) {
	if p.config.OnUpdate != nil {
		p.config.OnUpdate(sub)
	}
}

func (p *Pipeline) logAttempt(sub models.Submission, delay time.Duration) {
	fields := []zap.Field{
		zap.String("submission_id", sub.ID),
		zap.Int("attempt", sub.Attempts),
		zap.String("status", string(sub.Status)),
	}

	switch sub.Status {
	case models.StatusCompleted:
		p.log.Info("submission completed", fields...)
	case models.StatusPartial:
		p.log.Warn("submission partially completed", append(fields, zap.String("error", sub.Error))...)
	case models.StatusRetrying:
		p.log.Warn("submission attempt failed, retry scheduled",
			append(fields, zap.Duration("delay", delay), zap.String("error", sub.Error))...)
	case models.StatusFailed:
		p.log.Error("submission failed permanently", append(fields, zap.String("error", sub.Error))...)
	}
}

func qualifies(channels []string) bool {
	for _, c := range channels {
		if slices.Contains(qualifyingChannels, c) {
			return true
		}
	}
	return false
}

func partialMessage(result types.SubmitResult) string {
	msg := "files uploaded but notification was not delivered to in-app or email"
	if len(result.Channels) > 0 {
		msg += fmt.Sprintf(" (delivered: %s)", strings.Join(result.Channels, ", "))
	}
	if result.Message != "" {
		msg += ": " + result.Message
	}
	return msg
}

func failureReason(result types.SubmitResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if result.Message != "" {
		return result.Message
	}
	return "submission failed"
}

func snapshot(item *models.Submission) models.Submission {
	s := *item
	s.Files = slices.Clone(item.Files)
	s.Metadata = cloneMetadata(item.Metadata)
	if item.LastAttemptAt != nil {
		t := *item.LastAttemptAt
		s.LastAttemptAt = &t
	}
	if item.NextAttemptAt != nil {
		t := *item.NextAttemptAt
		s.NextAttemptAt = &t
	}
	return s
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
