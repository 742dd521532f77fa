package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/pressroom/internal/models"
	"github.com/xhad/pressroom/internal/types"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedSubmitter answers each call for a user from that user's script;
// the last entry repeats once the script is exhausted.
type scriptedSubmitter struct {
	mu      sync.Mutex
	scripts map[string][]outcome
	calls   map[string]int
}

type outcome struct {
	result types.SubmitResult
	err    error
	panic  bool
}

var (
	delivered   = outcome{result: types.SubmitResult{Success: true, Channels: []string{types.ChannelInApp}}}
	undelivered = outcome{result: types.SubmitResult{Success: true}}
	rejected    = outcome{result: types.SubmitResult{Success: false, Message: "bucket unavailable"}}
)

func newScripted(scripts map[string][]outcome) *scriptedSubmitter {
	return &scriptedSubmitter{scripts: scripts, calls: map[string]int{}}
}

func (s *scriptedSubmitter) Submit(_ context.Context, userID string, _ []models.File, _ map[string]string) (types.SubmitResult, error) {
	s.mu.Lock()
	script := s.scripts[userID]
	n := s.calls[userID]
	s.calls[userID]++
	s.mu.Unlock()

	o := script[min(n, len(script)-1)]
	if o.panic {
		panic("storage driver exploded")
	}
	return o.result, o.err
}

func (s *scriptedSubmitter) callCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[userID]
}

type recordingMirror struct {
	mu       sync.Mutex
	statuses []models.SubmissionStatus
	err      error
}

func (m *recordingMirror) UpsertSubmission(_ context.Context, sub models.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, sub.Status)
	return m.err
}

func newTestPipeline(t *testing.T, sub types.Submitter, sched *manualScheduler, mirror types.StatusMirror) *Pipeline {
	t.Helper()
	var n atomic.Int64
	p := NewWithConfig(sub, PipelineConfig{
		Scheduler: sched,
		Mirror:    mirror,
		NewID:     func() string { return fmt.Sprintf("sub-%d", n.Add(1)) },
	})
	t.Cleanup(p.Close)
	return p
}

var testFiles = []models.File{{Name: "report.pdf", Size: 4, Content: []byte("%PDF")}}

func TestAddToQueue_ReturnsPendingItem(t *testing.T) {
	sched := newManualScheduler()
	p := newTestPipeline(t, newScripted(map[string][]outcome{"u1": {delivered}}), sched, nil)

	id, err := p.AddToQueue("u1", testFiles, map[string]string{"kind": "thesis"})
	require.NoError(t, err)

	status, ok := p.GetStatus(id)
	require.True(t, ok)
	assert.Equal(t, models.StatusPending, status)

	item, ok := p.Get(id)
	require.True(t, ok)
	assert.Equal(t, 0, item.Attempts)
	assert.Equal(t, MaxAttempts, item.MaxAttempts)
	assert.Nil(t, item.LastAttemptAt)
	assert.Equal(t, sched.Now(), item.CreatedAt)
	assert.Equal(t, "thesis", item.Metadata["kind"])
}

func TestGetStatus_UnknownID(t *testing.T) {
	p := newTestPipeline(t, newScripted(nil), newManualScheduler(), nil)

	_, ok := p.GetStatus("missing")
	assert.False(t, ok)
}

func TestProcess_CompletesOnFirstAttempt(t *testing.T) {
	sched := newManualScheduler()
	mirror := &recordingMirror{}
	p := newTestPipeline(t, newScripted(map[string][]outcome{"u1": {delivered}}), sched, mirror)

	id, err := p.AddToQueue("u1", testFiles, nil)
	require.NoError(t, err)
	sched.Advance(0)

	item, _ := p.Get(id)
	assert.Equal(t, models.StatusCompleted, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Empty(t, item.Error)
	require.NotNil(t, item.LastAttemptAt)
	assert.Equal(t, []models.SubmissionStatus{models.StatusCompleted}, mirror.statuses)
}

func TestProcess_AlwaysFailingReachesFailed(t *testing.T) {
	sched := newManualScheduler()
	sub := newScripted(map[string][]outcome{"u1": {rejected}})
	mirror := &recordingMirror{}
	p := newTestPipeline(t, sub, sched, mirror)
	start := sched.Now()

	id, err := p.AddToQueue("u1", testFiles, nil)
	require.NoError(t, err)

	sched.Advance(0)
	item, _ := p.Get(id)
	assert.Equal(t, models.StatusRetrying, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, "bucket unavailable", item.Error)
	require.NotNil(t, item.NextAttemptAt)
	assert.Equal(t, start.Add(2*time.Second), *item.NextAttemptAt)

	sched.Advance(2*time.Second - time.Millisecond)
	assert.Equal(t, 1, sub.callCount("u1"))

	sched.Advance(time.Millisecond)
	item, _ = p.Get(id)
	assert.Equal(t, 2, item.Attempts)
	assert.Equal(t, models.StatusRetrying, item.Status)
	assert.Equal(t, start.Add(6*time.Second), *item.NextAttemptAt)

	sched.Advance(4 * time.Second)
	item, _ = p.Get(id)
	assert.Equal(t, models.StatusFailed, item.Status)
	assert.Equal(t, 3, item.Attempts)
	assert.Equal(t, "bucket unavailable", item.Error)

	sched.Advance(time.Minute)
	assert.Equal(t, 3, sub.callCount("u1"))
	assert.Equal(t, []models.SubmissionStatus{
		models.StatusRetrying, models.StatusRetrying, models.StatusFailed,
	}, mirror.statuses)
}

func TestProcess_SucceedsOnSecondAttempt(t *testing.T) {
	sched := newManualScheduler()
	p := newTestPipeline(t, newScripted(map[string][]outcome{"u1": {rejected, delivered}}), sched, nil)

	id, err := p.AddToQueue("u1", testFiles, nil)
	require.NoError(t, err)

	sched.Advance(0)
	sched.Advance(2 * time.Second)

	item, _ := p.Get(id)
	assert.Equal(t, models.StatusCompleted, item.Status)
	assert.Equal(t, 2, item.Attempts)
	assert.Empty(t, item.Error)
	assert.Nil(t, item.NextAttemptAt)
}

func TestProcess_NotificationOutcome(t *testing.T) {
	tests := []struct {
		name     string
		channels []string
		want     models.SubmissionStatus
	}{
		{"in-app", []string{types.ChannelInApp}, models.StatusCompleted},
		{"email", []string{types.ChannelEmail}, models.StatusCompleted},
		{"both", []string{types.ChannelEmail, types.ChannelInApp}, models.StatusCompleted},
		{"none", nil, models.StatusPartial},
		{"non qualifying", []string{"websocket"}, models.StatusPartial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := newManualScheduler()
			ok := outcome{result: types.SubmitResult{Success: true, Channels: tt.channels}}
			p := newTestPipeline(t, newScripted(map[string][]outcome{"u1": {ok}}), sched, nil)

			id, err := p.AddToQueue("u1", testFiles, nil)
			require.NoError(t, err)
			sched.Advance(0)

			item, _ := p.Get(id)
			assert.Equal(t, tt.want, item.Status)
			assert.Equal(t, 1, item.Attempts)
			if tt.want == models.StatusPartial {
				assert.Contains(t, item.Error, "files uploaded but notification")
			}
		})
	}
}

func TestProcess_ErrorsAndPanicsAreRetried(t *testing.T) {
	sched := newManualScheduler()
	sub := newScripted(map[string][]outcome{
		"err":   {{err: errors.New("connection reset")}, delivered},
		"panic": {{panic: true}, delivered},
	})
	p := newTestPipeline(t, sub, sched, nil)

	errID, _ := p.AddToQueue("err", testFiles, nil)
	panicID, _ := p.AddToQueue("panic", testFiles, nil)
	sched.Advance(0)

	item, _ := p.Get(errID)
	assert.Equal(t, models.StatusRetrying, item.Status)
	assert.Equal(t, "connection reset", item.Error)

	item, _ = p.Get(panicID)
	assert.Equal(t, models.StatusRetrying, item.Status)
	assert.Contains(t, item.Error, "storage driver exploded")

	sched.Advance(2 * time.Second)
	for _, id := range []string{errID, panicID} {
		status, _ := p.GetStatus(id)
		assert.Equal(t, models.StatusCompleted, status)
	}
}

func TestProcess_MirrorFailureIsSwallowed(t *testing.T) {
	sched := newManualScheduler()
	mirror := &recordingMirror{err: errors.New("db down")}
	p := newTestPipeline(t, newScripted(map[string][]outcome{"u1": {rejected, undelivered}}), sched, mirror)

	id, _ := p.AddToQueue("u1", testFiles, nil)
	sched.Advance(0)
	sched.Advance(2 * time.Second)

	item, _ := p.Get(id)
	assert.Equal(t, models.StatusPartial, item.Status)
	assert.Equal(t, 2, item.Attempts)
	assert.NotContains(t, item.Error, "db down")
	assert.Len(t, mirror.statuses, 2)
}

func TestProcess_PollTimersAreCoalesced(t *testing.T) {
	sched := newManualScheduler()
	p := newTestPipeline(t, newScripted(map[string][]outcome{"a": {rejected}, "b": {rejected}}), sched, nil)

	_, _ = p.AddToQueue("a", testFiles, nil)
	_, _ = p.AddToQueue("b", testFiles, nil)
	sched.Advance(0)

	// one retry per item plus a single poll
	assert.Equal(t, 3, sched.pending())
}

func TestClearCompleted_RemovesOnlyTerminal(t *testing.T) {
	sched := newManualScheduler()
	sub := newScripted(map[string][]outcome{
		"bad":   {rejected},
		"ok":    {delivered},
		"part":  {undelivered},
		"flaky": {rejected},
		"new":   {delivered},
	})
	p := newTestPipeline(t, sub, sched, nil)

	bad, _ := p.AddToQueue("bad", testFiles, nil)
	sched.Advance(0)
	sched.Advance(2 * time.Second)
	sched.Advance(4 * time.Second)

	ok, _ := p.AddToQueue("ok", testFiles, nil)
	part, _ := p.AddToQueue("part", testFiles, nil)
	flaky, _ := p.AddToQueue("flaky", testFiles, nil)
	sched.Advance(0)
	fresh, _ := p.AddToQueue("new", testFiles, nil)

	want := map[string]models.SubmissionStatus{
		bad:   models.StatusFailed,
		ok:    models.StatusCompleted,
		part:  models.StatusPartial,
		flaky: models.StatusRetrying,
		fresh: models.StatusPending,
	}
	for id, status := range want {
		got, _ := p.GetStatus(id)
		require.Equal(t, status, got, id)
	}

	assert.Equal(t, 3, p.ClearCompleted())

	remaining := p.List()
	require.Len(t, remaining, 2)
	assert.Equal(t, flaky, remaining[0].ID)
	assert.Equal(t, fresh, remaining[1].ID)
	for _, id := range []string{bad, ok, part} {
		_, found := p.GetStatus(id)
		assert.False(t, found)
	}
}

func TestOnUpdate_ReportsTransitions(t *testing.T) {
	sched := newManualScheduler()
	var (
		mu   sync.Mutex
		seen []models.SubmissionStatus
	)
	p := NewWithConfig(newScripted(map[string][]outcome{"u1": {rejected, delivered}}), PipelineConfig{
		Scheduler: sched,
		OnUpdate: func(s models.Submission) {
			mu.Lock()
			seen = append(seen, s.Status)
			mu.Unlock()
		},
	})
	defer p.Close()

	_, err := p.AddToQueue("u1", testFiles, nil)
	require.NoError(t, err)
	sched.Advance(0)
	sched.Advance(2 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.SubmissionStatus{
		models.StatusPending,
		models.StatusUploading, models.StatusRetrying,
		models.StatusRetrying, models.StatusCompleted,
	}, seen)
}

// concurrencySubmitter tracks how many Submit calls overlap.
type concurrencySubmitter struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (c *concurrencySubmitter) Submit(context.Context, string, []models.File, map[string]string) (types.SubmitResult, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return delivered.result, nil
}

func TestRealScheduler_ProcessesSequentially(t *testing.T) {
	sub := &concurrencySubmitter{}
	p := NewWithConfig(sub, PipelineConfig{})
	defer p.Close()

	ids := make([]string, 5)
	for i := range ids {
		id, err := p.AddToQueue(fmt.Sprintf("u%d", i), testFiles, nil)
		require.NoError(t, err)
		status, _ := p.GetStatus(id)
		assert.Contains(t, []models.SubmissionStatus{models.StatusPending, models.StatusUploading}, status)
		ids[i] = id
	}

	assert.Eventually(t, func() bool {
		for _, id := range ids {
			if s, _ := p.GetStatus(id); s != models.StatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), sub.peak.Load())
}

type blockingSubmitter struct {
	started chan struct{}
}

func (b *blockingSubmitter) Submit(ctx context.Context, _ string, _ []models.File, _ map[string]string) (types.SubmitResult, error) {
	close(b.started)
	<-ctx.Done()
	return types.SubmitResult{}, ctx.Err()
}

func TestClose_CancelsInFlightAttempt(t *testing.T) {
	sub := &blockingSubmitter{started: make(chan struct{})}
	p := NewWithConfig(sub, PipelineConfig{})

	id, err := p.AddToQueue("u1", testFiles, nil)
	require.NoError(t, err)

	select {
	case <-sub.started:
	case <-time.After(2 * time.Second):
		t.Fatal("attempt never started")
	}

	p.Close()

	item, ok := p.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1, item.Attempts)
	assert.Contains(t, item.Error, context.Canceled.Error())

	_, err = p.AddToQueue("u2", testFiles, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

// instantSubmitter delivers immediately so processing races enqueue.
type instantSubmitter struct{}

func (instantSubmitter) Submit(context.Context, string, []models.File, map[string]string) (types.SubmitResult, error) {
	return delivered.result, nil
}

func TestOnUpdate_LastUpdateIsTerminal(t *testing.T) {
	var (
		mu   sync.Mutex
		last = map[string][]models.SubmissionStatus{}
	)
	p := NewWithConfig(instantSubmitter{}, PipelineConfig{
		OnUpdate: func(s models.Submission) {
			mu.Lock()
			last[s.ID] = append(last[s.ID], s.Status)
			mu.Unlock()
		},
	})
	defer p.Close()

	const n = 1000
	for i := 0; i < n; i++ {
		_, err := p.AddToQueue(fmt.Sprintf("u%d", i), testFiles, nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(last) != n {
			return false
		}
		for _, seen := range last {
			if seen[len(seen)-1] != models.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for id, seen := range last {
		assert.Equal(t, []models.SubmissionStatus{
			models.StatusPending, models.StatusUploading, models.StatusCompleted,
		}, seen, id)
	}
}
