package poll

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetrack/backend/internal/errors"
	"github.com/pulsetrack/backend/internal/models"
)

type fakeGetter struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newFakeGetter(jobs ...*models.Job) *fakeGetter {
	g := &fakeGetter{jobs: make(map[string]*models.Job)}
	for _, job := range jobs {
		g.jobs[job.ID] = job
	}
	return g
}

func (g *fakeGetter) Get(ctx context.Context, id string) (*models.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	job, ok := g.jobs[id]
	if !ok {
		return nil, errors.NewNotFoundError("job not found: "+id, nil)
	}
	c := *job
	return &c, nil
}

func (g *fakeGetter) setState(id string, state models.JobState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.jobs[id].State = state
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestWaitReturnsTerminalJob(t *testing.T) {
	job := &models.Job{ID: "job-1", State: models.JobRunning}
	getter := newFakeGetter(job)
	poller := NewPoller(getter, testLogger(), 5*time.Millisecond, time.Second)

	go func() {
		time.Sleep(20 * time.Millisecond)
		getter.setState("job-1", models.JobCompleted)
	}()

	got, err := poller.Wait(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.State)
}

func TestWaitReturnsImmediatelyWhenAlreadyTerminal(t *testing.T) {
	job := &models.Job{ID: "job-1", State: models.JobFailed, ErrorMessage: "boom"}
	poller := NewPoller(newFakeGetter(job), testLogger(), time.Minute, time.Minute)

	start := time.Now()
	got, err := poller.Wait(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.State)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitTimesOut(t *testing.T) {
	job := &models.Job{ID: "job-1", State: models.JobRunning}
	poller := NewPoller(newFakeGetter(job), testLogger(), 5*time.Millisecond, 30*time.Millisecond)

	got, err := poller.Wait(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrPollTimeout)
	// The last observed snapshot comes back with the timeout.
	require.NotNil(t, got)
	assert.Equal(t, models.JobRunning, got.State)
}

func TestWaitUnknownJob(t *testing.T) {
	poller := NewPoller(newFakeGetter(), testLogger(), 5*time.Millisecond, time.Second)

	_, err := poller.Wait(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestWaitHonorsCallerCancellation(t *testing.T) {
	job := &models.Job{ID: "job-1", State: models.JobRunning}
	poller := NewPoller(newFakeGetter(job), testLogger(), 5*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := poller.Wait(ctx, "job-1")
	assert.ErrorIs(t, err, context.Canceled)
}
