package scheduler

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fairplay/internal/metrics"
)

func fixed(processed int, err error) RunFunc {
	return func(ctx context.Context, now time.Time) (Outcome, error) {
		return Outcome{Processed: processed, Stats: map[string]int{"processed": processed}}, err
	}
}

func TestAdd_Validation(t *testing.T) {
	s := New(time.UTC, nil)

	assert.Error(t, s.Add(Job{Schedule: Off, Run: fixed(0, nil)}), "missing name")
	assert.Error(t, s.Add(Job{Name: "reveal", Schedule: Off}), "missing run func")
	assert.Error(t, s.Add(Job{Name: "reveal", Schedule: "every tuesday", Run: fixed(0, nil)}))

	require.NoError(t, s.Add(Job{Name: "reveal", Schedule: "*/15 * * * *", Run: fixed(0, nil)}))
	assert.Error(t, s.Add(Job{Name: "reveal", Schedule: Off, Run: fixed(0, nil)}), "duplicate")
}

func TestRunNow_RecordsResultAndMetrics(t *testing.T) {
	m := metrics.New()
	s := New(time.UTC, m)
	start := time.Date(2025, 3, 6, 18, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }

	var gotNow time.Time
	require.NoError(t, s.Add(Job{Name: "reveal", Schedule: Off, Run: func(ctx context.Context, now time.Time) (Outcome, error) {
		gotNow = now
		return Outcome{Processed: 2}, nil
	}}))
	require.NoError(t, s.Add(Job{Name: "invites", Schedule: Off, Run: fixed(0, errors.New("smtp down"))}))

	res, err := s.RunNow(context.Background(), "reveal")
	require.NoError(t, err)
	assert.Equal(t, start, gotNow)
	assert.Equal(t, 2, res.Processed)
	assert.Empty(t, res.Error)

	res, err = s.RunNow(context.Background(), "invites")
	assert.EqualError(t, err, "smtp down")
	assert.Equal(t, "smtp down", res.Error)

	_, err = s.RunNow(context.Background(), "nope")
	assert.Error(t, err)

	statuses := s.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "invites", statuses[0].Job)
	assert.Equal(t, "reveal", statuses[1].Job)
	require.NotNil(t, statuses[1].Last)
	assert.Equal(t, 2, statuses[1].Last.Processed)
	assert.Nil(t, statuses[1].Next, "disabled jobs have no next run")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `fairplay_job_runs_total{job="invites",status="error"} 1`)
	assert.Contains(t, string(body), `fairplay_job_instances_processed_total{job="reveal"} 2`)
}

func TestRunNow_AppliesTimeout(t *testing.T) {
	s := New(time.UTC, nil)
	require.NoError(t, s.Add(Job{Name: "attendance", Schedule: Off, Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context, now time.Time) (Outcome, error) {
			_, ok := ctx.Deadline()
			assert.True(t, ok)
			<-ctx.Done()
			return Outcome{}, ctx.Err()
		}}))

	_, err := s.RunNow(context.Background(), "attendance")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStart_FiresScheduledJobs(t *testing.T) {
	s := New(time.UTC, nil)
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{Name: "reveal", Schedule: "@every 1s", Run: func(ctx context.Context, now time.Time) (Outcome, error) {
		runs.Add(1)
		return Outcome{}, nil
	}}))
	require.NoError(t, s.Add(Job{Name: "broken", Schedule: "@every 1s", Run: func(ctx context.Context, now time.Time) (Outcome, error) {
		panic("boom")
	}}))

	s.Start()
	defer func() { <-s.Stop().Done() }()

	require.Eventually(t, func() bool {
		st := s.Statuses()
		return len(st) == 2 && st[1].Last != nil
	}, 3*time.Second, 50*time.Millisecond)
	assert.Positive(t, runs.Load())

	st := s.Statuses()
	assert.Equal(t, "reveal", st[1].Job)
	assert.NotNil(t, st[1].Next)
	assert.Nil(t, st[0].Last, "a panicking run records nothing")
}

func TestRunNow_BusyWhileRunning(t *testing.T) {
	s := New(time.UTC, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{Name: "reveal", Schedule: Off, Run: func(ctx context.Context, now time.Time) (Outcome, error) {
		if runs.Add(1) == 1 {
			close(started)
			<-release
		}
		return Outcome{Processed: 1}, nil
	}}))

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background(), "reveal")
		done <- err
	}()
	<-started

	_, err := s.RunNow(context.Background(), "reveal")
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)

	res, err := s.RunNow(context.Background(), "reveal")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, int32(2), runs.Load(), "the rejected call never reached the job")
}
