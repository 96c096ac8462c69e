package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fairplay/internal/config"
	"fairplay/internal/scheduler"
)

type fakeJobs struct {
	ran []string
}

func (f *fakeJobs) Statuses() []scheduler.Status {
	return []scheduler.Status{
		{Job: "attendance", Schedule: "off"},
		{Job: "invites", Schedule: "5,20,35,50 * * * *"},
		{Job: "reveal", Schedule: "*/15 * * * *", Last: &scheduler.Result{Job: "reveal", Processed: 2}},
	}
}

func (f *fakeJobs) RunNow(_ context.Context, name string) (scheduler.Result, error) {
	f.ran = append(f.ran, name)
	if name == "invites" {
		return scheduler.Result{Job: name}, scheduler.ErrBusy
	}
	if name == "attendance" {
		return scheduler.Result{Job: name, Error: "store down"}, errors.New("store down")
	}
	return scheduler.Result{Job: name, Processed: 1}, nil
}

func newTestServer(cfg *config.Config, jobs Jobs) http.Handler {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("fairplay_job_runs_total 0\n"))
	})
	return NewServer(cfg, jobs, metrics).Handler()
}

func do(h http.Handler, method, path string, auth ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if len(auth) == 2 {
		req.SetBasicAuth(auth[0], auth[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(config.DefaultConfig(), &fakeJobs{})

	rec := do(h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = do(h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fairplay_job_runs_total")
}

func TestJobsStatus(t *testing.T) {
	h := newTestServer(config.DefaultConfig(), &fakeJobs{})

	rec := do(h, http.MethodGet, "/api/jobs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	var body jobsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "UTC", body.Timezone)
	require.Len(t, body.Jobs, 3)
	require.NotNil(t, body.Jobs[2].Last)
	assert.Equal(t, 2, body.Jobs[2].Last.Processed)
}

func TestRunJob(t *testing.T) {
	jobs := &fakeJobs{}
	h := newTestServer(config.DefaultConfig(), jobs)

	rec := do(h, http.MethodPost, "/api/jobs/reveal/run")
	require.Equal(t, http.StatusOK, rec.Code)
	var res scheduler.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Processed)

	rec = do(h, http.MethodPost, "/api/jobs/attendance/run")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "store down")

	rec = do(h, http.MethodPost, "/api/jobs/invites/run")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(h, http.MethodPost, "/api/jobs/laundry/run")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodGet, "/api/jobs/reveal/run")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	assert.Equal(t, []string{"reveal", "attendance", "invites"}, jobs.ran)
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "s3cret"}
	h := newTestServer(cfg, &fakeJobs{})

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health").Code)

	rec := do(h, http.MethodGet, "/api/jobs")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), "Basic"))

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/metrics", "admin", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/metrics", "admin", "s3cret").Code)
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, secureCompare("abc", "abc"))
	assert.False(t, secureCompare("abc", "abd"))
	assert.False(t, secureCompare("abc", "abcd"))
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	s := NewServer(cfg, &fakeJobs{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
