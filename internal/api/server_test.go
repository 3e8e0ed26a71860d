package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"loyalty-notify/internal/models"
	"loyalty-notify/internal/notify"
	"loyalty-notify/internal/queue"
	"loyalty-notify/internal/ratelimit"
	"loyalty-notify/internal/store"
	"loyalty-notify/internal/throttle"
)

type denyLimiter struct{ calls int }

func (d *denyLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	d.calls++
	return ratelimit.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}, nil
}

func newTestServer(t *testing.T, opts ...Option) (http.Handler, *queue.JobQueue) {
	t.Helper()
	q := queue.New(store.NewMemory(), zap.NewNop())
	composer := notify.NewComposer(nil, nil, q, throttle.NewMemory(), nil, zap.NewNop())
	m := notify.NewManager(composer, zap.NewNop())
	t.Cleanup(m.Stop)
	s := New(q, m, models.DefaultNotificationSettings(), zaptest.NewLogger(t), opts...)
	return s.Router(), q
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) models.Job {
	t.Helper()
	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	return job
}

func TestHealthz(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	down, _ := newTestServer(t, WithHealthCheck(func(context.Context) error { return errors.New("redis down") }))
	rec = do(t, down, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis down")
}

func TestEnqueueAndGetJob(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/jobs", `{"type":"bulk_resync_passes","payload":{"program_id":"p1"},"max_attempts":5}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := decodeJob(t, rec)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, 5, job.MaxAttempts)

	rec = do(t, h, http.MethodGet, "/jobs/"+job.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, job.ID, decodeJob(t, rec).ID)

	rec = do(t, h, http.MethodGet, "/jobs/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/jobs?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Jobs []models.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Jobs, 1)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	h, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing type", `{"payload":{}}`},
		{"payload shape", `{"type":"bulk_resync_passes","payload":{}}`},
		{"payload not object", `{"type":"anything","payload":[1,2]}`},
		{"negative delay", `{"type":"anything","delay_seconds":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestCancelAndRetry(t *testing.T) {
	h, _ := newTestServer(t)
	job := decodeJob(t, do(t, h, http.MethodPost, "/jobs", `{"type":"anything"}`))

	rec := do(t, h, http.MethodPost, "/jobs/"+job.ID+"/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "pending jobs cannot be retried")

	rec = do(t, h, http.MethodPost, "/jobs/"+job.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cancelled := decodeJob(t, rec)
	assert.Equal(t, models.StatusFailed, cancelled.Status)
	assert.Equal(t, queue.CancelledMessage, cancelled.ErrorMessage())

	rec = do(t, h, http.MethodPost, "/jobs/"+job.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/jobs/"+job.ID+"/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	retried := decodeJob(t, rec)
	assert.Equal(t, models.StatusPending, retried.Status)
	assert.Equal(t, 0, retried.Attempts)
	assert.Nil(t, retried.Error)

	rec = do(t, h, http.MethodPost, "/jobs/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsAndFlush(t *testing.T) {
	h, q := newTestServer(t)

	body := `{"program_id":"p1","participant_uuid":"u1","rule":"points_updated",
		"data":{"unused_points_before":10,"unused_points_after":25},
		"settings":{"template":"{points_delta} -> {new_points}"}}`
	rec := do(t, h, http.MethodPost, "/events", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/notifications/flush", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	jobs, err := q.List(context.Background(), models.StatusCompleted, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	var p models.NotificationSentPayload
	require.NoError(t, models.DecodePayload(jobs[0], &p))
	assert.Equal(t, "+15 -> 25", p.Message)
}

func TestFlushSingleBuffer(t *testing.T) {
	h, q := newTestServer(t)
	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/events", `{"program_id":"p1","participant_uuid":"u1","rule":"manual"}`).Code)
	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/events", `{"program_id":"p1","participant_uuid":"u2","rule":"manual"}`).Code)

	rec := do(t, h, http.MethodPost, "/notifications/flush", `{"participant_uuid":"u1","rule":"manual"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs, err := q.List(context.Background(), models.StatusCompleted, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	rec = do(t, h, http.MethodPost, "/notifications/flush", `{"participant_uuid":"u2"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "rule is required with participant")
}

func TestEventsRejectInvalid(t *testing.T) {
	h, _ := newTestServer(t)
	tests := []string{
		`{"participant_uuid":"u1","rule":"manual"}`,
		`{"program_id":"p1","participant_uuid":"u1","rule":"birthday"}`,
		`{"program_id":"p1","participant_uuid":"u1","rule":"manual","settings":{"points_display":"stars"}}`,
		`{"program_id":"p1","participant_uuid":"u1","rule":"manual","settings":{"merge_window_sec":0}}`,
	}
	for _, body := range tests {
		rec := do(t, h, http.MethodPost, "/events", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestEventsRateLimited(t *testing.T) {
	lim := &denyLimiter{}
	h, _ := newTestServer(t, WithLimiter(lim))
	rec := do(t, h, http.MethodPost, "/events", `{"program_id":"p1","participant_uuid":"u1","rule":"manual"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1, lim.calls)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestFlushAcceptsChunkedEmptyBody(t *testing.T) {
	h, q := newTestServer(t)
	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/events", `{"program_id":"p1","participant_uuid":"u1","rule":"manual"}`).Code)

	// An unsized body arrives with ContentLength -1, as with chunked encoding.
	req := httptest.NewRequest(http.MethodPost, "/notifications/flush", io.MultiReader())
	require.Equal(t, int64(-1), req.ContentLength)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	jobs, err := q.List(context.Background(), models.StatusCompleted, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	rec = do(t, h, http.MethodPost, "/notifications/flush", `{"participant_uuid":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
