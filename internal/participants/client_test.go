package participants

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "secret", time.Second, zap.NewNop())
}

func TestGetParticipant(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/programs/p1/participants/u1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"uuid":"u1","program_id":"p1","first_name":"Ada","unused_points":150}`))
		default:
			http.NotFound(w, r)
		}
	})

	p, err := c.GetParticipant(context.Background(), "p1", "u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Ada", p.FirstName)
	assert.Equal(t, int64(150), p.UnusedPoints)

	missing, err := c.GetParticipant(context.Background(), "p1", "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetProgram(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/programs/p1" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"id":"p1","name":"Coffee Club","points_name":"beans"}`))
	})

	p, err := c.GetProgram(context.Background(), "p1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Coffee Club", p.Name)
	assert.Equal(t, "beans", p.PointsName)
}

func TestResyncPasses(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/programs/p1/passes/resync", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"queued":12}`))
	})

	res, err := c.ResyncPasses(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 12, res.Queued)
}

func TestServerErrorsOpenBreaker(t *testing.T) {
	var calls atomic.Int32
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 6; i++ {
		_, err := c.GetProgram(context.Background(), "p1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
	}
	_, err := c.GetProgram(context.Background(), "p1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(6), calls.Load(), "open breaker short-circuits the request")
}

func TestClientErrorIsNotRetryable(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	_, err := c.GetProgram(context.Background(), "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}
