// Package participants is the client for the third-party participant API
// that owns loyalty programs, participants and their wallet passes.
package participants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("participant api unavailable")

// Participant is the subset of participant fields used for notifications.
type Participant struct {
	UUID         string `json:"uuid"`
	ProgramID    string `json:"program_id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Email        string `json:"email"`
	Points       int64  `json:"points"`
	UnusedPoints int64  `json:"unused_points"`
	Tier         string `json:"tier"`
}

// Program is the subset of program fields used for notifications.
type Program struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PointsName string `json:"points_name"`
}

// Client talks to the participant API over HTTP. Every call passes through
// a circuit breaker; retries are left to the job queue.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	logger  *zap.Logger
}

// NewClient builds a client for baseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("participants")

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "participant-api",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		breaker: cb,
		logger:  logger,
	}
}

// GetParticipant returns nil when the participant does not exist.
func (c *Client) GetParticipant(ctx context.Context, programID, participantUUID string) (*Participant, error) {
	var p Participant
	found, err := c.getJSON(ctx, fmt.Sprintf("/programs/%s/participants/%s",
		url.PathEscape(programID), url.PathEscape(participantUUID)), &p)
	if err != nil || !found {
		return nil, err
	}
	return &p, nil
}

// GetProgram returns nil when the program does not exist.
func (c *Client) GetProgram(ctx context.Context, programID string) (*Program, error) {
	var p Program
	found, err := c.getJSON(ctx, "/programs/"+url.PathEscape(programID), &p)
	if err != nil || !found {
		return nil, err
	}
	return &p, nil
}

// ResyncResult is the API's acknowledgement of a bulk pass resync.
type ResyncResult struct {
	Queued int `json:"queued"`
}

// ResyncPasses asks the API to regenerate and push every pass in a program.
func (c *Client) ResyncPasses(ctx context.Context, programID string) (ResyncResult, error) {
	var out ResyncResult
	resp, err := c.do(ctx, http.MethodPost, "/programs/"+url.PathEscape(programID)+"/passes/resync")
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return out, fmt.Errorf("resync passes for %s: status %d", programID, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return out, fmt.Errorf("read resync response: %w", err)
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return out, fmt.Errorf("decode resync response: %w", err)
		}
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return false, fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, doErr := c.http.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if r.StatusCode >= http.StatusInternalServerError || r.StatusCode == http.StatusTooManyRequests {
			r.Body.Close()
			return nil, fmt.Errorf("%s %s: upstream returned %d", method, path, r.StatusCode)
		}
		return r, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}
