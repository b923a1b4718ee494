package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// APIError captures non-2xx responses from the control API.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control api error: status=%d message=%s", e.StatusCode, e.Message)
}

// HTTPStatus reports the response status for classification.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// RetryAfterHint reports the parsed Retry-After header, zero when absent.
func (e *APIError) RetryAfterHint() time.Duration { return e.RetryAfter }

// Client is a minimal control API client for runner registration, credential
// issuance, and queue state. Every call is expected to go through a
// resilience.Breaker; the client itself performs no retries.
type Client struct {
	BaseURL    string
	Credential string
	HTTPClient *http.Client
	UserAgent  string
}

// NewClient constructs a control API client authenticated as the fleet
// controller.
func NewClient(baseURL, credential string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Credential: credential,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		UserAgent:  "fleetctl",
	}
}

// Runner is the control-plane view of one registered runner.
type Runner struct {
	ID         string    `json:"id"`
	GroupID    string    `json:"group_id"`
	Labels     []string  `json:"labels,omitempty"`
	Busy       bool      `json:"busy"`
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// QueueStats reports a group's job queue pressure.
type QueueStats struct {
	GroupID           string `json:"group_id"`
	QueuedCount       int    `json:"queued_count"`
	InProgressCount   int    `json:"in_progress_count"`
	OldestWaitSeconds int    `json:"oldest_wait_seconds"`
}

// Credential is a registration credential issued for a runner.
type Credential struct {
	Value     string    `json:"value"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type registerRequest struct {
	RunnerID string   `json:"runner_id"`
	GroupID  string   `json:"group_id"`
	Labels   []string `json:"labels,omitempty"`
}

type issueCredentialRequest struct {
	RunnerID string `json:"runner_id"`
}

// RegisterRunner registers a runner in a group.
func (c *Client) RegisterRunner(ctx context.Context, runnerID, groupID string, labels []string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/runners", c.Credential, registerRequest{
		RunnerID: runnerID,
		GroupID:  groupID,
		Labels:   labels,
	}, nil)
}

// DeregisterRunner removes a runner's registration. The upstream API requires
// the authorizing identity of the registration being removed, so the caller
// passes the credential that originally registered it.
func (c *Client) DeregisterRunner(ctx context.Context, runnerID, authorizingCredential string) error {
	path := "/api/v1/runners/" + runnerID
	return c.doJSON(ctx, http.MethodDelete, path, authorizingCredential, nil, nil)
}

// IssueCredential requests a fresh registration credential for a runner.
func (c *Client) IssueCredential(ctx context.Context, runnerID string) (Credential, error) {
	var cred Credential
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/credentials", c.Credential, issueCredentialRequest{RunnerID: runnerID}, &cred)
	if err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// VerifyCredential confirms the runner can authenticate with the given
// credential before the old one is revoked.
func (c *Client) VerifyCredential(ctx context.Context, runnerID, credential string) error {
	path := "/api/v1/runners/" + runnerID + "/auth-check"
	return c.doJSON(ctx, http.MethodGet, path, credential, nil, nil)
}

// ListRunners returns the runners registered in a group.
func (c *Client) ListRunners(ctx context.Context, groupID string) ([]Runner, error) {
	var out struct {
		Runners []Runner `json:"runners"`
	}
	path := "/api/v1/groups/" + groupID + "/runners"
	if err := c.doJSON(ctx, http.MethodGet, path, c.Credential, nil, &out); err != nil {
		return nil, err
	}
	return out.Runners, nil
}

// GetQueueStats returns the queued and in-progress job counts for a group.
func (c *Client) GetQueueStats(ctx context.Context, groupID string) (QueueStats, error) {
	var stats QueueStats
	path := "/api/v1/groups/" + groupID + "/queue"
	if err := c.doJSON(ctx, http.MethodGet, path, c.Credential, nil, &stats); err != nil {
		return QueueStats{}, err
	}
	return stats, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, credential string, payload any, out any) error {
	if c == nil {
		return errors.New("control api client is nil")
	}
	if credential == "" {
		return errors.New("control api credential missing")
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	base := strings.TrimRight(c.BaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("User-Agent", c.UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return err
		}
	}
	return nil
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}
