// Package market is a small Go client for the agent marketplace HTTP API.
package market

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with a marketplace agent.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// TaskRequest asks the client agent to start a job. Tool may be empty, in
// which case the agent picks the cheapest reachable tool from its registry.
type TaskRequest struct {
	Task    string         `json:"task"`
	Payload map[string]any `json:"payload,omitempty"`
	Tool    string         `json:"tool,omitempty"`
}

// TaskAccepted is returned once the quote request has been sent.
type TaskAccepted struct {
	Tool          string `json:"tool"`
	CorrelationID string `json:"correlation_id"`
}

// Job mirrors the job record exposed by the agent.
type Job struct {
	ID               string         `json:"job_id"`
	Task             string         `json:"task"`
	Payload          map[string]any `json:"payload"`
	Status           string         `json:"status"`
	ClientAddress    string         `json:"client_address"`
	ToolAddress      string         `json:"tool_address"`
	Price            int64          `json:"price"`
	BondAmount       int64          `json:"bond_amount"`
	Denom            string         `json:"denom"`
	TermsHash        string         `json:"terms_hash"`
	BondTxHash       string         `json:"bond_tx_hash,omitempty"`
	BondReturnTxHash string         `json:"bond_return_tx_hash,omitempty"`
	PaymentTxHash    string         `json:"payment_tx_hash,omitempty"`
	Receipt          *Receipt       `json:"receipt,omitempty"`
	Verification     *Verification  `json:"verification_result,omitempty"`
	Notes            string         `json:"notes"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Receipt is the tool's signed proof of work.
type Receipt struct {
	OutputRef string    `json:"output_ref"`
	Signature string    `json:"tool_signature"`
	Timestamp time.Time `json:"timestamp"`
}

// Verification is the client's verdict on a receipt.
type Verification struct {
	Verified bool   `json:"verified"`
	Details  string `json:"details"`
}

// Terminal reports whether the job can no longer change status.
func (j Job) Terminal() bool {
	switch j.Status {
	case "paid", "failed", "cancelled":
		return true
	}
	return false
}

// Stats summarises jobs per status.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// Agent is a tool advertised by the registry.
type Agent struct {
	Address      string   `json:"address"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities"`
	Price        int64    `json:"price,omitempty"`
	Bond         int64    `json:"bond,omitempty"`
	Reachable    bool     `json:"reachable"`
}

// ListOptions filters ListJobs and Stats.
type ListOptions struct {
	Statuses    []string
	Participant string
	Role        string
	Task        string
	Limit       int
	Offset      int
	Order       string
}

func (o ListOptions) query() string {
	q := url.Values{}
	if len(o.Statuses) > 0 {
		q.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.Participant != "" {
		q.Set("participant", o.Participant)
	}
	if o.Role != "" {
		q.Set("role", o.Role)
	}
	if o.Task != "" {
		q.Set("task", o.Task)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	if o.Order != "" {
		q.Set("order", o.Order)
	}
	return q.Encode()
}

// APIError represents an error response from the agent.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("market api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("market api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the agent.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient instantiates a client for the agent at rawURL. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken stores the bearer token used by mutating calls.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the stored token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// RequestTask starts a quote round on the client agent.
func (c *Client) RequestTask(ctx context.Context, req TaskRequest) (TaskAccepted, error) {
	var out TaskAccepted
	if err := c.send(ctx, http.MethodPost, "/api/v1/requests", "", req, &out, true); err != nil {
		return TaskAccepted{}, err
	}
	return out, nil
}

// CancelJob cancels a non-terminal job.
func (c *Client) CancelJob(ctx context.Context, jobID, reason string) error {
	body := map[string]string{"reason": reason}
	return c.send(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(jobID)+"/cancel", "", body, nil, true)
}

// GetJob fetches a single job.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var out Job
	if err := c.send(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID), "", nil, &out, false); err != nil {
		return Job{}, err
	}
	return out, nil
}

// ListJobs returns jobs matching opts.
func (c *Client) ListJobs(ctx context.Context, opts ListOptions) ([]Job, error) {
	var out []Job
	if err := c.send(ctx, http.MethodGet, "/api/v1/jobs", opts.query(), nil, &out, false); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats returns per-status counts.
func (c *Client) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	var out Stats
	if err := c.send(ctx, http.MethodGet, "/api/v1/jobs/stats", opts.query(), nil, &out, false); err != nil {
		return Stats{}, err
	}
	return out, nil
}

// Agents lists registry entries, optionally filtered by task.
func (c *Client) Agents(ctx context.Context, task string) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	query := ""
	if task != "" {
		query = url.Values{"task": {task}}.Encode()
	}
	if err := c.send(ctx, http.MethodGet, "/agents", query, nil, &out, false); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// WaitForJob polls until the job reaches a terminal status or ctx is done.
// Jobs that do not exist yet are retried.
func (c *Client) WaitForJob(ctx context.Context, jobID string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		j, err := c.GetJob(ctx, jobID)
		switch {
		case err == nil && j.Terminal():
			return j, nil
		case err != nil && !IsNotFound(err):
			return Job{}, err
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) send(ctx context.Context, method, endpoint, query string, payload, out any, withAuth bool) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if withAuth {
		token := c.AccessToken()
		if token == "" {
			return errors.New("market: access token is not set")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
