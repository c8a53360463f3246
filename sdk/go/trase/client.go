// Package trase is a small Go client for the trased REST API.
package trase

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

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Run statuses accepted and returned by the API.
const (
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCanceled  = "CANCELED"
)

// Client wraps the HTTP interactions with a trased instance.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials identify a user account.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Token is the login response.
type Token struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	ExpiresAt   time.Time `json:"expiresAt"`
	UserID      int64     `json:"userId"`
	Roles       []string  `json:"roles"`
}

// Agent is an executor registered in the catalog.
type Agent struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// AgentInput is the body of agent create and update calls.
type AgentInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Task is a unit of work that lists the agents allowed to run it.
type Task struct {
	ID                int64     `json:"id"`
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	SupportedAgentIDs []int64   `json:"supportedAgentIds"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// TaskInput is the body of task create and update calls.
type TaskInput struct {
	Title             string  `json:"title"`
	Description       string  `json:"description"`
	SupportedAgentIDs []int64 `json:"supportedAgentIds"`
}

// Run is one execution of a task by an agent.
type Run struct {
	ID          int64      `json:"id"`
	TaskID      int64      `json:"taskId"`
	AgentID     int64      `json:"agentId"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

// Terminal reports whether the run has left RUNNING.
func (r *Run) Terminal() bool {
	return r != nil && r.Status != StatusRunning
}

// ListRunsOptions filters and pages ListRuns. Zero values are omitted so the
// server defaults apply. AfterID switches the server to keyset paging.
type ListRunsOptions struct {
	Status  string
	Page    int
	Size    int
	Sort    string
	AfterID int64
}

func (o ListRunsOptions) query() url.Values {
	q := url.Values{}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.Page > 0 {
		q.Set("page", strconv.Itoa(o.Page))
	}
	if o.Size > 0 {
		q.Set("size", strconv.Itoa(o.Size))
	}
	if o.Sort != "" {
		q.Set("sort", o.Sort)
	}
	if o.AfterID > 0 {
		q.Set("afterId", strconv.FormatInt(o.AfterID, 10))
	}
	return q
}

// APIError mirrors the server's error body.
type APIError struct {
	StatusCode       int               `json:"status"`
	Reason           string            `json:"error"`
	Message          string            `json:"message"`
	Path             string            `json:"path"`
	ValidationErrors map[string]string `json:"validationErrors,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message == "" {
		return fmt.Sprintf("trase: http %d", e.StatusCode)
	}
	return fmt.Sprintf("trase: http %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError carrying the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// NewClient constructs a client for the given base URL.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Login exchanges credentials for a token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, creds Credentials) (*Token, error) {
	var token Token
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, creds, nil, &token); err != nil {
		return nil, err
	}
	c.SetAccessToken(token.AccessToken)
	return &token, nil
}

// Logout revokes the current token and forgets it.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/auth/logout", nil, nil, nil, nil); err != nil {
		return err
	}
	c.SetAccessToken("")
	return nil
}

// AccessToken returns the token attached to requests.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the token, e.g. one issued out of band.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

// CreateAgent registers an agent.
func (c *Client) CreateAgent(ctx context.Context, in AgentInput) (*Agent, error) {
	var agent Agent
	if err := c.do(ctx, http.MethodPost, "/agents", nil, in, nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// GetAgent fetches one agent.
func (c *Client) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	var agent Agent
	if err := c.do(ctx, http.MethodGet, "/agents/"+strconv.FormatInt(id, 10), nil, nil, nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgents returns the first page of agents.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := c.do(ctx, http.MethodGet, "/agents", nil, nil, nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// DeleteAgent removes an agent.
func (c *Client) DeleteAgent(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/agents/"+strconv.FormatInt(id, 10), nil, nil, nil, nil)
}

// CreateTask registers a task.
func (c *Client) CreateTask(ctx context.Context, in TaskInput) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodPost, "/tasks", nil, in, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, id int64) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+strconv.FormatInt(id, 10), nil, nil, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// StartRun starts a run of taskID on agentID. A non-empty idempotencyKey
// makes retries return the run created by the first attempt.
func (c *Client) StartRun(ctx context.Context, taskID, agentID int64, idempotencyKey string) (*Run, error) {
	var header http.Header
	if idempotencyKey != "" {
		header = http.Header{"Idempotency-Key": []string{idempotencyKey}}
	}
	body := struct {
		TaskID  int64 `json:"taskId"`
		AgentID int64 `json:"agentId"`
	}{TaskID: taskID, AgentID: agentID}

	var run Run
	if err := c.do(ctx, http.MethodPost, "/task-runs", nil, body, header, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// UpdateRunStatus moves a running run to a terminal status.
func (c *Client) UpdateRunStatus(ctx context.Context, id int64, status string) (*Run, error) {
	body := struct {
		Status string `json:"status"`
	}{Status: status}

	var run Run
	if err := c.do(ctx, http.MethodPatch, "/task-runs/"+strconv.FormatInt(id, 10), nil, body, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun fetches one run.
func (c *Client) GetRun(ctx context.Context, id int64) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodGet, "/task-runs/"+strconv.FormatInt(id, 10), nil, nil, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns lists runs with the given filter and paging.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) ([]Run, error) {
	var runs []Run
	if err := c.do(ctx, http.MethodGet, "/task-runs", opts.query(), nil, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (c *Client) newRequest(ctx context.Context, method, p string, query url.Values, body any) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, p)
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, p string, query url.Values, body any, header http.Header, out any) error {
	req, err := c.newRequest(ctx, method, p, query, body)
	if err != nil {
		return err
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		apiErr := &APIError{}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		apiErr.StatusCode = resp.StatusCode
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
