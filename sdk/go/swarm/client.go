// Package swarm is a small client for the agent swarm control plane REST API.
package swarm

import (
	"bytes"
	"context"
	"encoding/json"
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
// custom http.Client. Synchronous task submissions may need a longer one.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the control plane.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Decision is the admission gate verdict for an archetype.
type Decision struct {
	Admitted bool   `json:"admitted"`
	Rule     string `json:"rule,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Archetype describes a registered agent template.
type Archetype struct {
	Type           string    `json:"type"`
	Capabilities   []string  `json:"capabilities"`
	RuntimeLimit   string    `json:"runtime_limit,omitempty"`
	MutationTarget string    `json:"mutation_target,omitempty"`
	Meta           bool      `json:"meta,omitempty"`
	Decision       *Decision `json:"decision,omitempty"`
	Replication    struct {
		Limit  int    `json:"limit"`
		Window string `json:"window,omitempty"`
	} `json:"replication"`
}

// Instance is a snapshot of a live agent.
type Instance struct {
	ID             string    `json:"id"`
	ParentID       string    `json:"parent_id,omitempty"`
	Archetype      string    `json:"archetype"`
	Capabilities   []string  `json:"capabilities"`
	State          string    `json:"state"`
	Busy           bool      `json:"busy"`
	TasksHandled   int       `json:"tasks_handled"`
	FailureFlags   int       `json:"failure_flags"`
	CreatedAt      time.Time `json:"created_at"`
	ActivatedAt    time.Time `json:"activated_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Task is a unit of work routed by capability.
type Task struct {
	ID                   string          `json:"id,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	FanOut               int             `json:"fan_out,omitempty"`
}

// InstanceResult is the outcome of one instance executing a task.
type InstanceResult struct {
	InstanceID string          `json:"instance_id"`
	Archetype  string          `json:"archetype"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Successor  string          `json:"successor,omitempty"`
	Telemetry  map[string]any  `json:"telemetry,omitempty"`
	Decision   map[string]any  `json:"decision,omitempty"`
}

// ExecutionResult aggregates the per-instance results of a task.
type ExecutionResult struct {
	TaskID    string           `json:"task_id"`
	Results   []InstanceResult `json:"results"`
	Cancelled bool             `json:"cancelled,omitempty"`
}

// Job tracks an asynchronously submitted task.
type Job struct {
	ID         string           `json:"id"`
	Task       Task             `json:"task"`
	Status     string           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Result     *ExecutionResult `json:"result,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

// Terminal reports whether the job reached succeeded or failed.
func (j Job) Terminal() bool {
	return j.Status == "succeeded" || j.Status == "failed"
}

// AuditRecord is one entry of the lifecycle audit log.
type AuditRecord struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	InstanceID string         `json:"instance_id"`
	Archetype  string         `json:"archetype"`
	Event      string         `json:"event"`
	Reason     string         `json:"reason,omitempty"`
	Telemetry  map[string]any `json:"telemetry,omitempty"`
}

// AuditQuery filters the audit log. Zero values are ignored.
type AuditQuery struct {
	InstanceID string
	Event      string
	Since      time.Time
	Limit      int
}

// APIError represents a structured error returned by the control plane.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Retryable  bool              `json:"retryable"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("swarm api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("swarm api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the control plane API. When httpClient
// is nil, a default client with DefaultHTTPTimeout is used.
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

// SetAccessToken sets a bearer token sent with every request, for deployments
// that front the API with an authenticating proxy.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Archetypes lists the catalog together with the gate decisions.
func (c *Client) Archetypes(ctx context.Context) ([]Archetype, error) {
	var resp struct {
		Archetypes []Archetype `json:"archetypes"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/archetypes", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Archetypes, nil
}

// Admit requests a new instance of archetype. parentID may be empty.
func (c *Client) Admit(ctx context.Context, archetype, parentID string) (Instance, error) {
	body := map[string]string{"archetype": archetype}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	var inst Instance
	if err := c.call(ctx, http.MethodPost, "/api/v1/agents", nil, body, &inst); err != nil {
		return Instance{}, err
	}
	return inst, nil
}

// Agents lists live instances, optionally filtered by state.
func (c *Client) Agents(ctx context.Context, states ...string) ([]Instance, error) {
	query := url.Values{}
	if len(states) > 0 {
		query.Set("state", strings.Join(states, ","))
	}
	return c.agents(ctx, query)
}

// AgentsWithCapability lists active instances offering capability.
func (c *Client) AgentsWithCapability(ctx context.Context, capability string) ([]Instance, error) {
	return c.agents(ctx, url.Values{"capability": []string{capability}})
}

func (c *Client) agents(ctx context.Context, query url.Values) ([]Instance, error) {
	var resp struct {
		Agents []Instance `json:"agents"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/agents", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// Agent fetches one instance.
func (c *Client) Agent(ctx context.Context, id string) (Instance, error) {
	var inst Instance
	if err := c.call(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(id), nil, nil, &inst); err != nil {
		return Instance{}, err
	}
	return inst, nil
}

// SendEvent applies a lifecycle event such as "retire" to an instance. For
// "mutate" the returned instance is the successor.
func (c *Client) SendEvent(ctx context.Context, id, event string) (Instance, error) {
	var inst Instance
	endpoint := "/api/v1/agents/" + url.PathEscape(id) + "/events"
	if err := c.call(ctx, http.MethodPost, endpoint, nil, map[string]string{"event": event}, &inst); err != nil {
		return Instance{}, err
	}
	return inst, nil
}

// Run submits a task and waits for its result.
func (c *Client) Run(ctx context.Context, task Task) (ExecutionResult, error) {
	var result ExecutionResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/tasks", nil, task, &result); err != nil {
		return ExecutionResult{}, err
	}
	return result, nil
}

// Enqueue submits a task asynchronously.
func (c *Client) Enqueue(ctx context.Context, task Task) (Job, error) {
	var job Job
	query := url.Values{"async": []string{"true"}}
	if err := c.call(ctx, http.MethodPost, "/api/v1/tasks", query, task, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Job fetches an asynchronous task by identifier.
func (c *Client) Job(ctx context.Context, id string) (Job, error) {
	var job Job
	if err := c.call(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, nil, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// WaitForJob polls until the job is terminal or ctx is done.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.Job(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Signals lists the system signals currently raised.
func (c *Client) Signals(ctx context.Context) ([]string, error) {
	return c.signal(ctx, http.MethodGet, "/api/v1/signals")
}

// RaiseSignal raises a system signal and returns the resulting set.
func (c *Client) RaiseSignal(ctx context.Context, signal string) ([]string, error) {
	return c.signal(ctx, http.MethodPost, "/api/v1/signals/"+url.PathEscape(signal))
}

// ClearSignal clears a system signal and returns the resulting set.
func (c *Client) ClearSignal(ctx context.Context, signal string) ([]string, error) {
	return c.signal(ctx, http.MethodDelete, "/api/v1/signals/"+url.PathEscape(signal))
}

func (c *Client) signal(ctx context.Context, method, endpoint string) ([]string, error) {
	var resp struct {
		Signals []string `json:"signals"`
	}
	if err := c.call(ctx, method, endpoint, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Signals, nil
}

// Audit lists audit records, newest first.
func (c *Client) Audit(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	query := url.Values{}
	if q.InstanceID != "" {
		query.Set("instance_id", q.InstanceID)
	}
	if q.Event != "" {
		query.Set("event", q.Event)
	}
	if !q.Since.IsZero() {
		query.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	var resp struct {
		Records []AuditRecord `json:"records"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/audit", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()
	if token != "" {
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
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
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
