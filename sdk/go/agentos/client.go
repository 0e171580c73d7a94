// Package agentos is a thin Go client for the agentos REST API.
package agentos

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
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the agentos REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Amounts travel as decimal USDC strings such as "1.25".

// TaskSubmission is the payload required to create a new task.
type TaskSubmission struct {
	ID          string         `json:"id,omitempty"`
	Description string         `json:"description"`
	Budget      string         `json:"budget"`
	Plan        *Plan          `json:"plan,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Plan is an explicit decomposition supplied with a task.
type Plan struct {
	Mode     string    `json:"mode"`
	Subtasks []Subtask `json:"subtasks"`
}

// Subtask is one unit of work inside a plan.
type Subtask struct {
	ID         string `json:"id"`
	Capability string `json:"capability"`
	Input      string `json:"input,omitempty"`
	Ceiling    string `json:"ceiling,omitempty"`
}

// Task is the server view of a submitted task.
type Task struct {
	ID          string      `json:"id"`
	Description string      `json:"description"`
	Budget      string      `json:"budget"`
	Status      string      `json:"status"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"last_error,omitempty"`
	ErrorCode   string      `json:"error_code,omitempty"`
	Result      *TaskResult `json:"result,omitempty"`
	CreatedAt   int64       `json:"created_at"`
	UpdatedAt   int64       `json:"updated_at"`
}

// Terminal reports whether the task reached a final state.
func (t Task) Terminal() bool {
	return t.Status == "completed" || t.Status == "failed"
}

// TaskResult is the composed output of a finished task.
type TaskResult struct {
	Mode   string `json:"mode"`
	Output string `json:"output"`
	Rounds int    `json:"rounds,omitempty"`
	Spent  string `json:"spent"`
}

// HireSpec requests a single hire outside of task orchestration.
type HireSpec struct {
	TaskID     string   `json:"task_id"`
	Subtask    string   `json:"subtask"`
	Capability string   `json:"capability"`
	Ceiling    string   `json:"ceiling"`
	Goal       string   `json:"goal,omitempty"`
	Input      string   `json:"input,omitempty"`
	Exclude    []string `json:"exclude,omitempty"`
}

// Hire is the terminal view of a hiring request.
type Hire struct {
	ID         string  `json:"id"`
	TaskID     string  `json:"task_id"`
	Subtask    string  `json:"subtask"`
	Capability string  `json:"capability"`
	State      string  `json:"state"`
	Reason     string  `json:"reason,omitempty"`
	AgentID    string  `json:"agent_id,omitempty"`
	Price      string  `json:"price"`
	HoldID     string  `json:"hold_id,omitempty"`
	Output     string  `json:"output,omitempty"`
	Quality    float64 `json:"quality,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Budget is the allocation of a task.
type Budget struct {
	TaskID    string `json:"task_id"`
	Allocated string `json:"allocated"`
	Held      string `json:"held"`
	Spent     string `json:"spent"`
	Headroom  string `json:"headroom"`
	Closed    bool   `json:"closed"`
}

// Agent is a registry listing.
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities"`
	Internal     bool     `json:"internal"`
	Price        string   `json:"price"`
	Endpoint     string   `json:"endpoint,omitempty"`
	Reputation   float64  `json:"reputation"`
	Active       bool     `json:"active"`
}

// Balance is what one party received and paid through confirmed releases.
type Balance struct {
	Party    string `json:"party"`
	Received string `json:"received"`
	Paid     string `json:"paid"`
}

// CostLine aggregates confirmed payouts under one key.
type CostLine struct {
	Key     string `json:"key"`
	Total   string `json:"total"`
	Average string `json:"average"`
	Count   int    `json:"count"`
}

// CostTrend compares the recent half of the window with the earlier half.
type CostTrend struct {
	Direction string  `json:"direction"`
	Recent    string  `json:"recent"`
	Earlier   string  `json:"earlier"`
	ChangePct float64 `json:"change_pct"`
	WindowMS  int64   `json:"window_ms"`
}

// AgentValue ranks an agent by successful deliveries per USDC spent.
type AgentValue struct {
	AgentID     string  `json:"agent_id"`
	Hires       int     `json:"hires"`
	Released    int     `json:"released"`
	Refunded    int     `json:"refunded"`
	SuccessRate float64 `json:"success_rate"`
	Spent       string  `json:"spent"`
	Efficiency  float64 `json:"efficiency"`
}

// CostReport is the ledger-derived spend summary.
type CostReport struct {
	Total        string       `json:"total"`
	Released     int          `json:"released"`
	Refunded     int          `json:"refunded"`
	ByAgent      []CostLine   `json:"by_agent"`
	ByCapability []CostLine   `json:"by_capability"`
	ByTask       []CostLine   `json:"by_task"`
	Trend        CostTrend    `json:"trend"`
	BestValue    []AgentValue `json:"best_value"`
	GeneratedAt  int64        `json:"generated_at"`
}

// PaymentRequired is the x402 challenge returned for priced agents.
type PaymentRequired struct {
	X402Version int                  `json:"x402Version"`
	Error       string               `json:"error"`
	Accepts     []PaymentRequirement `json:"accepts"`
}

// PaymentRequirement is one accepted payment option.
type PaymentRequirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentos api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentos api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the agentos API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
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

// SubmitTask creates a new task with its budget.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var created Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &created); err != nil {
		return Task{}, err
	}
	return created, nil
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var found Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &found); err != nil {
		return Task{}, err
	}
	return found, nil
}

// WaitTask polls until the task is terminal or ctx ends.
func (c *Client) WaitTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if t.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Hire runs a single hire and returns its terminal state.
func (c *Client) Hire(ctx context.Context, spec HireSpec) (Hire, error) {
	var hire Hire
	if err := c.post(ctx, "/api/v1/hires", spec, &hire); err != nil {
		return Hire{}, err
	}
	return hire, nil
}

// Hires lists hiring requests, optionally scoped to a task.
func (c *Client) Hires(ctx context.Context, taskID string) ([]Hire, error) {
	query := url.Values{}
	if taskID != "" {
		query.Set("task_id", taskID)
	}
	var hires []Hire
	if err := c.get(ctx, "/api/v1/hires", query, &hires); err != nil {
		return nil, err
	}
	return hires, nil
}

// GetBudget returns the allocation of a task.
func (c *Client) GetBudget(ctx context.Context, taskID string) (Budget, error) {
	var b Budget
	if err := c.get(ctx, "/api/v1/budgets/"+url.PathEscape(taskID), nil, &b); err != nil {
		return Budget{}, err
	}
	return b, nil
}

// ListAgents lists active agents, optionally filtered by capability.
func (c *Client) ListAgents(ctx context.Context, capability string) ([]Agent, error) {
	query := url.Values{}
	if capability != "" {
		query.Set("capability", capability)
	}
	var agents []Agent
	if err := c.get(ctx, "/api/v1/agents", query, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// RegisterAgent adds a listing to the registry.
func (c *Client) RegisterAgent(ctx context.Context, agent Agent) (Agent, error) {
	var registered Agent
	if err := c.post(ctx, "/api/v1/agents", agent, &registered); err != nil {
		return Agent{}, err
	}
	return registered, nil
}

// ImportAgent registers the agent described by the A2A card published under
// baseURL.
func (c *Client) ImportAgent(ctx context.Context, baseURL string) (Agent, error) {
	var imported Agent
	if err := c.post(ctx, "/api/v1/agents/import", map[string]string{"url": baseURL}, &imported); err != nil {
		return Agent{}, err
	}
	return imported, nil
}

// PaymentRequirements returns the x402 challenge of a priced agent. The second
// return value is false when the agent is free to hire.
func (c *Client) PaymentRequirements(ctx context.Context, agentID string) (PaymentRequired, bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(agentID)+"/payment", nil, nil)
	if err != nil {
		return PaymentRequired{}, false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PaymentRequired{}, false, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return PaymentRequired{}, false, nil
	case http.StatusPaymentRequired:
		var required PaymentRequired
		if err := json.NewDecoder(resp.Body).Decode(&required); err != nil {
			return PaymentRequired{}, false, fmt.Errorf("decode response: %w", err)
		}
		return required, true, nil
	default:
		return PaymentRequired{}, false, decodeError(resp)
	}
}

// Balances returns confirmed payouts per party.
func (c *Client) Balances(ctx context.Context) ([]Balance, error) {
	var balances []Balance
	if err := c.get(ctx, "/api/v1/balances", nil, &balances); err != nil {
		return nil, err
	}
	return balances, nil
}

// Costs returns the spend report. A zero window uses the server default.
func (c *Client) Costs(ctx context.Context, window time.Duration) (CostReport, error) {
	query := url.Values{}
	if window > 0 {
		query.Set("window", window.String())
	}
	var report CostReport
	if err := c.get(ctx, "/api/v1/analytics/costs", query, &report); err != nil {
		return CostReport{}, err
	}
	return report, nil
}

// ListTasks returns recent tasks, newest first.
func (c *Client) ListTasks(ctx context.Context, limit int, statuses ...string) ([]Task, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if len(statuses) > 0 {
		query.Set("status", strings.Join(statuses, ","))
	}
	var tasks []Task
	if err := c.get(ctx, "/api/v1/tasks", query, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	if c == nil || c.baseURL == nil {
		return nil, errors.New("agentos: client is not initialised")
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
