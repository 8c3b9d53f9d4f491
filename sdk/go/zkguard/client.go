package zkguard

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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the guardd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Installation binds an adapter and its config to a user.
type Installation struct {
	ID          string          `json:"id,omitempty"`
	UserAddress string          `json:"userAddress"`
	AdapterID   string          `json:"adapterId"`
	Config      json.RawMessage `json:"config,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"`
	CreatedAt   int64           `json:"createdAt,omitempty"`
	UpdatedAt   int64           `json:"updatedAt,omitempty"`
}

// Policy is one installed rule.
type Policy struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Name      string          `json:"name,omitempty"`
	AdapterID string          `json:"adapterId,omitempty"`
	Enabled   bool            `json:"enabled"`
	Config    json.RawMessage `json:"config,omitempty"`
}

// PolicySet is the set installed for one installation.
type PolicySet struct {
	UserAddress    string   `json:"userAddress"`
	InstallationID string   `json:"installationId"`
	Policies       []Policy `json:"policies"`
	CreatedAt      int64    `json:"createdAt,omitempty"`
	UpdatedAt      int64    `json:"updatedAt,omitempty"`
}

// Transaction is the intent evaluated by a dry run. Amounts are integers
// strings in base units.
type Transaction struct {
	Target       string      `json:"target"`
	Value        json.Number `json:"value,omitempty"`
	CallData     string      `json:"callData,omitempty"`
	TokenAddress string      `json:"tokenAddress,omitempty"`
	TokenAmount  json.Number `json:"tokenAmount,omitempty"`
	Recipient    string      `json:"recipient,omitempty"`
}

// EvaluateRequest asks for a dry-run evaluation.
type EvaluateRequest struct {
	UserAddress       string      `json:"userAddress"`
	InstallationID    string      `json:"installationId,omitempty"`
	AdapterID         string      `json:"adapterId,omitempty"`
	Transaction       Transaction `json:"transaction"`
	Policies          []Policy    `json:"policies,omitempty"`
	LastExecutionTime *time.Time  `json:"lastExecutionTime,omitempty"`
}

// Decision is a single rule verdict.
type Decision struct {
	PolicyType string         `json:"policyType"`
	PolicyName string         `json:"policyName"`
	Allowed    bool           `json:"allowed"`
	Reason     string         `json:"reason"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Evaluation is the combined verdict.
type Evaluation struct {
	Allowed        bool       `json:"allowed"`
	Decisions      []Decision `json:"decisions"`
	BlockingPolicy string     `json:"blockingPolicy,omitempty"`
	BlockingReason string     `json:"blockingReason,omitempty"`
}

// ExecutionRequest enqueues one execution. ID makes the submission idempotent.
type ExecutionRequest struct {
	ID             string         `json:"id,omitempty"`
	UserAddress    string         `json:"userAddress"`
	InstallationID string         `json:"installationId"`
	Params         map[string]any `json:"params,omitempty"`
}

// ExecutionResult mirrors the final executor outcome stored on a job.
type ExecutionResult struct {
	ExecutionID    string `json:"execution_id,omitempty"`
	Decision       string `json:"decision"`
	Reason         string `json:"reason,omitempty"`
	BlockingPolicy string `json:"blocking_policy,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	State          string `json:"state,omitempty"`
	TxHash         string `json:"tx_hash,omitempty"`
	UserOpHash     string `json:"user_op_hash,omitempty"`
}

// Job is the queued execution.
type Job struct {
	ID             string           `json:"id"`
	UserAddress    string           `json:"user_address"`
	InstallationID string           `json:"installation_id"`
	Status         string           `json:"status"`
	Attempts       int              `json:"attempts"`
	MaxRetries     int              `json:"max_retries"`
	LastError      string           `json:"last_error,omitempty"`
	ErrorCode      string           `json:"error_code,omitempty"`
	Result         *ExecutionResult `json:"result,omitempty"`
	CreatedAt      int64            `json:"created_at"`
	UpdatedAt      int64            `json:"updated_at"`
}

// Done reports whether the job reached a terminal status.
func (j Job) Done() bool {
	return j.Status == "succeeded" || j.Status == "failed"
}

// ExecutionLog is the record store entry for one execution.
type ExecutionLog struct {
	ID             string   `json:"id"`
	JobID          string   `json:"jobId,omitempty"`
	UserAddress    string   `json:"userAddress"`
	InstallationID string   `json:"installationId"`
	AdapterID      string   `json:"adapterId,omitempty"`
	Decision       string   `json:"decision"`
	Reason         string   `json:"reason,omitempty"`
	BlockingPolicy string   `json:"blockingPolicy,omitempty"`
	ErrorCode      string   `json:"errorCode,omitempty"`
	State          string   `json:"state,omitempty"`
	TxHash         string   `json:"txHash,omitempty"`
	UserOpHash     string   `json:"userOpHash,omitempty"`
	Trail          []string `json:"trail,omitempty"`
	Succeeded      bool     `json:"succeeded"`
	CreatedAt      int64    `json:"createdAt"`
}

// ExecutionDetail combines the job and its execution log. Either may be nil.
type ExecutionDetail struct {
	Job       *Job          `json:"job,omitempty"`
	Execution *ExecutionLog `json:"execution,omitempty"`
}

// JobStats aggregates execution jobs by status.
type JobStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ExecutionFilter narrows ListExecutions and Stats. Limit is ignored by Stats.
type ExecutionFilter struct {
	UserAddress    string
	InstallationID string
	Limit          int
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
	Field      string `json:"field,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("zkguard api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("zkguard api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient creates a client. A nil httpClient gets DefaultHTTPTimeout.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the operator bearer token sent with every request.
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

// CreateInstallation registers or updates an installation.
func (c *Client) CreateInstallation(ctx context.Context, inst Installation) (Installation, error) {
	var out Installation
	err := c.post(ctx, "/api/v1/installations", inst, &out)
	return out, err
}

// ListInstallations lists a user's installations.
func (c *Client) ListInstallations(ctx context.Context, userAddress string) ([]Installation, error) {
	var out []Installation
	err := c.get(ctx, "/api/v1/installations", url.Values{"user": {userAddress}}, &out)
	return out, err
}

// InstallPolicies replaces the policy set of an installation.
func (c *Client) InstallPolicies(ctx context.Context, set PolicySet) (PolicySet, error) {
	var out PolicySet
	err := c.post(ctx, "/api/v1/policies", set, &out)
	return out, err
}

// ListPolicies lists a user's policy sets.
func (c *Client) ListPolicies(ctx context.Context, userAddress string) ([]PolicySet, error) {
	var out []PolicySet
	err := c.get(ctx, "/api/v1/policies", url.Values{"user": {userAddress}}, &out)
	return out, err
}

// Evaluate dry-runs the policy engine.
func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (Evaluation, error) {
	var out Evaluation
	err := c.post(ctx, "/api/v1/evaluate", req, &out)
	return out, err
}

// SubmitExecution enqueues an execution and returns the pending job.
func (c *Client) SubmitExecution(ctx context.Context, req ExecutionRequest) (Job, error) {
	var out Job
	err := c.post(ctx, "/api/v1/executions", req, &out)
	return out, err
}

// GetExecution accepts a job id or an execution log id.
func (c *Client) GetExecution(ctx context.Context, id string) (ExecutionDetail, error) {
	var out ExecutionDetail
	err := c.get(ctx, "/api/v1/executions/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ListExecutions lists execution logs, newest first.
func (c *Client) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionLog, error) {
	q := url.Values{}
	if filter.UserAddress != "" {
		q.Set("user", filter.UserAddress)
	}
	if filter.InstallationID != "" {
		q.Set("installation", filter.InstallationID)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var out []ExecutionLog
	err := c.get(ctx, "/api/v1/executions", q, &out)
	return out, err
}

// Stats returns job counts by status for the filtered jobs.
func (c *Client) Stats(ctx context.Context, filter ExecutionFilter) (JobStats, error) {
	q := url.Values{}
	if filter.UserAddress != "" {
		q.Set("user", filter.UserAddress)
	}
	if filter.InstallationID != "" {
		q.Set("installation", filter.InstallationID)
	}
	var out JobStats
	err := c.get(ctx, "/api/v1/jobs/stats", q, &out)
	return out, err
}

// WaitForExecution polls a job until it is done or ctx expires. interval is
// the initial poll interval; it grows exponentially up to 10x.
func (c *Client) WaitForExecution(ctx context.Context, jobID string, interval time.Duration) (ExecutionDetail, error) {
	if interval <= 0 {
		interval = time.Second
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = interval
	policy.MaxInterval = 10 * interval
	policy.MaxElapsedTime = 0

	var detail ExecutionDetail
	errPending := errors.New("execution pending")
	op := func() error {
		got, err := c.GetExecution(ctx, jobID)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
				return backoff.Permanent(err)
			}
			return err
		}
		detail = got
		if got.Job != nil && !got.Job.Done() {
			return errPending
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		if errors.Is(err, errPending) && ctx.Err() != nil {
			return detail, ctx.Err()
		}
		return detail, err
	}
	return detail, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
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
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
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
			_ = json.Unmarshal(data, apiErr)
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
