package govlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Govline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Type          string         `json:"task_type"`
	State         string         `json:"state"`
	Priority      int            `json:"priority"`
	ProductID     *string        `json:"product_id,omitempty"`
	Scope         string         `json:"scope"`
	AssignedGroup *string        `json:"assigned_group,omitempty"`
	Executor      *string        `json:"executor,omitempty"`
	CreatedBy     string         `json:"created_by"`
	Gate          string         `json:"gate"`
	DoDRequired   bool           `json:"dod_required"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Version       int            `json:"version"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

type Product struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	RiskLevel string `json:"risk_level,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type Activity struct {
	ID        int64  `json:"id"`
	TaskID    string `json:"task_id"`
	Action    string `json:"action"`
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at"`
}

type Approval struct {
	TaskID     string `json:"task_id"`
	GateType   string `json:"gate_type"`
	ApprovedBy string `json:"approved_by"`
	ApprovedAt string `json:"approved_at"`
	Notes      string `json:"notes,omitempty"`
}

type Capability struct {
	ID        string  `json:"id"`
	Group     string  `json:"group"`
	Provider  string  `json:"provider"`
	Level     string  `json:"level"`
	ProductID *string `json:"product_id,omitempty"`
	GrantedBy string  `json:"granted_by"`
	GrantedAt string  `json:"granted_at"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

// ExtCall is one audited broker attempt. ParamsHMAC is all the API ever
// reveals about the call parameters.
type ExtCall struct {
	ID         string  `json:"id"`
	Group      string  `json:"group"`
	Provider   string  `json:"provider"`
	Action     string  `json:"action"`
	ParamsHMAC string  `json:"params_hmac"`
	Status     string  `json:"status"`
	ProductID  *string `json:"product_id,omitempty"`
	TaskID     *string `json:"task_id,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

type Identity struct {
	Group      string `json:"group"`
	Privileged bool   `json:"privileged"`
	Source     string `json:"source"`
}

// APIError wraps non-2xx responses. Code carries the stable reason code
// from the error envelope when the body parses as one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether the server marked the failure safe to retry,
// such as a version conflict or broker backpressure.
func (e *APIError) Retryable() bool {
	v, ok := e.Details["retryable"].(bool)
	return ok && v
}

// TaskDraft holds the fields accepted when creating a task. Empty optional
// fields are omitted and take the server-side defaults.
type TaskDraft struct {
	ID            string         `json:"id,omitempty"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Type          string         `json:"task_type"`
	Priority      int            `json:"priority,omitempty"`
	ProductID     string         `json:"product_id,omitempty"`
	Scope         string         `json:"scope,omitempty"`
	AssignedGroup string         `json:"assigned_group,omitempty"`
	Gate          string         `json:"gate,omitempty"`
	DoDRequired   bool           `json:"dod_required,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// TransitionParams carries the optional parts of a state change.
// ExpectedVersion, when set, makes the request fail with version_conflict
// instead of acting on a task someone else already moved.
type TransitionParams struct {
	Reason          string
	ExpectedVersion *int
}

type TaskQuery struct {
	State     string
	Group     string
	ProductID string
	Limit     int
	Cursor    string
}

// TaskPage is one page of a task listing; pass NextCursor back to continue.
type TaskPage struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

type ActivityPage struct {
	Items      []Activity `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

type CapabilityGrant struct {
	Group     string `json:"group"`
	Provider  string `json:"provider"`
	Level     string `json:"level"`
	ProductID string `json:"product_id,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// BrokerCall describes one provider invocation request. Group is honored
// only for privileged callers; set IdempotencyKey to opt in to retries.
type BrokerCall struct {
	Group          string         `json:"group,omitempty"`
	Provider       string         `json:"provider"`
	Action         string         `json:"action"`
	Params         map[string]any `json:"params,omitempty"`
	ProductID      string         `json:"product_id,omitempty"`
	TaskID         string         `json:"task_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CheckOnly      bool           `json:"check_only,omitempty"`
}

type BrokerResult struct {
	Call     ExtCall        `json:"call"`
	Response map[string]any `json:"response,omitempty"`
}

type CallQuery struct {
	Group    string
	Provider string
	Status   string
	Limit    int
}

// Login exchanges a group name for a development bearer token and installs
// it on the client. Only works against servers with dev login enabled.
func (c *Client) Login(ctx context.Context, group string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", map[string]string{"group": group}, &resp)
	if err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// WhoAmI returns the identity the server resolves for the client's
// credentials.
func (c *Client) WhoAmI(ctx context.Context) (Identity, error) {
	var resp Identity
	err := c.do(ctx, http.MethodGet, "v0/me", nil, &resp)
	return resp, err
}

// Status returns the kernel status snapshot.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// CreateProduct registers a product. Privileged credentials required.
func (c *Client) CreateProduct(ctx context.Context, id, name, riskLevel string) (Product, error) {
	body := map[string]any{"id": id, "name": name}
	if riskLevel != "" {
		body["risk_level"] = riskLevel
	}
	var resp Product
	err := c.do(ctx, http.MethodPost, "v0/products", body, &resp)
	return resp, err
}

// Products lists all products.
func (c *Client) Products(ctx context.Context) ([]Product, error) {
	var resp []Product
	err := c.do(ctx, http.MethodGet, "v0/products", nil, &resp)
	return resp, err
}

// Product fetches one product.
func (c *Client) Product(ctx context.Context, id string) (Product, error) {
	var resp Product
	err := c.do(ctx, http.MethodGet, "v0/products/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetProductStatus pauses, resumes, or kills a product.
func (c *Client) SetProductStatus(ctx context.Context, id, status string) (Product, error) {
	var resp Product
	err := c.do(ctx, http.MethodPatch, "v0/products/"+url.PathEscape(id), map[string]string{"status": status}, &resp)
	return resp, err
}

// CreateTask creates a task in INBOX at version 0.
func (c *Client) CreateTask(ctx context.Context, draft TaskDraft) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", draft, &resp)
	return resp, err
}

// Tasks lists tasks one page at a time.
func (c *Client) Tasks(ctx context.Context, q TaskQuery) (TaskPage, error) {
	params := url.Values{}
	if q.State != "" {
		params.Set("state", q.State)
	}
	if q.Group != "" {
		params.Set("group", q.Group)
	}
	if q.ProductID != "" {
		params.Set("product_id", q.ProductID)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	endpoint := "v0/tasks"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp TaskPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Task fetches one task.
func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// TransitionTask moves a task to another state.
func (c *Client) TransitionTask(ctx context.Context, id, to string, p TransitionParams) (Task, error) {
	body := map[string]any{"to": to}
	if p.Reason != "" {
		body["reason"] = p.Reason
	}
	if p.ExpectedVersion != nil {
		body["expected_version"] = *p.ExpectedVersion
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/transition", body, &resp)
	return resp, err
}

// ReportTask submits a worker execution summary. Unless advance is false the
// call also moves a DOING task to REVIEW.
func (c *Client) ReportTask(ctx context.Context, id, summary string, advance bool) (Task, error) {
	body := map[string]any{"summary": summary}
	if !advance {
		body["advance"] = false
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/report", body, &resp)
	return resp, err
}

// ApproveGate signs off a gate on a task.
func (c *Client) ApproveGate(ctx context.Context, id, gateType, notes string) (Approval, error) {
	body := map[string]any{"gate_type": gateType}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Approval
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/approve", body, &resp)
	return resp, err
}

// AssignTask routes a task to a worker group. Privileged credentials
// required.
func (c *Client) AssignTask(ctx context.Context, id, group, executor string) (Task, error) {
	body := map[string]any{"group": group}
	if executor != "" {
		body["executor"] = executor
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/assign", body, &resp)
	return resp, err
}

// TaskActivities returns the activity trail of one task.
func (c *Client) TaskActivities(ctx context.Context, id string) ([]Activity, error) {
	var resp []Activity
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id)+"/activities", nil, &resp)
	return resp, err
}

// TaskApprovals returns the gate sign-offs recorded for one task.
func (c *Client) TaskApprovals(ctx context.Context, id string) ([]Approval, error) {
	var resp []Approval
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id)+"/approvals", nil, &resp)
	return resp, err
}

// Activities tails the global activity feed. Pass the previous page's
// NextCursor as after to continue where it stopped.
func (c *Client) Activities(ctx context.Context, limit int, after string) (ActivityPage, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if after != "" {
		params.Set("after", after)
	}
	endpoint := "v0/activities"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp ActivityPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GrantCapability records a capability grant. Privileged credentials
// required.
func (c *Client) GrantCapability(ctx context.Context, grant CapabilityGrant) (Capability, error) {
	var resp Capability
	err := c.do(ctx, http.MethodPost, "v0/capabilities", grant, &resp)
	return resp, err
}

// ResolveLevel returns the effective capability level for a group on a
// provider, deny-wins across matching grants.
func (c *Client) ResolveLevel(ctx context.Context, group, provider, productID string) (string, error) {
	params := url.Values{}
	params.Set("provider", provider)
	if group != "" {
		params.Set("group", group)
	}
	if productID != "" {
		params.Set("product_id", productID)
	}
	var resp struct {
		EffectiveLevel string `json:"effective_level"`
	}
	err := c.do(ctx, http.MethodGet, "v0/capabilities/resolve?"+params.Encode(), nil, &resp)
	return resp.EffectiveLevel, err
}

// RequestCall asks the broker to perform a provider call.
func (c *Client) RequestCall(ctx context.Context, call BrokerCall) (BrokerResult, error) {
	var resp BrokerResult
	err := c.do(ctx, http.MethodPost, "v0/broker/call", call, &resp)
	return resp, err
}

// BrokerCalls lists the broker audit trail.
func (c *Client) BrokerCalls(ctx context.Context, q CallQuery) ([]ExtCall, error) {
	params := url.Values{}
	if q.Group != "" {
		params.Set("group", q.Group)
	}
	if q.Provider != "" {
		params.Set("provider", q.Provider)
	}
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	endpoint := "v0/broker/calls"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []ExtCall
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
