package vincent

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
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Vincent REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Request carries the parameters of an ability invocation. The delegatee is
// authenticated on chain through the permission registry, so no separate
// API credential is needed.
type Request struct {
	Delegatee string            `json:"delegatee"`
	Delegator string            `json:"delegatorPkpEthAddress"`
	Params    map[string]string `json:"params"`
}

// DeniedPolicy identifies the policy that rejected an invocation together
// with its structured denial payload.
type DeniedPolicy struct {
	CID         string         `json:"cid"`
	PackageName string         `json:"packageName"`
	Result      map[string]any `json:"result,omitempty"`
}

// PoliciesContext summarizes the policy evaluation of one invocation. It is
// present on every response, including failures.
type PoliciesContext struct {
	Allow             bool                      `json:"allow"`
	EvaluatedPolicies []string                  `json:"evaluatedPolicies"`
	DeniedPolicy      *DeniedPolicy             `json:"deniedPolicy,omitempty"`
	AllowedPolicies   map[string]map[string]any `json:"allowedPolicies,omitempty"`
}

// ResultContext carries the policy evaluation summary of a finished call.
type ResultContext struct {
	PoliciesContext *PoliciesContext `json:"policiesContext,omitempty"`
}

// InvocationResult is the response envelope of precheck and execute calls.
type InvocationResult struct {
	InvocationID string         `json:"invocationId"`
	Success      bool           `json:"success"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	RuntimeError bool           `json:"runtimeError,omitempty"`
	Context      *ResultContext `json:"context,omitempty"`
}

// AbilityInfo describes one registered ability.
type AbilityInfo struct {
	PackageName string `json:"packageName"`
	CID         string `json:"cid"`
	Description string `json:"description"`
}

// InvocationRecord is the audit view of one invocation.
type InvocationRecord struct {
	ID           string `json:"id"`
	Ability      string `json:"ability"`
	AbilityCID   string `json:"ability_cid"`
	Mode         string `json:"mode"`
	Delegatee    string `json:"delegatee"`
	Delegator    string `json:"delegator"`
	Phase        string `json:"phase"`
	Allow        bool   `json:"allow"`
	ErrorCode    string `json:"error_code,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	ResultJSON   string `json:"result_json,omitempty"`
	PoliciesJSON string `json:"policies_json,omitempty"`
	CommitsJSON  string `json:"commits_json,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// ListOptions filters the invocation audit listing.
type ListOptions struct {
	Limit     int
	Offset    int
	Ability   string
	Mode      string
	Phase     string
	Delegator string
}

// APIError represents server side validation or internal errors that do not
// produce an invocation envelope.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("vincent api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Vincent API. When httpClient is
// nil, a default client with a sensible timeout is used.
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

// Precheck runs the read-only feasibility and policy check of an ability.
// A policy denial is reported in the returned envelope, not as an error.
func (c *Client) Precheck(ctx context.Context, ability string, req Request) (*InvocationResult, error) {
	return c.invoke(ctx, ability, "precheck", req)
}

// Execute runs the ability end to end: policy gate, chain submission,
// confirmation and policy commits.
func (c *Client) Execute(ctx context.Context, ability string, req Request) (*InvocationResult, error) {
	return c.invoke(ctx, ability, "execute", req)
}

func (c *Client) invoke(ctx context.Context, ability, action string, req Request) (*InvocationResult, error) {
	endpoint := fmt.Sprintf("/api/v1/abilities/%s/%s", url.PathEscape(ability), action)
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// The server returns the invocation envelope on business failures too
	// (schema rejection, permission denial). Fall back to APIError only when
	// the body is not an envelope.
	var result InvocationResult
	if err := json.Unmarshal(data, &result); err == nil && result.InvocationID != "" {
		return &result, nil
	}
	return nil, &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
}

// ListAbilities returns the abilities registered on the server.
func (c *Client) ListAbilities(ctx context.Context) ([]AbilityInfo, error) {
	var list []AbilityInfo
	if err := c.get(ctx, "/api/v1/abilities", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// ListInvocations returns invocation audit records, most recent first.
func (c *Client) ListInvocations(ctx context.Context, opts ListOptions) ([]InvocationRecord, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Ability != "" {
		query.Set("ability", opts.Ability)
	}
	if opts.Mode != "" {
		query.Set("mode", opts.Mode)
	}
	if opts.Phase != "" {
		query.Set("phase", opts.Phase)
	}
	if opts.Delegator != "" {
		query.Set("delegator", opts.Delegator)
	}
	var list []InvocationRecord
	if err := c.get(ctx, "/api/v1/invocations", query, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// GetInvocation fetches one invocation audit record by identifier.
func (c *Client) GetInvocation(ctx context.Context, id string) (*InvocationRecord, error) {
	var record InvocationRecord
	endpoint := "/api/v1/invocations/" + url.PathEscape(id)
	if err := c.get(ctx, endpoint, nil, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}
