package unso

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the authority (e.g. "http://localhost:8080").
	BaseURL string

	// AgentID identifies this agent.
	AgentID string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// is used. It must not set a Timeout if Subscribe is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests, not to Subscribe.
	// Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for one unso agent.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	agentID  string
	client   *http.Client
	timeout  time.Duration
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, AgentID, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("unso: BaseURL is required")
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("unso: AgentID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("unso: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		baseURL:  baseURL,
		agentID:  cfg.AgentID,
		client:   httpClient,
		timeout:  timeout,
		tokenMgr: newTokenManager(baseURL, cfg.AgentID, cfg.APIKey, httpClient),
	}, nil
}

// AgentID returns the agent this client acts for.
func (c *Client) AgentID() string { return c.agentID }

// Accept takes ownership of a published offer.
func (c *Client) Accept(ctx context.Context, jobID uuid.UUID, offer Offer) (*Result, error) {
	body := acceptBody{
		Cargo:                 offer.Cargo,
		Refrigerated:          offer.Refrigerated,
		StopCount:             offer.StopCount,
		DeliveryWindowSeconds: int(offer.DeliveryWindow / time.Second),
	}
	var res Result
	if err := c.post(ctx, jobPath(jobID, "accept"), body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Report submits one state change. An ignored report is not an error:
// inspect Result.Outcome.
func (c *Client) Report(ctx context.Context, jobID uuid.UUID, r Report) (*Result, error) {
	var res Result
	if err := c.post(ctx, jobPath(jobID, "events"), r, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Resync asks the authority to resume the job after a reconnect and
// returns the current snapshot. Reports are ignored until this succeeds.
func (c *Client) Resync(ctx context.Context, jobID uuid.UUID) (*Result, error) {
	var res Result
	if err := c.post(ctx, jobPath(jobID, "resync"), struct{}{}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Job returns the current snapshot of a job this agent owns.
func (c *Client) Job(ctx context.Context, jobID uuid.UUID) (*Snapshot, error) {
	var snap Snapshot
	if err := c.get(ctx, "/v1/jobs/"+jobID.String(), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("unso: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unso: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var h HealthResponse
	if err := handleResponse(resp, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func jobPath(jobID uuid.UUID, action string) string {
	return "/v1/jobs/" + jobID.String() + "/" + action
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("unso: marshal request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, encoded, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	return c.do(ctx, http.MethodGet, path, nil, dest)
}

// do sends an authenticated request. A 401 drops the cached token and the
// request is retried once with a fresh one.
func (c *Client) do(ctx context.Context, method, path string, body []byte, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	for attempt := 0; ; attempt++ {
		token, err := c.tokenMgr.getToken(ctx)
		if err != nil {
			return err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("unso: create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("unso: %s %s: %w", method, path, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			_ = resp.Body.Close()
			c.tokenMgr.invalidate(token)
			continue
		}
		err = handleResponse(resp, dest)
		_ = resp.Body.Close()
		return err
	}
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("unso: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("unso: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("unso: response has no data")
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
