package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/teacherly/plansync/internal/entity"
)

// Client defines the contract for communicating with the planning API.
type Client interface {
	List(ctx context.Context, t entity.Type) ([]*entity.Envelope, error)
	Get(ctx context.Context, t entity.Type, id string) (*entity.Envelope, error)
	Create(ctx context.Context, t entity.Type, data json.RawMessage) (*entity.Envelope, error)
	Update(ctx context.Context, t entity.Type, id string, patch json.RawMessage) (*entity.Envelope, error)
	Delete(ctx context.Context, t entity.Type, id string) error

	StartImport(ctx context.Context, payload json.RawMessage) (*ImportJob, error)
	GetImport(ctx context.Context, jobID string) (*ImportJob, error)

	Health(ctx context.Context) error
}

// ImportJob is the server-side state of a curriculum import.
type ImportJob struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// Import job statuses reported by the server.
const (
	ImportUploading  = "UPLOADING"
	ImportProcessing = "PROCESSING"
	ImportReady      = "READY"
	ImportFailed     = "FAILED"
)

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates an HTTP-based planning API client.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) resourceURL(t entity.Type, id string) string {
	if id == "" {
		return fmt.Sprintf("%s/api/%s", c.baseURL, t.Resource())
	}
	return fmt.Sprintf("%s/api/%s/%s", c.baseURL, t.Resource(), id)
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, reqBody, respBody interface{}) error {
	var body io.Reader
	headers := map[string]string{"Content-Type": "application/json"}

	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, url, body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// List retrieves every entity of the given type.
func (c *HTTPClient) List(ctx context.Context, t entity.Type) ([]*entity.Envelope, error) {
	var docs []json.RawMessage
	if err := c.doJSON(ctx, "GET", c.resourceURL(t, ""), nil, &docs); err != nil {
		return nil, fmt.Errorf("list %s: %w", t.Resource(), err)
	}

	envs := make([]*entity.Envelope, 0, len(docs))
	for _, doc := range docs {
		env, err := entity.ParseEnvelope(doc)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", t.Resource(), err)
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// Get retrieves a single entity by ID.
func (c *HTTPClient) Get(ctx context.Context, t entity.Type, id string) (*entity.Envelope, error) {
	var doc json.RawMessage
	if err := c.doJSON(ctx, "GET", c.resourceURL(t, id), nil, &doc); err != nil {
		return nil, fmt.Errorf("get %s %s: %w", t, id, err)
	}
	return entity.ParseEnvelope(doc)
}

// Create posts a new entity and returns the server's copy, including the
// server-assigned ID.
func (c *HTTPClient) Create(ctx context.Context, t entity.Type, data json.RawMessage) (*entity.Envelope, error) {
	var doc json.RawMessage
	if err := c.doJSON(ctx, "POST", c.resourceURL(t, ""), data, &doc); err != nil {
		return nil, fmt.Errorf("create %s: %w", t, err)
	}
	return entity.ParseEnvelope(doc)
}

// Update patches an existing entity and returns the server's updated copy.
func (c *HTTPClient) Update(ctx context.Context, t entity.Type, id string, patch json.RawMessage) (*entity.Envelope, error) {
	var doc json.RawMessage
	if err := c.doJSON(ctx, "PATCH", c.resourceURL(t, id), patch, &doc); err != nil {
		return nil, fmt.Errorf("update %s %s: %w", t, id, err)
	}
	return entity.ParseEnvelope(doc)
}

// Delete removes an entity on the server.
func (c *HTTPClient) Delete(ctx context.Context, t entity.Type, id string) error {
	resp, err := c.do(ctx, "DELETE", c.resourceURL(t, id), nil, nil)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", t, id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	return nil
}

// StartImport uploads a curriculum document and returns the created job.
func (c *HTTPClient) StartImport(ctx context.Context, payload json.RawMessage) (*ImportJob, error) {
	var job ImportJob
	url := c.baseURL + "/api/curriculum-import"
	if err := c.doJSON(ctx, "POST", url, payload, &job); err != nil {
		return nil, fmt.Errorf("start import: %w", err)
	}
	return &job, nil
}

// GetImport returns the current state of an import job.
func (c *HTTPClient) GetImport(ctx context.Context, jobID string) (*ImportJob, error) {
	var job ImportJob
	url := c.baseURL + "/api/curriculum-import/" + jobID
	if err := c.doJSON(ctx, "GET", url, nil, &job); err != nil {
		return nil, fmt.Errorf("get import %s: %w", jobID, err)
	}
	return &job, nil
}

// Health probes the API health endpoint. A nil return means the server is
// reachable and answering.
func (c *HTTPClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := c.do(ctx, "GET", c.baseURL+"/api/health", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	return nil
}

// RemoteError represents a structured error from the server.
type RemoteError struct {
	Code    string
	Message string
	Status  int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s: %s", e.Status, e.Code, e.Message)
}

// errorResponse is the server's error body.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func decodeError(resp *http.Response) error {
	var errResp errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return &RemoteError{
			Code:    "unknown",
			Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
			Status:  resp.StatusCode,
		}
	}

	return &RemoteError{
		Code:    errResp.Error,
		Message: errResp.Message,
		Status:  resp.StatusCode,
	}
}
