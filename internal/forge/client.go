package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Status states understood by the forge commit-status API.
const (
	StatePending = "pending"
	StateSuccess = "success"
	StateFailure = "failure"
	StateError   = "error"
)

type Status struct {
	State       string `json:"state"`
	Context     string `json:"context"`
	Description string `json:"description,omitempty"`
	TargetURL   string `json:"target_url,omitempty"`
}

type Client interface {
	SetCommitStatus(ctx context.Context, repo, sha string, status Status) error
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

type statusErrorResponse struct {
	Message string `json:"message"`
}

func (c *HTTPClient) SetCommitStatus(ctx context.Context, repo, sha string, status Status) error {
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	body, err := json.Marshal(status)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/repos/%s/statuses/%s", c.baseURL, repo, sha)
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("forge status request failed with status %d", resp.StatusCode)
		}
		var parsed statusErrorResponse
		if err := json.Unmarshal(respBody, &parsed); err == nil && parsed.Message != "" {
			return fmt.Errorf("forge status request failed: %s", parsed.Message)
		}
		return fmt.Errorf("forge status request failed with status %d", resp.StatusCode)
	}
	return nil
}

// NoopClient stands in when no forge is configured. Runs still execute,
// they just do not report back to the commit.
type NoopClient struct{}

func (NoopClient) SetCommitStatus(ctx context.Context, repo, sha string, status Status) error {
	return nil
}

// New returns the HTTP client when a base URL is configured and the noop
// client otherwise.
func New(baseURL, token string) Client {
	if strings.TrimSpace(baseURL) == "" {
		return NoopClient{}
	}
	return NewHTTPClient(baseURL, token)
}
