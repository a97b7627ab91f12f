package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/zipper/internal/agent"
	"github.com/nugget/zipper/internal/httpkit"
)

// DefaultHealthTimeout bounds a single health probe.
const DefaultHealthTimeout = 3 * time.Second

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("zipper API: HTTP %d: %s", e.StatusCode, e.Message)
}

// Client talks to a running Zipper service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	probe      *http.Client
}

// NewClient creates a client for the service at baseURL. Chat requests
// rely on ctx for their deadline since agent runs are unbounded.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
		probe: httpkit.NewClient(
			httpkit.WithTimeout(DefaultHealthTimeout),
			httpkit.WithDisableKeepAlives(),
		),
	}
}

// Healthy reports whether GET /status answers 200.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		return false
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return resp.StatusCode == http.StatusOK
}

// Chat sends one prompt to POST /chat and waits for the agent's answer.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*agent.Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("zipper API: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(httpkit.ReadErrorBody(resp.Body, 4096))}
	}
	defer resp.Body.Close()

	var res agent.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("zipper API: decode response: %w", err)
	}
	return &res, nil
}

// errorMessage extracts {"error": "..."} from body, falling back to the
// raw text.
func errorMessage(body string) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(body), &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(body)
}
