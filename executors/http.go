package executors

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/deepnoodle-ai/flowgraph"
	"github.com/deepnoodle-ai/flowgraph/retry"
)

// HTTPParams defines the parameters for the HTTP executor.
type HTTPParams struct {
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Headers         map[string]string `json:"headers"`
	Body            string            `json:"body"`
	JSONPayload     map[string]any    `json:"json_payload"`
	Timeout         float64           `json:"timeout"` // seconds, default 30
	FollowRedirects bool              `json:"follow_redirects"`
}

// HTTPExecutor makes HTTP requests. 5xx responses are returned as
// recoverable errors so the node's retry policy applies; 4xx responses are
// permanent.
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor creates an HTTP executor. A nil client gets a default
// one; per-request timeouts come from the node parameters.
func NewHTTPExecutor(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPExecutor{client: client}
}

func (e *HTTPExecutor) Type() string {
	return "http"
}

func (e *HTTPExecutor) Execute(ctx context.Context, node *flowgraph.WorkflowNode, input map[string]any, ec *flowgraph.ExecutionContext) (map[string]any, error) {
	var params HTTPParams
	if err := flowgraph.DecodeParameters(node.Parameters, &params); err != nil {
		return nil, err
	}
	if params.URL == "" {
		return nil, retry.Permanent(fmt.Errorf("http executor requires a 'url' parameter"))
	}
	if params.Method == "" {
		params.Method = http.MethodGet
	}
	if params.Timeout <= 0 {
		params.Timeout = 30
	}

	var bodyReader io.Reader
	if params.JSONPayload != nil {
		data, err := json.Marshal(params.JSONPayload)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("failed to marshal JSON payload: %w", err))
		}
		bodyReader = bytes.NewReader(data)
	} else if params.Body != "" {
		bodyReader = strings.NewReader(params.Body)
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(params.Timeout*float64(time.Second)))
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, strings.ToUpper(params.Method), params.URL, bodyReader)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	for key, value := range params.Headers {
		req.Header.Set(key, value)
	}
	if params.JSONPayload != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := e.client
	if !params.FollowRedirects {
		clone := *client
		clone.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
		client = &clone
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, retry.Recoverable(fmt.Errorf("server error: %s", resp.Status))
	}
	if resp.StatusCode >= 400 {
		return nil, retry.Permanent(fmt.Errorf("client error: %s", resp.Status))
	}

	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}
	output := map[string]any{
		"status_code": resp.StatusCode,
		"status":      resp.Status,
		"headers":     headers,
		"body":        string(body),
	}
	var jsonBody map[string]any
	if json.Unmarshal(body, &jsonBody) == nil {
		output["json"] = jsonBody
	}
	return output, nil
}
