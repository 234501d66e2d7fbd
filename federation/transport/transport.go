// Package transport provides the subgraph-facing client used by the
// executor: HTTP POST for queries and mutations, and a graphql-transport-ws
// websocket client for subscriptions, per spec §4.4's per-fetch transport
// step.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request is one subgraph-bound GraphQL operation.
type Request struct {
	Query     string
	Variables map[string]interface{}
	Headers   http.Header
}

// Response is a decoded subgraph GraphQL response envelope.
type Response struct {
	Data   map[string]interface{}
	Errors []GraphQLError
}

// GraphQLError mirrors the GraphQL response error shape.
type GraphQLError struct {
	Message    string                 `json:"message"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// HTTPClient posts GraphQL requests to a subgraph's HTTP endpoint with a
// per-subgraph timeout.
type HTTPClient struct {
	httpClient *http.Client
	host       string
	timeout    time.Duration
}

// NewHTTPClient returns a client bound to one subgraph host. A zero timeout
// means no per-request deadline is applied beyond ctx's own.
func NewHTTPClient(httpClient *http.Client, host string, timeout time.Duration) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{httpClient: httpClient, host: host, timeout: timeout}
}

// Do sends req as a POST with a JSON body and decodes the response
// envelope. A 5xx status is returned as a *TransientError without decoding
// the body; any other status is decoded, and a body that is not JSON is an
// error. Callers inspect resp.Errors rather than relying on the HTTP status
// alone, since a subgraph may return partial data with a 200 alongside
// field errors.
func (c *HTTPClient) Do(ctx context.Context, req Request) (*Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body := map[string]interface{}{"query": req.Query}
	if len(req.Variables) > 0 {
		body["variables"] = req.Variables
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("transport: failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for name, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Cause: err}
	}

	if resp.StatusCode >= 500 {
		return nil, &TransientError{Cause: fmt.Errorf("subgraph returned status %d", resp.StatusCode)}
	}

	var envelope struct {
		Data   map[string]interface{} `json:"data"`
		Errors []GraphQLError          `json:"errors"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("transport: failed to decode response: %w", err)
	}

	return &Response{Data: envelope.Data, Errors: envelope.Errors}, nil
}

// TransientError wraps a failure considered retryable under the retry
// budget (network error or 5xx), as distinct from a fatal GraphQL error
// embedded in an otherwise well-formed response.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient subgraph failure: %v", e.Cause) }
func (e *TransientError) Unwrap() error { return e.Cause }

// IsRetryableExtension reports whether a subgraph GraphQL error opted into
// retry via an extensions.code of "RETRYABLE" or extensions.retryable:true,
// the convention this gateway looks for when deciding whether a
// FailedRetryable transition applies to an otherwise-successful HTTP call.
func IsRetryableExtension(gqlErr GraphQLError) bool {
	if gqlErr.Extensions == nil {
		return false
	}
	if code, ok := gqlErr.Extensions["code"].(string); ok && code == "RETRYABLE" {
		return true
	}
	if retryable, ok := gqlErr.Extensions["retryable"].(bool); ok {
		return retryable
	}
	return false
}
