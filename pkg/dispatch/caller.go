package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dukex/chatflow/pkg/models"
)

const maxResponseBody = 1 << 20

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       any
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Retryable reports whether repeating the call may succeed.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// Response is a successful call outcome.
type Response struct {
	StatusCode int
	Body       any
}

// Caller performs one outbound HTTP call.
type Caller interface {
	Call(ctx context.Context, request models.CallRequest) (*Response, error)
}

type HTTPCaller struct {
	client *http.Client
}

func NewHTTPCaller(client *http.Client) *HTTPCaller {
	if client == nil {
		client = &http.Client{}
	}

	return &HTTPCaller{client: client}
}

// Call sends request with its own timeout. JSON bodies are decoded, other
// bodies are returned as strings.
func (c *HTTPCaller) Call(ctx context.Context, request models.CallRequest) (*Response, error) {
	if request.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, request.Timeout)
		defer cancel()
	}

	var body io.Reader

	if request.Body != nil {
		data, err := json.Marshal(request.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}

		body = bytes.NewReader(data)
	}

	method := request.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, request.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for name, value := range request.Headers {
		req.Header.Set(name, value)
	}

	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	decoded := decodeBody(resp.Header.Get("Content-Type"), data)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: decoded}
	}

	return &Response{StatusCode: resp.StatusCode, Body: decoded}, nil
}

func decodeBody(contentType string, data []byte) any {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var decoded any
	if strings.Contains(contentType, "json") || json.Valid(data) {
		if err := json.Unmarshal(data, &decoded); err == nil {
			return decoded
		}
	}

	return string(data)
}

// IsRetryable reports whether err may go away on a new attempt. Network
// errors and timeouts are retried; client errors are not.
func IsRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}

	return !errors.Is(err, context.Canceled)
}
