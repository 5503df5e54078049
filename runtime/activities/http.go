package activities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"

	"github.com/loomworks/loom/runtime/outputs"
)

// apiCallTimeout bounds a single request attempt; the activity retry policy
// owns the overall budget.
const apiCallTimeout = 30 * time.Second

// errTypeHTTPStatus tags terminal HTTP failures in application errors.
const errTypeHTTPStatus = "HTTPStatusError"

// APIRequest is the api_call executor input. Body is the node's configured
// body; MappedBody the mapper's contribution from the upstream output;
// Upstream the full upstream output used for typed body enrichment.
type APIRequest struct {
	WorkflowID  string `json:"workflow_id"`
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`

	URL        string              `json:"url"`
	Method     string              `json:"method"`
	Headers    map[string]string   `json:"headers,omitempty"`
	Body       map[string]any      `json:"body,omitempty"`
	MappedBody map[string]any      `json:"mapped_body,omitempty"`
	Upstream   *outputs.NodeOutput `json:"upstream,omitempty"`
}

// ExecuteAPICall issues the HTTP request with the merged body. Network
// errors, 5xx, 408 and 429 responses are retryable; any other >=400 response
// is terminal.
func (a *Activities) ExecuteAPICall(ctx context.Context, req APIRequest) (*outputs.APIOut, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodPost
	}
	body := mergeBody(req)

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, temporal.NewNonRetryableApplicationError(
				"encode request body", "EncodingError", err)
		}
		reader = bytes.NewReader(encoded)
	}

	ctx, cancel := context.WithTimeout(ctx, apiCallTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, reader)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError(
			"build request", "ConfigError", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call %s %s: %w", method, req.URL, err)
	}
	defer resp.Body.Close()
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", req.URL, err)
	}

	if transientStatus(resp.StatusCode) {
		return nil, fmt.Errorf("%s %s returned %d", method, req.URL, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("%s %s returned %d", method, req.URL, resp.StatusCode),
			errTypeHTTPStatus, nil)
	}

	out := &outputs.APIOut{
		StatusCode:     resp.StatusCode,
		Headers:        flattenHeaders(resp.Header),
		ResponseTimeMS: elapsed,
		URL:            req.URL,
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var parsed any
		if json.Unmarshal(raw, &parsed) == nil {
			out.Body = parsed
			return out, nil
		}
	}
	out.Body = string(raw)
	return out, nil
}

func transientStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// mergeBody layers the request body: configured body first, then the mapper's
// contribution, then the upstream-type-specific fields.
func mergeBody(req APIRequest) map[string]any {
	if req.Body == nil && req.MappedBody == nil && req.Upstream == nil {
		return nil
	}
	body := make(map[string]any, len(req.Body)+len(req.MappedBody))
	for k, v := range req.Body {
		body[k] = v
	}
	for k, v := range req.MappedBody {
		body[k] = v
	}
	up := req.Upstream
	switch {
	case up == nil:
	case up.Agent != nil:
		body["input"] = up.Agent.Output
		body["context"] = up.AsMap()
	case up.API != nil:
		body["previous_response"] = up.API.Body
	case up.Approval != nil:
		if up.Approval.Approved {
			body["approval_action"] = "approved"
		} else {
			body["approval_action"] = "rejected"
		}
	}
	return body
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
