package mhlink

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Probe auth types.
const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthBearer = "bearer"
)

// ProbeRequest describes an ad-hoc GET against an arbitrary endpoint.
type ProbeRequest struct {
	URL      string `json:"url"`
	AuthType string `json:"authType"`
	Username string `json:"username"`
	Password string `json:"password"`
	Token    string `json:"token"`
	// Headers is either a JSON object or one "Key: Value" / "Key=Value"
	// pair per line. Entries override the defaults.
	Headers string `json:"headers"`
}

// ProbeResult is the decoded response of a probe.
type ProbeResult struct {
	Status      int               `json:"status"`
	Data        json.RawMessage   `json:"data"`
	HeadersSent map[string]string `json:"headersSent"`
}

// ProbeError is a failed probe. Status is zero when the request was never
// sent; Invalid marks a request rejected before sending.
type ProbeError struct {
	Status      int
	Message     string
	Invalid     bool
	HeadersSent map[string]string
}

func (e *ProbeError) Error() string { return e.Message }

// Probe runs req with the client's HTTP transport. Token caching is not
// involved.
func (c *Client) Probe(ctx context.Context, req ProbeRequest) (*ProbeResult, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, &ProbeError{Message: "url is required", Invalid: true}
	}
	headers, err := probeHeaders(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSpace(req.URL), nil)
	if err != nil {
		return nil, &ProbeError{Message: fmt.Sprintf("invalid url: %v", err), Invalid: true, HeadersSent: headers}
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &ProbeError{Message: fmt.Sprintf("connection failed: %v", err), HeadersSent: headers}
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ProbeError{Status: status, Message: fmt.Sprintf("read response body: %v", err), HeadersSent: headers}
	}

	data, err := probeData(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, &ProbeError{Status: status, Message: fmt.Sprintf("JSON parsing error: %v", err), HeadersSent: headers}
	}

	if status < 200 || status > 299 {
		return nil, &ProbeError{Status: status, Message: probeErrorMessage(status, data), HeadersSent: headers}
	}
	return &ProbeResult{Status: status, Data: data, HeadersSent: headers}, nil
}

func probeHeaders(req ProbeRequest) (map[string]string, error) {
	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}

	switch strings.ToLower(strings.TrimSpace(req.AuthType)) {
	case "", AuthNone:
	case AuthBasic:
		if req.Username == "" || req.Password == "" {
			return nil, &ProbeError{Message: "username and password are required for basic auth", Invalid: true}
		}
		creds := base64.StdEncoding.EncodeToString([]byte(req.Username + ":" + req.Password))
		headers["Authorization"] = "Basic " + creds
	case AuthBearer:
		if strings.TrimSpace(req.Token) == "" {
			return nil, &ProbeError{Message: "token is required for bearer auth", Invalid: true}
		}
		headers["Authorization"] = "Bearer " + strings.TrimSpace(req.Token)
	default:
		return nil, &ProbeError{Message: fmt.Sprintf("unknown auth type %q", req.AuthType), Invalid: true}
	}

	for k, v := range ParseHeaders(req.Headers) {
		headers[k] = v
	}
	return headers, nil
}

// ParseHeaders reads custom headers given as a JSON object or as
// "Key: Value" / "Key=Value" lines. Lines matching neither form are
// ignored.
func ParseHeaders(raw string) map[string]string {
	out := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return out
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		for k, v := range obj {
			out[k] = stringField(v)
		}
		return out
	}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sep := ""
		switch {
		case strings.Contains(line, ":"):
			sep = ":"
		case strings.Contains(line, "="):
			sep = "="
		default:
			continue
		}
		key, value, _ := strings.Cut(line, sep)
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

// probeData wraps non-JSON bodies as {"rawResponse": text}.
func probeData(contentType string, body []byte) (json.RawMessage, error) {
	if strings.Contains(strings.ToLower(contentType), "application/json") {
		if !json.Valid(body) {
			var v any
			return nil, json.Unmarshal(body, &v)
		}
		return json.RawMessage(body), nil
	}
	wrapped, err := json.Marshal(map[string]string{"rawResponse": string(body)})
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}

func probeErrorMessage(status int, data json.RawMessage) string {
	var obj map[string]any
	if json.Unmarshal(data, &obj) == nil {
		for _, key := range []string{"detail", "message", "error"} {
			if s := stringField(obj[key]); s != "" {
				return fmt.Sprintf("HTTP %d: %s", status, s)
			}
		}
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return "authentication error: check the credentials"
	}
	return fmt.Sprintf("HTTP %d %s", status, http.StatusText(status))
}
