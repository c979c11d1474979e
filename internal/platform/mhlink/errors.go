package mhlink

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// AuthError reports missing credentials or a rejected token exchange.
type AuthError struct {
	Site    string
	Status  int
	Message string
	Err     error
}

func (e *AuthError) Error() string { return e.Message }
func (e *AuthError) Unwrap() error { return e.Err }

// UpstreamError reports a non-2xx response from the patients endpoint.
type UpstreamError struct {
	Site    string
	Status  int
	Message string
}

func (e *UpstreamError) Error() string { return e.Message }

// TransportError reports a request that never produced a response.
type TransportError struct {
	Site string
	URL  string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError reports a 2xx response whose body is not usable JSON.
type ParseError struct {
	Site string
	URL  string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid JSON from %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// tokenErrorMessage picks the most specific message out of a failed token
// exchange response.
func tokenErrorMessage(status int, body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	var obj map[string]any
	isJSON := trimmed != "" && json.Unmarshal(body, &obj) == nil && obj != nil

	if isJSON {
		if list, ok := obj["non_field_errors"].([]any); ok && len(list) > 0 {
			if s := stringField(list[0]); s != "" {
				return s
			}
		}
		for _, key := range []string{"detail", "message", "error"} {
			if s := stringField(obj[key]); s != "" {
				return s
			}
		}
	} else if trimmed != "" {
		return "server response: " + trimmed
	}

	switch status {
	case http.StatusBadRequest:
		raw := "{}"
		if isJSON {
			raw = trimmed
		}
		return "400 Bad Request: " + raw
	case http.StatusForbidden:
		return "access denied (403): check the site credentials"
	}
	return fmt.Sprintf("authentication failed: %d %s", status, http.StatusText(status))
}

// patientsErrorMessage returns the body's detail field or the HTTP status.
func patientsErrorMessage(status int, body []byte) string {
	var obj map[string]any
	if json.Unmarshal(body, &obj) == nil {
		if s := stringField(obj["detail"]); s != "" {
			return s
		}
	}
	return fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status))
}

func stringField(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
