package mhlink

import (
	"errors"
	"net/http"
	"testing"
)

func TestTokenErrorMessage(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"non field errors first", 400, `{"non_field_errors":["bad creds"],"detail":"d"}`, "bad creds"},
		{"detail", 401, `{"detail":"Invalid credentials","message":"m"}`, "Invalid credentials"},
		{"message", 401, `{"message":"nope","error":"e"}`, "nope"},
		{"error", 500, `{"error":"exploded"}`, "exploded"},
		{"raw text", 502, "upstream down", "server response: upstream down"},
		{"400 with json body", 400, `{"username":["required"]}`, `400 Bad Request: {"username":["required"]}`},
		{"400 empty body", 400, "", "400 Bad Request: {}"},
		{"403 hint", 403, `{}`, "access denied (403): check the site credentials"},
		{"generic", 500, "", "authentication failed: 500 Internal Server Error"},
		{"empty non field errors falls through", 401, `{"non_field_errors":[],"detail":"x"}`, "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tokenErrorMessage(tt.status, []byte(tt.body)); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPatientsErrorMessage(t *testing.T) {
	if got := patientsErrorMessage(http.StatusForbidden, []byte(`{"detail":"forbidden"}`)); got != "forbidden" {
		t.Errorf("expected detail, got %q", got)
	}
	if got := patientsErrorMessage(http.StatusNotFound, []byte("not json")); got != "HTTP 404: Not Found" {
		t.Errorf("expected status fallback, got %q", got)
	}
}

func TestErrorTypesUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	var err error = &TransportError{Site: "A", URL: "http://a", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected TransportError to unwrap its cause")
	}
	err = &ParseError{Site: "A", URL: "http://a", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected ParseError to unwrap its cause")
	}
}
