package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
)

func TestValidateToken(t *testing.T) {
	cases := []struct {
		name   string
		header string
		query  string
		want   bool
	}{
		{name: "bearer", header: "Bearer secret", want: true},
		{name: "wrong bearer", header: "Bearer nope", want: false},
		{name: "query", query: "?token=secret", want: true},
		{name: "missing", want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if got := validateToken(req, "secret"); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !validateToken(req, "") {
		t.Fatalf("expected empty token to allow all requests")
	}
}

func TestIsOriginAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://localhost:8080/ws", nil)
	if !isOriginAllowed(req, nil) {
		t.Fatalf("expected missing origin to be allowed")
	}

	req.Header.Set("Origin", "http://localhost:3000")
	if !isOriginAllowed(req, nil) {
		t.Fatalf("expected same host origin to be allowed")
	}

	req.Header.Set("Origin", "http://evil.example")
	if isOriginAllowed(req, nil) {
		t.Fatalf("expected foreign origin to be rejected")
	}
	if !isOriginAllowed(req, []string{"evil.example"}) {
		t.Fatalf("expected listed origin host to be allowed")
	}
}

func TestCloseCodeForStatus(t *testing.T) {
	cases := map[int]int{
		http.StatusBadRequest:          websocket.CloseProtocolError,
		http.StatusUnauthorized:        websocket.ClosePolicyViolation,
		http.StatusNotFound:            websocket.ClosePolicyViolation,
		http.StatusServiceUnavailable:  websocket.CloseTryAgainLater,
		http.StatusInternalServerError: websocket.CloseInternalServerErr,
	}
	for status, want := range cases {
		if got := closeCodeForStatus(status); got != want {
			t.Fatalf("status %d: expected close code %d, got %d", status, want, got)
		}
	}
}

func TestHostOnly(t *testing.T) {
	cases := map[string]string{
		"localhost:8080": "localhost",
		"[::1]:8080":     "::1",
		"example.com":    "example.com",
	}
	for input, want := range cases {
		if got := hostOnly(input); got != want {
			t.Fatalf("hostOnly(%q) = %q, want %q", input, got, want)
		}
	}
}
