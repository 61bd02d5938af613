package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

type fakePinger struct {
	pingFn func(context.Context) error
}

func (f fakePinger) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func TestHealthEndpoint(t *testing.T) {
	server := NewHTTPServer(nil, fakePinger{}, zerolog.Nop(), Options{CORSOrigin: "*"})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	cases := []struct {
		name       string
		pingErr    error
		wantStatus int
		wantReady  string
	}{
		{name: "backend reachable", wantStatus: http.StatusOK, wantReady: "ready"},
		{name: "backend down", pingErr: errors.New("dial tcp: connection refused"), wantStatus: http.StatusServiceUnavailable, wantReady: "not_ready"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pinger := fakePinger{pingFn: func(context.Context) error { return tc.pingErr }}
			server := NewHTTPServer(nil, pinger, zerolog.Nop(), Options{CORSOrigin: "*"})

			req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
			rr := httptest.NewRecorder()
			server.Handler().ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rr.Code)
			}
			var response struct {
				OK     bool                      `json:"ok"`
				Status string                    `json:"status"`
				Checks map[string]map[string]any `json:"checks"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if response.Status != tc.wantReady {
				t.Fatalf("expected status %q, got %q", tc.wantReady, response.Status)
			}
			if tc.pingErr != nil && response.Checks["backend"]["error"] != tc.pingErr.Error() {
				t.Fatalf("expected backend error in checks, got %+v", response.Checks)
			}
		})
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	server := NewHTTPServer(nil, fakePinger{}, zerolog.Nop(), Options{CORSOrigin: "*"})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
}
