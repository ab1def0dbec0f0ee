package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   int
		status string
	}{
		{"healthy", nil, http.StatusOK, "healthy"},
		{"unreachable", errors.New("connection refused"), http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)

			stats := func() *PoolStats { return &PoolStats{MaxConns: 20} }
			if err := HealthHandler(fakePinger{tt.err}, stats)(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, rec.Code)
			}

			var body struct {
				Status string    `json:"status"`
				Error  string    `json:"error"`
				Pool   PoolStats `json:"pool"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Status != tt.status || body.Pool.MaxConns != 20 {
				t.Errorf("unexpected body %+v", body)
			}
			if tt.err != nil && body.Error == "" {
				t.Error("expected error message in body")
			}
		})
	}
}

func TestHealthHandler_NoStats(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)

	HealthHandler(fakePinger{}, nil)(c)
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if _, ok := body["pool"]; ok {
		t.Error("pool stats must be omitted when not provided")
	}
}
