package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/outagewatch/internal/api"
	"github.com/shaharia-lab/outagewatch/internal/server"
	svcmocks "github.com/shaharia-lab/outagewatch/internal/service/mocks"
	"github.com/shaharia-lab/outagewatch/internal/storage"
)

func newServer(t *testing.T, checks map[string]server.HealthCheck, origins []string) (*server.Server, *svcmocks.MockNotificationService) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notifications := new(svcmocks.MockNotificationService)
	apiSrv := api.New(new(svcmocks.MockOutageService), notifications, logger)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("outagewatch_up 1\n"))
	})
	return server.New(apiSrv, metrics, checks, server.Config{Port: 0, AllowedOrigins: origins}, logger), notifications
}

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		srv, _ := newServer(t, map[string]server.HealthCheck{
			"database": func(context.Context) error { return nil },
		}, nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	})

	t.Run("degraded", func(t *testing.T) {
		srv, _ := newServer(t, map[string]server.HealthCheck{
			"database": func(context.Context) error { return errors.New("sql: database is closed") },
		}, nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusServiceUnavailable, w.Code)

		var body map[string]any
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, "degraded", body["status"])
		assert.Equal(t, map[string]any{"database": "sql: database is closed"}, body["checks"])
	})
}

func TestMetricsAndAPIMounted(t *testing.T) {
	srv, notifications := newServer(t, nil, nil)
	notifications.On("ListAudit", mock.Anything, 50).Return([]storage.AuditEntry{}, nil)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "outagewatch_up")

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/audit", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	notifications.AssertExpectations(t)
}

func TestCORS(t *testing.T) {
	srv, _ := newServer(t, nil, []string{"https://ops.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/api/notifications", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "https://ops.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}
