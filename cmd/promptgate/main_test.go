package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServerPort(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	parts := strings.TrimPrefix(srv.URL, "http://")
	return parts[strings.LastIndex(parts, ":"):]
}

func TestRunHealthCheck_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	}))
	defer srv.Close()

	require.NoError(t, runHealthCheck(testServerPort(t, srv)))
}

func TestRunHealthCheck_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := runHealthCheck(testServerPort(t, srv))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check returned status 503")
}

func TestRunHealthCheck_ConnectionError(t *testing.T) {
	// Use a port that is almost certainly not listening.
	err := runHealthCheck(":19") // chargen port, unlikely to be in use
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check request failed")
}

func TestVersionIsSet(t *testing.T) {
	assert.Equal(t, "dev", version)
}
