// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package healthcheck

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusStarting, "starting"},
		{StatusHealthy, "healthy"},
		{StatusUnhealthy, "unhealthy"},
		{Status(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestNewServerDefaultsPort(t *testing.T) {
	assert.Equal(t, 8090, NewServer(Config{}).port)
	assert.Equal(t, 9090, NewServer(Config{Port: 9090}).port)
}

func get(t *testing.T, h http.Handler, path string) (int, Response) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return rr.Code, resp
}

func TestHealthEndpoints(t *testing.T) {
	server := NewServer(Config{})
	h := server.Handler()

	tests := []struct {
		name            string
		status          Status
		endpoint        string
		expectedStatus  int
		expectedHealthy bool
	}{
		{"healthz starting", StatusStarting, "/healthz", http.StatusServiceUnavailable, false},
		{"healthz healthy", StatusHealthy, "/healthz", http.StatusOK, true},
		{"healthz unhealthy", StatusUnhealthy, "/healthz", http.StatusServiceUnavailable, false},
		{"readyz starting", StatusStarting, "/readyz", http.StatusServiceUnavailable, false},
		{"readyz healthy", StatusHealthy, "/readyz", http.StatusOK, true},
		{"readyz unhealthy", StatusUnhealthy, "/readyz", http.StatusServiceUnavailable, false},
		{"livez starting", StatusStarting, "/livez", http.StatusOK, true},
		{"livez healthy", StatusHealthy, "/livez", http.StatusOK, true},
		{"livez unhealthy", StatusUnhealthy, "/livez", http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server.SetStatus(tt.status)
			code, resp := get(t, h, tt.endpoint)
			assert.Equal(t, tt.expectedStatus, code)
			assert.Equal(t, tt.expectedHealthy, resp.Healthy)
		})
	}
}

func TestReadyProbe(t *testing.T) {
	server := NewServer(Config{})
	server.SetStatus(StatusHealthy)
	probeErr := errors.New("staging above high water mark")
	server.SetReadyProbe(func() error { return probeErr })
	h := server.Handler()

	code, resp := get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, resp.Healthy)
	assert.Equal(t, probeErr.Error(), resp.Reason)

	probeErr = nil
	code, resp = get(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Healthy)
}

func TestStreamzAndExtraRoutes(t *testing.T) {
	server := NewServer(Config{})
	server.SetStreams(func() any {
		return map[string]string{"web-logs": "ok"}
	})
	server.Handle("POST /v1/ping", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	h := server.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/streamz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"web-logs":"ok"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/ping", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}
