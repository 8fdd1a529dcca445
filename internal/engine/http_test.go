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

package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumeHandler(t *testing.T) {
	v := newEnv(t)
	client := &failingClient{FileClient: v.client, healed: make(chan struct{})}
	e, err := New(context.Background(), v.config(), client, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	submit(t, e, "web-logs", events(0, 3))
	require.Eventually(t, func() bool { return e.uploader.Held()["web-logs"] == 1 }, 5*time.Second, 10*time.Millisecond)
	close(client.healed)

	mux := http.NewServeMux()
	mux.Handle(ResumeRoute, e.ResumeHandler())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/streams/web-logs/resume", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body ResumeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, ResumeResponse{Stream: "web-logs", Resubmitted: 1}, body)

	require.Eventually(t, func() bool { return len(v.objects(t)) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestResumeHandlerUnknownStream(t *testing.T) {
	v := newEnv(t)
	e := v.open(t, v.config())
	defer func() { _ = e.Shutdown(context.Background()) }()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/streams/nothing/resume", nil)
	req.SetPathValue("stream", "nothing")
	e.ResumeHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"stream":"nothing","resubmitted":0}`, rec.Body.String())
}
