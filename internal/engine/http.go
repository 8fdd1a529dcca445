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
	"encoding/json"
	"log/slog"
	"net/http"
)

// ResumeRoute is the pattern ResumeHandler is mounted on.
const ResumeRoute = "POST /v1/streams/{stream}/resume"

// ResumeResponse is returned by ResumeHandler.
type ResumeResponse struct {
	Stream      string `json:"stream"`
	Resubmitted int    `json:"resubmitted"`
}

// ResumeHandler clears the halt on the stream named in the path.
func (e *Engine) ResumeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stream := r.PathValue("stream")
		if stream == "" {
			http.Error(w, "stream is required", http.StatusBadRequest)
			return
		}
		resp := ResumeResponse{Stream: stream, Resubmitted: e.Resume(stream)}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("Failed to encode resume response", slog.Any("error", err))
		}
	})
}
