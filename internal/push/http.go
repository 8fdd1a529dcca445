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

package push

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cardinalhq/lakestage/internal/envelope"
	"github.com/cardinalhq/lakestage/internal/logctx"
)

// Route is the pattern the handler is mounted on.
const Route = "POST /v1/ingest/{stream}"

// DefaultMaxBodyBytes bounds one request body.
const DefaultMaxBodyBytes = 64 << 20

// BatchResponse is the body returned for a submitted batch.
type BatchResponse struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Results  []Result `json:"results"`
}

// Handler accepts newline delimited JSON events for the stream named in
// the path. Blank lines are ignored.
func (a *Adapter) Handler(maxBodyBytes int64) http.Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stream := r.PathValue("stream")
		ctx := logctx.With(r.Context(), slog.String("stream", stream))

		events, err := splitLines(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		results, err := a.Submit(ctx, stream, events)
		if errors.Is(err, ErrDraining) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		resp := BatchResponse{Results: results}
		capacityOnly := len(results) > 0
		for _, res := range results {
			if res.Accepted {
				resp.Accepted++
				capacityOnly = false
				continue
			}
			resp.Rejected++
			if res.Reason != envelope.ReasonCapacityExceeded.String() {
				capacityOnly = false
			}
		}

		code := http.StatusOK
		if capacityOnly {
			w.Header().Set("Retry-After", strconv.Itoa(5))
			code = http.StatusTooManyRequests
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logctx.FromContext(ctx).Error("Failed to encode ingest response", slog.Any("error", err))
		}
	})
}

func splitLines(r io.Reader) ([][]byte, error) {
	br := bufio.NewReader(r)
	var out [][]byte
	for {
		line, err := br.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			out = append(out, trimmed)
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
