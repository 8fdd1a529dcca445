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

package backpressure

import (
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// FatalStream describes a stream halted by an unrecoverable error.
type FatalStream struct {
	Stream string    `json:"stream"`
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
}

// Health tracks streams in a fatal state. A fatal stream makes the process
// unready but does not stop other streams.
type Health struct {
	fatal mapset.Set[string]

	mu      sync.Mutex
	details map[string]FatalStream
	now     func() time.Time
}

func NewHealth() *Health {
	return &Health{
		fatal:   mapset.NewSet[string](),
		details: map[string]FatalStream{},
		now:     time.Now,
	}
}

// MarkFatal halts stream. The first reason is kept until ClearFatal.
func (h *Health) MarkFatal(stream, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fatal.Add(stream) {
		h.details[stream] = FatalStream{Stream: stream, Reason: reason, Since: h.now().UTC()}
	}
}

// ClearFatal returns stream to normal operation.
func (h *Health) ClearFatal(stream string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fatal.Remove(stream)
	delete(h.details, stream)
}

func (h *Health) IsFatal(stream string) bool {
	return h.fatal.Contains(stream)
}

func (h *Health) AnyFatal() bool {
	return h.fatal.Cardinality() > 0
}

// Fatal lists halted streams sorted by name.
func (h *Health) Fatal() []FatalStream {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]FatalStream, 0, len(h.details))
	for _, d := range h.details {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stream < out[j].Stream })
	return out
}
