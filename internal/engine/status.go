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
	"sort"
	"time"

	"github.com/cardinalhq/lakestage/internal/manifest"
	"github.com/cardinalhq/lakestage/internal/offsets"
)

// StreamStatus is the health of one stream as served on /streamz.
type StreamStatus struct {
	Stream        string           `json:"stream"`
	Healthy       bool             `json:"healthy"`
	Reason        string           `json:"reason,omitempty"`
	HaltedSince   *time.Time       `json:"haltedSince,omitempty"`
	SchemaVersion uint64           `json:"schemaVersion"`
	Accepted      int64            `json:"accepted"`
	Rejected      map[string]int64 `json:"rejected,omitempty"`
	Partitions    map[string]int   `json:"partitions,omitempty"`
	Held          int              `json:"held,omitempty"`
}

// PartitionOffset is the commit state of one broker partition.
type PartitionOffset struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Committed int64  `json:"committed"`
	HighWater int64  `json:"highWater"`
	Pending   int    `json:"pending"`
	Assigned  bool   `json:"assigned"`
}

// Status is a point-in-time view of the whole engine.
type Status struct {
	Ready           bool              `json:"ready"`
	Reason          string            `json:"reason,omitempty"`
	Backpressure    string            `json:"backpressure"`
	ReservedBytes   int64             `json:"reservedBytes"`
	InFlightUploads int64             `json:"inFlightUploads"`
	DiskUsedPercent float64           `json:"diskUsedPercent"`
	Streams         []StreamStatus    `json:"streams"`
	Offsets         []PartitionOffset `json:"offsets,omitempty"`
}

// Status collects per-stream health, partition counts and offsets.
func (e *Engine) Status() Status {
	st := e.capacity.Stats()
	out := Status{
		Backpressure:    st.Level.String(),
		ReservedBytes:   st.ReservedBytes,
		InFlightUploads: st.InFlightUploads,
		DiskUsedPercent: st.DiskUsedPercent,
	}
	if err := e.Ready(); err != nil {
		out.Reason = err.Error()
	} else {
		out.Ready = true
	}

	streams := map[string]*StreamStatus{}
	get := func(name string) *StreamStatus {
		s, ok := streams[name]
		if !ok {
			s = &StreamStatus{Stream: name, Healthy: true}
			if sc := e.registry.Current(name); sc != nil {
				s.SchemaVersion = sc.Version
			}
			streams[name] = s
		}
		return s
	}

	for _, name := range e.registry.Streams() {
		get(name)
	}
	for name, counts := range e.validator.Stats() {
		s := get(name)
		s.Accepted = counts.Accepted
		if len(counts.Rejected) > 0 {
			s.Rejected = counts.Rejected
		}
	}
	for _, rec := range e.log.Index().List() {
		s := get(rec.Stream)
		if s.Partitions == nil {
			s.Partitions = map[string]int{}
		}
		s.Partitions[string(rec.State)]++
	}
	for name, n := range e.uploader.Held() {
		get(name).Held = n
	}
	for _, f := range e.health.Fatal() {
		s := get(f.Stream)
		s.Healthy = false
		s.Reason = f.Reason
		since := f.Since
		s.HaltedSince = &since
	}

	out.Streams = make([]StreamStatus, 0, len(streams))
	for _, s := range streams {
		out.Streams = append(out.Streams, *s)
	}
	sort.Slice(out.Streams, func(i, j int) bool { return out.Streams[i].Stream < out.Streams[j].Stream })

	assigned := map[offsets.Key]bool{}
	if e.consumer != nil {
		for _, k := range e.consumer.Assigned() {
			assigned[k] = true
		}
	}
	for _, p := range e.tracker.Snapshot() {
		out.Offsets = append(out.Offsets, PartitionOffset{
			Topic:     p.Key.Topic,
			Partition: p.Key.Partition,
			Committed: p.Committed,
			HighWater: p.HighWater,
			Pending:   p.Pending,
			Assigned:  assigned[p.Key],
		})
	}
	return out
}

// Manifests lists every partition known to the manifest index in staging
// order.
func (e *Engine) Manifests() []manifest.Record {
	return e.log.Index().List()
}
