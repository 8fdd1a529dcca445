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

package envelope

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/lakestage/internal/schema"
)

var (
	acceptedCounter metric.Int64Counter
	rejectedCounter metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/lakestage/internal/envelope")

	var err error
	acceptedCounter, err = meter.Int64Counter(
		"lakestage.events.accepted",
		metric.WithDescription("Number of events accepted by validation"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create events.accepted counter: %w", err))
	}

	rejectedCounter, err = meter.Int64Counter(
		"lakestage.events.rejected",
		metric.WithDescription("Number of events rejected, by reason"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create events.rejected counter: %w", err))
	}
}

// DefaultMaxEventBytes bounds a single raw event.
const DefaultMaxEventBytes = 1 << 20

// Meta is what the adapter knows about an event besides its payload.
type Meta struct {
	Source Source
	Broker *BrokerOffset
	// Now overrides the ingestion timestamp. Zero means time.Now().
	Now time.Time
}

// StreamStats counts validation outcomes for one stream.
type StreamStats struct {
	Accepted int64
	Rejected map[string]int64
}

// Validator checks events against the stream schema registry.
type Validator struct {
	registry *schema.Registry
	maxBytes int

	mu    sync.Mutex
	stats map[string]*StreamStats
}

func NewValidator(registry *schema.Registry, maxEventBytes int) *Validator {
	if maxEventBytes <= 0 {
		maxEventBytes = DefaultMaxEventBytes
	}
	return &Validator{
		registry: registry,
		maxBytes: maxEventBytes,
		stats:    map[string]*StreamStats{},
	}
}

// Validate parses raw and checks it against the active schema for stream,
// widening the schema when raw carries new fields. Exactly one of the
// results is non-nil.
func (v *Validator) Validate(ctx context.Context, stream string, raw []byte, meta Meta) (*Envelope, *Rejection) {
	env, rej := v.validate(ctx, stream, raw, meta)
	v.record(ctx, stream, rej)
	return env, rej
}

func (v *Validator) validate(ctx context.Context, stream string, raw []byte, meta Meta) (*Envelope, *Rejection) {
	if !ValidStreamName(stream) {
		return nil, reject(ReasonMalformed, "invalid stream name %q", stream)
	}
	if len(raw) > v.maxBytes {
		return nil, reject(ReasonTooLarge, "%d bytes exceeds limit of %d", len(raw), v.maxBytes)
	}

	fields, err := parseObject(raw)
	if err != nil {
		return nil, reject(ReasonMalformed, "%v", err)
	}

	env := &Envelope{
		Stream:     stream,
		IngestedAt: meta.Now,
		Source:     meta.Source,
		Broker:     meta.Broker,
		Fields:     fields,
		Size:       len(raw),
	}
	if env.IngestedAt.IsZero() {
		env.IngestedAt = time.Now()
	}
	env.IngestedAt = env.IngestedAt.UTC()

	active, err := v.registry.Observe(ctx, stream, env.schemaFields())
	if err != nil {
		var ce *schema.ConflictError
		if errors.As(err, &ce) {
			return nil, &Rejection{Reason: ReasonSchemaConflict, Detail: ce.Error()}
		}
		return nil, reject(ReasonUnavailable, "%v", err)
	}
	env.SchemaVersion = active.Version
	return env, nil
}

func (v *Validator) record(ctx context.Context, stream string, rej *Rejection) {
	v.mu.Lock()
	st, ok := v.stats[stream]
	if !ok {
		st = &StreamStats{Rejected: map[string]int64{}}
		v.stats[stream] = st
	}
	if rej == nil {
		st.Accepted++
	} else {
		st.Rejected[rej.Reason.String()]++
	}
	v.mu.Unlock()

	if rej == nil {
		acceptedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", stream)))
		return
	}
	rejectedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("reason", rej.Reason.String()),
	))
}

// CountRejection records a rejection made outside Validate, such as a
// capacity timeout in an adapter.
func (v *Validator) CountRejection(ctx context.Context, stream string, reason Reason) {
	v.record(ctx, stream, &Rejection{Reason: reason})
}

// Stats returns a copy of the per-stream counters.
func (v *Validator) Stats() map[string]StreamStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]StreamStats, len(v.stats))
	for name, st := range v.stats {
		cp := StreamStats{Accepted: st.Accepted, Rejected: make(map[string]int64, len(st.Rejected))}
		for k, n := range st.Rejected {
			cp.Rejected[k] = n
		}
		out[name] = cp
	}
	return out
}

// Streams lists every stream the validator has seen, sorted.
func (v *Validator) Streams() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.stats))
	for name := range v.stats {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ValidStreamName reports whether name can be used as a stream name and
// therefore as an object key component.
func ValidStreamName(name string) bool {
	if name == "" || len(name) > 255 || name == "." || name == ".." {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
