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

// Package staging accumulates validated events on local disk, one staging
// partition per stream and time window, and hands closed partitions to the
// encoder.
package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/lakestage/internal/envelope"
	"github.com/cardinalhq/lakestage/internal/handoff"
	"github.com/cardinalhq/lakestage/internal/idgen"
	"github.com/cardinalhq/lakestage/internal/logctx"
	"github.com/cardinalhq/lakestage/internal/manifest"
	"github.com/cardinalhq/lakestage/internal/offsets"
	"github.com/cardinalhq/lakestage/internal/schema"
	"github.com/cardinalhq/lakestage/internal/segment"
)

var (
	ErrBackpressure = errors.New("staging: backpressure")
	ErrDraining     = errors.New("staging: draining")
)

var partitionsClosed metric.Int64Counter

func init() {
	meter := otel.Meter("github.com/cardinalhq/lakestage/internal/staging")

	var err error
	partitionsClosed, err = meter.Int64Counter(
		"lakestage.staging.partitions_closed",
		metric.WithDescription("Number of staging partitions closed, by trigger"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create staging.partitions_closed counter: %w", err))
	}
}

// PartitionKey identifies the active partition of a stream window.
type PartitionKey struct {
	Stream      string
	WindowStart time.Time
}

// Closed transfers ownership of a closed partition. Whoever holds it is the
// only goroutine allowed to touch the partition's files.
type Closed struct {
	Record manifest.Record
	Schema *schema.Schema
}

// ClosedFromRecord rebuilds the hand-off for a partition read back from its
// manifest.
func ClosedFromRecord(rec manifest.Record) (*Closed, error) {
	sc, err := schema.Decode(rec.Schema)
	if err != nil {
		return nil, fmt.Errorf("partition %s: %w", rec.ID, err)
	}
	return &Closed{Record: rec, Schema: sc}, nil
}

type Capacity interface {
	HasCapacity() bool
	Reserve(n int64)
	Release(n int64)
}

type OffsetObserver interface {
	Track(id string, k offsets.Key, offset int64)
}

type SchemaSource interface {
	Version(stream string, version uint64) (*schema.Schema, bool)
}

type Sequencer interface {
	NextSequence(ctx context.Context, stream string, window time.Time) (uint64, error)
}

// Deps are the collaborators of a Buffer.
type Deps struct {
	Log       *manifest.Log
	Capacity  Capacity
	Schemas   SchemaSource
	Sequencer Sequencer
	// Writer is recorded on every new partition and keeps object keys of
	// instances sharing a bucket apart.
	Writer string
	Out    *handoff.Queue[*Closed]
	// Offsets may be nil when nothing is pulled from a broker.
	Offsets OffsetObserver
	// OnError is told about partitions that could not be closed cleanly.
	// Their manifests stay open and are finished by recovery.
	OnError func(stream string, err error)
}

type partition struct {
	rec       manifest.Record
	w         *segment.Writer
	records   int64
	opened    time.Time
	deadline  time.Time
	maxSchema uint64
	ranges    map[offsets.Key]*manifest.OffsetRange
}

func (p *partition) holds(match func(offsets.Key) bool) bool {
	for k := range p.ranges {
		if match(k) {
			return true
		}
	}
	return false
}

func sortedRanges(ranges map[offsets.Key]*manifest.OffsetRange) []manifest.OffsetRange {
	out := make([]manifest.OffsetRange, 0, len(ranges))
	for _, r := range ranges {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

type streamState struct {
	mu sync.Mutex
	// windows never move backwards within a stream
	latest int64
	active map[int64]*partition
}

// Buffer owns every open partition.
type Buffer struct {
	cfg  Config
	deps Deps
	ids  *idgen.ULIDGenerator
	now  func() time.Time

	mu      sync.Mutex
	streams map[string]*streamState

	draining atomic.Bool
}

func New(cfg Config, deps Deps) (*Buffer, error) {
	if deps.Log == nil || deps.Capacity == nil || deps.Schemas == nil || deps.Sequencer == nil || deps.Out == nil {
		return nil, errors.New("staging: missing dependency")
	}
	cfg.applyDefaults()
	return &Buffer{
		cfg:     cfg,
		deps:    deps,
		ids:     idgen.NewULIDGenerator(),
		now:     time.Now,
		streams: map[string]*streamState{},
	}, nil
}

func (b *Buffer) Config() Config { return b.cfg }

// KeyFor returns the partition key for an event of stream ingested at ts.
func (b *Buffer) KeyFor(stream string, ts time.Time) PartitionKey {
	return PartitionKey{Stream: stream, WindowStart: ts.UTC().Truncate(b.cfg.WindowFor(stream))}
}

func (b *Buffer) stream(name string) *streamState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[name]
	if !ok {
		st = &streamState{active: map[int64]*partition{}}
		b.streams[name] = st
	}
	return st
}

func (b *Buffer) allStreams() []*streamState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*streamState, 0, len(b.streams))
	for _, st := range b.streams {
		out = append(out, st)
	}
	return out
}

// StartDrain makes every later Append fail with ErrDraining.
func (b *Buffer) StartDrain() {
	b.draining.Store(true)
}

// Append durably stages env in the partition for key. The record is on
// disk, and fsynced when configured, before Append returns nil.
func (b *Buffer) Append(ctx context.Context, key PartitionKey, env *envelope.Envelope) error {
	if b.draining.Load() {
		return ErrDraining
	}
	if !b.deps.Capacity.HasCapacity() {
		return ErrBackpressure
	}
	payload, err := envelope.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	st := b.stream(key.Stream)
	st.mu.Lock()
	ws := key.WindowStart.UnixMilli()
	if ws < st.latest {
		ws = st.latest
	} else {
		st.latest = ws
	}
	p := st.active[ws]
	if p == nil {
		p, err = b.open(ctx, key.Stream, ws)
		if err != nil {
			st.mu.Unlock()
			return err
		}
		st.active[ws] = p
	}

	n, err := p.w.Append(payload)
	if err != nil {
		closed, cerr := b.closeLocked(ctx, st, p, "error")
		st.mu.Unlock()
		b.emit(ctx, p.rec.Stream, closed, cerr)
		return fmt.Errorf("append to partition %s: %w", p.rec.ID, err)
	}
	b.deps.Capacity.Reserve(n)
	p.records++
	if env.SchemaVersion > p.maxSchema {
		p.maxSchema = env.SchemaVersion
	}
	if bo := env.Broker; bo != nil {
		k := offsets.Key{Topic: bo.Topic, Partition: bo.Partition}
		if r, ok := p.ranges[k]; ok {
			r.Min = min(r.Min, bo.Offset)
			r.Max = max(r.Max, bo.Offset)
		} else {
			p.ranges[k] = &manifest.OffsetRange{Topic: bo.Topic, Partition: bo.Partition, Min: bo.Offset, Max: bo.Offset}
		}
		if b.deps.Offsets != nil {
			b.deps.Offsets.Track(p.rec.ID, k, bo.Offset)
		}
	}

	var closed *Closed
	var cerr error
	switch {
	case p.records >= int64(b.cfg.FlushRecords):
		closed, cerr = b.closeLocked(ctx, st, p, "records")
	case p.w.Size() >= b.cfg.FlushBytes:
		closed, cerr = b.closeLocked(ctx, st, p, "bytes")
	}
	st.mu.Unlock()
	b.emit(ctx, key.Stream, closed, cerr)
	return nil
}

func (b *Buffer) open(ctx context.Context, stream string, ws int64) (*partition, error) {
	window := time.UnixMilli(ws).UTC()
	seq, err := b.deps.Sequencer.NextSequence(ctx, stream, window)
	if err != nil {
		return nil, fmt.Errorf("allocate sequence: %w", err)
	}
	now := b.now()
	rec, err := b.deps.Log.Append(manifest.Record{
		ID:          b.ids.Make(now),
		State:       manifest.StateOpen,
		Stream:      stream,
		WindowStart: ws,
		Sequence:    seq,
		Writer:      b.deps.Writer,
	})
	if err != nil {
		return nil, err
	}
	w, err := segment.Create(b.deps.Log.Layout().SegmentPath(rec.ID), segment.MagicSegment, b.cfg.Fsync)
	if err != nil {
		_ = b.deps.Log.Purge(rec.ID)
		return nil, fmt.Errorf("create segment: %w", err)
	}
	b.deps.Capacity.Reserve(w.Size())

	deadline := window.Add(b.cfg.WindowFor(stream)).Add(b.cfg.WindowGrace)
	if d := now.Add(b.cfg.FlushInterval); d.Before(deadline) {
		deadline = d
	}
	return &partition{
		rec:      rec,
		w:        w,
		opened:   now,
		deadline: deadline,
		ranges:   map[offsets.Key]*manifest.OffsetRange{},
	}, nil
}

// closeLocked seals p and records the closed manifest entry. st.mu must be
// held. p is removed from the active set even on error.
func (b *Buffer) closeLocked(ctx context.Context, st *streamState, p *partition, trigger string) (*Closed, error) {
	delete(st.active, p.rec.WindowStart)
	id := p.rec.ID
	path := b.deps.Log.Layout().SegmentPath(id)
	size := p.w.Size()
	if err := p.w.Close(); err != nil {
		if terr := os.Truncate(path, size); terr != nil {
			return nil, multierror.Append(fmt.Errorf("close segment %s: %w", id, err), terr)
		}
	}

	if p.records == 0 {
		b.deps.Capacity.Release(size)
		return nil, b.deps.Log.Purge(id)
	}

	sum, _, err := segment.Checksum(path)
	if err != nil {
		return nil, fmt.Errorf("checksum segment %s: %w", id, err)
	}
	sc, ok := b.deps.Schemas.Version(p.rec.Stream, p.maxSchema)
	if !ok {
		return nil, fmt.Errorf("partition %s: schema %s v%d not found", id, p.rec.Stream, p.maxSchema)
	}
	schemaJSON, err := sc.Encode()
	if err != nil {
		return nil, err
	}

	rec := p.rec
	rec.State = manifest.StateClosed
	rec.Records = p.records
	rec.SegmentBytes = size
	rec.SegmentChecksum = sum
	rec.Offsets = sortedRanges(p.ranges)
	rec.SchemaVersion = sc.Version
	rec.Schema = schemaJSON
	rec, err = b.deps.Log.Append(rec)
	if err != nil {
		return nil, err
	}

	partitionsClosed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream", rec.Stream),
		attribute.String("trigger", trigger),
	))
	return &Closed{Record: rec, Schema: sc}, nil
}

func (b *Buffer) emit(ctx context.Context, stream string, c *Closed, err error) {
	if err != nil {
		logctx.FromContext(ctx).Error("Failed to close staging partition; recovery will finish it on restart",
			slog.String("stream", stream),
			slog.Any("error", err))
		if b.deps.OnError != nil {
			b.deps.OnError(stream, err)
		}
	}
	if c != nil {
		b.deps.Out.Push(c)
	}
}

// closeWhere closes every active partition matching pred.
func (b *Buffer) closeWhere(ctx context.Context, trigger string, pred func(*partition) bool) ([]string, error) {
	var ids []string
	var errs *multierror.Error
	for _, st := range b.allStreams() {
		type result struct {
			stream string
			c      *Closed
			err    error
		}
		var results []result

		st.mu.Lock()
		windows := make([]int64, 0, len(st.active))
		for ws := range st.active {
			windows = append(windows, ws)
		}
		sort.Slice(windows, func(i, j int) bool { return windows[i] < windows[j] })
		for _, ws := range windows {
			p := st.active[ws]
			if !pred(p) {
				continue
			}
			c, err := b.closeLocked(ctx, st, p, trigger)
			results = append(results, result{p.rec.Stream, c, err})
			if c != nil {
				ids = append(ids, c.Record.ID)
			}
			if err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		st.mu.Unlock()

		for _, r := range results {
			b.emit(ctx, r.stream, r.c, r.err)
		}
	}
	return ids, errs.ErrorOrNil()
}

// CloseExpired closes partitions whose deadline is at or before now.
func (b *Buffer) CloseExpired(ctx context.Context, now time.Time) ([]string, error) {
	return b.closeWhere(ctx, "deadline", func(p *partition) bool { return !now.Before(p.deadline) })
}

// FlushAll closes every open partition.
func (b *Buffer) FlushAll(ctx context.Context) ([]string, error) {
	return b.closeWhere(ctx, "flush", func(*partition) bool { return true })
}

// FlushWhere closes partitions holding offsets of any topic partition
// accepted by match.
func (b *Buffer) FlushWhere(ctx context.Context, match func(offsets.Key) bool) ([]string, error) {
	return b.closeWhere(ctx, "rebalance", func(p *partition) bool { return p.holds(match) })
}

// Run closes expired partitions until ctx is done.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = b.CloseExpired(ctx, b.now())
		}
	}
}

// OpenPartition describes an active partition.
type OpenPartition struct {
	ID          string
	Stream      string
	WindowStart time.Time
	Sequence    uint64
	Records     int64
	Bytes       int64
	Deadline    time.Time
}

// Open lists active partitions ordered by stream and window.
func (b *Buffer) Open() []OpenPartition {
	var out []OpenPartition
	for _, st := range b.allStreams() {
		st.mu.Lock()
		for _, p := range st.active {
			out = append(out, OpenPartition{
				ID:          p.rec.ID,
				Stream:      p.rec.Stream,
				WindowStart: p.rec.Window(),
				Sequence:    p.rec.Sequence,
				Records:     p.records,
				Bytes:       p.w.Size(),
				Deadline:    p.deadline,
			})
		}
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stream != out[j].Stream {
			return out[i].Stream < out[j].Stream
		}
		return out[i].WindowStart.Before(out[j].WindowStart)
	})
	return out
}
