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

package pull

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	mapset "github.com/deckarep/golang-set/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/lakestage/internal/backpressure"
	"github.com/cardinalhq/lakestage/internal/envelope"
	"github.com/cardinalhq/lakestage/internal/fly"
	"github.com/cardinalhq/lakestage/internal/logctx"
	"github.com/cardinalhq/lakestage/internal/offsets"
	"github.com/cardinalhq/lakestage/internal/staging"
)

// StreamHeader overrides the topic-derived stream of a record.
const StreamHeader = "stream"

var (
	skippedCounter   otelmetric.Int64Counter
	pausedCounter    otelmetric.Int64Counter
	rebalanceCounter otelmetric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/lakestage/internal/pull")

	var err error
	skippedCounter, err = meter.Int64Counter(
		"lakestage.pull.records.skipped",
		otelmetric.WithDescription("Records at or below the staged high-water mark that were skipped after a restart or rebalance"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create records.skipped counter: %w", err))
	}

	pausedCounter, err = meter.Int64Counter(
		"lakestage.pull.pauses",
		otelmetric.WithDescription("Times a partition fetcher paused for staging capacity"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create pauses counter: %w", err))
	}

	rebalanceCounter, err = meter.Int64Counter(
		"lakestage.pull.revocations",
		otelmetric.WithDescription("Partition revocations handled"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create revocations counter: %w", err))
	}
}

type Validator interface {
	Validate(ctx context.Context, stream string, raw []byte, meta envelope.Meta) (*envelope.Envelope, *envelope.Rejection)
}

type Stager interface {
	KeyFor(stream string, ts time.Time) staging.PartitionKey
	Append(ctx context.Context, key staging.PartitionKey, env *envelope.Envelope) error
	FlushWhere(ctx context.Context, match func(offsets.Key) bool) ([]string, error)
}

type Capacity interface {
	HasCapacity() bool
	WaitForCapacity(ctx context.Context, timeout time.Duration) error
}

// Offsets is the part of the offset tracker the consumer reads. Commit
// points flow back through CommitOffsets.
type Offsets interface {
	Committed(k offsets.Key) (int64, bool)
	HighWater(k offsets.Key) int64
	Pending(keys ...offsets.Key) bool
	Skip(ctx context.Context, k offsets.Key, offset int64) error
}

type Config struct {
	// StreamFor maps a topic to its stream.
	StreamFor func(topic string) string
	// RebalanceTimeout bounds how long revoked partitions are waited on.
	RebalanceTimeout time.Duration
	// CapacityWait is how long one pause waits before re-checking the
	// fetch context.
	CapacityWait time.Duration
	// PollInterval is how often a revocation re-checks pending uploads.
	PollInterval time.Duration
	RetryBase    time.Duration
	RetryMax     time.Duration
}

func (c *Config) applyDefaults() {
	if c.StreamFor == nil {
		c.StreamFor = func(topic string) string { return topic }
	}
	if c.RebalanceTimeout <= 0 {
		c.RebalanceTimeout = 60 * time.Second
	}
	if c.CapacityWait <= 0 {
		c.CapacityWait = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 250 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 10 * time.Second
	}
}

// Consumer is the pull adapter. It owns the group membership, one fetch
// goroutine per assigned partition, and the translation of durable commit
// points into group commits.
type Consumer struct {
	cfg       Config
	group     fly.Group
	validator Validator
	stager    Stager
	capacity  Capacity
	offsets   Offsets

	mu       sync.Mutex
	gen      fly.Generation
	owned    mapset.Set[offsets.Key]
	toCommit map[offsets.Key]int64
	commitCh chan struct{}

	active sync.WaitGroup
}

func NewConsumer(cfg Config, group fly.Group, validator Validator, stager Stager, capacity Capacity, tracker Offsets) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		cfg:       cfg,
		group:     group,
		validator: validator,
		stager:    stager,
		capacity:  capacity,
		offsets:   tracker,
		owned:     mapset.NewSet[offsets.Key](),
		toCommit:  map[offsets.Key]int64{},
		commitCh:  make(chan struct{}, 1),
	}
}

// CommitOffsets receives durable commit points from the offset tracker.
// It never blocks; a background loop forwards them to the group.
func (c *Consumer) CommitOffsets(_ context.Context, committed map[offsets.Key]int64) {
	c.mu.Lock()
	for k, off := range committed {
		if cur, ok := c.toCommit[k]; !ok || off > cur {
			c.toCommit[k] = off
		}
	}
	c.mu.Unlock()
	select {
	case c.commitCh <- struct{}{}:
	default:
	}
}

// Assigned returns the partitions owned by the current generation.
func (c *Consumer) Assigned() []offsets.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owned.ToSlice()
}

// Run consumes until ctx is done or the group is closed. On return every
// generation has been released, which includes flushing and committing
// what it staged within the rebalance timeout.
func (c *Consumer) Run(ctx context.Context) error {
	ll := logctx.FromContext(ctx)

	commitCtx, stopCommits := context.WithCancel(context.WithoutCancel(ctx))
	commitsDone := make(chan struct{})
	go func() {
		defer close(commitsDone)
		c.commitLoop(commitCtx)
	}()
	defer func() {
		c.active.Wait()
		stopCommits()
		<-commitsDone
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBase
	b.MaxInterval = c.cfg.RetryMax
	for {
		gen, err := c.group.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, fly.ErrGroupClosed) {
				return nil
			}
			wait := b.NextBackOff()
			ll.Warn("Failed to join consumer group generation, retrying",
				slog.Any("error", err),
				slog.Duration("retryIn", wait))
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		b.Reset()
		c.startGeneration(ctx, gen)
	}
}

func (c *Consumer) startGeneration(ctx context.Context, gen fly.Generation) {
	assigned := gen.Assignments()
	keys := make([]offsets.Key, 0, len(assigned))
	for _, a := range assigned {
		keys = append(keys, a.Key())
	}

	c.mu.Lock()
	c.gen = gen
	c.owned = mapset.NewSet(keys...)
	c.mu.Unlock()

	ll := logctx.FromContext(ctx).With(slog.Int("generation", int(gen.ID())))
	ll.Info("Consumer group generation started", slog.Int("partitions", len(keys)))

	c.active.Add(1)
	gen.Start(func(genCtx context.Context) {
		defer c.active.Done()

		// Fetching stops at shutdown as well as at rebalance.
		fetchCtx, cancel := context.WithCancel(genCtx)
		stop := context.AfterFunc(ctx, cancel)
		defer stop()

		var wg sync.WaitGroup
		for _, a := range assigned {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.fetch(logctx.WithLogger(fetchCtx, ll), a)
			}()
		}
		wg.Wait()
		cancel()

		c.release(logctx.WithLogger(context.WithoutCancel(ctx), ll), gen, keys)
	})
}

// startOffset is the first offset to read for a, combining the group's
// view with the locally stored commit point.
func (c *Consumer) startOffset(a fly.Assignment) int64 {
	start := a.Offset
	if committed, ok := c.offsets.Committed(a.Key()); ok && committed+1 > start {
		start = committed + 1
	}
	return start
}

func (c *Consumer) fetch(ctx context.Context, a fly.Assignment) {
	ll := logctx.FromContext(ctx).With(slog.String("topic", a.Topic), slog.Int("partition", int(a.Partition)))
	k := a.Key()

	start := c.startOffset(a)
	reader, err := c.group.Reader(a, start)
	if err != nil {
		ll.Error("Failed to open partition reader", slog.Any("error", err))
		return
	}
	defer func() {
		if err := reader.Close(); err != nil {
			ll.Warn("Failed to close partition reader", slog.Any("error", err))
		}
	}()

	for {
		if !c.waitForCapacity(ctx) {
			return
		}
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				ll.Error("Failed to fetch message", slog.Any("error", err))
			}
			return
		}
		fly.RecordFetched(ctx, msg)

		if msg.Offset <= c.offsets.HighWater(k) {
			skippedCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("topic", a.Topic)))
			continue
		}
		if !c.stage(ctx, k, msg) {
			return
		}
	}
}

// waitForCapacity blocks while staging is over its high-water mark. It
// reports false once ctx is done.
func (c *Consumer) waitForCapacity(ctx context.Context) bool {
	if c.capacity.HasCapacity() {
		return true
	}
	pausedCounter.Add(ctx, 1)
	for {
		err := c.capacity.WaitForCapacity(ctx, c.cfg.CapacityWait)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if !errors.Is(err, backpressure.ErrCapacityExceeded) {
			logctx.FromContext(ctx).Warn("Waiting for staging capacity failed", slog.Any("error", err))
		}
	}
}

// stage validates and appends one record. Rejected records are marked
// consumed so they never hold back a commit. It reports false when the
// fetcher must stop.
func (c *Consumer) stage(ctx context.Context, k offsets.Key, msg fly.ConsumedMessage) bool {
	ll := logctx.FromContext(ctx)
	stream := msg.Headers[StreamHeader]
	if stream == "" {
		stream = c.cfg.StreamFor(msg.Topic)
	}

	env, rej := c.validator.Validate(ctx, stream, msg.Value, envelope.Meta{
		Source: envelope.SourcePull,
		Broker: &envelope.BrokerOffset{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset},
	})
	if rej != nil {
		ll.Debug("Rejected pulled record",
			slog.String("stream", stream),
			slog.Int64("offset", msg.Offset),
			slog.String("reason", rej.Reason.String()))
		if err := c.offsets.Skip(ctx, k, msg.Offset); err != nil {
			ll.Error("Failed to record skipped offset", slog.Any("error", err))
		}
		return true
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBase
	b.MaxInterval = c.cfg.RetryMax
	key := c.stager.KeyFor(stream, env.IngestedAt)
	for {
		err := c.stager.Append(ctx, key, env)
		switch {
		case err == nil:
			return true
		case errors.Is(err, staging.ErrDraining):
			return false
		case errors.Is(err, staging.ErrBackpressure):
			if !c.waitForCapacity(ctx) || !sleep(ctx, b.NextBackOff()) {
				return false
			}
			continue
		}
		wait := b.NextBackOff()
		ll.Error("Failed to stage pulled record, retrying",
			slog.String("stream", stream),
			slog.Int64("offset", msg.Offset),
			slog.Duration("retryIn", wait),
			slog.Any("error", err))
		if !sleep(ctx, wait) {
			return false
		}
	}
}

// release hands revoked partitions back to the group: their open staging
// partitions are closed, uploads are awaited up to the rebalance timeout,
// and the last commit points are sent on the ending generation.
func (c *Consumer) release(ctx context.Context, gen fly.Generation, keys []offsets.Key) {
	ll := logctx.FromContext(ctx)
	if len(keys) == 0 {
		c.dropGeneration(gen)
		return
	}
	rebalanceCounter.Add(ctx, int64(len(keys)))
	revoked := mapset.NewSet(keys...)

	if ids, err := c.stager.FlushWhere(ctx, func(k offsets.Key) bool { return revoked.Contains(k) }); err != nil {
		ll.Error("Failed to flush revoked partitions", slog.Any("error", err))
	} else if len(ids) > 0 {
		ll.Info("Flushed staging partitions for revoked broker partitions", slog.Int("partitions", len(ids)))
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.RebalanceTimeout)
	defer cancel()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for c.offsets.Pending(keys...) {
		select {
		case <-waitCtx.Done():
			ll.Warn("Revoked partitions still have staged data that is not uploaded; the next owner may re-read it",
				slog.Duration("timeout", c.cfg.RebalanceTimeout))
			c.commit(ctx)
			c.dropGeneration(gen)
			return
		case <-ticker.C:
		}
	}
	c.commit(ctx)
	c.dropGeneration(gen)
}

func (c *Consumer) dropGeneration(gen fly.Generation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.gen = nil
		c.owned = mapset.NewSet[offsets.Key]()
	}
}

func (c *Consumer) commitLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.commitCh:
			c.commit(ctx)
		}
	}
}

// commit sends pending commit points for owned partitions to the active
// generation. Points for partitions this member no longer owns are
// dropped; the stored copy still drives the next assignment's start.
// Between generations points are kept for the next one.
func (c *Consumer) commit(ctx context.Context) {
	c.mu.Lock()
	gen := c.gen
	if gen == nil {
		c.mu.Unlock()
		return
	}
	next := make(map[offsets.Key]int64)
	for k, off := range c.toCommit {
		if c.owned.Contains(k) {
			next[k] = off + 1
		}
		delete(c.toCommit, k)
	}
	c.mu.Unlock()

	if len(next) == 0 {
		return
	}
	err := gen.CommitOffsets(next)
	fly.RecordCommit(ctx, len(next), err)
	if err != nil {
		logctx.FromContext(ctx).Warn("Failed to commit offsets to consumer group",
			slog.Int("partitions", len(next)),
			slog.Any("error", err))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
