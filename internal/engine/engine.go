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

// Package engine wires the ingestion pipeline together: push and pull
// adapters feed the staging buffer, closed partitions flow through the
// encoder pool to the upload pool, and uploads advance offset commit state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/lakestage/internal/backpressure"
	"github.com/cardinalhq/lakestage/internal/cloudstorage"
	"github.com/cardinalhq/lakestage/internal/columnar"
	"github.com/cardinalhq/lakestage/internal/envelope"
	"github.com/cardinalhq/lakestage/internal/fly"
	"github.com/cardinalhq/lakestage/internal/handoff"
	"github.com/cardinalhq/lakestage/internal/logctx"
	"github.com/cardinalhq/lakestage/internal/manifest"
	"github.com/cardinalhq/lakestage/internal/offsets"
	"github.com/cardinalhq/lakestage/internal/pull"
	"github.com/cardinalhq/lakestage/internal/push"
	"github.com/cardinalhq/lakestage/internal/schema"
	"github.com/cardinalhq/lakestage/internal/staging"
	"github.com/cardinalhq/lakestage/internal/statestore"
	"github.com/cardinalhq/lakestage/internal/upload"
)

var (
	ErrNotStarted     = errors.New("engine: not started")
	ErrAlreadyStarted = errors.New("engine: already started")
)

// Engine owns every pipeline stage and its shared state.
type Engine struct {
	cfg Config

	log       *manifest.Log
	state     *statestore.DB
	registry  *schema.Registry
	validator *envelope.Validator
	capacity  *backpressure.Controller
	health    *backpressure.Health
	tracker   *offsets.Tracker
	buffer    *staging.Buffer
	encoder   *columnar.Encoder
	uploader  *upload.Manager
	push      *push.Adapter

	group    fly.Group
	consumer *pull.Consumer

	closedQ  *handoff.Queue[*staging.Closed]
	encodedQ *handoff.Queue[*columnar.Encoded]

	mu        sync.Mutex
	started   bool
	stopped   bool
	stop      context.CancelFunc
	stopPull  context.CancelFunc
	pullDone  chan struct{}
	workers   *errgroup.Group
	retryWait sync.WaitGroup
}

// New opens the staging directory and state store and builds every stage.
// group may be nil when nothing is pulled from a broker. Call Recover and
// then Start.
func New(ctx context.Context, cfg Config, store cloudstorage.Client, group fly.Group) (*Engine, error) {
	cfg.applyDefaults()
	if store == nil {
		return nil, errors.New("engine: object store client is required")
	}

	log, err := manifest.Open(cfg.Staging.Dir)
	if err != nil {
		return nil, err
	}
	state, err := statestore.Open(statestore.Options{Dir: log.Layout().StateDir(), NoSync: cfg.NoSync})
	if err != nil {
		return nil, err
	}
	writer, err := state.Writer(ctx)
	if err != nil {
		_ = state.Close()
		return nil, err
	}
	e, err := build(ctx, cfg, log, state, writer, store, group)
	if err != nil {
		_ = state.Close()
		return nil, err
	}
	return e, nil
}

func build(ctx context.Context, cfg Config, log *manifest.Log, state *statestore.DB, writer string, store cloudstorage.Client, group fly.Group) (*Engine, error) {
	registry, err := schema.NewRegistry(ctx, state.Schemas())
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	tracker, err := offsets.NewTracker(ctx, state.Offsets())
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		log:       log,
		state:     state,
		registry:  registry,
		validator: envelope.NewValidator(registry, cfg.Staging.MaxEventBytes),
		capacity:  backpressure.New(cfg.Backpressure, cfg.Staging.Dir),
		health:    backpressure.NewHealth(),
		tracker:   tracker,
		group:     group,
		closedQ:   handoff.New[*staging.Closed](),
		encodedQ:  handoff.New[*columnar.Encoded](),
	}

	e.buffer, err = staging.New(cfg.Staging, staging.Deps{
		Log:       log,
		Capacity:  e.capacity,
		Schemas:   registry,
		Sequencer: state,
		Writer:    writer,
		Out:       e.closedQ,
		Offsets:   tracker,
		OnError: func(stream string, err error) {
			slog.Warn("Staging partition close failed", slog.String("stream", stream), slog.Any("error", err))
		},
	})
	if err != nil {
		return nil, err
	}
	e.encoder, err = columnar.NewEncoder(cfg.Encode.Config, log, e.capacity)
	if err != nil {
		return nil, err
	}
	e.uploader = upload.NewManager(cfg.Upload, store, log, tracker, e.capacity, e.health)
	e.push = push.NewAdapter(e.validator, e.buffer, e.capacity, cfg.Backpressure.PushWaitTimeout)

	if group != nil {
		e.consumer = pull.NewConsumer(pull.Config{
			StreamFor:        cfg.Kafka.StreamFor,
			RebalanceTimeout: cfg.Kafka.RebalanceTimeout,
		}, group, e.validator, e.buffer, e.capacity, tracker)
		tracker.SetCommitter(e.consumer)
	}

	e.capacity.SetOnLevelChange(func(old, cur backpressure.Level) {
		slog.Info("Backpressure level changed",
			slog.String("from", old.String()),
			slog.String("to", cur.String()),
			slog.Int64("reservedBytes", e.capacity.Stats().ReservedBytes))
	})
	return e, nil
}

// Push returns the synchronous ingestion adapter.
func (e *Engine) Push() *push.Adapter { return e.push }

// Submit stages a batch of raw events for stream through the push adapter.
func (e *Engine) Submit(ctx context.Context, stream string, events [][]byte) ([]push.Result, error) {
	return e.push.Submit(ctx, stream, events)
}

// Start launches the encode and upload pools, the deadline ticker, the
// capacity monitor and, when configured, the broker consumer. The workers
// outlive ctx; they stop in Shutdown.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true

	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	e.stop = stop
	g, gctx := errgroup.WithContext(runCtx)
	e.workers = g

	for range e.cfg.Encode.Workers {
		g.Go(func() error {
			e.encodeLoop(gctx)
			return nil
		})
	}
	for range e.cfg.Upload.Workers {
		g.Go(func() error {
			e.uploadLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		e.buffer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		e.capacity.Run(gctx)
		return nil
	})
	g.Go(func() error {
		e.pruneLoop(gctx)
		return nil
	})

	if e.consumer != nil {
		pullCtx, stopPull := context.WithCancel(gctx)
		e.stopPull = stopPull
		e.pullDone = make(chan struct{})
		go func() {
			defer close(e.pullDone)
			if err := e.consumer.Run(pullCtx); err != nil {
				logctx.FromContext(pullCtx).Error("Broker consumer stopped", slog.Any("error", err))
			}
		}()
	}

	slog.Info("Ingestion engine started",
		slog.Int("encodeWorkers", e.cfg.Encode.Workers),
		slog.Int("uploadWorkers", e.cfg.Upload.Workers),
		slog.Bool("pull", e.consumer != nil))
	return nil
}

func (e *Engine) encodeLoop(ctx context.Context) {
	for {
		c, err := e.closedQ.Pop(ctx)
		if err != nil {
			return
		}
		e.encodeOne(ctx, c)
	}
}

func (e *Engine) encodeOne(ctx context.Context, c *staging.Closed) {
	ll := logctx.FromContext(ctx).With(slog.String("stream", c.Record.Stream), slog.String("partition", c.Record.ID))
	enc, err := e.encoder.Encode(ctx, c)
	switch {
	case err == nil:
		e.encodedQ.Push(enc)
	case errors.Is(err, staging.ErrQuarantined):
		e.health.MarkFatal(c.Record.Stream, err.Error())
		ll.Error("Partition quarantined; stream halted until an operator resumes it",
			slog.Bool("alert", true),
			slog.Any("error", err))
	case ctx.Err() != nil:
		// recovery re-encodes it after restart
	default:
		ll.Warn("Encode failed, retrying", slog.Any("error", err))
		e.retryLater(ctx, func() { e.closedQ.Push(c) })
	}
}

func (e *Engine) uploadLoop(ctx context.Context) {
	for {
		enc, err := e.encodedQ.Pop(ctx)
		if err != nil {
			return
		}
		res := e.uploader.Upload(ctx, enc)
		if res.Outcome == upload.RetryableFailure && ctx.Err() == nil {
			logctx.FromContext(ctx).Warn("Upload failed, retrying",
				slog.String("partition", enc.Record.ID),
				slog.String("key", res.Key),
				slog.Any("error", res.Err))
			e.retryLater(ctx, func() { e.encodedQ.Push(enc) })
		}
	}
}

// retryLater runs requeue after the retry delay unless ctx ends first.
func (e *Engine) retryLater(ctx context.Context, requeue func()) {
	e.retryWait.Add(1)
	go func() {
		defer e.retryWait.Done()
		t := time.NewTimer(e.cfg.RetryDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			requeue()
		}
	}()
}

func (e *Engine) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.pruneSequences(ctx, time.Now()); err != nil {
				slog.Warn("Failed to prune sequence counters", slog.Any("error", err))
			} else if n > 0 {
				slog.Debug("Pruned sequence counters", slog.Int("count", n))
			}
		}
	}
}

// pruneSequences drops counters of windows that closed, grace included,
// more than the retention before now.
func (e *Engine) pruneSequences(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-e.cfg.SequenceRetention).Add(-e.cfg.Staging.WindowGrace)
	return e.state.PruneSequences(ctx, cutoff, e.cfg.Staging.WindowFor)
}

// Resume clears the halt on stream and resubmits its held partitions. It
// returns how many were resubmitted.
func (e *Engine) Resume(stream string) int {
	held := e.uploader.Resume(stream)
	for _, enc := range held {
		e.encodedQ.Push(enc)
	}
	slog.Info("Stream resumed", slog.String("stream", stream), slog.Int("partitions", len(held)))
	return len(held)
}

// Ready reports whether the engine accepts new data: staging has capacity
// and no stream is halted.
func (e *Engine) Ready() error {
	e.mu.Lock()
	started, stopped := e.started, e.stopped
	e.mu.Unlock()
	switch {
	case !started:
		return ErrNotStarted
	case stopped:
		return push.ErrDraining
	case !e.capacity.HasCapacity():
		return backpressure.ErrCapacityExceeded
	}
	if fatal := e.health.Fatal(); len(fatal) > 0 {
		return fmt.Errorf("stream %s halted: %s", fatal[0].Stream, fatal[0].Reason)
	}
	return nil
}

// outstanding counts partitions that still have automatic work ahead:
// everything in the manifest index except quarantined partitions and those
// held by a halted stream.
func (e *Engine) outstanding() int {
	n := 0
	for _, rec := range e.log.Index().List() {
		if rec.State == manifest.StateQuarantined || e.health.IsFatal(rec.Stream) {
			continue
		}
		n++
	}
	return n
}

// Shutdown drains the engine: new ingestion is rejected, the consumer
// stops fetching and releases its partitions, every open partition is
// closed, and encoding and upload continue until nothing is outstanding or
// the drain grace (or ctx) runs out. Whatever remains is finished by
// recovery on the next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return e.closeStores()
	}
	e.stopped = true
	e.mu.Unlock()

	ll := logctx.FromContext(ctx)
	ll.Info("Draining ingestion engine")
	e.push.StartDrain()
	e.buffer.StartDrain()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.DrainGrace)
	defer cancel()

	// The consumer flushes revoked partitions and waits for their uploads
	// itself, so the pools must still be running here.
	if e.stopPull != nil {
		e.stopPull()
		select {
		case <-e.pullDone:
		case <-ctx.Done():
			ll.Warn("Broker consumer did not stop within the drain grace")
		}
	}

	var errs *multierror.Error
	if ids, err := e.buffer.FlushAll(ctx); err != nil {
		errs = multierror.Append(errs, err)
	} else {
		ll.Info("Flushed open partitions", slog.Int("partitions", len(ids)))
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
wait:
	for {
		n := e.outstanding()
		if n == 0 {
			break
		}
		select {
		case <-ctx.Done():
			ll.Warn("Drain grace expired; remaining partitions are finished on restart",
				slog.Int("partitions", n))
			break wait
		case <-ticker.C:
		}
	}

	e.stop()
	if err := e.workers.Wait(); err != nil {
		errs = multierror.Append(errs, err)
	}
	e.retryWait.Wait()
	if e.group != nil {
		if err := e.group.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close consumer group: %w", err))
		}
	}
	if err := e.closeStores(); err != nil {
		errs = multierror.Append(errs, err)
	}
	ll.Info("Ingestion engine stopped")
	return errs.ErrorOrNil()
}

func (e *Engine) closeStores() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil
	}
	err := e.state.Close()
	e.state = nil
	return err
}
