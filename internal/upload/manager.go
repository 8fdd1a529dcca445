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

package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/lakestage/internal/cloudstorage"
	"github.com/cardinalhq/lakestage/internal/columnar"
	"github.com/cardinalhq/lakestage/internal/manifest"
)

var (
	partitionsUploaded metric.Int64Counter
	uploadRetries      metric.Int64Counter
	fatalFailures      metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/lakestage/internal/upload")

	var err error
	partitionsUploaded, err = meter.Int64Counter(
		"lakestage.upload.partitions",
		metric.WithDescription("Number of partitions uploaded and committed"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create upload.partitions counter: %w", err))
	}

	uploadRetries, err = meter.Int64Counter(
		"lakestage.upload.retries",
		metric.WithDescription("Number of upload attempts retried after a transient failure"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create upload.retries counter: %w", err))
	}

	fatalFailures, err = meter.Int64Counter(
		"lakestage.upload.fatal",
		metric.WithDescription("Number of uploads that halted their stream"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create upload.fatal counter: %w", err))
	}
}

// ErrStreamHalted is returned for partitions of a stream whose uploads were
// halted by an earlier fatal failure.
var ErrStreamHalted = errors.New("stream uploads halted")

// Outcome is the result class of an upload.
type Outcome int

const (
	// Committed means the object is durable, offsets advanced and local
	// files are gone.
	Committed Outcome = iota
	// RetryableFailure leaves the partition on disk in its last state. The
	// same call can be repeated later.
	RetryableFailure
	// FatalFailure halts the stream. The partition is held until Resume.
	FatalFailure
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case RetryableFailure:
		return "retryable_failure"
	case FatalFailure:
		return "fatal_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type Result struct {
	Outcome Outcome
	Key     string
	Err     error
}

type Config struct {
	Workers     int           `mapstructure:"workers"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	Verify      bool          `mapstructure:"verify"`
}

func DefaultConfig() Config {
	return Config{
		Workers:     4,
		MaxRetries:  5,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  30 * time.Second,
	}
}

// Completer advances offset commit state for an uploaded partition.
type Completer interface {
	Complete(ctx context.Context, id string) error
}

// Capacity is told about in-flight uploads and freed bytes.
type Capacity interface {
	BeginUpload()
	EndUpload()
	Release(n int64)
}

// Halter records streams that can no longer upload.
type Halter interface {
	MarkFatal(stream, reason string)
	ClearFatal(stream string)
	IsFatal(stream string) bool
}

// Manager makes encoded partitions durable in the object store.
type Manager struct {
	cfg      Config
	client   cloudstorage.Client
	log      *manifest.Log
	offsets  Completer
	capacity Capacity
	halter   Halter

	mu   sync.Mutex
	held map[string][]*columnar.Encoded
}

func NewManager(cfg Config, client cloudstorage.Client, log *manifest.Log, offsets Completer, capacity Capacity, halter Halter) *Manager {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = max(def.BackoffMax, cfg.BackoffBase)
	}
	return &Manager{
		cfg:      cfg,
		client:   client,
		log:      log,
		offsets:  offsets,
		capacity: capacity,
		halter:   halter,
		held:     map[string][]*columnar.Encoded{},
	}
}

func (m *Manager) Config() Config { return m.cfg }

// ObjectKey is the deterministic key of a partition. Replays of the same
// partition always produce the same key. The writer suffix keeps keys of
// instances staging the same window apart.
func ObjectKey(rec manifest.Record) string {
	name := fmt.Sprintf("%012d.parquet", rec.Sequence)
	if rec.Writer != "" {
		name = fmt.Sprintf("%012d-%s.parquet", rec.Sequence, rec.Writer)
	}
	return path.Join(rec.Stream, rec.Window().Format("20060102T150405Z"), name)
}

// Upload stores the encoded file, records the uploaded manifest entry and
// then finalizes the partition.
func (m *Manager) Upload(ctx context.Context, enc *columnar.Encoded) Result {
	rec := enc.Record
	if rec.State == manifest.StateUploaded {
		return m.Finalize(ctx, rec)
	}

	key := ObjectKey(rec)
	if m.halter.IsFatal(rec.Stream) {
		m.hold(enc)
		return Result{Outcome: FatalFailure, Key: key, Err: ErrStreamHalted}
	}

	if err := m.put(ctx, rec, key); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return Result{Outcome: RetryableFailure, Key: key, Err: err}
		}
		m.halt(ctx, enc, err)
		return Result{Outcome: FatalFailure, Key: key, Err: err}
	}

	rec.State = manifest.StateUploaded
	rec.ObjectKey = key
	rec, err := m.log.Append(rec)
	if err != nil {
		// the object is in place; uploading again overwrites it
		return Result{Outcome: RetryableFailure, Key: key, Err: err}
	}
	enc.Record = rec
	return m.Finalize(ctx, rec)
}

// Finalize advances offsets for an uploaded partition and removes its local
// files. It is safe to call again after a failure.
func (m *Manager) Finalize(ctx context.Context, rec manifest.Record) Result {
	if err := m.offsets.Complete(ctx, rec.ID); err != nil {
		return Result{Outcome: RetryableFailure, Key: rec.ObjectKey, Err: fmt.Errorf("commit offsets for %s: %w", rec.ID, err)}
	}
	if err := m.log.Purge(rec.ID); err != nil {
		return Result{Outcome: RetryableFailure, Key: rec.ObjectKey, Err: err}
	}
	m.capacity.Release(rec.SegmentBytes + rec.EncodedBytes)
	partitionsUploaded.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", rec.Stream)))
	slog.Debug("Partition uploaded",
		slog.String("partition", rec.ID),
		slog.String("key", rec.ObjectKey),
		slog.Int64("rows", rec.Rows))
	return Result{Outcome: Committed, Key: rec.ObjectKey}
}

func (m *Manager) put(ctx context.Context, rec manifest.Record, key string) error {
	file := m.log.Layout().EncodedPath(rec.ID)
	attempt := func() (struct{}, error) {
		m.capacity.BeginUpload()
		defer m.capacity.EndUpload()
		err := m.client.UploadObject(ctx, key, file)
		if err == nil && m.cfg.Verify {
			err = m.verify(ctx, key, rec)
		}
		if err != nil && !cloudstorage.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BackoffBase
	b.MaxInterval = m.cfg.BackoffMax
	b.RandomizationFactor = 0.5

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.cfg.MaxRetries+1)),
		// max_retries is the only limit
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			uploadRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", rec.Stream)))
			slog.Warn("Upload failed, retrying",
				slog.String("partition", rec.ID),
				slog.String("key", key),
				slog.Duration("backoff", d),
				slog.Any("error", err))
		}),
	)
	return err
}

// verify reads the object back and compares it with the local file.
func (m *Manager) verify(ctx context.Context, key string, rec manifest.Record) error {
	rc, err := m.client.GetObject(ctx, key)
	if err != nil {
		return fmt.Errorf("verify %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()
	h := xxhash.New()
	n, err := io.Copy(h, rc)
	if err != nil {
		return fmt.Errorf("verify %s: %w", key, err)
	}
	if n != rec.EncodedBytes || h.Sum64() != rec.EncodedChecksum {
		return fmt.Errorf("verify %s: stored object has %d bytes checksum %x, want %d bytes checksum %x",
			key, n, h.Sum64(), rec.EncodedBytes, rec.EncodedChecksum)
	}
	return nil
}

func (m *Manager) halt(ctx context.Context, enc *columnar.Encoded, err error) {
	rec := enc.Record
	m.halter.MarkFatal(rec.Stream, fmt.Sprintf("upload of %s failed: %v", rec.ID, err))
	m.hold(enc)
	fatalFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", rec.Stream)))
	slog.Error("Upload failed permanently, halting stream uploads",
		slog.Bool("alert", true),
		slog.String("stream", rec.Stream),
		slog.String("partition", rec.ID),
		slog.String("key", ObjectKey(rec)),
		slog.Any("error", err))
}

func (m *Manager) hold(enc *columnar.Encoded) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[enc.Record.Stream] = append(m.held[enc.Record.Stream], enc)
}

// Held returns the number of partitions waiting on each halted stream.
func (m *Manager) Held() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.held))
	for s, h := range m.held {
		out[s] = len(h)
	}
	return out
}

// Resume clears the halt on stream and returns its held partitions in
// staging order so the caller can submit them again.
func (m *Manager) Resume(stream string) []*columnar.Encoded {
	m.mu.Lock()
	held := m.held[stream]
	delete(m.held, stream)
	m.mu.Unlock()

	m.halter.ClearFatal(stream)
	recs := make([]manifest.Record, len(held))
	byID := make(map[string]*columnar.Encoded, len(held))
	for i, e := range held {
		recs[i] = e.Record
		byID[e.Record.ID] = e
	}
	manifest.SortRecords(recs)
	out := make([]*columnar.Encoded, len(recs))
	for i, r := range recs {
		out[i] = byID[r.ID]
	}
	return out
}
