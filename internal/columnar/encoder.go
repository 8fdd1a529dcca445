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

package columnar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/parquet-go/parquet-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/lakestage/internal/envelope"
	"github.com/cardinalhq/lakestage/internal/manifest"
	"github.com/cardinalhq/lakestage/internal/schema"
	"github.com/cardinalhq/lakestage/internal/segment"
	"github.com/cardinalhq/lakestage/internal/staging"
)

var (
	filesEncoded  metric.Int64Counter
	rowsEncoded   metric.Int64Counter
	budgetRetries metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/lakestage/internal/columnar")

	var err error
	filesEncoded, err = meter.Int64Counter(
		"lakestage.columnar.files_encoded",
		metric.WithDescription("Number of staged partitions encoded to parquet"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create columnar.files_encoded counter: %w", err))
	}

	rowsEncoded, err = meter.Int64Counter(
		"lakestage.columnar.rows_encoded",
		metric.WithDescription("Number of rows written to parquet files"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create columnar.rows_encoded counter: %w", err))
	}

	budgetRetries, err = meter.Int64Counter(
		"lakestage.columnar.budget_retries",
		metric.WithDescription("Number of encodes restarted with smaller row groups to stay within the memory limit"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create columnar.budget_retries counter: %w", err))
	}
}

// bytes of heap assumed per byte of staged payload while a row group is
// buffered by the parquet writer.
const expansionFactor = 4

var errOverBudget = errors.New("row group exceeds memory limit")

// Config controls the parquet encoder.
type Config struct {
	Codec        string `mapstructure:"codec"`
	RowGroupSize int    `mapstructure:"row_group_size"`
	// MemoryLimit bounds the estimated memory of one buffered row group.
	// Zero disables the check.
	MemoryLimit int64 `mapstructure:"memory_limit"`
}

func DefaultConfig() Config {
	return Config{
		Codec:        string(CodecLz4Raw),
		RowGroupSize: 262144,
		MemoryLimit:  256 << 20,
	}
}

// Capacity receives the size of every encoded file.
type Capacity interface {
	Reserve(n int64)
}

// Encoded transfers ownership of an encoded partition to the uploader.
type Encoded struct {
	Record manifest.Record
}

// Encoder turns closed partitions into parquet files.
type Encoder struct {
	cfg      Config
	codec    Codec
	log      *manifest.Log
	capacity Capacity
}

func NewEncoder(cfg Config, log *manifest.Log, capacity Capacity) (*Encoder, error) {
	codec, err := ParseCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if cfg.RowGroupSize <= 0 {
		cfg.RowGroupSize = DefaultConfig().RowGroupSize
	}
	return &Encoder{cfg: cfg, codec: codec, log: log, capacity: capacity}, nil
}

func (e *Encoder) Codec() Codec { return e.codec }

// quarantineError marks failures that no retry can fix.
type quarantineError struct{ err error }

func (q quarantineError) Error() string { return q.err.Error() }
func (q quarantineError) Unwrap() error { return q.err }

// Encode writes the parquet file for c and records the encoded manifest
// entry. Records appear in the file in staging order. Corrupt segments and
// encoder failures quarantine the partition and return an error wrapping
// staging.ErrQuarantined; any other error leaves the partition closed so the
// call can be retried.
func (e *Encoder) Encode(ctx context.Context, c *staging.Closed) (*Encoded, error) {
	rec := c.Record
	layout := e.log.Layout()
	segPath := layout.SegmentPath(rec.ID)

	sum, _, err := segment.Checksum(segPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, staging.QuarantineRecord(e.log, rec, fmt.Errorf("segment missing"))
		}
		return nil, fmt.Errorf("checksum segment %s: %w", rec.ID, err)
	}
	if sum != rec.SegmentChecksum {
		return nil, staging.QuarantineRecord(e.log, rec,
			fmt.Errorf("segment checksum %x does not match manifest %x", sum, rec.SegmentChecksum))
	}

	ps, err := ParquetSchema(c.Schema)
	if err != nil {
		return nil, staging.QuarantineRecord(e.log, rec, err)
	}

	rowsPerGroup := e.initialRowGroup(rec)
	finalPath := layout.EncodedPath(rec.ID)
	tmpPath := finalPath + ".tmp"
	var res writeResult
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err = e.writeFile(tmpPath, rec, c.Schema, ps, rowsPerGroup)
		if errors.Is(err, errOverBudget) && rowsPerGroup > 1 {
			rowsPerGroup /= 2
			budgetRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", rec.Stream)))
			slog.Info("Retrying encode with smaller row groups",
				slog.String("partition", rec.ID),
				slog.Int("rowsPerGroup", rowsPerGroup))
			continue
		}
		break
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		var q quarantineError
		if errors.As(err, &q) {
			return nil, staging.QuarantineRecord(e.log, rec, q.err)
		}
		return nil, fmt.Errorf("encode %s: %w", rec.ID, err)
	}
	if res.rows != rec.Records {
		_ = os.Remove(tmpPath)
		return nil, staging.QuarantineRecord(e.log, rec,
			fmt.Errorf("segment holds %d records, manifest says %d", res.rows, rec.Records))
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("rename encoded file %s: %w", rec.ID, err)
	}
	e.capacity.Reserve(res.bytes)

	rec.State = manifest.StateEncoded
	rec.EncodedBytes = res.bytes
	rec.EncodedChecksum = res.checksum
	rec.Rows = res.rows
	rec.Codec = string(e.codec)
	rec, err = e.log.Append(rec)
	if err != nil {
		// the file stays reserved; recovery finds it and verifies it
		return nil, err
	}

	filesEncoded.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", rec.Stream)))
	rowsEncoded.Add(ctx, res.rows, metric.WithAttributes(attribute.String("stream", rec.Stream)))
	return &Encoded{Record: rec}, nil
}

// initialRowGroup sizes row groups from the average record size so most
// partitions never need a retry.
func (e *Encoder) initialRowGroup(rec manifest.Record) int {
	rows := e.cfg.RowGroupSize
	if rec.Records > 0 && int64(rows) > rec.Records {
		rows = int(rec.Records)
	}
	if e.cfg.MemoryLimit <= 0 || rec.Records == 0 {
		return max(rows, 1)
	}
	avg := rec.SegmentBytes / rec.Records
	for rows > 1 && avg*int64(rows)*expansionFactor > e.cfg.MemoryLimit {
		rows /= 2
	}
	return max(rows, 1)
}

type writeResult struct {
	rows     int64
	bytes    int64
	checksum uint64
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (e *Encoder) writerOptions(rec manifest.Record, sc *schema.Schema, ps *parquet.Schema, rowsPerGroup int) ([]parquet.WriterOption, error) {
	schemaJSON, err := sc.Encode()
	if err != nil {
		return nil, err
	}
	return []parquet.WriterOption{
		ps,
		parquet.Compression(e.codec.compression()),
		parquet.PageBufferSize(32 * 1024),
		parquet.MaxRowsPerRowGroup(int64(rowsPerGroup)),
		parquet.KeyValueMetadata(MetaSchema, string(schemaJSON)),
		parquet.KeyValueMetadata(MetaCodec, string(e.codec)),
		parquet.KeyValueMetadata(MetaStream, rec.Stream),
		parquet.KeyValueMetadata(MetaWindow, strconv.FormatInt(rec.WindowStart, 10)),
	}, nil
}

func (e *Encoder) writeFile(path string, rec manifest.Record, sc *schema.Schema, ps *parquet.Schema, rowsPerGroup int) (writeResult, error) {
	opts, err := e.writerOptions(rec, sc, ps, rowsPerGroup)
	if err != nil {
		return writeResult{}, quarantineError{err}
	}
	cfg, err := parquet.NewWriterConfig(opts...)
	if err != nil {
		return writeResult{}, quarantineError{err}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return writeResult{}, err
	}
	defer f.Close()

	h := xxhash.New()
	out := &countingWriter{w: io.MultiWriter(f, h)}
	w := parquet.NewGenericWriter[map[string]any](out, cfg)

	var (
		batch      = make([]map[string]any, 0, rowsPerGroup)
		batchBytes int64
		rows       int64
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := w.Write(batch); err != nil {
			return writerError(err)
		}
		if err := w.Flush(); err != nil {
			return writerError(err)
		}
		clear(batch)
		batch = batch[:0]
		batchBytes = 0
		return nil
	}

	_, err = segment.Scan(e.log.Layout().SegmentPath(rec.ID), segment.MagicSegment, func(payload []byte) error {
		env, err := envelope.Unmarshal(payload)
		if err != nil {
			return quarantineError{fmt.Errorf("record %d: %w", rows, err)}
		}
		if env.SchemaVersion > sc.Version {
			return quarantineError{fmt.Errorf("record %d uses schema v%d, newer than v%d", rows, env.SchemaVersion, sc.Version)}
		}
		batch = append(batch, row(env))
		batchBytes += int64(len(payload))
		rows++
		if e.cfg.MemoryLimit > 0 && rowsPerGroup > 1 && batchBytes*expansionFactor > e.cfg.MemoryLimit {
			return errOverBudget
		}
		if len(batch) >= rowsPerGroup {
			return flush()
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, segment.ErrCorrupt) {
			err = quarantineError{err}
		}
		return writeResult{}, err
	}
	if err := flush(); err != nil {
		return writeResult{}, err
	}
	if err := w.Close(); err != nil {
		return writeResult{}, writerError(err)
	}
	if err := f.Sync(); err != nil {
		return writeResult{}, err
	}
	if err := f.Close(); err != nil {
		return writeResult{}, err
	}
	return writeResult{rows: rows, bytes: out.n, checksum: h.Sum64()}, nil
}

// writerError separates file system failures, which may be transient, from
// failures inside the encoder itself.
func writerError(err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return err
	}
	return quarantineError{err}
}

// Verify checks that the encoded file for rec is intact.
func Verify(layout manifest.Layout, rec manifest.Record) error {
	sum, n, err := segment.Checksum(layout.EncodedPath(rec.ID))
	if err != nil {
		return err
	}
	if n != rec.EncodedBytes || sum != rec.EncodedChecksum {
		return fmt.Errorf("encoded file %s: got %d bytes checksum %x, want %d bytes checksum %x",
			rec.ID, n, sum, rec.EncodedBytes, rec.EncodedChecksum)
	}
	return nil
}
