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
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/lakestage/internal/envelope"
	"github.com/cardinalhq/lakestage/internal/manifest"
	"github.com/cardinalhq/lakestage/internal/schema"
	"github.com/cardinalhq/lakestage/internal/segment"
	"github.com/cardinalhq/lakestage/internal/staging"
)

type reserved struct{ n int64 }

func (r *reserved) Reserve(n int64) { r.n += n }

type stager struct {
	t         *testing.T
	log       *manifest.Log
	registry  *schema.Registry
	validator *envelope.Validator
	window    time.Time
}

func newStager(t *testing.T) *stager {
	t.Helper()
	log, err := manifest.Open(t.TempDir())
	require.NoError(t, err)
	reg, err := schema.NewRegistry(context.Background(), schema.NewMemoryStore())
	require.NoError(t, err)
	return &stager{
		t:         t,
		log:       log,
		registry:  reg,
		validator: envelope.NewValidator(reg, 0),
		window:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// stage writes a closed partition holding the given payloads, the way the
// staging buffer would.
func (s *stager) stage(id, stream string, payloads ...string) *staging.Closed {
	t := s.t
	t.Helper()
	ctx := context.Background()

	path := s.log.Layout().SegmentPath(id)
	w, err := segment.Create(path, segment.MagicSegment, false)
	require.NoError(t, err)
	var maxVersion uint64
	for i, p := range payloads {
		env, rej := s.validator.Validate(ctx, stream, []byte(p), envelope.Meta{
			Source: envelope.SourcePush,
			Now:    s.window.Add(time.Duration(i) * time.Millisecond),
		})
		require.Nil(t, rej)
		maxVersion = max(maxVersion, env.SchemaVersion)
		b, err := envelope.Marshal(env)
		require.NoError(t, err)
		_, err = w.Append(b)
		require.NoError(t, err)
	}
	size := w.Size()
	require.NoError(t, w.Close())
	sum, _, err := segment.Checksum(path)
	require.NoError(t, err)

	sc, ok := s.registry.Version(stream, maxVersion)
	require.True(t, ok)
	schemaJSON, err := sc.Encode()
	require.NoError(t, err)

	rec, err := s.log.Append(manifest.Record{
		ID:              id,
		State:           manifest.StateClosed,
		Stream:          stream,
		WindowStart:     s.window.UnixMilli(),
		Sequence:        1,
		Records:         int64(len(payloads)),
		SegmentBytes:    size,
		SegmentChecksum: sum,
		SchemaVersion:   sc.Version,
		Schema:          schemaJSON,
	})
	require.NoError(t, err)
	return &staging.Closed{Record: rec, Schema: sc}
}

func TestEncodeWebLogs(t *testing.T) {
	s := newStager(t)
	c := s.stage("p1", "web-logs",
		`{"ts":1,"level":"info","msg":"started","latency":0.5}`,
		`{"ts":2,"level":"warn","msg":"slow","latency":2.25}`,
		`{"ts":3,"level":"info","msg":"done","latency":0.75}`,
	)
	capacity := &reserved{}
	enc, err := NewEncoder(Config{Codec: "zstd", RowGroupSize: 1000}, s.log, capacity)
	require.NoError(t, err)

	out, err := enc.Encode(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, manifest.StateEncoded, out.Record.State)
	assert.Equal(t, int64(3), out.Record.Rows)
	assert.Equal(t, "zstd", out.Record.Codec)
	assert.Equal(t, out.Record.EncodedBytes, capacity.n)
	require.NoError(t, Verify(s.log.Layout(), out.Record))

	stored, err := s.log.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, manifest.StateEncoded, stored.State)

	_, err = os.Stat(s.log.Layout().EncodedPath("p1") + ".tmp")
	assert.True(t, os.IsNotExist(err))

	file, err := ReadFile(s.log.Layout().EncodedPath("p1"))
	require.NoError(t, err)
	assert.Equal(t, "web-logs", file.Stream)
	assert.Equal(t, CodecZstd, file.Codec)
	assert.True(t, s.window.Equal(file.WindowStart))
	require.Equal(t, 4, file.Schema.Len())
	typ, ok := file.Schema.Lookup("latency")
	require.True(t, ok)
	assert.Equal(t, schema.TypeFloat64, typ)

	require.Len(t, file.Rows, 3)
	var msgs []any
	for i, r := range file.Rows {
		msgs = append(msgs, r["msg"])
		assert.EqualValues(t, i+1, r["ts"])
		assert.Equal(t, "push", r[ColumnSource])
		assert.EqualValues(t, s.window.Add(time.Duration(i)*time.Millisecond).UnixMilli(), r[ColumnTimestamp])
	}
	assert.Equal(t, []any{"started", "slow", "done"}, msgs)
	assert.Equal(t, 2.25, file.Rows[1]["latency"])
}

func TestEncodeWidenedSchemaLeavesNulls(t *testing.T) {
	s := newStager(t)
	c := s.stage("p1", "events",
		`{"a":"x"}`,
		`{"a":"y","b":true}`,
	)
	assert.Equal(t, uint64(2), c.Schema.Version)

	enc, err := NewEncoder(DefaultConfig(), s.log, &reserved{})
	require.NoError(t, err)
	out, err := enc.Encode(context.Background(), c)
	require.NoError(t, err)

	file, err := ReadFile(s.log.Layout().EncodedPath(out.Record.ID))
	require.NoError(t, err)
	require.Len(t, file.Rows, 2)
	assert.Nil(t, file.Rows[0]["b"])
	assert.Equal(t, true, file.Rows[1]["b"])
}

func TestEncodeSubdividesRowGroupsUnderMemoryLimit(t *testing.T) {
	s := newStager(t)
	var payloads []string
	for i := range 64 {
		payloads = append(payloads, fmt.Sprintf(`{"n":%d,"pad":"%0200d"}`, i, i))
	}
	c := s.stage("p1", "big", payloads...)

	enc, err := NewEncoder(Config{Codec: "snappy", RowGroupSize: 64, MemoryLimit: 8 << 10}, s.log, &reserved{})
	require.NoError(t, err)
	assert.Less(t, enc.initialRowGroup(c.Record), 64)

	out, err := enc.Encode(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, int64(64), out.Record.Rows)

	file, err := ReadFile(s.log.Layout().EncodedPath("p1"))
	require.NoError(t, err)
	require.Len(t, file.Rows, 64)
	for i, r := range file.Rows {
		assert.EqualValues(t, i, r["n"])
	}
}

func TestEncodeQuarantinesChecksumMismatch(t *testing.T) {
	s := newStager(t)
	c := s.stage("p1", "events", `{"a":1}`)
	c.Record.SegmentChecksum++

	enc, err := NewEncoder(DefaultConfig(), s.log, &reserved{})
	require.NoError(t, err)
	_, err = enc.Encode(context.Background(), c)
	require.Error(t, err)
	assert.True(t, errors.Is(err, staging.ErrQuarantined))

	stored, err := s.log.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, manifest.StateQuarantined, stored.State)
	assert.Contains(t, stored.Reason, "checksum")
}

func TestEncodeQuarantinesMissingSegment(t *testing.T) {
	s := newStager(t)
	c := s.stage("p1", "events", `{"a":1}`)
	require.NoError(t, os.Remove(s.log.Layout().SegmentPath("p1")))

	enc, err := NewEncoder(DefaultConfig(), s.log, &reserved{})
	require.NoError(t, err)
	_, err = enc.Encode(context.Background(), c)
	assert.ErrorIs(t, err, staging.ErrQuarantined)
}

func TestVerifyDetectsDamage(t *testing.T) {
	s := newStager(t)
	c := s.stage("p1", "events", `{"a":1}`)
	enc, err := NewEncoder(DefaultConfig(), s.log, &reserved{})
	require.NoError(t, err)
	out, err := enc.Encode(context.Background(), c)
	require.NoError(t, err)

	path := s.log.Layout().EncodedPath("p1")
	require.NoError(t, os.Truncate(path, out.Record.EncodedBytes-1))
	assert.Error(t, Verify(s.log.Layout(), out.Record))
}

func TestParseCodec(t *testing.T) {
	for in, want := range map[string]Codec{
		"":             CodecLz4Raw,
		"ZSTD":         CodecZstd,
		"lz4":          CodecLz4Raw,
		"uncompressed": CodecNone,
		"gzip":         CodecGzip,
	} {
		got, err := ParseCodec(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseCodec("brotli-9000")
	assert.Error(t, err)
}

func TestParquetSchemaRejectsSystemColumnClash(t *testing.T) {
	sc, err := schema.New("s", 1, []schema.Field{{Name: ColumnOffset, Type: schema.TypeInt64}})
	require.NoError(t, err)
	_, err = ParquetSchema(sc)
	assert.Error(t, err)
}

func TestIngestTimestampIsMillisecondTimestamp(t *testing.T) {
	sc, err := schema.New("s", 1, []schema.Field{{Name: "n", Type: schema.TypeInt64}})
	require.NoError(t, err)
	ps, err := ParquetSchema(sc)
	require.NoError(t, err)

	col, ok := ps.Lookup(ColumnTimestamp)
	require.True(t, ok)
	lt := col.Node.Type().LogicalType()
	require.NotNil(t, lt)
	require.NotNil(t, lt.Timestamp)
	assert.NotNil(t, lt.Timestamp.Unit.Millis)

	n, ok := ps.Lookup("n")
	require.True(t, ok)
	if nlt := n.Node.Type().LogicalType(); nlt != nil {
		assert.Nil(t, nlt.Timestamp)
	}
}
