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

package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/cardinalhq/lakestage/internal/envelope"
	"github.com/cardinalhq/lakestage/internal/manifest"
	"github.com/cardinalhq/lakestage/internal/offsets"
	"github.com/cardinalhq/lakestage/internal/segment"
)

// ErrQuarantined marks a partition whose files cannot be processed. Its
// files are kept for manual inspection.
var ErrQuarantined = errors.New("staging: partition quarantined")

// Recover closes a partition whose manifest was left open by a crash. It
// drops a torn final record, then writes the closed entry. A nil Closed
// with a nil error means the partition held no records and was removed.
func (b *Buffer) Recover(ctx context.Context, rec manifest.Record) (*Closed, error) {
	if rec.State != manifest.StateOpen {
		return nil, fmt.Errorf("partition %s is %s, not open", rec.ID, rec.State)
	}
	path := b.deps.Log.Layout().SegmentPath(rec.ID)

	var records int64
	var maxSchema uint64
	ranges := map[offsets.Key]*manifest.OffsetRange{}
	res, err := segment.Scan(path, segment.MagicSegment, func(payload []byte) error {
		env, err := envelope.Unmarshal(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", segment.ErrCorrupt, err)
		}
		records++
		maxSchema = max(maxSchema, env.SchemaVersion)
		if bo := env.Broker; bo != nil {
			k := offsets.Key{Topic: bo.Topic, Partition: bo.Partition}
			if r, ok := ranges[k]; ok {
				r.Min = min(r.Min, bo.Offset)
				r.Max = max(r.Max, bo.Offset)
			} else {
				ranges[k] = &manifest.OffsetRange{Topic: bo.Topic, Partition: bo.Partition, Min: bo.Offset, Max: bo.Offset}
			}
		}
		return nil
	})
	switch {
	case errors.Is(err, fs.ErrNotExist), err == nil && records == 0:
		return nil, b.deps.Log.Purge(rec.ID)
	case err != nil:
		return nil, b.Quarantine(rec, err)
	}
	if res.TornBytes > 0 {
		if err := os.Truncate(path, res.ValidSize); err != nil {
			return nil, fmt.Errorf("truncate segment %s: %w", rec.ID, err)
		}
	}
	b.deps.Capacity.Reserve(res.ValidSize)

	sum, _, err := segment.Checksum(path)
	if err != nil {
		return nil, fmt.Errorf("checksum segment %s: %w", rec.ID, err)
	}
	sc, ok := b.deps.Schemas.Version(rec.Stream, maxSchema)
	if !ok {
		return nil, b.Quarantine(rec, fmt.Errorf("schema %s v%d not found", rec.Stream, maxSchema))
	}
	schemaJSON, err := sc.Encode()
	if err != nil {
		return nil, err
	}

	rec.State = manifest.StateClosed
	rec.Records = records
	rec.SegmentBytes = res.ValidSize
	rec.SegmentChecksum = sum
	rec.Offsets = sortedRanges(ranges)
	rec.SchemaVersion = sc.Version
	rec.Schema = schemaJSON
	rec, err = b.deps.Log.Append(rec)
	if err != nil {
		return nil, err
	}

	st := b.stream(rec.Stream)
	st.mu.Lock()
	st.latest = max(st.latest, rec.WindowStart)
	st.mu.Unlock()

	partitionsClosed.Add(ctx, 1)
	return &Closed{Record: rec, Schema: sc}, nil
}

// Quarantine records that rec cannot be processed and returns an error
// wrapping ErrQuarantined.
func (b *Buffer) Quarantine(rec manifest.Record, cause error) error {
	return QuarantineRecord(b.deps.Log, rec, cause)
}

// QuarantineRecord appends a quarantined entry for rec.
func QuarantineRecord(log *manifest.Log, rec manifest.Record, cause error) error {
	if st, err := os.Stat(log.Layout().SegmentPath(rec.ID)); err == nil && rec.SegmentBytes == 0 {
		rec.SegmentBytes = st.Size()
	}
	rec.State = manifest.StateQuarantined
	rec.Reason = cause.Error()
	if _, err := log.Append(rec); err != nil {
		return fmt.Errorf("quarantine %s: %w (cause: %v)", rec.ID, err, cause)
	}
	return fmt.Errorf("%w: %s: %v", ErrQuarantined, rec.ID, cause)
}
