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
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cardinalhq/lakestage/internal/columnar"
	"github.com/cardinalhq/lakestage/internal/logctx"
	"github.com/cardinalhq/lakestage/internal/manifest"
	"github.com/cardinalhq/lakestage/internal/staging"
)

// RecoveryReport summarizes what Recover found in the staging directory.
type RecoveryReport struct {
	// Resumed counts partitions by the state they were found in.
	Resumed map[manifest.State]int
	// Reencoded lists encoded partitions whose file failed verification.
	Reencoded []string
	// Removed lists partitions that held no data.
	Removed []string
	// Quarantined lists partitions that cannot be processed.
	Quarantined []string
	// Unreadable lists partitions whose manifest could not be read.
	Unreadable []string
}

// Recover rebuilds in-memory state from the manifests on disk and queues
// each partition at the step after its last durable checkpoint. It must run
// before Start.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if started {
		return RecoveryReport{}, ErrAlreadyStarted
	}

	ll := logctx.FromContext(ctx)
	report := RecoveryReport{Resumed: map[manifest.State]int{}}

	found, err := e.log.Recover()
	if err != nil {
		return report, fmt.Errorf("scan manifests: %w", err)
	}
	report.Removed = append(report.Removed, found.Empty...)
	for id, cause := range found.Corrupt {
		report.Unreadable = append(report.Unreadable, id)
		ll.Error("Manifest unreadable; partition files left in place",
			slog.Bool("alert", true),
			slog.String("partition", id),
			slog.Any("error", cause))
	}

	for _, rec := range found.Records {
		report.Resumed[rec.State]++
		if err := e.recoverOne(ctx, rec, &report); err != nil {
			return report, err
		}
	}

	if n := len(found.Records); n > 0 {
		ll.Info("Recovered staging partitions",
			slog.Int("partitions", n),
			slog.Any("byState", report.Resumed),
			slog.Int("reencoded", len(report.Reencoded)),
			slog.Int("quarantined", len(report.Quarantined)))
	}
	return report, nil
}

func (e *Engine) recoverOne(ctx context.Context, rec manifest.Record, report *RecoveryReport) error {
	ll := logctx.FromContext(ctx).With(slog.String("stream", rec.Stream), slog.String("partition", rec.ID))

	quarantined := func(err error) error {
		if !errors.Is(err, staging.ErrQuarantined) {
			return err
		}
		report.Quarantined = append(report.Quarantined, rec.ID)
		e.health.MarkFatal(rec.Stream, err.Error())
		e.tracker.Restore(rec.ID, rec.Offsets)
		ll.Error("Partition quarantined during recovery", slog.Bool("alert", true), slog.Any("error", err))
		return nil
	}

	switch rec.State {
	case manifest.StateOpen:
		c, err := e.buffer.Recover(ctx, rec)
		if err != nil {
			return quarantined(err)
		}
		if c == nil {
			report.Removed = append(report.Removed, rec.ID)
			return nil
		}
		e.tracker.Restore(c.Record.ID, c.Record.Offsets)
		e.closedQ.Push(c)

	case manifest.StateClosed:
		e.capacity.Reserve(rec.SegmentBytes)
		e.tracker.Restore(rec.ID, rec.Offsets)
		c, err := staging.ClosedFromRecord(rec)
		if err != nil {
			return quarantined(staging.QuarantineRecord(e.log, rec, err))
		}
		e.closedQ.Push(c)

	case manifest.StateEncoded:
		e.capacity.Reserve(rec.SegmentBytes)
		e.tracker.Restore(rec.ID, rec.Offsets)
		if err := columnar.Verify(e.log.Layout(), rec); err != nil {
			ll.Warn("Encoded file failed verification, encoding again", slog.Any("error", err))
			report.Reencoded = append(report.Reencoded, rec.ID)
			rec.State = manifest.StateClosed
			c, err := staging.ClosedFromRecord(rec)
			if err != nil {
				return quarantined(staging.QuarantineRecord(e.log, rec, err))
			}
			e.closedQ.Push(c)
			return nil
		}
		e.capacity.Reserve(rec.EncodedBytes)
		e.encodedQ.Push(&columnar.Encoded{Record: rec})

	case manifest.StateUploaded:
		// the object is durable; only the commit and cleanup remain
		e.capacity.Reserve(rec.SegmentBytes + rec.EncodedBytes)
		e.tracker.Restore(rec.ID, rec.Offsets)
		e.encodedQ.Push(&columnar.Encoded{Record: rec})

	case manifest.StateQuarantined:
		e.capacity.Reserve(rec.SegmentBytes + rec.EncodedBytes)
		e.health.MarkFatal(rec.Stream, rec.Reason)
		e.tracker.Restore(rec.ID, rec.Offsets)
		report.Quarantined = append(report.Quarantined, rec.ID)

	default:
		return fmt.Errorf("partition %s has unknown state %q", rec.ID, rec.State)
	}
	return nil
}
