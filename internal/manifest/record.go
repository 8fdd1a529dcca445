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

// Package manifest is the durable log of staging partition state
// transitions. Every partition has its own append-only manifest file; the
// last valid entry in it is the partition's state.
package manifest

import (
	"fmt"
	"time"
)

// State is a partition lifecycle state.
type State string

const (
	StateOpen        State = "open"
	StateClosed      State = "closed"
	StateEncoded     State = "encoded"
	StateUploaded    State = "uploaded"
	StateQuarantined State = "quarantined"
)

// OffsetRange is the span of broker offsets a partition holds for one
// topic partition.
type OffsetRange struct {
	Topic     string `cbor:"topic" yaml:"topic"`
	Partition int32  `cbor:"partition" yaml:"partition"`
	Min       int64  `cbor:"min" yaml:"min"`
	Max       int64  `cbor:"max" yaml:"max"`
}

// Record is the cumulative state of one partition. Each manifest entry is a
// complete Record, so recovery only needs the last one.
type Record struct {
	ID        string `cbor:"id" yaml:"id"`
	State     State  `cbor:"state" yaml:"state"`
	UpdatedAt int64  `cbor:"updated_at" yaml:"updated_at"`

	Stream      string `cbor:"stream" yaml:"stream"`
	WindowStart int64  `cbor:"window_start" yaml:"window_start"`
	Sequence    uint64 `cbor:"sequence" yaml:"sequence"`
	// Writer names the staging directory that created the partition.
	Writer string `cbor:"writer,omitempty" yaml:"writer,omitempty"`

	// set when closed
	Records         int64         `cbor:"records,omitempty" yaml:"records,omitempty"`
	SegmentBytes    int64         `cbor:"segment_bytes,omitempty" yaml:"segment_bytes,omitempty"`
	SegmentChecksum uint64        `cbor:"segment_checksum,omitempty" yaml:"segment_checksum,omitempty"`
	Offsets         []OffsetRange `cbor:"offsets,omitempty" yaml:"offsets,omitempty"`
	SchemaVersion   uint64        `cbor:"schema_version,omitempty" yaml:"schema_version,omitempty"`
	Schema          []byte        `cbor:"schema,omitempty" yaml:"-"`

	// set when encoded
	EncodedBytes    int64  `cbor:"encoded_bytes,omitempty" yaml:"encoded_bytes,omitempty"`
	EncodedChecksum uint64 `cbor:"encoded_checksum,omitempty" yaml:"encoded_checksum,omitempty"`
	Rows            int64  `cbor:"rows,omitempty" yaml:"rows,omitempty"`
	Codec           string `cbor:"codec,omitempty" yaml:"codec,omitempty"`

	// set when uploaded
	ObjectKey string `cbor:"object_key,omitempty" yaml:"object_key,omitempty"`

	// set when quarantined
	Reason string `cbor:"reason,omitempty" yaml:"reason,omitempty"`
}

// Window returns the partition's window start.
func (r Record) Window() time.Time {
	return time.UnixMilli(r.WindowStart).UTC()
}

func (r Record) String() string {
	return fmt.Sprintf("%s[%s %s #%d %s]", r.ID, r.Stream, r.Window().Format(time.RFC3339), r.Sequence, r.State)
}

// Terminal reports whether no further automatic work will happen for r.
func (r Record) Terminal() bool {
	return r.State == StateUploaded || r.State == StateQuarantined
}
