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

// Package envelope turns raw event bytes into validated, typed records.
package envelope

import (
	"fmt"
	"time"

	"github.com/cardinalhq/lakestage/internal/schema"
)

// ReservedPrefix names the system columns added at encode time. User
// payloads may not use it.
const ReservedPrefix = "_ingest."

// Source identifies which adapter ingested an event.
type Source uint8

const (
	SourcePush Source = iota + 1
	SourcePull
)

func (s Source) String() string {
	switch s {
	case SourcePush:
		return "push"
	case SourcePull:
		return "pull"
	default:
		return fmt.Sprintf("source(%d)", uint8(s))
	}
}

// BrokerOffset locates a pulled record in its topic partition.
type BrokerOffset struct {
	Topic     string
	Partition int32
	Offset    int64
}

// Value is a tagged scalar. Only the member matching Type is meaningful;
// JSON values are carried in Str as compact JSON text.
type Value struct {
	Type  schema.FieldType
	Bool  bool
	Int   int64
	Float float64
	Str   string
}

// Any returns the Go value for Type.
func (v Value) Any() any {
	switch v.Type {
	case schema.TypeBoolean:
		return v.Bool
	case schema.TypeInt64:
		return v.Int
	case schema.TypeFloat64:
		return v.Float
	case schema.TypeString, schema.TypeJSON:
		return v.Str
	default:
		return nil
	}
}

// Field is one flattened name and its value.
type Field struct {
	Name  string
	Value Value
}

// Envelope is one validated event. It is not modified after Validate
// returns it.
type Envelope struct {
	Stream        string
	IngestedAt    time.Time
	Source        Source
	Broker        *BrokerOffset
	SchemaVersion uint64
	Fields        []Field
	// Size is the length of the raw payload.
	Size int
}

// Get returns the value of a field by name.
func (e *Envelope) Get(name string) (Value, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

func (e *Envelope) schemaFields() []schema.Field {
	out := make([]schema.Field, len(e.Fields))
	for i, f := range e.Fields {
		out[i] = schema.Field{Name: f.Name, Type: f.Value.Type}
	}
	return out
}

// Reason classifies a rejected event.
type Reason uint8

const (
	ReasonMalformed Reason = iota + 1
	ReasonSchemaConflict
	ReasonTooLarge
	ReasonCapacityExceeded
	ReasonUnavailable
)

func (r Reason) String() string {
	switch r {
	case ReasonMalformed:
		return "malformed"
	case ReasonSchemaConflict:
		return "schema_conflict"
	case ReasonTooLarge:
		return "too_large"
	case ReasonCapacityExceeded:
		return "capacity_exceeded"
	case ReasonUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Rejection explains why an event was not accepted.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return r.Reason.String()
	}
	return r.Reason.String() + ": " + r.Detail
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
