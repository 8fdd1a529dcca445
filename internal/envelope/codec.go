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

package envelope

import (
	"fmt"
	"time"

	"github.com/cardinalhq/lakestage/internal/cbor"
	"github.com/cardinalhq/lakestage/internal/schema"
)

// record is the on-disk form of an Envelope inside a staging segment.
// Types travel with the values so a segment can be decoded without the
// schema registry.
type record struct {
	Stream    string   `cbor:"1,keyasint"`
	Ingested  int64    `cbor:"2,keyasint"`
	Source    uint8    `cbor:"3,keyasint"`
	Topic     string   `cbor:"4,keyasint,omitempty"`
	Partition int32    `cbor:"5,keyasint,omitempty"`
	Offset    int64    `cbor:"6,keyasint,omitempty"`
	HasBroker bool     `cbor:"7,keyasint,omitempty"`
	Version   uint64   `cbor:"8,keyasint"`
	Names     []string `cbor:"9,keyasint"`
	Types     []uint8  `cbor:"10,keyasint"`
	Values    []any    `cbor:"11,keyasint"`
	Size      int      `cbor:"12,keyasint,omitempty"`
}

// Marshal encodes env for a staging segment.
func Marshal(env *Envelope) ([]byte, error) {
	r := record{
		Stream:   env.Stream,
		Ingested: env.IngestedAt.UnixNano(),
		Source:   uint8(env.Source),
		Version:  env.SchemaVersion,
		Names:    make([]string, len(env.Fields)),
		Types:    make([]uint8, len(env.Fields)),
		Values:   make([]any, len(env.Fields)),
		Size:     env.Size,
	}
	if env.Broker != nil {
		r.HasBroker = true
		r.Topic = env.Broker.Topic
		r.Partition = env.Broker.Partition
		r.Offset = env.Broker.Offset
	}
	for i, f := range env.Fields {
		r.Names[i] = f.Name
		r.Types[i] = uint8(f.Value.Type)
		r.Values[i] = f.Value.Any()
	}
	return cbor.Default.Marshal(&r)
}

// Unmarshal is the inverse of Marshal.
func Unmarshal(b []byte) (*Envelope, error) {
	var r record
	if err := cbor.Default.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if len(r.Names) != len(r.Types) || len(r.Names) != len(r.Values) {
		return nil, fmt.Errorf("decode record: mismatched field arrays %d/%d/%d", len(r.Names), len(r.Types), len(r.Values))
	}
	env := &Envelope{
		Stream:        r.Stream,
		IngestedAt:    time.Unix(0, r.Ingested).UTC(),
		Source:        Source(r.Source),
		SchemaVersion: r.Version,
		Fields:        make([]Field, len(r.Names)),
		Size:          r.Size,
	}
	if r.HasBroker {
		env.Broker = &BrokerOffset{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset}
	}
	for i, name := range r.Names {
		v, err := valueOf(schema.FieldType(r.Types[i]), r.Values[i])
		if err != nil {
			return nil, fmt.Errorf("decode record field %q: %w", name, err)
		}
		env.Fields[i] = Field{Name: name, Value: v}
	}
	return env, nil
}

func valueOf(t schema.FieldType, raw any) (Value, error) {
	v := Value{Type: t}
	var ok bool
	switch t {
	case schema.TypeBoolean:
		v.Bool, ok = raw.(bool)
	case schema.TypeInt64:
		v.Int, ok = raw.(int64)
	case schema.TypeFloat64:
		v.Float, ok = raw.(float64)
	case schema.TypeString, schema.TypeJSON:
		v.Str, ok = raw.(string)
	}
	if !ok {
		return Value{}, fmt.Errorf("value %T does not match type %s", raw, t)
	}
	return v, nil
}
