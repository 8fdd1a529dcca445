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
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/cardinalhq/lakestage/internal/envelope"
	"github.com/cardinalhq/lakestage/internal/schema"
)

// System columns added to every file.
const (
	ColumnTimestamp = envelope.ReservedPrefix + "timestamp"
	ColumnSource    = envelope.ReservedPrefix + "source"
	ColumnTopic     = envelope.ReservedPrefix + "topic"
	ColumnPartition = envelope.ReservedPrefix + "partition"
	ColumnOffset    = envelope.ReservedPrefix + "offset"
)

// Metadata keys embedded in every file.
const (
	MetaSchema = "lakestage.schema"
	MetaCodec  = "lakestage.codec"
	MetaStream = "lakestage.stream"
	MetaWindow = "lakestage.window"
)

func dictionary(n parquet.Node) parquet.Node {
	return parquet.Encoded(n, &parquet.RLEDictionary)
}

func nodeFor(t schema.FieldType) (parquet.Node, error) {
	switch t {
	case schema.TypeBoolean:
		return parquet.Optional(parquet.Leaf(parquet.BooleanType)), nil
	case schema.TypeInt64:
		return parquet.Optional(dictionary(parquet.Int(64))), nil
	case schema.TypeFloat64:
		return parquet.Optional(dictionary(parquet.Leaf(parquet.DoubleType))), nil
	case schema.TypeString:
		return parquet.Optional(dictionary(parquet.String())), nil
	case schema.TypeJSON:
		// kept as plain text; the embedded schema records that it is JSON
		return parquet.Optional(parquet.String()), nil
	default:
		return nil, fmt.Errorf("no parquet type for %s", t)
	}
}

// ParquetSchema maps a stream schema plus the system columns to a parquet
// schema. Every user column is optional so that records staged under an
// older schema version simply hold nulls.
func ParquetSchema(sc *schema.Schema) (*parquet.Schema, error) {
	nodes := map[string]parquet.Node{
		ColumnTimestamp: parquet.Timestamp(parquet.Millisecond),
		ColumnSource:    dictionary(parquet.String()),
		ColumnTopic:     parquet.Optional(dictionary(parquet.String())),
		ColumnPartition: parquet.Optional(parquet.Int(64)),
		ColumnOffset:    parquet.Optional(parquet.Int(64)),
	}
	for _, f := range sc.Fields {
		if _, clash := nodes[f.Name]; clash {
			return nil, fmt.Errorf("field %q collides with a system column", f.Name)
		}
		n, err := nodeFor(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		nodes[f.Name] = n
	}
	return parquet.NewSchema("lakestage", parquet.Group(nodes)), nil
}

// row converts an envelope into a parquet row. Absent fields are left out
// and written as nulls.
func row(env *envelope.Envelope) map[string]any {
	r := make(map[string]any, len(env.Fields)+5)
	r[ColumnTimestamp] = env.IngestedAt.UnixMilli()
	r[ColumnSource] = env.Source.String()
	if bo := env.Broker; bo != nil {
		r[ColumnTopic] = bo.Topic
		r[ColumnPartition] = int64(bo.Partition)
		r[ColumnOffset] = bo.Offset
	}
	for _, f := range env.Fields {
		r[f.Name] = f.Value.Any()
	}
	return r
}
