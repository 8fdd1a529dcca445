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
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/cardinalhq/lakestage/internal/schema"
)

// File is the decoded content of an encoded partition.
type File struct {
	Stream      string
	WindowStart time.Time
	Codec       Codec
	Schema      *schema.Schema
	Rows        []map[string]any
}

// ReadFile loads every row of a parquet file written by an Encoder.
func ReadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet %s: %w", path, err)
	}

	out := &File{}
	raw, ok := pf.Lookup(MetaSchema)
	if !ok {
		return nil, fmt.Errorf("parquet %s: missing %s metadata", path, MetaSchema)
	}
	if out.Schema, err = schema.Decode([]byte(raw)); err != nil {
		return nil, fmt.Errorf("parquet %s: %w", path, err)
	}
	if v, ok := pf.Lookup(MetaCodec); ok {
		out.Codec = Codec(v)
	}
	out.Stream, _ = pf.Lookup(MetaStream)
	if v, ok := pf.Lookup(MetaWindow); ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parquet %s: bad window %q", path, v)
		}
		out.WindowStart = time.UnixMilli(ms).UTC()
	}

	reader := parquet.NewGenericReader[map[string]any](f, pf.Schema())
	defer reader.Close()

	for {
		rows := make([]map[string]any, 128)
		for i := range rows {
			rows[i] = make(map[string]any)
		}
		n, err := reader.Read(rows)
		out.Rows = append(out.Rows, rows[:n]...)
		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read parquet %s: %w", path, err)
		}
	}
	return out, nil
}
