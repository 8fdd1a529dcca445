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
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
)

// Codec names a parquet compression codec.
type Codec string

const (
	CodecZstd   Codec = "zstd"
	CodecSnappy Codec = "snappy"
	CodecLz4Raw Codec = "lz4_raw"
	CodecGzip   Codec = "gzip"
	CodecNone   Codec = "none"
)

// ParseCodec accepts the codec names used in configuration.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(strings.ToLower(strings.TrimSpace(s))); c {
	case CodecZstd, CodecSnappy, CodecLz4Raw, CodecGzip, CodecNone:
		return c, nil
	case "":
		return CodecLz4Raw, nil
	case "lz4":
		return CodecLz4Raw, nil
	case "uncompressed":
		return CodecNone, nil
	default:
		return "", fmt.Errorf("unknown compression codec %q", s)
	}
}

func (c Codec) compression() compress.Codec {
	switch c {
	case CodecZstd:
		return &parquet.Zstd
	case CodecSnappy:
		return &parquet.Snappy
	case CodecGzip:
		return &parquet.Gzip
	case CodecNone:
		return &parquet.Uncompressed
	default:
		return &parquet.Lz4Raw
	}
}
