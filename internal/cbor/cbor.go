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

// Package cbor holds the CBOR modes used for everything lakestage writes to
// local disk: staged records and manifest entries.
//
// Type behavior:
//   - all integers decode as int64
//   - floats are never shortened, so float64 stays float64
//   - maps decode as map[string]any
//   - invalid UTF-8 text is decoded as-is
package cbor

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Config holds an encoder/decoder mode pair.
type Config struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
}

// NewConfig creates a Config with type-preserving options.
func NewConfig() (*Config, error) {
	encMode, err := cbor.EncOptions{
		Sort:          cbor.SortNone,
		ShortestFloat: cbor.ShortestFloatNone,
		BigIntConvert: cbor.BigIntConvertNone,
		Time:          cbor.TimeUnixMicro,
		TimeTag:       cbor.EncTagNone,
	}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	decMode, err := cbor.DecOptions{
		BigIntDec:      cbor.BigIntDecodeValue,
		IntDec:         cbor.IntDecConvertSigned,
		DefaultMapType: reflect.TypeOf(map[string]any{}),
		UTF8:           cbor.UTF8DecodeInvalid,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR decoder: %w", err)
	}

	return &Config{encMode: encMode, decMode: decMode}, nil
}

// Default is shared by every package; the modes are safe for concurrent use.
var Default = mustConfig()

func mustConfig() *Config {
	c, err := NewConfig()
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Config) Marshal(v any) ([]byte, error) {
	return c.encMode.Marshal(v)
}

func (c *Config) Unmarshal(data []byte, v any) error {
	return c.decMode.Unmarshal(data, v)
}
