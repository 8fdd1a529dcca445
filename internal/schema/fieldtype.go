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

package schema

import (
	"fmt"
	"strings"
)

// FieldType is the closed set of column types a stream schema can carry.
type FieldType uint8

const (
	TypeUnknown FieldType = iota
	TypeBoolean
	TypeInt64
	TypeFloat64
	TypeString
	TypeJSON
)

var fieldTypeNames = map[FieldType]string{
	TypeBoolean: "boolean",
	TypeInt64:   "int64",
	TypeFloat64: "float64",
	TypeString:  "string",
	TypeJSON:    "json",
}

func (t FieldType) String() string {
	if s, ok := fieldTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// ParseFieldType is the inverse of String.
func ParseFieldType(s string) (FieldType, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for t, name := range fieldTypeNames {
		if name == want {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown field type %q", s)
}

func (t FieldType) MarshalText() ([]byte, error) {
	if _, ok := fieldTypeNames[t]; !ok {
		return nil, fmt.Errorf("cannot marshal field type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *FieldType) UnmarshalText(b []byte) error {
	v, err := ParseFieldType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Compatible reports whether a value observed as got may be stored in a
// column declared as have. Only identical types are compatible; an int64
// value is never silently coerced into a float64 column or the other way
// around, and every unknown type is incompatible with everything.
func Compatible(have, got FieldType) bool {
	switch have {
	case TypeBoolean, TypeInt64, TypeFloat64, TypeString, TypeJSON:
		return have == got
	default:
		return false
	}
}
