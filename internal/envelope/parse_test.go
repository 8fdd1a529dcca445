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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/lakestage/internal/schema"
)

func TestParseObjectKeepsDocumentOrder(t *testing.T) {
	fields, err := parseObject([]byte(`{"z":1,"a":"x","m":true,"f":1.5}`))
	require.NoError(t, err)

	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"z", "a", "m", "f"}, names)
	assert.Equal(t, Value{Type: schema.TypeInt64, Int: 1}, fields[0].Value)
	assert.Equal(t, Value{Type: schema.TypeString, Str: "x"}, fields[1].Value)
	assert.Equal(t, Value{Type: schema.TypeBoolean, Bool: true}, fields[2].Value)
	assert.Equal(t, Value{Type: schema.TypeFloat64, Float: 1.5}, fields[3].Value)
}

func TestParseObjectFlattensAndDropsNulls(t *testing.T) {
	fields, err := parseObject([]byte(`{"http":{"method":"GET","status":200},"tags":[1, "a"],"gone":null}`))
	require.NoError(t, err)
	require.Len(t, fields, 3)
	assert.Equal(t, "http.method", fields[0].Name)
	assert.Equal(t, "http.status", fields[1].Name)
	assert.Equal(t, "tags", fields[2].Name)
	assert.Equal(t, Value{Type: schema.TypeJSON, Str: `[1,"a"]`}, fields[2].Value)
}

func TestParseNumbers(t *testing.T) {
	tests := []struct {
		in   string
		want Value
	}{
		{"0", Value{Type: schema.TypeInt64}},
		{"-42", Value{Type: schema.TypeInt64, Int: -42}},
		{"1.0", Value{Type: schema.TypeFloat64, Float: 1}},
		{"2e3", Value{Type: schema.TypeFloat64, Float: 2000}},
		{"18446744073709551616", Value{Type: schema.TypeFloat64, Float: 18446744073709551616}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseNumber([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseObjectErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not json", `hello`},
		{"array", `[1,2]`},
		{"scalar", `12`},
		{"truncated", `{"a":1`},
		{"trailing", `{"a":1} {"b":2}`},
		{"duplicate", `{"a":1,"a":2}`},
		{"flattened duplicate", `{"a":{"b":1},"a.b":2}`},
		{"reserved", `{"_ingest.offset":1}`},
		{"empty name", `{"":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseObject([]byte(tt.in))
			assert.Error(t, err)
		})
	}
}

func TestParseObjectDepthLimit(t *testing.T) {
	doc := ""
	for i := 0; i <= maxDepth+1; i++ {
		doc += `{"a":`
	}
	doc += "1"
	for i := 0; i <= maxDepth+1; i++ {
		doc += "}"
	}
	_, err := parseObject([]byte(doc))
	assert.Error(t, err)
}
