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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompatible(t *testing.T) {
	all := []FieldType{TypeBoolean, TypeInt64, TypeFloat64, TypeString, TypeJSON}
	for _, have := range all {
		for _, got := range all {
			assert.Equal(t, have == got, Compatible(have, got), "%s vs %s", have, got)
		}
		assert.False(t, Compatible(have, TypeUnknown))
		assert.False(t, Compatible(TypeUnknown, have))
	}
}

func TestParseFieldType(t *testing.T) {
	ft, err := ParseFieldType(" Float64 ")
	require.NoError(t, err)
	assert.Equal(t, TypeFloat64, ft)

	_, err = ParseFieldType("decimal")
	assert.Error(t, err)
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New("s", 1, []Field{{"a", TypeString}, {"a", TypeInt64}})
	assert.Error(t, err)
}

func TestMergeWidensInObservedOrder(t *testing.T) {
	base, err := New("web", 1, []Field{{"path", TypeString}, {"status", TypeInt64}})
	require.NoError(t, err)

	got, conflicts := base.Merge([]Field{{"status", TypeInt64}, {"latency_ms", TypeFloat64}, {"trace_id", TypeString}})
	require.Empty(t, conflicts)
	require.NotSame(t, base, got)
	assert.Equal(t, uint64(2), got.Version)
	assert.Equal(t, []Field{
		{"path", TypeString},
		{"status", TypeInt64},
		{"latency_ms", TypeFloat64},
		{"trace_id", TypeString},
	}, got.Fields)

	// base is untouched
	assert.Equal(t, 2, base.Len())
	_, ok := base.Lookup("trace_id")
	assert.False(t, ok)
}

func TestMergeSubsetIsNoop(t *testing.T) {
	base, err := New("web", 3, []Field{{"path", TypeString}, {"status", TypeInt64}})
	require.NoError(t, err)

	got, conflicts := base.Merge([]Field{{"path", TypeString}})
	assert.Empty(t, conflicts)
	assert.Same(t, base, got)
}

func TestMergeConflict(t *testing.T) {
	base, err := New("web", 1, []Field{{"status", TypeInt64}})
	require.NoError(t, err)

	got, conflicts := base.Merge([]Field{{"status", TypeString}, {"extra", TypeBoolean}})
	assert.Nil(t, got)
	require.Len(t, conflicts, 1)
	assert.Equal(t, Conflict{Field: "status", Have: TypeInt64, Got: TypeString}, conflicts[0])
}

func TestEncodeDecodeKeepsIndex(t *testing.T) {
	base, err := New("web", 2, []Field{{"path", TypeString}, {"body", TypeJSON}})
	require.NoError(t, err)

	b, err := base.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"stream":"web","version":2,"fields":[{"name":"path","type":"string"},{"name":"body","type":"json"}]}`, string(b))

	got, err := Decode(b)
	require.NoError(t, err)
	ft, ok := got.Lookup("body")
	assert.True(t, ok)
	assert.Equal(t, TypeJSON, ft)
}
