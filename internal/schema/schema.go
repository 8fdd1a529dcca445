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
	"encoding/json"
	"fmt"
	"slices"
)

// Field is a single named, typed column.
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// Schema is one immutable version of a stream's column set. Fields keep the
// order in which they were first observed.
type Schema struct {
	Stream  string  `json:"stream"`
	Version uint64  `json:"version"`
	Fields  []Field `json:"fields"`

	index map[string]int
}

// New builds a schema and its lookup index. Duplicate names are an error.
func New(stream string, version uint64, fields []Field) (*Schema, error) {
	s := &Schema{
		Stream:  stream,
		Version: version,
		Fields:  slices.Clone(fields),
	}
	if err := s.reindex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Schema) reindex() error {
	s.index = make(map[string]int, len(s.Fields))
	for i, f := range s.Fields {
		if _, dup := s.index[f.Name]; dup {
			return fmt.Errorf("schema %s v%d: duplicate field %q", s.Stream, s.Version, f.Name)
		}
		s.index[f.Name] = i
	}
	return nil
}

// Lookup returns the declared type of name.
func (s *Schema) Lookup(name string) (FieldType, bool) {
	if s == nil {
		return TypeUnknown, false
	}
	i, ok := s.index[name]
	if !ok {
		return TypeUnknown, false
	}
	return s.Fields[i].Type, true
}

func (s *Schema) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Fields)
}

// Conflict describes one field whose observed type disagrees with the
// declared one.
type Conflict struct {
	Field string
	Have  FieldType
	Got   FieldType
}

func (c Conflict) String() string {
	return fmt.Sprintf("field %q declared %s, observed %s", c.Field, c.Have, c.Got)
}

// Merge checks observed against s. When every observed field is already
// declared with a compatible type Merge returns s itself. When only new
// fields appear it returns a widened schema with Version+1 and the new
// fields appended in the order observed. Any type mismatch yields the list
// of conflicts and no schema.
func (s *Schema) Merge(observed []Field) (*Schema, []Conflict) {
	var conflicts []Conflict
	var added []Field
	seen := make(map[string]struct{}, len(observed))
	for _, f := range observed {
		if _, dup := seen[f.Name]; dup {
			continue
		}
		seen[f.Name] = struct{}{}
		have, ok := s.Lookup(f.Name)
		if !ok {
			added = append(added, f)
			continue
		}
		if !Compatible(have, f.Type) {
			conflicts = append(conflicts, Conflict{Field: f.Name, Have: have, Got: f.Type})
		}
	}
	if len(conflicts) > 0 {
		return nil, conflicts
	}
	if len(added) == 0 {
		return s, nil
	}
	fields := make([]Field, 0, len(s.Fields)+len(added))
	fields = append(fields, s.Fields...)
	fields = append(fields, added...)
	widened := &Schema{Stream: s.Stream, Version: s.Version + 1, Fields: fields}
	// names are unique by construction
	_ = widened.reindex()
	return widened, nil
}

// Encode renders s as the JSON document embedded in manifests and in
// columnar file metadata.
func (s *Schema) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Decode parses the output of Encode.
func Decode(b []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if err := s.reindex(); err != nil {
		return nil, err
	}
	return &s, nil
}
