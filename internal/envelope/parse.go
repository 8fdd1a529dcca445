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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cardinalhq/lakestage/internal/schema"
)

const maxDepth = 32

var errNotObject = errors.New("payload is not a JSON object")

// parseObject flattens a JSON object into fields in document order.
// Nested objects become dotted names, arrays are kept as JSON text and
// nulls are dropped.
func parseObject(raw []byte) ([]Field, error) {
	p := &parser{seen: map[string]struct{}{}}
	if err := p.object(raw, "", 0); err != nil {
		return nil, err
	}
	return p.fields, nil
}

type parser struct {
	fields []Field
	seen   map[string]struct{}
}

func (p *parser) object(raw []byte, prefix string, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("nesting deeper than %d", maxDepth)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errNotObject
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		if key == "" {
			return errors.New("empty field name")
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return err
		}
		if err := p.value(prefix+key, value, depth); err != nil {
			return err
		}
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	if depth == 0 {
		if _, err := dec.Token(); err != io.EOF {
			return errors.New("trailing data after object")
		}
	}
	return nil
}

func (p *parser) value(name string, raw json.RawMessage, depth int) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return fmt.Errorf("field %q has no value", name)
	}

	switch raw[0] {
	case '{':
		return p.object(raw, name+".", depth+1)
	case 'n':
		return nil
	}

	if strings.HasPrefix(name, ReservedPrefix) {
		return fmt.Errorf("field %q uses reserved prefix %q", name, ReservedPrefix)
	}
	if _, dup := p.seen[name]; dup {
		return fmt.Errorf("duplicate field %q", name)
	}
	p.seen[name] = struct{}{}

	var v Value
	switch raw[0] {
	case '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return err
		}
		v = Value{Type: schema.TypeJSON, Str: buf.String()}
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		v = Value{Type: schema.TypeString, Str: s}
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		v = Value{Type: schema.TypeBoolean, Bool: b}
	default:
		num, err := parseNumber(raw)
		if err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		v = num
	}
	p.fields = append(p.fields, Field{Name: name, Value: v})
	return nil
}

func parseNumber(raw []byte) (Value, error) {
	n := json.Number(raw)
	if !bytes.ContainsAny(raw, ".eE") {
		if i, err := n.Int64(); err == nil {
			return Value{Type: schema.TypeInt64, Int: i}, nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return Value{}, fmt.Errorf("invalid number %s", raw)
	}
	return Value{Type: schema.TypeFloat64, Float: f}, nil
}
