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

package statestore

import (
	"context"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/cardinalhq/lakestage/internal/schema"
)

// Schemas adapts the store to schema.Store.
func (db *DB) Schemas() schema.Store {
	return schemaStore{db}
}

type schemaStore struct{ db *DB }

func schemaKey(stream string, version uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%016x", schemaPrefix, stream, version))
}

func (s schemaStore) LoadSchemas(_ context.Context) ([]*schema.Schema, error) {
	var out []*schema.Schema
	err := s.db.scan(schemaPrefix, func(key, value []byte) error {
		sc, err := schema.Decode(value)
		if err != nil {
			return fmt.Errorf("schema at %q: %w", key, err)
		}
		out = append(out, sc)
		return nil
	})
	return out, err
}

func (s schemaStore) SaveSchema(_ context.Context, sc *schema.Schema) error {
	b, err := sc.Encode()
	if err != nil {
		return err
	}
	return s.db.commit(func(batch *pebble.Batch) error {
		return batch.Set(schemaKey(sc.Stream, sc.Version), b, nil)
	})
}
