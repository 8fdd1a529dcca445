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
	"strconv"
	"strings"

	"github.com/cockroachdb/pebble"

	"github.com/cardinalhq/lakestage/internal/offsets"
)

// Offsets adapts the store to offsets.Store.
func (db *DB) Offsets() offsets.Store {
	return offsetStore{db}
}

type offsetStore struct{ db *DB }

func offsetKey(k offsets.Key) []byte {
	return []byte(fmt.Sprintf("%s%s/%010d", offsetPrefix, k.Topic, k.Partition))
}

func parseOffsetKey(key []byte) (offsets.Key, error) {
	rest := strings.TrimPrefix(string(key), offsetPrefix)
	i := strings.LastIndexByte(rest, '/')
	if i < 0 {
		return offsets.Key{}, fmt.Errorf("malformed offset key %q", key)
	}
	p, err := strconv.ParseInt(rest[i+1:], 10, 32)
	if err != nil {
		return offsets.Key{}, fmt.Errorf("malformed offset key %q: %w", key, err)
	}
	return offsets.Key{Topic: rest[:i], Partition: int32(p)}, nil
}

func (s offsetStore) LoadOffsets(_ context.Context) (map[offsets.Key]int64, error) {
	out := map[offsets.Key]int64{}
	err := s.db.scan(offsetPrefix, func(key, value []byte) error {
		k, err := parseOffsetKey(key)
		if err != nil {
			return err
		}
		v, err := decodeUint64(value)
		if err != nil {
			return err
		}
		out[k] = int64(v)
		return nil
	})
	return out, err
}

// SaveOffsets writes commit points in one batch. A point lower than the
// stored one is ignored.
func (s offsetStore) SaveOffsets(_ context.Context, points map[offsets.Key]int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.db.commit(func(b *pebble.Batch) error {
		for k, off := range points {
			if off < 0 {
				continue
			}
			key := offsetKey(k)
			cur, ok, err := s.db.get(key)
			if err != nil {
				return err
			}
			if ok {
				if v, err := decodeUint64(cur); err == nil && int64(v) >= off {
					continue
				}
			}
			if err := b.Set(key, encodeUint64(uint64(off)), nil); err != nil {
				return err
			}
		}
		return nil
	})
}
