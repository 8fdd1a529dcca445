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

// Package statestore keeps lakestage's small durable state in Pebble:
// schema versions, broker commit points and object sequence counters.
package statestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/cardinalhq/lakestage/internal/idgen"
)

const (
	schemaPrefix   = "schema/"
	offsetPrefix   = "offset/"
	sequencePrefix = "seq/"
	writerKey      = "meta/writer"
)

// Options configures the store.
type Options struct {
	// Dir is the Pebble data directory.
	Dir string
	// NoSync skips the WAL fsync on each write. Only for tests.
	NoSync bool
}

// DB wraps a Pebble database.
type DB struct {
	inner     *pebble.DB
	writeOpts *pebble.WriteOptions

	// guards read-modify-write sequences
	mu sync.Mutex
}

// Open creates or opens the store at opts.Dir.
func Open(opts Options) (*DB, error) {
	if opts.Dir == "" {
		return nil, errors.New("statestore: Options.Dir is required")
	}
	inner, err := pebble.Open(opts.Dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	wo := pebble.Sync
	if opts.NoSync {
		wo = pebble.NoSync
	}
	return &DB{inner: inner, writeOpts: wo}, nil
}

func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	return db.inner.Close()
}

func (db *DB) get(key []byte) ([]byte, bool, error) {
	val, closer, err := db.inner.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), true, nil
}

func (db *DB) commit(fn func(b *pebble.Batch) error) error {
	b := db.inner.NewBatch()
	defer b.Close()
	if err := fn(b); err != nil {
		return err
	}
	return b.Commit(db.writeOpts)
}

func (db *DB) scan(prefix string, fn func(key, value []byte) error) error {
	lo := []byte(prefix)
	hi := append(append([]byte{}, lo...), 0xFF)
	it, err := db.inner.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer func() { _ = it.Close() }()
	for ok := it.First(); ok; ok = it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

func encodeUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("statestore: expected 8 byte value, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// Writer returns the name of this staging directory, creating it on first
// use. It outlives restarts, so partitions recovered from disk keep their
// object keys.
func (db *DB) Writer(_ context.Context) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	cur, ok, err := db.get([]byte(writerKey))
	if err != nil {
		return "", err
	}
	if ok {
		return string(cur), nil
	}
	name := strconv.FormatInt(idgen.InstanceID(), 36)
	if err := db.commit(func(b *pebble.Batch) error {
		return b.Set([]byte(writerKey), []byte(name), nil)
	}); err != nil {
		return "", fmt.Errorf("persist writer: %w", err)
	}
	return name, nil
}

// NextSequence returns the next object sequence number for a stream window,
// starting at 1. The counter is durable before the number is returned, so
// a number is never handed out twice.
func (db *DB) NextSequence(_ context.Context, stream string, window time.Time) (uint64, error) {
	key := []byte(fmt.Sprintf("%s%s/%016x", sequencePrefix, stream, uint64(window.UnixMilli())))

	db.mu.Lock()
	defer db.mu.Unlock()

	cur, ok, err := db.get(key)
	if err != nil {
		return 0, err
	}
	var next uint64 = 1
	if ok {
		v, err := decodeUint64(cur)
		if err != nil {
			return 0, err
		}
		next = v + 1
	}
	if err := db.commit(func(b *pebble.Batch) error {
		return b.Set(key, encodeUint64(next), nil)
	}); err != nil {
		return 0, fmt.Errorf("persist sequence: %w", err)
	}
	return next, nil
}

// PruneSequences drops counters of windows that ended before cutoff.
// windowFor gives each stream's window length.
func (db *DB) PruneSequences(_ context.Context, cutoff time.Time, windowFor func(stream string) time.Duration) (int, error) {
	limit := cutoff.UnixMilli()
	var stale [][]byte
	err := db.scan(sequencePrefix, func(key, _ []byte) error {
		// seq/<stream>/<window start as 16 hex digits>
		rest := string(key[len(sequencePrefix):])
		if len(rest) < 18 || rest[len(rest)-17] != '/' {
			return nil
		}
		var ts uint64
		if _, err := fmt.Sscanf(rest[len(rest)-16:], "%016x", &ts); err != nil {
			return nil
		}
		end := int64(ts)
		if windowFor != nil {
			end += windowFor(rest[:len(rest)-17]).Milliseconds()
		}
		if end < limit {
			stale = append(stale, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	err = db.commit(func(b *pebble.Batch) error {
		for _, k := range stale {
			if err := b.Delete(k, nil); err != nil {
				return err
			}
		}
		return nil
	})
	return len(stale), err
}
