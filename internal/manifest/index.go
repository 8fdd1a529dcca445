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

package manifest

import (
	"sort"
	"sync"
)

// Index is the in-memory view of every partition with a manifest. It is
// rebuilt from disk at startup and kept current by Log.
type Index struct {
	mu      sync.RWMutex
	records map[string]Record
}

func newIndex() *Index {
	return &Index{records: map[string]Record{}}
}

func (x *Index) put(r Record) {
	x.mu.Lock()
	x.records[r.ID] = r
	x.mu.Unlock()
}

func (x *Index) remove(id string) {
	x.mu.Lock()
	delete(x.records, id)
	x.mu.Unlock()
}

func (x *Index) Get(id string) (Record, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	r, ok := x.records[id]
	return r, ok
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.records)
}

// List returns all records ordered by stream, window and sequence.
func (x *Index) List() []Record {
	x.mu.RLock()
	out := make([]Record, 0, len(x.records))
	for _, r := range x.records {
		out = append(out, r)
	}
	x.mu.RUnlock()
	SortRecords(out)
	return out
}

// Stream returns the records of one stream.
func (x *Index) Stream(stream string) []Record {
	var out []Record
	for _, r := range x.List() {
		if r.Stream == stream {
			out = append(out, r)
		}
	}
	return out
}

// CountByState counts records per state.
func (x *Index) CountByState() map[State]int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := map[State]int{}
	for _, r := range x.records {
		out[r.State]++
	}
	return out
}

// SortRecords orders records by stream, window then sequence.
func SortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Stream != b.Stream {
			return a.Stream < b.Stream
		}
		if a.WindowStart != b.WindowStart {
			return a.WindowStart < b.WindowStart
		}
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return a.ID < b.ID
	})
}
