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

// Package offsets tracks which broker offsets are safe to commit. An
// offset becomes committable once every staging partition holding it, or
// any earlier offset of the same topic partition, has been uploaded.
package offsets

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cardinalhq/lakestage/internal/manifest"
)

// Key is a broker topic partition.
type Key struct {
	Topic     string
	Partition int32
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Topic, k.Partition)
}

// Store persists commit points. A stored value is the highest offset whose
// data is durably uploaded, not the next offset to read.
type Store interface {
	LoadOffsets(ctx context.Context) (map[Key]int64, error)
	SaveOffsets(ctx context.Context, offsets map[Key]int64) error
}

// Committer is told about new commit points after they are persisted.
type Committer interface {
	CommitOffsets(ctx context.Context, offsets map[Key]int64)
}

type partState struct {
	committed   int64
	maxConsumed int64
	// staging partition id -> smallest offset it holds here
	pending map[string]int64
}

// commitPoint is the highest committable offset once staging partition
// done, if any, no longer counts.
func (p *partState) commitPoint(done string) int64 {
	lowest := int64(-1)
	for id, off := range p.pending {
		if id == done {
			continue
		}
		if lowest < 0 || off < lowest {
			lowest = off
		}
	}
	if lowest < 0 {
		return p.maxConsumed
	}
	return lowest - 1
}

// Tracker is the offset commit state. It is safe for concurrent use.
type Tracker struct {
	store Store

	// serializes persist+announce so stored points never move backwards
	commitMu sync.Mutex

	mu        sync.Mutex
	parts     map[Key]*partState
	byStaging map[string][]Key
	committer Committer
}

// NewTracker loads persisted commit points from store.
func NewTracker(ctx context.Context, store Store) (*Tracker, error) {
	loaded, err := store.LoadOffsets(ctx)
	if err != nil {
		return nil, fmt.Errorf("load offsets: %w", err)
	}
	t := &Tracker{
		store:     store,
		parts:     map[Key]*partState{},
		byStaging: map[string][]Key{},
	}
	for k, off := range loaded {
		t.parts[k] = &partState{committed: off, maxConsumed: off, pending: map[string]int64{}}
	}
	return t, nil
}

// SetCommitter installs the receiver of commit notifications.
func (t *Tracker) SetCommitter(c Committer) {
	t.mu.Lock()
	t.committer = c
	t.mu.Unlock()
}

func (t *Tracker) part(k Key) *partState {
	p, ok := t.parts[k]
	if !ok {
		p = &partState{committed: -1, maxConsumed: -1, pending: map[string]int64{}}
		t.parts[k] = p
	}
	return p
}

// Track records that offset of k was written into staging partition id.
func (t *Tracker) Track(id string, k Key, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.part(k)
	if offset > p.maxConsumed {
		p.maxConsumed = offset
	}
	if cur, ok := p.pending[id]; !ok {
		p.pending[id] = offset
		t.byStaging[id] = append(t.byStaging[id], k)
	} else if offset < cur {
		p.pending[id] = offset
	}
}

// Skip records an offset that was consumed but not staged, such as a
// rejected event. It needs no upload before it can be committed.
func (t *Tracker) Skip(ctx context.Context, k Key, offset int64) error {
	t.mu.Lock()
	p := t.part(k)
	if offset > p.maxConsumed {
		p.maxConsumed = offset
	}
	t.mu.Unlock()
	return t.advance(ctx, "", []Key{k})
}

// Restore registers the offsets of a partition found during recovery so
// nothing past them is committed until it is uploaded.
func (t *Tracker) Restore(id string, ranges []manifest.OffsetRange) {
	for _, r := range ranges {
		k := Key{Topic: r.Topic, Partition: r.Partition}
		t.Track(id, k, r.Min)
		t.mu.Lock()
		if p := t.parts[k]; r.Max > p.maxConsumed {
			p.maxConsumed = r.Max
		}
		t.mu.Unlock()
	}
}

// Complete is called once staging partition id is durably uploaded. It
// advances, persists and announces every commit point that moved. The
// partition stays pending until all three are done, so a failed persist
// can be retried and Pending never reports false ahead of the committer.
func (t *Tracker) Complete(ctx context.Context, id string) error {
	t.mu.Lock()
	keys := t.byStaging[id]
	t.mu.Unlock()
	if len(keys) == 0 {
		return nil
	}
	return t.advance(ctx, id, keys)
}

func (t *Tracker) advance(ctx context.Context, done string, keys []Key) error {
	t.commitMu.Lock()
	defer t.commitMu.Unlock()

	t.mu.Lock()
	moved := map[Key]int64{}
	for _, k := range keys {
		p := t.parts[k]
		if p == nil {
			continue
		}
		if cp := p.commitPoint(done); cp > p.committed {
			moved[k] = cp
		}
	}
	committer := t.committer
	t.mu.Unlock()

	if len(moved) > 0 {
		if err := t.store.SaveOffsets(ctx, moved); err != nil {
			return fmt.Errorf("persist offsets: %w", err)
		}
		if committer != nil {
			committer.CommitOffsets(ctx, moved)
		}
	}

	// commitMu is held, so nothing else moved committed since moved was built
	t.mu.Lock()
	for k, off := range moved {
		t.parts[k].committed = off
	}
	if done != "" {
		for _, k := range t.byStaging[done] {
			delete(t.parts[k].pending, done)
		}
		delete(t.byStaging, done)
	}
	t.mu.Unlock()
	return nil
}

// Committed returns the durable commit point for k.
func (t *Tracker) Committed(k Key) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parts[k]
	if !ok || p.committed < 0 {
		return -1, false
	}
	return p.committed, true
}

// HighWater returns the highest offset of k known to be staged or
// committed. A consumer resuming after a crash can skip anything at or
// below it.
func (t *Tracker) HighWater(k Key) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parts[k]
	if !ok {
		return -1
	}
	return p.maxConsumed
}

// Pending reports whether any not-yet-uploaded staging partition holds
// offsets of the given topic partitions.
func (t *Tracker) Pending(keys ...Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		if p, ok := t.parts[k]; ok && len(p.pending) > 0 {
			return true
		}
	}
	return false
}

// Snapshot returns commit points for all known topic partitions, sorted.
func (t *Tracker) Snapshot() []Position {
	t.mu.Lock()
	out := make([]Position, 0, len(t.parts))
	for k, p := range t.parts {
		out = append(out, Position{Key: k, Committed: p.committed, HighWater: p.maxConsumed, Pending: len(p.pending)})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Topic != out[j].Key.Topic {
			return out[i].Key.Topic < out[j].Key.Topic
		}
		return out[i].Key.Partition < out[j].Key.Partition
	})
	return out
}

// Position is a point-in-time view of one topic partition.
type Position struct {
	Key       Key
	Committed int64
	HighWater int64
	Pending   int
}

// MemoryStore keeps offsets in memory.
type MemoryStore struct {
	mu      sync.Mutex
	offsets map[Key]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offsets: map[Key]int64{}}
}

func (m *MemoryStore) LoadOffsets(context.Context) (map[Key]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Key]int64, len(m.offsets))
	for k, v := range m.offsets {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) SaveOffsets(_ context.Context, offsets map[Key]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range offsets {
		if v > m.offsets[k] || !m.has(k) {
			m.offsets[k] = v
		}
	}
	return nil
}

func (m *MemoryStore) has(k Key) bool {
	_, ok := m.offsets[k]
	return ok
}
