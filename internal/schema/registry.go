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
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// Store persists schema versions. Every version ever published is kept so
// that partitions staged against an older version can still be encoded.
type Store interface {
	LoadSchemas(ctx context.Context) ([]*Schema, error)
	SaveSchema(ctx context.Context, s *Schema) error
}

// ConflictError is returned by Observe when an event disagrees with the
// active schema. The schema is left unchanged.
type ConflictError struct {
	Stream    string
	Version   uint64
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = c.String()
	}
	return fmt.Sprintf("stream %s schema v%d conflict: %s", e.Stream, e.Version, strings.Join(parts, "; "))
}

// IsConflict reports whether err carries a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

type streamVersions struct {
	mu       sync.Mutex
	versions []*Schema // versions[i].Version == i+1
}

func (sv *streamVersions) current() *Schema {
	if len(sv.versions) == 0 {
		return nil
	}
	return sv.versions[len(sv.versions)-1]
}

// Registry owns the authoritative schema for every stream. Widening is
// serialized per stream and a new version is persisted before any caller
// can observe it.
type Registry struct {
	store Store

	mu      sync.RWMutex
	streams map[string]*streamVersions
}

// NewRegistry loads all known versions from store.
func NewRegistry(ctx context.Context, store Store) (*Registry, error) {
	r := &Registry{
		store:   store,
		streams: map[string]*streamVersions{},
	}
	loaded, err := store.LoadSchemas(ctx)
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	sort.Slice(loaded, func(i, j int) bool {
		if loaded[i].Stream != loaded[j].Stream {
			return loaded[i].Stream < loaded[j].Stream
		}
		return loaded[i].Version < loaded[j].Version
	})
	for _, s := range loaded {
		sv := r.streamFor(s.Stream)
		if want := uint64(len(sv.versions) + 1); s.Version != want {
			return nil, fmt.Errorf("stream %s: schema version gap, expected v%d got v%d", s.Stream, want, s.Version)
		}
		sv.versions = append(sv.versions, s)
	}
	return r, nil
}

func (r *Registry) streamFor(stream string) *streamVersions {
	r.mu.RLock()
	sv, ok := r.streams[stream]
	r.mu.RUnlock()
	if ok {
		return sv
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sv, ok = r.streams[stream]; !ok {
		sv = &streamVersions{}
		r.streams[stream] = sv
	}
	return sv
}

// Current returns the active schema for stream, or nil if the stream has
// never been seen.
func (r *Registry) Current(stream string) *Schema {
	r.mu.RLock()
	sv, ok := r.streams[stream]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.current()
}

// Version returns a specific historical version.
func (r *Registry) Version(stream string, version uint64) (*Schema, bool) {
	r.mu.RLock()
	sv, ok := r.streams[stream]
	r.mu.RUnlock()
	if !ok || version == 0 {
		return nil, false
	}
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if version > uint64(len(sv.versions)) {
		return nil, false
	}
	return sv.versions[version-1], true
}

// Observe returns the schema version that covers fields, widening and
// persisting a new version when fields introduces previously unseen names.
// The first event of a stream creates version 1.
func (r *Registry) Observe(ctx context.Context, stream string, fields []Field) (*Schema, error) {
	sv := r.streamFor(stream)
	sv.mu.Lock()
	defer sv.mu.Unlock()

	cur := sv.current()
	var next *Schema
	if cur == nil {
		s, err := New(stream, 1, dedupe(fields))
		if err != nil {
			return nil, err
		}
		next = s
	} else {
		merged, conflicts := cur.Merge(fields)
		if len(conflicts) > 0 {
			return nil, &ConflictError{Stream: stream, Version: cur.Version, Conflicts: conflicts}
		}
		if merged == cur {
			return cur, nil
		}
		next = merged
	}

	if err := r.store.SaveSchema(ctx, next); err != nil {
		return nil, fmt.Errorf("persist schema %s v%d: %w", stream, next.Version, err)
	}
	sv.versions = append(sv.versions, next)
	return next, nil
}

// Streams lists every stream with at least one schema version.
func (r *Registry) Streams() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.streams))
	for name, sv := range r.streams {
		sv.mu.Lock()
		n := len(sv.versions)
		sv.mu.Unlock()
		if n > 0 {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

func dedupe(fields []Field) []Field {
	seen := make(map[string]struct{}, len(fields))
	out := make([]Field, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f.Name]; ok {
			continue
		}
		seen[f.Name] = struct{}{}
		out = append(out, f)
	}
	return out
}

// MemoryStore is a Store that keeps versions in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	schemas []*Schema
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) LoadSchemas(_ context.Context) ([]*Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.schemas), nil
}

func (m *MemoryStore) SaveSchema(_ context.Context, s *Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemas = append(m.schemas, s)
	return nil
}
