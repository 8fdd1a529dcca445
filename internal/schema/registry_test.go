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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryFirstEventCreatesVersionOne(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r, err := NewRegistry(ctx, store)
	require.NoError(t, err)

	assert.Nil(t, r.Current("web"))

	s, err := r.Observe(ctx, "web", []Field{{"path", TypeString}, {"status", TypeInt64}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Version)
	assert.Same(t, s, r.Current("web"))

	persisted, err := store.LoadSchemas(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, []string{"web"}, r.Streams())
}

func TestRegistryWidenAndConflict(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry(ctx, NewMemoryStore())
	require.NoError(t, err)

	_, err = r.Observe(ctx, "web", []Field{{"path", TypeString}, {"status", TypeInt64}})
	require.NoError(t, err)

	s, err := r.Observe(ctx, "web", []Field{{"path", TypeString}, {"latency_ms", TypeFloat64}})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Version)

	_, err = r.Observe(ctx, "web", []Field{{"status", TypeString}})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Equal(t, uint64(2), r.Current("web").Version)

	v1, ok := r.Version("web", 1)
	require.True(t, ok)
	assert.Equal(t, 2, v1.Len())
	_, ok = r.Version("web", 3)
	assert.False(t, ok)
}

func TestRegistryReloadsAllVersions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r, err := NewRegistry(ctx, store)
	require.NoError(t, err)
	_, err = r.Observe(ctx, "a", []Field{{"x", TypeInt64}})
	require.NoError(t, err)
	_, err = r.Observe(ctx, "a", []Field{{"y", TypeBoolean}})
	require.NoError(t, err)

	reloaded, err := NewRegistry(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), reloaded.Current("a").Version)
	_, ok := reloaded.Version("a", 1)
	assert.True(t, ok)
}

type failingStore struct{ MemoryStore }

func (f *failingStore) SaveSchema(context.Context, *Schema) error {
	return errors.New("disk gone")
}

func TestRegistryDoesNotPublishUnpersistedVersion(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry(ctx, &failingStore{})
	require.NoError(t, err)

	_, err = r.Observe(ctx, "web", []Field{{"path", TypeString}})
	assert.Error(t, err)
	assert.Nil(t, r.Current("web"))
}

func TestRegistryConcurrentWideningIsSerialized(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry(ctx, NewMemoryStore())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Observe(ctx, "web", []Field{{Name: string(rune('a' + i)), Type: TypeInt64}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	cur := r.Current("web")
	assert.Equal(t, 16, cur.Len())
	assert.Equal(t, uint64(16), cur.Version)
}
