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

package idgen

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceIDsArePositiveAndDistinct(t *testing.T) {
	a := InstanceID()
	b := InstanceID()
	assert.Positive(t, a)
	assert.Positive(t, b)
	assert.NotEqual(t, a, b)
}

func TestULIDsSortInCreationOrder(t *testing.T) {
	g := NewULIDGenerator()
	now := time.Now()
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = g.Make(now)
	}
	assert.True(t, sort.StringsAreSorted(ids))
}

func TestULIDTime(t *testing.T) {
	g := NewULIDGenerator()
	ts := time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC)
	got, err := Time(g.Make(ts))
	require.NoError(t, err)
	assert.Equal(t, ts, got)
}

func TestULIDGeneratorIsSafeForConcurrentUse(t *testing.T) {
	g := NewULIDGenerator()
	var mu sync.Mutex
	seen := map[string]struct{}{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := g.Make(time.Now())
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
}
