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
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	return l
}

func TestAppendKeepsLatestState(t *testing.T) {
	l := openTestLog(t)
	rec := Record{ID: "p1", State: StateOpen, Stream: "web", WindowStart: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), Sequence: 3}

	_, err := l.Append(rec)
	require.NoError(t, err)

	rec.State = StateClosed
	rec.Records = 10
	rec.Offsets = []OffsetRange{{Topic: "t", Partition: 1, Min: 5, Max: 14}}
	_, err = l.Append(rec)
	require.NoError(t, err)

	got, err := l.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, got.State)
	assert.Equal(t, int64(10), got.Records)
	assert.Equal(t, rec.Offsets, got.Offsets)
	assert.NotZero(t, got.UpdatedAt)

	idx, ok := l.Index().Get("p1")
	require.True(t, ok)
	assert.Equal(t, StateClosed, idx.State)
}

func TestRecoverRebuildsIndexAndRepairsTornTail(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root)
	require.NoError(t, err)

	for _, id := range []string{"b", "a"} {
		_, err := l.Append(Record{ID: id, State: StateOpen, Stream: "web", Sequence: map[string]uint64{"a": 1, "b": 2}[id]})
		require.NoError(t, err)
	}
	_, err = l.Append(Record{ID: "a", State: StateEncoded, Stream: "web", Sequence: 1})
	require.NoError(t, err)

	// half-written trailing entry on "a"
	f, err := os.OpenFile(l.Layout().ManifestPath("a"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{9, 9, 9})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// a manifest that never got a complete entry
	require.NoError(t, os.WriteFile(l.Layout().ManifestPath("c"), []byte("LST"), 0o644))
	require.NoError(t, os.WriteFile(l.Layout().SegmentPath("c"), []byte("junk"), 0o644))

	fresh, err := Open(root)
	require.NoError(t, err)
	res, err := fresh.Recover()
	require.NoError(t, err)

	require.Len(t, res.Records, 2)
	assert.Equal(t, "a", res.Records[0].ID)
	assert.Equal(t, StateEncoded, res.Records[0].State)
	assert.Equal(t, "b", res.Records[1].ID)
	assert.Equal(t, []string{"c"}, res.Empty)
	assert.Empty(t, res.Corrupt)
	assert.Equal(t, 2, fresh.Index().Len())

	_, err = os.Stat(fresh.Layout().SegmentPath("c"))
	assert.True(t, os.IsNotExist(err))

	// the repaired manifest accepts further entries
	_, err = fresh.Append(Record{ID: "a", State: StateUploaded, Stream: "web", Sequence: 1})
	require.NoError(t, err)
	got, err := fresh.Load("a")
	require.NoError(t, err)
	assert.Equal(t, StateUploaded, got.State)
}

func TestPurgeRemovesAllFiles(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Append(Record{ID: "p", State: StateUploaded})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(l.Layout().SegmentPath("p"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(l.Layout().EncodedPath("p"), []byte("x"), 0o644))

	require.NoError(t, l.Purge("p"))
	for _, path := range []string{l.Layout().SegmentPath("p"), l.Layout().EncodedPath("p"), l.Layout().ManifestPath("p")} {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), path)
	}
	_, ok := l.Index().Get("p")
	assert.False(t, ok)

	// purging twice is fine
	assert.NoError(t, l.Purge("p"))
}

func TestLoadPurgedPartition(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Append(Record{ID: "p", State: StateEncoded})
	require.NoError(t, err)
	rec, err := l.Load("p")
	require.NoError(t, err)
	assert.Equal(t, StateEncoded, rec.State)

	require.NoError(t, l.Purge("p"))
	_, err = l.Load("p")
	assert.ErrorIs(t, err, ErrNoRecord)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestCountByStateAndStream(t *testing.T) {
	l := openTestLog(t)
	for i, st := range []State{StateOpen, StateClosed, StateClosed} {
		_, err := l.Append(Record{ID: string(rune('a' + i)), State: st, Stream: []string{"x", "y", "y"}[i]})
		require.NoError(t, err)
	}
	assert.Equal(t, map[State]int{StateOpen: 1, StateClosed: 2}, l.Index().CountByState())
	assert.Len(t, l.Index().Stream("y"), 2)
}

func TestInspectLeavesFilesAlone(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root)
	require.NoError(t, err)
	_, err = l.Append(Record{ID: "a", State: StateClosed, Stream: "web", Sequence: 1})
	require.NoError(t, err)

	path := l.Layout().ManifestPath("a")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{9, 9, 9})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	before, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(l.Layout().ManifestPath("c"), []byte("LST"), 0o644))
	require.NoError(t, os.WriteFile(l.Layout().SegmentPath("c"), []byte("junk"), 0o644))

	res, err := Inspect(root)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, StateClosed, res.Records[0].State)
	assert.Equal(t, []string{"c"}, res.Empty)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size())
	_, err = os.Stat(l.Layout().SegmentPath("c"))
	assert.NoError(t, err)
}

func TestInspectMissingDir(t *testing.T) {
	_, err := Inspect(t.TempDir())
	assert.Error(t, err)
}
