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

package segment

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFrames(t *testing.T, path string, payloads ...string) *Writer {
	t.Helper()
	w, err := Create(path, MagicSegment, false)
	require.NoError(t, err)
	for _, p := range payloads {
		n, err := w.Append([]byte(p))
		require.NoError(t, err)
		assert.Equal(t, int64(frameHeaderSize+len(p)), n)
	}
	return w
}

func collect(t *testing.T, path string) ([]string, ScanResult, error) {
	t.Helper()
	var got []string
	res, err := Scan(path, MagicSegment, func(p []byte) error {
		got = append(got, string(p))
		return nil
	})
	return got, res, err
}

func TestAppendAndScanInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.seg")
	w := writeFrames(t, path, "one", "two", "three")
	size := w.Size()
	require.NoError(t, w.Close())

	got, res, err := collect(t, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, got)
	assert.Equal(t, 3, res.Frames)
	assert.Equal(t, size, res.ValidSize)
	assert.Zero(t, res.TornBytes)
}

func TestCreateRefusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.seg")
	require.NoError(t, writeFrames(t, path).Close())
	_, err := Create(path, MagicSegment, false)
	assert.Error(t, err)
}

func TestTornTailIsReportedAndRepairable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.seg")
	w := writeFrames(t, path, "one", "two")
	good := w.Size()
	require.NoError(t, w.Close())

	// simulate a crash halfway through the third frame
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{20, 0, 0, 0, 1, 2})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, res, err := collect(t, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, got)
	assert.Equal(t, good, res.ValidSize)
	assert.Equal(t, int64(6), res.TornBytes)

	w, err = OpenAppend(path, res.ValidSize, true)
	require.NoError(t, err)
	_, err = w.Append([]byte("three"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, res, err = collect(t, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, got)
	assert.Zero(t, res.TornBytes)
}

func TestCorruptMiddleFrameIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.seg")
	require.NoError(t, writeFrames(t, path, "one", "two").Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[headerSize+frameHeaderSize] ^= 0xff // first payload byte
	require.NoError(t, os.WriteFile(path, b, 0o644))

	_, _, err = collect(t, path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestWrongMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.seg")
	require.NoError(t, writeFrames(t, path, "x").Close())

	_, err := Scan(path, MagicManifest, func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestEmptyFileIsAllTorn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.seg")
	require.NoError(t, os.WriteFile(path, []byte("LST"), 0o644))

	_, res, err := collect(t, path)
	require.NoError(t, err)
	assert.Zero(t, res.ValidSize)
	assert.Equal(t, int64(3), res.TornBytes)
}

func TestScanCallbackErrorStops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.seg")
	require.NoError(t, writeFrames(t, path, "a", "b", "c").Close())

	boom := errors.New("boom")
	n := 0
	_, err := Scan(path, MagicSegment, func([]byte) error {
		n++
		if n == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, n)
}

func TestAppendTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.seg")
	w := writeFrames(t, path)
	defer w.Close()
	_, err := w.Append(make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Equal(t, int64(headerSize), w.Size())
}

func TestChecksumDetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.seg")
	require.NoError(t, writeFrames(t, path, "one").Close())

	a, n, err := Checksum(path)
	require.NoError(t, err)
	assert.Equal(t, int64(headerSize+frameHeaderSize+3), n)

	require.NoError(t, os.WriteFile(path, []byte("other"), 0o644))
	b, _, err := Checksum(path)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
