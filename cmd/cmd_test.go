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

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cardinalhq/lakestage/internal/cloudstorage"
	"github.com/cardinalhq/lakestage/internal/engine"
	"github.com/cardinalhq/lakestage/internal/manifest"
)

func TestRunManifests(t *testing.T) {
	dir := t.TempDir()
	l, err := manifest.Open(dir)
	require.NoError(t, err)
	for _, rec := range []manifest.Record{
		{ID: "p1", State: manifest.StateClosed, Stream: "web-logs", Sequence: 1, Records: 3},
		{ID: "p2", State: manifest.StateOpen, Stream: "web-logs", Sequence: 2},
		{ID: "p3", State: manifest.StateQuarantined, Stream: "app-logs", Sequence: 1, Reason: "checksum mismatch"},
	} {
		_, err := l.Append(rec)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, runManifests(&buf, dir, ""))

	var got manifestListing
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got.Partitions, 3)
	assert.Equal(t, "app-logs", got.Partitions[0].Stream)
	assert.Equal(t, "checksum mismatch", got.Partitions[0].Reason)
	assert.Equal(t, map[manifest.State]int{
		manifest.StateClosed:      1,
		manifest.StateOpen:        1,
		manifest.StateQuarantined: 1,
	}, got.States)

	buf.Reset()
	require.NoError(t, runManifests(&buf, dir, "web-logs"))
	got = manifestListing{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got.Partitions, 2)
	assert.Equal(t, "p1", got.Partitions[0].ID)
}

func TestRunManifestsMissingDir(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, runManifests(&buf, filepath.Join(t.TempDir(), "nope"), ""))
}

func TestRunCat(t *testing.T) {
	root := t.TempDir()
	client := cloudstorage.NewFileClient(root, "lake", "")

	cfg := engine.DefaultConfig()
	cfg.Staging.Dir = t.TempDir()
	cfg.Staging.FlushRecords = 3
	cfg.Staging.Window = time.Hour
	cfg.Staging.FlushInterval = time.Hour
	cfg.Backpressure.MaxDiskUsagePercent = 0
	cfg.NoSync = true

	e, err := engine.New(context.Background(), cfg, client, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	var raws [][]byte
	for i := range 3 {
		raws = append(raws, []byte(fmt.Sprintf(`{"msg":"event %d","n":%d}`, i, i)))
	}
	res, err := e.Submit(context.Background(), "web-logs", raws)
	require.NoError(t, err)
	require.Len(t, res, 3)
	require.NoError(t, e.Shutdown(context.Background()))

	var files []string
	require.NoError(t, filepath.WalkDir(client.Path(""), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	}))
	require.Len(t, files, 1)

	var buf bytes.Buffer
	require.NoError(t, runCat(&buf, files[0], true))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)

	var h catHeader
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &h))
	assert.Equal(t, "web-logs", h.Stream)
	assert.Equal(t, 3, h.Rows)
	assert.Equal(t, uint64(1), h.SchemaVersion)

	var row map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &row))
	assert.Equal(t, "event 0", row["msg"])
}

func TestRunCatMissingFile(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, runCat(&buf, filepath.Join(t.TempDir(), "missing.parquet"), false))
}

func TestNewLogHandler(t *testing.T) {
	var buf bytes.Buffer
	slog.New(newLogHandler(&buf)).Info("hello", slog.String("k", "v"))
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "k=v")

	t.Setenv("LAKESTAGE_LOG_FORMAT", "json")
	t.Setenv("LAKESTAGE_DEBUG", "1")
	buf.Reset()
	slog.New(newLogHandler(&buf)).Debug("quiet")
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "quiet", m["msg"])
	assert.Equal(t, "DEBUG", m["level"])
}
