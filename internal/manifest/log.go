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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/cardinalhq/lakestage/internal/cbor"
	"github.com/cardinalhq/lakestage/internal/segment"
)

// ErrNoRecord is returned when a manifest holds no complete entry.
var ErrNoRecord = errors.New("manifest: no valid entry")

// Log writes manifest entries and maintains the Index.
type Log struct {
	layout Layout
	index  *Index
	now    func() time.Time

	// per-id locks; a partition has a single owner at a time but the
	// owner changes between goroutines
	locks sync.Map
}

// Open prepares the staging layout under root.
func Open(root string) (*Log, error) {
	layout := Layout{Root: root}
	if err := layout.Ensure(); err != nil {
		return nil, fmt.Errorf("create staging layout: %w", err)
	}
	return &Log{layout: layout, index: newIndex(), now: time.Now}, nil
}

func (l *Log) Layout() Layout { return l.layout }
func (l *Log) Index() *Index  { return l.index }

func (l *Log) lock(id string) func() {
	v, _ := l.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Append durably records rec as the partition's new state. The entry is
// synced to disk before Append returns; only then is the index updated.
func (l *Log) Append(rec Record) (Record, error) {
	if rec.ID == "" {
		return rec, errors.New("manifest: record without id")
	}
	unlock := l.lock(rec.ID)
	defer unlock()

	rec.UpdatedAt = l.now().UnixMilli()
	payload, err := cbor.Default.Marshal(&rec)
	if err != nil {
		return rec, fmt.Errorf("encode manifest entry: %w", err)
	}

	path := l.layout.ManifestPath(rec.ID)
	var w *segment.Writer
	st, err := os.Stat(path)
	switch {
	case err == nil:
		w, err = segment.OpenAppend(path, st.Size(), true)
	case errors.Is(err, fs.ErrNotExist):
		w, err = segment.Create(path, segment.MagicManifest, true)
	}
	if err != nil {
		return rec, fmt.Errorf("open manifest %s: %w", rec.ID, err)
	}
	if _, err := w.Append(payload); err != nil {
		_ = w.Close()
		return rec, fmt.Errorf("append manifest %s: %w", rec.ID, err)
	}
	if err := w.Close(); err != nil {
		return rec, fmt.Errorf("close manifest %s: %w", rec.ID, err)
	}
	l.index.put(rec)
	return rec, nil
}

// Load reads the latest entry of one manifest file from disk.
func (l *Log) Load(id string) (Record, error) {
	rec, _, err := readLast(l.layout.ManifestPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, fmt.Errorf("%w: %s: %w", ErrNoRecord, id, err)
	}
	return rec, err
}

func readLast(path string) (Record, segment.ScanResult, error) {
	var last Record
	found := false
	res, err := segment.Scan(path, segment.MagicManifest, func(payload []byte) error {
		var r Record
		if err := cbor.Default.Unmarshal(payload, &r); err != nil {
			return fmt.Errorf("%w: %v", segment.ErrCorrupt, err)
		}
		last = r
		found = true
		return nil
	})
	if err != nil {
		return Record{}, res, err
	}
	if !found {
		return Record{}, res, ErrNoRecord
	}
	return last, res, nil
}

// RecoveryResult lists what Recover found on disk.
type RecoveryResult struct {
	Records []Record
	// Empty holds ids whose manifest never received a complete entry. Their
	// files were removed.
	Empty []string
	// Corrupt holds ids whose manifest could not be read. Their files are
	// left in place.
	Corrupt map[string]error
}

// Recover scans every manifest, truncates torn tails, rebuilds the index
// and returns the latest record of each partition sorted by stream, window
// and sequence.
func (l *Log) Recover() (RecoveryResult, error) {
	res := RecoveryResult{Corrupt: map[string]error{}}
	entries, err := os.ReadDir(l.layout.ManifestsDir())
	if err != nil {
		return res, err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".manifest") {
			continue
		}
		id := strings.TrimSuffix(name, ".manifest")
		path := filepath.Join(l.layout.ManifestsDir(), name)
		rec, scan, err := readLast(path)
		switch {
		case errors.Is(err, ErrNoRecord):
			res.Empty = append(res.Empty, id)
			if err := l.purgeFiles(id); err != nil {
				return res, err
			}
			continue
		case err != nil:
			res.Corrupt[id] = err
			continue
		}
		if scan.TornBytes > 0 {
			if err := os.Truncate(path, scan.ValidSize); err != nil {
				return res, fmt.Errorf("truncate manifest %s: %w", id, err)
			}
		}
		l.index.put(rec)
		res.Records = append(res.Records, rec)
	}
	SortRecords(res.Records)
	return res, nil
}

// Inspect reads the latest record of every manifest under root without
// repairing or removing anything. Empty and Corrupt are filled as Recover
// would, but no files are touched.
func Inspect(root string) (RecoveryResult, error) {
	layout := Layout{Root: root}
	res := RecoveryResult{Corrupt: map[string]error{}}
	entries, err := os.ReadDir(layout.ManifestsDir())
	if err != nil {
		return res, err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".manifest") {
			continue
		}
		id := strings.TrimSuffix(name, ".manifest")
		rec, _, err := readLast(filepath.Join(layout.ManifestsDir(), name))
		switch {
		case errors.Is(err, ErrNoRecord):
			res.Empty = append(res.Empty, id)
		case err != nil:
			res.Corrupt[id] = err
		default:
			res.Records = append(res.Records, rec)
		}
	}
	SortRecords(res.Records)
	return res, nil
}

// Purge deletes every local file of a partition. The manifest goes last so
// that a crash part way through leaves a manifest that recovery can finish.
func (l *Log) Purge(id string) error {
	unlock := l.lock(id)
	defer unlock()
	if err := l.purgeFiles(id); err != nil {
		return err
	}
	l.index.remove(id)
	l.locks.Delete(id)
	return nil
}

func (l *Log) purgeFiles(id string) error {
	var errs *multierror.Error
	for _, path := range []string{
		l.layout.SegmentPath(id),
		l.layout.EncodedPath(id),
		l.layout.EncodedPath(id) + ".tmp",
		l.layout.ManifestPath(id),
	} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
