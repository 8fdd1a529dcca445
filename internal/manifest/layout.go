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
	"os"
	"path/filepath"
)

// Layout names the directories under the staging root.
type Layout struct {
	Root string
}

func (l Layout) SegmentsDir() string  { return filepath.Join(l.Root, "segments") }
func (l Layout) ManifestsDir() string { return filepath.Join(l.Root, "manifests") }
func (l Layout) EncodedDir() string   { return filepath.Join(l.Root, "encoded") }
func (l Layout) StateDir() string     { return filepath.Join(l.Root, "state") }

func (l Layout) SegmentPath(id string) string {
	return filepath.Join(l.SegmentsDir(), id+".seg")
}

func (l Layout) ManifestPath(id string) string {
	return filepath.Join(l.ManifestsDir(), id+".manifest")
}

func (l Layout) EncodedPath(id string) string {
	return filepath.Join(l.EncodedDir(), id+".parquet")
}

// Ensure creates every directory of the layout.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.SegmentsDir(), l.ManifestsDir(), l.EncodedDir(), l.StateDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
