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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/lakestage/internal/columnar"
)

func init() {
	cmd := &cobra.Command{
		Use:   "cat <file>",
		Short: "Print the rows of an encoded partition as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			header, err := c.Flags().GetBool("header")
			if err != nil {
				return fmt.Errorf("failed to get header flag: %w", err)
			}
			return runCat(os.Stdout, args[0], header)
		},
	}

	rootCmd.AddCommand(cmd)

	cmd.Flags().Bool("header", false, "Print the file metadata before the rows")
}

type catHeader struct {
	Stream        string    `json:"stream"`
	WindowStart   time.Time `json:"window_start"`
	Codec         string    `json:"codec"`
	SchemaVersion uint64    `json:"schema_version"`
	Rows          int       `json:"rows"`
}

func runCat(w io.Writer, path string, header bool) error {
	f, err := columnar.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	enc := json.NewEncoder(w)
	if header {
		h := catHeader{
			Stream:      f.Stream,
			WindowStart: f.WindowStart,
			Codec:       string(f.Codec),
			Rows:        len(f.Rows),
		}
		if f.Schema != nil {
			h.SchemaVersion = f.Schema.Version
		}
		if err := enc.Encode(h); err != nil {
			return err
		}
	}
	for _, row := range f.Rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}
