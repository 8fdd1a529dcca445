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
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cardinalhq/lakestage/internal/manifest"
)

func init() {
	cmd := &cobra.Command{
		Use:   "manifests",
		Short: "List the partitions recorded in a staging directory",
		RunE: func(c *cobra.Command, _ []string) error {
			dir, err := c.Flags().GetString("dir")
			if err != nil {
				return fmt.Errorf("failed to get dir flag: %w", err)
			}
			stream, err := c.Flags().GetString("stream")
			if err != nil {
				return fmt.Errorf("failed to get stream flag: %w", err)
			}
			return runManifests(os.Stdout, dir, stream)
		},
	}

	rootCmd.AddCommand(cmd)

	cmd.Flags().String("dir", "", "Staging directory to read")
	cmd.Flags().String("stream", "", "Only list partitions of this stream")
	if err := cmd.MarkFlagRequired("dir"); err != nil {
		panic(fmt.Errorf("failed to mark dir flag as required: %w", err))
	}
}

type manifestListing struct {
	Partitions []manifest.Record      `yaml:"partitions"`
	States     map[manifest.State]int `yaml:"states"`
	Empty      []string               `yaml:"empty,omitempty"`
	Corrupt    map[string]string      `yaml:"corrupt,omitempty"`
}

func runManifests(w io.Writer, dir, stream string) error {
	res, err := manifest.Inspect(dir)
	if err != nil {
		return fmt.Errorf("failed to read manifests in %s: %w", dir, err)
	}

	out := manifestListing{
		Partitions: []manifest.Record{},
		States:     map[manifest.State]int{},
		Empty:      res.Empty,
	}
	for _, rec := range res.Records {
		if stream != "" && rec.Stream != stream {
			continue
		}
		out.Partitions = append(out.Partitions, rec)
		out.States[rec.State]++
	}
	if len(res.Corrupt) > 0 {
		out.Corrupt = make(map[string]string, len(res.Corrupt))
		for id, err := range res.Corrupt {
			out.Corrupt[id] = err.Error()
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	return enc.Close()
}
