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

package staging

import "time"

// Config controls partitioning and flush triggers.
type Config struct {
	Dir   string `mapstructure:"dir"`
	Fsync bool   `mapstructure:"fsync"`

	// FlushRecords closes a partition once it holds this many records.
	FlushRecords int `mapstructure:"flush_records"`
	// FlushBytes closes a partition once its segment reaches this size.
	FlushBytes int64 `mapstructure:"flush_bytes"`
	// FlushInterval is the longest a partition stays open.
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	// Window is the default time window size.
	Window time.Duration `mapstructure:"window"`
	// WindowGrace keeps a partition open this long past its window end.
	WindowGrace time.Duration `mapstructure:"window_grace"`
	// StreamWindows overrides Window per stream.
	StreamWindows map[string]time.Duration `mapstructure:"stream_windows"`

	MaxEventBytes int `mapstructure:"max_event_bytes"`

	// TickInterval is how often deadlines are checked.
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

func DefaultConfig() Config {
	return Config{
		Dir:           "./staging",
		FlushRecords:  10000,
		FlushBytes:    64 << 20,
		FlushInterval: time.Minute,
		Window:        time.Minute,
		WindowGrace:   5 * time.Second,
		MaxEventBytes: 1 << 20,
		TickInterval:  time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.FlushRecords <= 0 {
		c.FlushRecords = d.FlushRecords
	}
	if c.FlushBytes <= 0 {
		c.FlushBytes = d.FlushBytes
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.WindowGrace < 0 {
		c.WindowGrace = 0
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
}

// WindowFor returns the window size used by stream.
func (c Config) WindowFor(stream string) time.Duration {
	if w, ok := c.StreamWindows[stream]; ok && w > 0 {
		return w
	}
	return c.Window
}
