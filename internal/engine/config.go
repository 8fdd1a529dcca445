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

package engine

import (
	"time"

	"github.com/cardinalhq/lakestage/internal/backpressure"
	"github.com/cardinalhq/lakestage/internal/columnar"
	"github.com/cardinalhq/lakestage/internal/fly"
	"github.com/cardinalhq/lakestage/internal/staging"
	"github.com/cardinalhq/lakestage/internal/upload"
)

// EncodeConfig adds the worker count to the encoder settings.
type EncodeConfig struct {
	columnar.Config `mapstructure:",squash"`

	Workers int `mapstructure:"workers"`
}

type Config struct {
	Staging      staging.Config      `mapstructure:"staging"`
	Encode       EncodeConfig        `mapstructure:"encode"`
	Upload       upload.Config       `mapstructure:"upload"`
	Backpressure backpressure.Config `mapstructure:"backpressure"`
	Kafka        fly.Config          `mapstructure:"kafka"`

	// DrainGrace bounds how long Shutdown waits for staged data to be
	// uploaded.
	DrainGrace time.Duration `mapstructure:"drain_grace"`
	// SequenceRetention is how long per-window sequence counters are kept.
	SequenceRetention time.Duration `mapstructure:"sequence_retention"`
	// RetryDelay is the pause before a partition whose encode or upload
	// failed transiently is attempted again.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// NoSync disables state store fsync. Only for tests.
	NoSync bool `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		Staging:           staging.DefaultConfig(),
		Encode:            EncodeConfig{Config: columnar.DefaultConfig(), Workers: 2},
		Upload:            upload.DefaultConfig(),
		Backpressure:      backpressure.DefaultConfig(),
		Kafka:             fly.DefaultConfig(),
		DrainGrace:        30 * time.Second,
		SequenceRetention: 24 * time.Hour,
		RetryDelay:        time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Encode.Workers <= 0 {
		c.Encode.Workers = d.Encode.Workers
	}
	if c.Upload.Workers <= 0 {
		c.Upload.Workers = d.Upload.Workers
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = d.DrainGrace
	}
	if c.SequenceRetention <= 0 {
		c.SequenceRetention = d.SequenceRetention
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
}
