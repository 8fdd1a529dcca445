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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "./staging", cfg.Staging.Dir)
	assert.Equal(t, 10000, cfg.Staging.FlushRecords)
	assert.Equal(t, int64(64<<20), cfg.Staging.FlushBytes)
	assert.Equal(t, time.Minute, cfg.Staging.FlushInterval)
	assert.Equal(t, "lz4_raw", string(cfg.Encode.Codec))
	assert.Equal(t, 262144, cfg.Encode.RowGroupSize)
	assert.Equal(t, 2, cfg.Encode.Workers)
	assert.Equal(t, 4, cfg.Upload.Workers)
	assert.Equal(t, 5, cfg.Upload.MaxRetries)
	assert.Equal(t, 80.0, cfg.Backpressure.MaxDiskUsagePercent)
	assert.Equal(t, 8090, cfg.Health.Port)
	assert.Equal(t, 30*time.Second, cfg.DrainGrace)
	assert.Equal(t, "local", cfg.ObjStore.Provider)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LAKESTAGE_KAFKA_ENABLED", "true")
	t.Setenv("LAKESTAGE_KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("LAKESTAGE_KAFKA_TOPICS", "raw-app-logs, audit")
	t.Setenv("LAKESTAGE_KAFKA_SASL_ENABLED", "true")
	t.Setenv("LAKESTAGE_KAFKA_SASL_USERNAME", "alice")
	t.Setenv("LAKESTAGE_KAFKA_TOPIC_STREAMS", "raw-app-logs=app-logs")
	t.Setenv("LAKESTAGE_STAGING_DIR", "/var/lib/lakestage")
	t.Setenv("LAKESTAGE_STAGING_FLUSH_INTERVAL", "30s")
	t.Setenv("LAKESTAGE_STAGING_STREAM_WINDOWS", "audit=1h,web-logs=5m")
	t.Setenv("LAKESTAGE_ENCODE_CODEC", "zstd")
	t.Setenv("LAKESTAGE_ENCODE_WORKERS", "6")
	t.Setenv("LAKESTAGE_OBJSTORE_PROVIDER", "s3")
	t.Setenv("LAKESTAGE_OBJSTORE_PATH_STYLE", "true")
	t.Setenv("LAKESTAGE_DRAIN_GRACE", "1m")

	cfg, err := LoadFrom(t.TempDir())
	require.NoError(t, err)

	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"raw-app-logs", "audit"}, cfg.Kafka.Topics)
	assert.True(t, cfg.Kafka.SASLEnabled)
	assert.Equal(t, "alice", cfg.Kafka.SASLUsername)
	assert.Equal(t, "app-logs", cfg.Kafka.StreamFor("raw-app-logs"))
	assert.Equal(t, "/var/lib/lakestage", cfg.Staging.Dir)
	assert.Equal(t, 30*time.Second, cfg.Staging.FlushInterval)
	assert.Equal(t, map[string]time.Duration{"audit": time.Hour, "web-logs": 5 * time.Minute}, cfg.Staging.StreamWindows)
	assert.Equal(t, "zstd", string(cfg.Encode.Codec))
	assert.Equal(t, 6, cfg.Encode.Workers)
	assert.Equal(t, "s3", cfg.ObjStore.Provider)
	assert.True(t, cfg.ObjStore.PathStyle)
	assert.Equal(t, time.Minute, cfg.DrainGrace)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
staging:
  dir: /data/staging
  flush_records: 500
  stream_windows:
    audit: 1h
kafka:
  enabled: true
  brokers: [a:9092, b:9092]
  topics: [logs]
  topic_streams:
    logs: app-logs
upload:
  verify: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, "/data/staging", cfg.Staging.Dir)
	assert.Equal(t, 500, cfg.Staging.FlushRecords)
	assert.Equal(t, time.Hour, cfg.Staging.StreamWindows["audit"])
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"logs"}, cfg.Kafka.Topics)
	assert.Equal(t, "app-logs", cfg.Kafka.StreamFor("logs"))
	assert.True(t, cfg.Upload.Verify)
}

func TestLoadRejectsBadPairs(t *testing.T) {
	t.Setenv("LAKESTAGE_STAGING_STREAM_WINDOWS", "audit")
	_, err := LoadFrom(t.TempDir())
	assert.ErrorContains(t, err, "not key=value")
}
