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

package fly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
	assert.Equal(t, "lakestage", cfg.ConsumerGroup)
	assert.False(t, cfg.SASLEnabled)
	assert.Equal(t, "SCRAM-SHA-256", cfg.SASLMechanism)
	assert.False(t, cfg.TLSEnabled)
	assert.Equal(t, 500*time.Millisecond, cfg.MaxWait)
	assert.Equal(t, 10*1024, cfg.MinBytes)
	assert.Equal(t, 10*1024*1024, cfg.MaxBytes)
	assert.Equal(t, 60*time.Second, cfg.RebalanceTimeout)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate(), "disabled config is always valid")

	cfg.Enabled = true
	err := cfg.Validate()
	assert.ErrorContains(t, err, "kafka.topics is empty")

	cfg.Topics = []string{"app-logs"}
	assert.NoError(t, cfg.Validate())

	cfg.Brokers = nil
	cfg.ConsumerGroup = ""
	err = cfg.Validate()
	assert.ErrorContains(t, err, "kafka.brokers is empty")
	assert.ErrorContains(t, err, "kafka.consumer_group is empty")
}

func TestStreamFor(t *testing.T) {
	cfg := Config{TopicStreams: map[string]string{
		"raw-app-logs": "app-logs",
		"blank":        "",
	}}

	tests := []struct {
		topic    string
		expected string
	}{
		{"raw-app-logs", "app-logs"},
		{"audit", "audit"},
		{"blank", "blank"},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.expected, cfg.StreamFor(tt.topic))
		})
	}
}
