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
	"errors"
	"time"
)

// Config holds the Kafka configuration for the pull adapter.
type Config struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topics  []string `mapstructure:"topics"`

	ConsumerGroup string `mapstructure:"consumer_group"`
	// TopicStreams maps a topic to the stream its records are staged in.
	// Unmapped topics use the topic name.
	TopicStreams map[string]string `mapstructure:"topic_streams"`

	// SASL/SCRAM authentication
	SASLEnabled   bool   `mapstructure:"sasl_enabled"`
	SASLMechanism string `mapstructure:"sasl_mechanism"` // "SCRAM-SHA-256", "SCRAM-SHA-512" or "PLAIN"
	SASLUsername  string `mapstructure:"sasl_username"`
	SASLPassword  string `mapstructure:"sasl_password"`

	// TLS configuration
	TLSEnabled    bool `mapstructure:"tls_enabled"`
	TLSSkipVerify bool `mapstructure:"tls_skip_verify"`

	// Fetch settings
	MinBytes int           `mapstructure:"min_bytes"`
	MaxBytes int           `mapstructure:"max_bytes"`
	MaxWait  time.Duration `mapstructure:"max_wait"`

	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	SessionTimeout    time.Duration `mapstructure:"session_timeout"`
	// RebalanceTimeout bounds how long revoked partitions may take to be
	// uploaded before the group moves on.
	RebalanceTimeout time.Duration `mapstructure:"rebalance_timeout"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Brokers:       []string{"localhost:9092"},
		ConsumerGroup: "lakestage",
		SASLMechanism: "SCRAM-SHA-256",

		MinBytes: 10 * 1024,        // 10KB
		MaxBytes: 10 * 1024 * 1024, // 10MB
		MaxWait:  500 * time.Millisecond,

		ConnectionTimeout: 10 * time.Second,
		SessionTimeout:    30 * time.Second,
		RebalanceTimeout:  60 * time.Second,
	}
}

// Validate checks the settings needed to join a consumer group.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is empty"))
	}
	if len(c.Topics) == 0 {
		errs = append(errs, errors.New("kafka.topics is empty"))
	}
	if c.ConsumerGroup == "" {
		errs = append(errs, errors.New("kafka.consumer_group is empty"))
	}
	return errors.Join(errs...)
}

// StreamFor returns the stream that records of topic belong to.
func (c Config) StreamFor(topic string) string {
	if s, ok := c.TopicStreams[topic]; ok && s != "" {
		return s
	}
	return topic
}
