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
	"crypto/tls"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Factory creates Kafka consumers with consistent configuration
type Factory struct {
	config *Config
}

// NewFactory creates a new factory with the given configuration
func NewFactory(cfg *Config) *Factory {
	return &Factory{
		config: cfg,
	}
}

// GetConfig returns the underlying configuration
func (f *Factory) GetConfig() *Config {
	return f.config
}

// createSASLMechanism creates the appropriate SASL mechanism based on configuration
func (f *Factory) createSASLMechanism() (sasl.Mechanism, error) {
	switch f.config.SASLMechanism {
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, f.config.SASLUsername, f.config.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, f.config.SASLUsername, f.config.SASLPassword)
	case "PLAIN":
		return plain.Mechanism{
			Username: f.config.SASLUsername,
			Password: f.config.SASLPassword,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", f.config.SASLMechanism)
	}
}

// CreateDialer creates an authenticated Kafka dialer shared by the group
// coordinator connection and every partition reader.
func (f *Factory) CreateDialer() (*kafka.Dialer, error) {
	timeout := f.config.ConnectionTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	dialer := &kafka.Dialer{
		Timeout:   timeout,
		DualStack: true,
	}

	if f.config.SASLEnabled {
		mechanism, err := f.createSASLMechanism()
		if err != nil {
			return nil, fmt.Errorf("failed to create SASL mechanism: %w", err)
		}
		dialer.SASLMechanism = mechanism
	}

	if f.config.TLSEnabled {
		dialer.TLS = &tls.Config{
			InsecureSkipVerify: f.config.TLSSkipVerify,
		}
	}

	return dialer, nil
}

// CreateGroup joins the configured consumer group. Offsets are committed
// explicitly through the generation, never automatically.
func (f *Factory) CreateGroup() (Group, error) {
	if err := f.config.Validate(); err != nil {
		return nil, err
	}
	dialer, err := f.CreateDialer()
	if err != nil {
		return nil, err
	}

	cfg := kafka.ConsumerGroupConfig{
		ID:             f.config.ConsumerGroup,
		Brokers:        f.config.Brokers,
		Dialer:         dialer,
		Topics:         f.config.Topics,
		StartOffset:    kafka.FirstOffset,
		SessionTimeout: f.config.SessionTimeout,
		// The group waits for revoked partitions to be uploaded.
		RebalanceTimeout:      f.config.RebalanceTimeout,
		WatchPartitionChanges: true,
	}
	cg, err := kafka.NewConsumerGroup(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to join consumer group %s: %w", f.config.ConsumerGroup, err)
	}
	return &kafkaGroup{cg: cg, factory: f, dialer: dialer}, nil
}

// CreatePartitionReader opens a reader pinned to one partition, positioned
// at offset.
func (f *Factory) CreatePartitionReader(dialer *kafka.Dialer, topic string, partition int32, offset int64) (PartitionReader, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   f.config.Brokers,
		Topic:     topic,
		Partition: int(partition),
		Dialer:    dialer,
		MinBytes:  f.config.MinBytes,
		MaxBytes:  f.config.MaxBytes,
		MaxWait:   f.config.MaxWait,
	})
	if err := r.SetOffset(offset); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("failed to seek %s/%d to %d: %w", topic, partition, offset, err)
	}
	return &kafkaPartitionReader{r: r}, nil
}
