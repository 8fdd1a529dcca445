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
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	messagesFetchedCounter otelmetric.Int64Counter
	bytesFetchedCounter    otelmetric.Int64Counter
	commitCounter          otelmetric.Int64Counter
	commitErrorCounter     otelmetric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/lakestage/internal/fly")

	var err error
	messagesFetchedCounter, err = meter.Int64Counter(
		"lakestage.fly.consumer.messages.fetched",
		otelmetric.WithDescription("Number of Kafka messages fetched"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create messages.fetched counter: %w", err))
	}

	bytesFetchedCounter, err = meter.Int64Counter(
		"lakestage.fly.consumer.bytes.fetched",
		otelmetric.WithDescription("Total bytes fetched from Kafka"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create bytes.fetched counter: %w", err))
	}

	commitCounter, err = meter.Int64Counter(
		"lakestage.fly.consumer.commits",
		otelmetric.WithDescription("Number of partition offsets committed to the consumer group"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create commits counter: %w", err))
	}

	commitErrorCounter, err = meter.Int64Counter(
		"lakestage.fly.consumer.commit.errors",
		otelmetric.WithDescription("Number of failed consumer group commits"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create commit.errors counter: %w", err))
	}
}

// RecordFetched updates counters for one fetched message.
func RecordFetched(ctx context.Context, m ConsumedMessage) {
	attrs := otelmetric.WithAttributes(attribute.String("topic", m.Topic))
	messagesFetchedCounter.Add(ctx, 1, attrs)
	bytesFetchedCounter.Add(ctx, int64(len(m.Value)), attrs)
}

// RecordCommit updates commit counters.
func RecordCommit(ctx context.Context, partitions int, err error) {
	if err != nil {
		commitErrorCounter.Add(ctx, 1)
		return
	}
	commitCounter.Add(ctx, int64(partitions))
}
