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
	"errors"
	"sort"

	"github.com/segmentio/kafka-go"

	"github.com/cardinalhq/lakestage/internal/offsets"
)

// ErrGroupClosed is returned by Next once the group is closed.
var ErrGroupClosed = kafka.ErrGroupClosed

// FirstOffset asks a reader to start at the oldest retained record.
const FirstOffset = kafka.FirstOffset

// Assignment is one topic partition handed to this member.
type Assignment struct {
	Topic     string
	Partition int32
	// Offset is the group's committed next-offset, or FirstOffset.
	Offset int64
}

func (a Assignment) Key() offsets.Key {
	return offsets.Key{Topic: a.Topic, Partition: a.Partition}
}

// Group is a consumer group membership.
type Group interface {
	// Next blocks until the next generation starts.
	Next(ctx context.Context) (Generation, error)
	// Reader opens a reader for one assigned partition.
	Reader(a Assignment, offset int64) (PartitionReader, error)
	Close() error
}

// Generation is one period of stable partition assignment.
type Generation interface {
	ID() int32
	Assignments() []Assignment
	// Start runs fn in the background. The context passed to fn ends when
	// the generation ends. The generation does not end until fn returns.
	Start(fn func(ctx context.Context))
	// CommitOffsets stores the next offset to read for each partition.
	CommitOffsets(next map[offsets.Key]int64) error
}

// PartitionReader reads one topic partition in order.
type PartitionReader interface {
	FetchMessage(ctx context.Context) (ConsumedMessage, error)
	Close() error
}

type kafkaGroup struct {
	cg      *kafka.ConsumerGroup
	factory *Factory
	dialer  *kafka.Dialer
}

func (g *kafkaGroup) Next(ctx context.Context) (Generation, error) {
	gen, err := g.cg.Next(ctx)
	if err != nil {
		return nil, err
	}
	return &kafkaGeneration{gen: gen}, nil
}

func (g *kafkaGroup) Reader(a Assignment, offset int64) (PartitionReader, error) {
	return g.factory.CreatePartitionReader(g.dialer, a.Topic, a.Partition, offset)
}

func (g *kafkaGroup) Close() error {
	err := g.cg.Close()
	if errors.Is(err, kafka.ErrGroupClosed) {
		return nil
	}
	return err
}

type kafkaGeneration struct {
	gen *kafka.Generation
}

func (g *kafkaGeneration) ID() int32 { return g.gen.ID }

func (g *kafkaGeneration) Assignments() []Assignment {
	var out []Assignment
	for topic, parts := range g.gen.Assignments {
		for _, p := range parts {
			out = append(out, Assignment{Topic: topic, Partition: int32(p.ID), Offset: p.Offset})
		}
	}
	sortAssignments(out)
	return out
}

func (g *kafkaGeneration) Start(fn func(ctx context.Context)) { g.gen.Start(fn) }

func (g *kafkaGeneration) CommitOffsets(next map[offsets.Key]int64) error {
	if len(next) == 0 {
		return nil
	}
	req := make(map[string]map[int]int64)
	for k, off := range next {
		if req[k.Topic] == nil {
			req[k.Topic] = map[int]int64{}
		}
		req[k.Topic][int(k.Partition)] = off
	}
	return g.gen.CommitOffsets(req)
}

func sortAssignments(a []Assignment) {
	sort.Slice(a, func(i, j int) bool {
		if a[i].Topic != a[j].Topic {
			return a[i].Topic < a[j].Topic
		}
		return a[i].Partition < a[j].Partition
	})
}

type kafkaPartitionReader struct {
	r *kafka.Reader
}

func (p *kafkaPartitionReader) FetchMessage(ctx context.Context) (ConsumedMessage, error) {
	m, err := p.r.FetchMessage(ctx)
	if err != nil {
		return ConsumedMessage{}, err
	}
	return FromKafkaMessage(m), nil
}

func (p *kafkaPartitionReader) Close() error { return p.r.Close() }
