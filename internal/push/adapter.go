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

package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cardinalhq/lakestage/internal/backpressure"
	"github.com/cardinalhq/lakestage/internal/envelope"
	"github.com/cardinalhq/lakestage/internal/logctx"
	"github.com/cardinalhq/lakestage/internal/staging"
)

// ErrDraining is returned for submissions made after shutdown began.
var ErrDraining = errors.New("ingestion is draining")

type Validator interface {
	Validate(ctx context.Context, stream string, raw []byte, meta envelope.Meta) (*envelope.Envelope, *envelope.Rejection)
	CountRejection(ctx context.Context, stream string, reason envelope.Reason)
}

type Stager interface {
	KeyFor(stream string, ts time.Time) staging.PartitionKey
	Append(ctx context.Context, key staging.PartitionKey, env *envelope.Envelope) error
}

type Capacity interface {
	HasCapacity() bool
	WaitForCapacity(ctx context.Context, timeout time.Duration) error
}

// Result is the outcome for one submitted event.
type Result struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func rejected(reason envelope.Reason, detail string) Result {
	return Result{Reason: reason.String(), Detail: detail}
}

// Adapter is the synchronous ingestion path. Submit runs on the caller's
// goroutine and returns once every accepted event is durably staged.
type Adapter struct {
	validator   Validator
	stager      Stager
	capacity    Capacity
	waitTimeout time.Duration
	draining    atomic.Bool
}

func NewAdapter(validator Validator, stager Stager, capacity Capacity, waitTimeout time.Duration) *Adapter {
	return &Adapter{
		validator:   validator,
		stager:      stager,
		capacity:    capacity,
		waitTimeout: waitTimeout,
	}
}

// StartDrain rejects every later Submit.
func (a *Adapter) StartDrain() { a.draining.Store(true) }

// Submit stages a batch of raw events for stream. Results are in input
// order. A malformed event never blocks the rest of the batch. Once capacity
// cannot be obtained within the wait timeout, the remainder of the batch is
// rejected without waiting again.
func (a *Adapter) Submit(ctx context.Context, stream string, events [][]byte) ([]Result, error) {
	if a.draining.Load() {
		return nil, ErrDraining
	}

	results := make([]Result, len(events))
	var stop *Result
	for i, raw := range events {
		if stop != nil {
			results[i] = *stop
			a.validator.CountRejection(ctx, stream, reasonOf(*stop))
			continue
		}

		if !a.capacity.HasCapacity() {
			if err := a.capacity.WaitForCapacity(ctx, a.waitTimeout); err != nil {
				r := a.capacityResult(err)
				stop = &r
				results[i] = r
				a.validator.CountRejection(ctx, stream, reasonOf(r))
				continue
			}
		}

		env, rej := a.validator.Validate(ctx, stream, raw, envelope.Meta{Source: envelope.SourcePush})
		if rej != nil {
			results[i] = rejected(rej.Reason, rej.Detail)
			continue
		}

		err := a.stager.Append(ctx, a.stager.KeyFor(stream, env.IngestedAt), env)
		switch {
		case err == nil:
			results[i] = Result{Accepted: true}
			continue
		case errors.Is(err, staging.ErrBackpressure):
			results[i] = rejected(envelope.ReasonCapacityExceeded, err.Error())
		case errors.Is(err, staging.ErrDraining):
			r := rejected(envelope.ReasonUnavailable, ErrDraining.Error())
			stop = &r
			results[i] = r
		default:
			logctx.FromContext(ctx).Error("Failed to stage event",
				slog.String("stream", stream),
				slog.Any("error", err))
			results[i] = rejected(envelope.ReasonUnavailable, err.Error())
		}
		a.validator.CountRejection(ctx, stream, reasonOf(results[i]))
	}
	return results, nil
}

func (a *Adapter) capacityResult(err error) Result {
	if errors.Is(err, backpressure.ErrCapacityExceeded) {
		return rejected(envelope.ReasonCapacityExceeded, err.Error())
	}
	return rejected(envelope.ReasonUnavailable, fmt.Sprintf("waiting for capacity: %v", err))
}

func reasonOf(r Result) envelope.Reason {
	if r.Reason == envelope.ReasonCapacityExceeded.String() {
		return envelope.ReasonCapacityExceeded
	}
	return envelope.ReasonUnavailable
}
