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

package backpressure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHysteresis(t *testing.T) {
	c := New(Config{HighWaterBytes: 100, LowWaterBytes: 50}, t.TempDir())
	var transitions []Level
	c.SetOnLevelChange(func(_, n Level) { transitions = append(transitions, n) })

	c.Reserve(99)
	assert.True(t, c.HasCapacity())
	c.Reserve(1)
	assert.False(t, c.HasCapacity())

	// between the marks stays pressured
	c.Release(30)
	assert.False(t, c.HasCapacity())

	c.Release(20)
	assert.True(t, c.HasCapacity())
	assert.Equal(t, []Level{LevelPressured, LevelNormal}, transitions)
}

func TestLowWaterDefaultsToEightyPercent(t *testing.T) {
	c := New(Config{HighWaterBytes: 1000}, t.TempDir())
	assert.Equal(t, int64(800), c.Config().LowWaterBytes)
}

func TestWaitForCapacityWakesOnRelease(t *testing.T) {
	c := New(Config{HighWaterBytes: 10, LowWaterBytes: 5}, t.TempDir())
	c.Reserve(10)

	done := make(chan error, 1)
	go func() { done <- c.WaitForCapacity(context.Background(), 5*time.Second) }()

	time.Sleep(10 * time.Millisecond)
	c.Release(10)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestWaitForCapacityTimesOut(t *testing.T) {
	c := New(Config{HighWaterBytes: 10}, t.TempDir())
	c.Reserve(10)
	err := c.WaitForCapacity(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestWaitForCapacityHonorsContext(t *testing.T) {
	c := New(Config{HighWaterBytes: 10}, t.TempDir())
	c.Reserve(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.WaitForCapacity(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDiskUsageThreshold(t *testing.T) {
	c := New(Config{MaxDiskUsagePercent: 80}, t.TempDir())
	pct := 50.0
	c.usage = func(string) (FSUsage, error) {
		return FSUsage{TotalBytes: 100, UsedBytes: uint64(pct)}, nil
	}

	require.NoError(t, c.CheckDisk())
	assert.True(t, c.HasCapacity())

	pct = 85
	require.NoError(t, c.CheckDisk())
	assert.False(t, c.HasCapacity())
	assert.InDelta(t, 85.0, c.Stats().DiskUsedPercent, 0.001)

	c.usage = func(string) (FSUsage, error) { return FSUsage{}, errors.New("gone") }
	assert.Error(t, c.CheckDisk())
}

func TestRealDiskUsage(t *testing.T) {
	u, err := DiskUsage(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, u.TotalBytes, uint64(0))
	assert.GreaterOrEqual(t, u.UsedPercent(), 0.0)
}

func TestUploadCounters(t *testing.T) {
	c := New(Config{}, t.TempDir())
	c.BeginUpload()
	c.BeginUpload()
	c.EndUpload()
	assert.Equal(t, int64(1), c.Stats().InFlightUploads)
}

func TestHealthFatalStreams(t *testing.T) {
	h := NewHealth()
	assert.False(t, h.AnyFatal())

	h.MarkFatal("web", "retries exhausted")
	h.MarkFatal("web", "second reason ignored")
	h.MarkFatal("api", "codec failure")

	assert.True(t, h.AnyFatal())
	assert.True(t, h.IsFatal("web"))
	fatal := h.Fatal()
	require.Len(t, fatal, 2)
	assert.Equal(t, "api", fatal[0].Stream)
	assert.Equal(t, "retries exhausted", fatal[1].Reason)

	h.ClearFatal("web")
	h.ClearFatal("api")
	assert.False(t, h.AnyFatal())
}
