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

// Package backpressure decides whether lakestage can accept more data. It
// accounts every byte written to the staging directory and watches the
// filesystem holding it.
package backpressure

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/lakestage/internal/logctx"
)

// ErrCapacityExceeded is returned when capacity did not become available
// within the allowed wait.
var ErrCapacityExceeded = errors.New("staging capacity exceeded")

// Level is the current pressure level.
type Level int

const (
	LevelNormal Level = iota
	LevelPressured
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelPressured:
		return "pressured"
	default:
		return "unknown"
	}
}

// Config sets the watermarks.
type Config struct {
	// HighWaterBytes of reserved staging data turns pressure on. Zero
	// disables byte accounting limits.
	HighWaterBytes int64 `mapstructure:"high_water_bytes"`
	// LowWaterBytes turns it back off. Defaults to 80% of HighWaterBytes.
	LowWaterBytes int64 `mapstructure:"low_water_bytes"`
	// MaxDiskUsagePercent of the staging filesystem turns pressure on.
	// Zero disables the check.
	MaxDiskUsagePercent float64 `mapstructure:"max_disk_usage_percent"`
	// CheckInterval between filesystem checks.
	CheckInterval time.Duration `mapstructure:"check_interval"`
	// PushWaitTimeout bounds how long a push caller waits for capacity.
	PushWaitTimeout time.Duration `mapstructure:"push_wait_timeout"`
}

func DefaultConfig() Config {
	return Config{
		HighWaterBytes:      8 << 30,
		MaxDiskUsagePercent: 80,
		CheckInterval:       5 * time.Second,
		PushWaitTimeout:     5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	if c.HighWaterBytes > 0 && (c.LowWaterBytes <= 0 || c.LowWaterBytes > c.HighWaterBytes) {
		c.LowWaterBytes = c.HighWaterBytes * 8 / 10
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.PushWaitTimeout <= 0 {
		c.PushWaitTimeout = 5 * time.Second
	}
}

// Stats is a snapshot of controller state.
type Stats struct {
	Level           Level
	ReservedBytes   int64
	InFlightUploads int64
	DiskUsedPercent float64
}

// Controller tracks staging bytes, in-flight uploads and disk usage.
type Controller struct {
	cfg   Config
	dir   string
	usage func(string) (FSUsage, error)

	reserved atomic.Int64
	uploads  atomic.Int64

	mu            sync.Mutex
	bytesPressure bool
	diskPressure  bool
	diskPercent   float64
	changed       chan struct{}
	onLevelChange func(old, new Level)
}

// New creates a controller for the staging directory dir.
func New(cfg Config, dir string) *Controller {
	cfg.applyDefaults()
	c := &Controller{
		cfg:     cfg,
		dir:     dir,
		usage:   DiskUsage,
		changed: make(chan struct{}),
	}
	registerGauges(c)
	return c
}

func (c *Controller) Config() Config { return c.cfg }

// SetOnLevelChange installs a callback run on every level transition.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

func (c *Controller) levelLocked() Level {
	if c.bytesPressure || c.diskPressure {
		return LevelPressured
	}
	return LevelNormal
}

// evaluate re-derives the level from the counters. Callers must not hold mu.
func (c *Controller) evaluate(update func()) {
	c.mu.Lock()
	before := c.levelLocked()
	if update != nil {
		update()
	}
	if hi := c.cfg.HighWaterBytes; hi > 0 {
		r := c.reserved.Load()
		switch {
		case !c.bytesPressure && r >= hi:
			c.bytesPressure = true
		case c.bytesPressure && r <= c.cfg.LowWaterBytes:
			c.bytesPressure = false
		}
	}
	after := c.levelLocked()
	var cb func(old, new Level)
	if before != after {
		close(c.changed)
		c.changed = make(chan struct{})
		cb = c.onLevelChange
	}
	c.mu.Unlock()
	if cb != nil {
		cb(before, after)
	}
}

// Reserve accounts n bytes about to be written to staging.
func (c *Controller) Reserve(n int64) {
	c.reserved.Add(n)
	c.evaluate(nil)
}

// Release returns n previously reserved bytes.
func (c *Controller) Release(n int64) {
	if c.reserved.Add(-n) < 0 {
		c.reserved.Store(0)
	}
	c.evaluate(nil)
}

func (c *Controller) BeginUpload() { c.uploads.Add(1) }
func (c *Controller) EndUpload()   { c.uploads.Add(-1) }

// Level returns the current level.
func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.levelLocked()
}

// HasCapacity reports whether new data may be staged.
func (c *Controller) HasCapacity() bool {
	return c.Level() == LevelNormal
}

// WaitForCapacity blocks until capacity is available, the timeout passes or
// ctx is done. A non-positive timeout uses the configured push wait.
func (c *Controller) WaitForCapacity(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.cfg.PushWaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		ok := c.levelLocked() == LevelNormal
		ch := c.changed
		c.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ch:
		case <-timer.C:
			return ErrCapacityExceeded
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CheckDisk samples the staging filesystem once.
func (c *Controller) CheckDisk() error {
	if c.cfg.MaxDiskUsagePercent <= 0 {
		return nil
	}
	u, err := c.usage(c.dir)
	if err != nil {
		return err
	}
	pct := u.UsedPercent()
	c.evaluate(func() {
		c.diskPercent = pct
		c.diskPressure = pct >= c.cfg.MaxDiskUsagePercent
	})
	return nil
}

// Run checks the filesystem every CheckInterval until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	ll := logctx.FromContext(ctx)
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		if err := c.CheckDisk(); err != nil {
			ll.Warn("Failed to check staging disk usage", slog.String("dir", c.dir), slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stats returns a snapshot.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Level:           c.levelLocked(),
		ReservedBytes:   c.reserved.Load(),
		InFlightUploads: c.uploads.Load(),
		DiskUsedPercent: c.diskPercent,
	}
}

func registerGauges(c *Controller) {
	meter := otel.Meter("github.com/cardinalhq/lakestage/internal/backpressure")

	_, err := meter.Int64ObservableGauge(
		"lakestage.staging.reserved_bytes",
		metric.WithDescription("Bytes accounted to the staging directory"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(c.reserved.Load())
			return nil
		}),
	)
	if err != nil {
		slog.Warn("failed to create staging.reserved_bytes gauge", slog.Any("error", err))
	}

	_, err = meter.Int64ObservableGauge(
		"lakestage.upload.in_flight",
		metric.WithDescription("Uploads currently in progress"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(c.uploads.Load())
			return nil
		}),
	)
	if err != nil {
		slog.Warn("failed to create upload.in_flight gauge", slog.Any("error", err))
	}
}
