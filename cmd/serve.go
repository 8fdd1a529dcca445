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

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cardinalhq/lakestage/config"
	"github.com/cardinalhq/lakestage/internal/cloudstorage"
	"github.com/cardinalhq/lakestage/internal/debugging"
	"github.com/cardinalhq/lakestage/internal/engine"
	"github.com/cardinalhq/lakestage/internal/fly"
	"github.com/cardinalhq/lakestage/internal/healthcheck"
	"github.com/cardinalhq/lakestage/internal/logctx"
	"github.com/cardinalhq/lakestage/internal/push"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion engine with its health and push endpoints",
		RunE: func(_ *cobra.Command, _ []string) error {
			servicename := "lakestage"
			addlAttrs := attribute.NewSet(
				attribute.String("action", "serve"),
			)
			ctx, doneFx, err := setupTelemetry(servicename, &addlAttrs)
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}

			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			return runServe(ctx, cfg)
		},
	}

	rootCmd.AddCommand(cmd)
}

func runServe(ctx context.Context, cfg *config.Config) error {
	go debugging.RunPprof(ctx, cfg.PprofPort)

	healthServer := healthcheck.NewServer(cfg.Health)

	store, err := cloudstorage.NewClient(ctx, cfg.ObjStore)
	if err != nil {
		return fmt.Errorf("failed to create object store client: %w", err)
	}

	var group fly.Group
	if cfg.Kafka.Enabled {
		group, err = fly.NewFactory(&cfg.Kafka).CreateGroup()
		if err != nil {
			return fmt.Errorf("failed to create consumer group: %w", err)
		}
	}

	e, err := engine.New(ctx, cfg.Config, store, group)
	if err != nil {
		if group != nil {
			_ = group.Close()
		}
		return fmt.Errorf("failed to open engine: %w", err)
	}

	report, err := e.Recover(ctx)
	if err != nil {
		_ = e.Shutdown(context.Background())
		return fmt.Errorf("recovery failed: %w", err)
	}
	slog.Info("Recovered staging directory",
		slog.String("dir", cfg.Staging.Dir),
		slog.Any("resumed", report.Resumed),
		slog.Int("reencoded", len(report.Reencoded)),
		slog.Int("removed", len(report.Removed)),
		slog.Int("quarantined", len(report.Quarantined)),
		slog.Int("unreadable", len(report.Unreadable)))

	if err := e.Start(ctx); err != nil {
		_ = e.Shutdown(context.Background())
		return fmt.Errorf("failed to start engine: %w", err)
	}

	healthServer.SetReadyProbe(e.Ready)
	healthServer.SetStreams(func() any { return e.Status() })
	healthServer.Handle(push.Route, e.Push().Handler(cfg.MaxBodyBytes))
	healthServer.Handle(engine.ResumeRoute, e.ResumeHandler())

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := healthServer.Start(ctx); err != nil {
			slog.Error("Health check server stopped", slog.Any("error", err))
		}
	}()

	healthServer.SetStatus(healthcheck.StatusHealthy)

	<-ctx.Done()
	slog.Info("Shutdown requested")
	healthServer.SetStatus(healthcheck.StatusUnhealthy)

	// The engine bounds its own drain by DrainGrace; the extra minute covers
	// closing the stores after it.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainGrace+time.Minute)
	defer cancel()
	shutdownCtx = logctx.With(shutdownCtx, slog.String("phase", "shutdown"))
	err = e.Shutdown(shutdownCtx)
	<-serverDone
	return err
}
