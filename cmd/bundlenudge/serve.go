// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/bundlenudge/bundlenudge/pkg/config"
	"github.com/bundlenudge/bundlenudge/pkg/logging"
	"github.com/bundlenudge/bundlenudge/services/update/handlers"
	"github.com/bundlenudge/bundlenudge/services/update/health"
	"github.com/bundlenudge/bundlenudge/services/update/observability"
	"github.com/bundlenudge/bundlenudge/services/update/rollback"
	"github.com/bundlenudge/bundlenudge/services/update/rollout"
	"github.com/bundlenudge/bundlenudge/services/update/routes"
	"github.com/bundlenudge/bundlenudge/services/update/storage"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the update server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "path to config.yaml")
	rootCmd.AddCommand(serveCmd)
}

func initTracer(ctx context.Context, endpoint string) (func(context.Context), error) {
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("bundlenudge-update")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}

	logger, closeLog := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		JSON:       cfg.Logging.JSON,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Service:    "update",
	})
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		cleanup, err := initTracer(ctx, cfg.Tracing.Endpoint)
		if err != nil {
			return fmt.Errorf("setting up OTLP tracer: %w", err)
		}
		defer cleanup(context.Background())
	}

	db, err := storage.Open(storage.Config{
		Path:       cfg.Storage.Path,
		InMemory:   cfg.Storage.InMemory,
		SyncWrites: cfg.Storage.SyncWrites,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	store := storage.NewStore(db)
	metrics := observability.InitMetrics()
	aggregator := health.NewAggregator(store)

	handler, err := handlers.NewHandler(handlers.Options{
		Store:       store,
		Resolver:    rollout.NewResolver(store, logger),
		Aggregator:  aggregator,
		Metrics:     metrics,
		Logger:      logger,
		SignalRPS:   cfg.Limits.SignalRPS,
		SignalBurst: cfg.Limits.SignalBurst,
	})
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Tracing.Enabled {
		router.Use(otelgin.Middleware("bundlenudge-update"))
	}
	router.MaxMultipartMemory = cfg.Limits.MaxBodyBytes
	routes.SetupRoutes(router, handler, cfg.Server.AdminAPIKey)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.Rollback.Enabled {
		gcRunner := storage.NewGCRunner(db, logger)
		gcRunner.Start()
		defer gcRunner.Stop()

		controller, err := rollback.NewController(store, aggregator, metrics, logger, rollback.Config{
			Interval: cfg.Rollback.Interval,
			LockPath: cfg.Rollback.LockPath,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			logger.Info("auto-rollback loop started", "interval", cfg.Rollback.Interval)
			err := controller.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
