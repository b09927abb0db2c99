// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/adxyz/deals/pkg/delivery"
	"github.com/adxyz/deals/pkg/lineitem"
	"github.com/adxyz/deals/pkg/log"
	"github.com/adxyz/deals/pkg/metric"
	"github.com/adxyz/deals/pkg/planner"
	"github.com/adxyz/deals/pkg/report"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dealsd",
		Short:   "Guaranteed-delivery pacing daemon",
		Version: fmt.Sprintf("%s (commit: %s)", Version, GitCommit),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	flags := cmd.Flags()
	flags.String("log-level", "info", "log level (debug|info|warn|error)")
	flags.String("ops-addr", ":8090", "ops HTTP listen address (health, metrics)")
	flags.String("planner-register-endpoint", "", "planning authority register endpoint")
	flags.String("planner-plan-endpoint", "", "planning authority plan endpoint")
	flags.String("planner-username", "", "planning authority basic auth user")
	flags.String("planner-password", "", "planning authority basic auth password")
	flags.String("stats-endpoint", "", "delivery stats collector endpoint")
	flags.String("stats-username", "", "stats collector basic auth user")
	flags.String("stats-password", "", "stats collector basic auth password")
	flags.String("instance-id", "", "instance id reported to the planner (default: generated)")
	flags.String("region", "local", "deployment region")
	flags.String("vendor", "local", "vendor identity")
	flags.Duration("register-interval", 1*time.Hour, "planner registration interval")
	flags.Duration("fetch-interval", 1*time.Minute, "plan fetch interval")
	flags.Duration("advance-interval", 5*time.Second, "pacing advance interval")
	flags.Duration("report-interval", 30*time.Second, "delivery stats report interval")
	flags.Duration("upstream-timeout", 5*time.Second, "timeout for planner and collector calls")

	viper.SetEnvPrefix("DEALS")
	viper.AutomaticEnv()
	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}

	return cmd
}

func run() error {
	logger := log.NewWithLevel(viper.GetString("log-level"))
	defer logger.Sync()

	instanceID := viper.GetString("instance-id")
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	identity := planner.InstanceIdentity{
		InstanceID: instanceID,
		Region:     viper.GetString("region"),
		Vendor:     viper.GetString("vendor"),
	}

	logger.Info("starting dealsd",
		zap.String("version", Version),
		zap.String("instanceId", identity.InstanceID),
		zap.String("region", identity.Region))

	metrics := metric.NewMetrics()
	catalog := lineitem.NewCatalog(logger)

	upstreamTimeout := viper.GetDuration("upstream-timeout")

	planClient := planner.NewHTTPClient(planner.ClientConfig{
		RegisterEndpoint: viper.GetString("planner-register-endpoint"),
		PlanEndpoint:     viper.GetString("planner-plan-endpoint"),
		Username:         viper.GetString("planner-username"),
		Password:         viper.GetString("planner-password"),
		Timeout:          upstreamTimeout,
	}, logger)

	deliveryPlanner := planner.New(planClient, catalog, identity, metrics, logger)
	tracker := delivery.NewProgressTracker(catalog, metrics, logger, time.Now())

	statsClient := report.NewHTTPClient(report.ClientConfig{
		Endpoint: viper.GetString("stats-endpoint"),
		Username: viper.GetString("stats-username"),
		Password: viper.GetString("stats-password"),
		Timeout:  upstreamTimeout,
	}, logger)

	reporter := report.NewStatsReporter(statsClient, tracker, report.ReporterConfig{
		InstanceID:  identity.InstanceID,
		PushTimeout: upstreamTimeout,
	}, metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Prime the catalog before the tickers take over.
	if err := deliveryPlanner.Register(ctx, time.Now()); err != nil {
		logger.Warn("initial registration failed, continuing", zap.Error(err))
	}
	if err := deliveryPlanner.FetchPlans(ctx, time.Now()); err != nil {
		logger.Warn("initial plan fetch failed, continuing", zap.Error(err))
	}

	go tickLoop(ctx, viper.GetDuration("register-interval"), func(now time.Time) {
		_ = deliveryPlanner.Register(ctx, now)
	})
	go tickLoop(ctx, viper.GetDuration("fetch-interval"), func(now time.Time) {
		_ = deliveryPlanner.FetchPlans(ctx, now)
	})
	go tickLoop(ctx, viper.GetDuration("advance-interval"), func(now time.Time) {
		deliveryPlanner.Advance(now)
	})
	go tickLoop(ctx, viper.GetDuration("report-interval"), func(now time.Time) {
		_ = reporter.Report(ctx, now)
	})

	opsServer := newOpsServer(viper.GetString("ops-addr"), catalog, metrics)
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return opsServer.Shutdown(shutdownCtx)
}

// tickLoop drives one tick type. Ticks of the same type never overlap; the
// closure runs to completion before the next tick is consumed.
func tickLoop(ctx context.Context, interval time.Duration, fn func(now time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fn(now)
		}
	}
}

func newOpsServer(addr string, catalog *lineitem.Catalog, metrics *metric.Metrics) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"lineItems": catalog.Len(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Gatherer(), promhttp.HandlerOpts{})))

	return &http.Server{Addr: addr, Handler: router}
}
