// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package report

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/adxyz/deals/pkg/delivery"
	"github.com/adxyz/deals/pkg/log"
	"github.com/adxyz/deals/pkg/metric"
)

// EventCount aggregates drained events by kind and time bucket.
type EventCount struct {
	Kind      string `json:"kind"`
	DayOfWeek int    `json:"dayOfWeek"`
	HourOfDay int    `json:"hourOfDay"`
	Count     int64  `json:"count"`
}

// LineItemStatus is the per-line-item section of a report.
type LineItemStatus struct {
	LineItemID      string          `json:"lineItemId"`
	Auctions        int64           `json:"auctions"`
	Wins            int64           `json:"wins"`
	Spent           decimal.Decimal `json:"spent"`
	DeliveredTokens int64           `json:"deliveredTokens"`
	Events          []EventCount    `json:"events,omitempty"`
}

// DeliveryProgressReport is pushed at-least-once to the stats collector.
type DeliveryProgressReport struct {
	ReportID             string           `json:"reportId"`
	InstanceID           string           `json:"instanceId"`
	WindowStartTimeStamp time.Time        `json:"windowStartTimeStamp"`
	WindowEndTimeStamp   time.Time        `json:"windowEndTimeStamp"`
	ClientAuctions       int64            `json:"clientAuctions"`
	LineItemStatus       []LineItemStatus `json:"lineItemStatus"`
}

// ReporterConfig configures the stats reporter.
type ReporterConfig struct {
	InstanceID  string
	PushTimeout time.Duration
	MaxRetries  uint64
}

// StatsReporter packages progress snapshots into reports and pushes them to
// the collector. A failed push retries with bounded backoff inside the
// owning tick; once retries are exhausted the drained snapshot is logged as
// lost and never re-queued.
type StatsReporter struct {
	client  Client
	tracker *delivery.ProgressTracker
	cfg     ReporterConfig
	metrics *metric.Metrics
	log     log.Logger

	// Pushes serialize per destination so the collector observes reports
	// in window order.
	pushMu sync.Mutex
}

// NewStatsReporter creates a reporter. The client and tracker are required.
func NewStatsReporter(client Client, tracker *delivery.ProgressTracker, cfg ReporterConfig, metrics *metric.Metrics, logger log.Logger) *StatsReporter {
	if client == nil || tracker == nil {
		panic("report: reporter requires a client and a tracker")
	}
	if logger == nil {
		logger = log.NoOp()
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	return &StatsReporter{
		client:  client,
		tracker: tracker,
		cfg:     cfg,
		metrics: metrics,
		log:     logger,
	}
}

// Report drains a snapshot and pushes it to the collector. A tick with no
// deliverable data skips the drain entirely, leaving the report window
// open until something is recorded.
func (r *StatsReporter) Report(ctx context.Context, now time.Time) error {
	r.pushMu.Lock()
	defer r.pushMu.Unlock()

	if !r.tracker.HasDeliverableData() {
		r.log.Debug("no delivery data to report", zap.Time("at", now))
		return nil
	}

	rep := BuildReport(r.tracker.Snapshot(now), r.cfg.InstanceID)

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.cfg.MaxRetries),
		ctx,
	)

	err := backoff.Retry(func() error {
		pushCtx, cancel := context.WithTimeout(ctx, r.cfg.PushTimeout)
		defer cancel()

		if pushErr := r.client.Push(pushCtx, rep); pushErr != nil {
			if r.metrics != nil {
				r.metrics.ReportsFailed.Inc()
			}
			r.log.Warn("report push failed",
				zap.String("reportId", rep.ReportID),
				zap.Error(pushErr))
			return pushErr
		}
		return nil
	}, policy)

	if err != nil {
		if r.metrics != nil {
			r.metrics.ReportsLost.Inc()
		}
		r.log.Error("delivery progress report lost",
			zap.String("reportId", rep.ReportID),
			zap.Int64("clientAuctions", rep.ClientAuctions),
			zap.Error(err))
		return fmt.Errorf("report %s lost: %w", rep.ReportID, err)
	}

	if r.metrics != nil {
		r.metrics.ReportsSent.Inc()
	}
	r.log.Info("delivery progress report sent",
		zap.String("reportId", rep.ReportID),
		zap.Int("lineItems", len(rep.LineItemStatus)),
		zap.Int64("clientAuctions", rep.ClientAuctions))
	return nil
}

// BuildReport folds a drained snapshot into the collector wire form.
func BuildReport(snap *delivery.ProgressSnapshot, instanceID string) *DeliveryProgressReport {
	rep := &DeliveryProgressReport{
		ReportID:             uuid.NewString(),
		InstanceID:           instanceID,
		WindowStartTimeStamp: snap.WindowStart,
		WindowEndTimeStamp:   snap.WindowEnd,
		ClientAuctions:       snap.ClientAuctions,
		LineItemStatus:       make([]LineItemStatus, 0, len(snap.LineItems)),
	}

	for _, lp := range snap.LineItems {
		rep.LineItemStatus = append(rep.LineItemStatus, LineItemStatus{
			LineItemID:      lp.LineItemID,
			Auctions:        lp.Auctions,
			Wins:            lp.Wins,
			Spent:           lp.Spend,
			DeliveredTokens: lp.DeliveredTotal,
			Events:          aggregateEvents(lp.Events),
		})
	}

	return rep
}

func aggregateEvents(events []delivery.Event) []EventCount {
	if len(events) == 0 {
		return nil
	}

	type bucket struct {
		kind      string
		dayOfWeek int
		hourOfDay int
	}

	counts := make(map[bucket]int64)
	order := make([]bucket, 0, len(events))
	for _, ev := range events {
		b := bucket{kind: string(ev.Kind), dayOfWeek: ev.DayOfWeek, hourOfDay: ev.HourOfDay}
		if _, seen := counts[b]; !seen {
			order = append(order, b)
		}
		counts[b]++
	}

	out := make([]EventCount, 0, len(order))
	for _, b := range order {
		out = append(out, EventCount{
			Kind:      b.kind,
			DayOfWeek: b.dayOfWeek,
			HourOfDay: b.hourOfDay,
			Count:     counts[b],
		})
	}
	return out
}
