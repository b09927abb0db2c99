// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package planner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adxyz/deals/pkg/lineitem"
	"github.com/adxyz/deals/pkg/log"
	"github.com/adxyz/deals/pkg/metric"
)

var ErrNilCollaborator = errors.New("planner requires a client and a catalog")

// DeliveryPlanner synchronizes the line item catalog with the planning
// authority and advances pacing state. Every entry point takes an explicit
// now so the planner can be driven by a wall clock in production or by a
// simulated timestamp under test.
type DeliveryPlanner struct {
	client   Client
	catalog  *lineitem.Catalog
	identity InstanceIdentity
	metrics  *metric.Metrics
	log      log.Logger

	// Each tick type is serialized against itself; overlapping advance
	// calls would double-grant tokens.
	registerMu sync.Mutex
	fetchMu    sync.Mutex
	advanceMu  sync.Mutex
}

// New creates a delivery planner. The client and catalog are required.
func New(client Client, catalog *lineitem.Catalog, identity InstanceIdentity, metrics *metric.Metrics, logger log.Logger) *DeliveryPlanner {
	if client == nil || catalog == nil {
		panic(ErrNilCollaborator)
	}
	if logger == nil {
		logger = log.NoOp()
	}

	return &DeliveryPlanner{
		client:   client,
		catalog:  catalog,
		identity: identity,
		metrics:  metrics,
		log:      logger,
	}
}

// Register announces this instance to the planning authority. Idempotent;
// a failure is reported to the caller but serving continues either way.
func (p *DeliveryPlanner) Register(ctx context.Context, now time.Time) error {
	p.registerMu.Lock()
	defer p.registerMu.Unlock()

	if err := p.client.Register(ctx, p.identity); err != nil {
		p.log.Warn("planner registration failed",
			zap.String("instanceId", p.identity.InstanceID),
			zap.Error(err))
		return fmt.Errorf("register: %w", err)
	}

	p.log.Info("registered with planning authority",
		zap.String("instanceId", p.identity.InstanceID),
		zap.String("region", p.identity.Region),
		zap.Time("at", now))
	return nil
}

// FetchPlans replaces the catalog contents with the planning authority's
// current line items. On any transport or decode failure the catalog is
// left untouched and the error is returned; the next scheduled tick
// retries naturally. Line items the response omits are paused, not
// removed. A line item whose plan violates its invariants is skipped with
// its previous state retained.
func (p *DeliveryPlanner) FetchPlans(ctx context.Context, now time.Time) error {
	p.fetchMu.Lock()
	defer p.fetchMu.Unlock()

	specs, err := p.client.FetchLineItems(ctx, p.identity)
	if err != nil {
		if p.metrics != nil {
			p.metrics.PlanFetchErrors.Inc()
		}
		p.log.Error("plan fetch failed", zap.Error(err))
		return fmt.Errorf("fetch plans: %w", err)
	}

	// A spec with an invalid plan is skipped but still counts as present:
	// only line items the response genuinely omits are paused.
	seen := make(map[string]struct{}, len(specs))
	applied := 0
	for _, spec := range specs {
		seen[spec.LineItemID] = struct{}{}
		li, err := toLineItem(spec, now)
		if err != nil {
			p.log.Warn("skipping line item with invalid plan",
				zap.String("lineItemId", spec.LineItemID),
				zap.Error(err))
			continue
		}
		p.catalog.UpsertLineItem(li)
		applied++
	}

	var omitted []string
	for _, li := range p.catalog.All() {
		if _, ok := seen[li.ID]; !ok {
			omitted = append(omitted, li.ID)
		}
	}
	if len(omitted) > 0 {
		p.catalog.Pause(omitted...)
	}

	if p.metrics != nil {
		p.metrics.PlansFetched.Inc()
		p.metrics.LineItemsActive.Set(float64(countActive(p.catalog)))
	}

	p.log.Info("plans fetched",
		zap.Int("lineItems", applied),
		zap.Int("paused", len(omitted)),
		zap.Time("at", now))
	return nil
}

// Advance grants every active line item its pro-rated share of plan quota
// earned since the last advance, activates pending line items whose window
// has opened, and expires line items whose window has closed. Monotonic:
// a now before a line item's last advance is a no-op for that item.
func (p *DeliveryPlanner) Advance(now time.Time) {
	p.advanceMu.Lock()
	defer p.advanceMu.Unlock()

	var granted float64
	for _, li := range p.catalog.All() {
		if li.Status() == lineitem.StatusPending && li.InWindow(now) {
			li.SetStatus(lineitem.StatusActive)
			p.log.Info("line item activated", zap.String("lineItemId", li.ID))
		}
		if li.Status() != lineitem.StatusActive {
			continue
		}
		granted += li.Pacing.Advance(li.Plan, now)
	}

	expired := p.catalog.Expire(now)

	if p.metrics != nil {
		p.metrics.TokensGranted.Add(granted)
		p.metrics.LineItemsActive.Set(float64(countActive(p.catalog)))
	}

	if granted > 0 || expired > 0 {
		p.log.Debug("plans advanced",
			zap.Float64("tokensGranted", granted),
			zap.Int("expired", expired),
			zap.Time("at", now))
	}
}

func toLineItem(spec LineItemSpec, now time.Time) (*lineitem.LineItem, error) {
	plan := &lineitem.DeliveryPlan{Windows: make([]lineitem.PlanWindow, 0, len(spec.DeliverySchedules))}
	for _, s := range spec.DeliverySchedules {
		plan.Windows = append(plan.Windows, lineitem.PlanWindow{
			PlanID:    s.PlanID,
			StartTime: s.StartTimeStamp,
			EndTime:   s.EndTimeStamp,
			Quota:     s.Quota,
		})
	}

	goal := spec.DeliveryGoal
	if goal == 0 {
		goal = plan.TotalQuota()
	}
	if err := plan.Validate(spec.StartTimeStamp, spec.EndTimeStamp, goal); err != nil {
		return nil, err
	}

	var deals []lineitem.Deal
	if spec.DealID != "" {
		deals = []lineitem.Deal{{
			ID:         spec.DealID,
			LineItemID: spec.LineItemID,
			Sizes:      spec.Sizes,
		}}
	}

	return lineitem.NewLineItem(
		spec.LineItemID,
		spec.AccountID,
		spec.StartTimeStamp,
		spec.EndTimeStamp,
		spec.RelativePriority,
		goal,
		deals,
		plan,
		now,
	), nil
}

func countActive(catalog *lineitem.Catalog) int {
	active := 0
	for _, li := range catalog.All() {
		if li.Status() == lineitem.StatusActive {
			active++
		}
	}
	return active
}
