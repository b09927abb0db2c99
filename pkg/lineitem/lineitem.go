// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package lineitem

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prebid/openrtb/v20/openrtb2"
)

var (
	ErrEmptyPlan         = errors.New("delivery plan has no windows")
	ErrWindowsNotContig  = errors.New("delivery plan windows are not contiguous")
	ErrWindowsOutOfRange = errors.New("delivery plan windows do not cover the validity window")
	ErrQuotaMismatch     = errors.New("delivery plan quotas do not sum to the delivery goal")
)

// Status is the lifecycle state of a line item.
type Status int32

const (
	StatusPending Status = iota
	StatusActive
	StatusPaused
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusExpired:
		return "expired"
	}
	return "unknown"
}

// Deal binds a line item to specific impressions via an OpenRTB deal id.
// Immutable once fetched; replaced wholesale on the next fetch.
type Deal struct {
	ID         string
	LineItemID string
	Sizes      []openrtb2.Format
}

// PlanWindow is one time-bounded token quota of a delivery plan.
type PlanWindow struct {
	PlanID    string
	StartTime time.Time
	EndTime   time.Time
	Quota     int64
}

// DeliveryPlan is the ordered, window-quota schedule for a line item.
// The plan is replaced, never merged, on each successful fetch.
type DeliveryPlan struct {
	Windows []PlanWindow
}

// TotalQuota returns the sum of all window quotas.
func (p *DeliveryPlan) TotalQuota() int64 {
	var total int64
	for _, w := range p.Windows {
		total += w.Quota
	}
	return total
}

// Validate checks the plan invariants against the owning line item's
// validity window [start, end) and delivery goal.
func (p *DeliveryPlan) Validate(start, end time.Time, goal int64) error {
	if len(p.Windows) == 0 {
		return ErrEmptyPlan
	}
	for i, w := range p.Windows {
		if !w.StartTime.Before(w.EndTime) {
			return fmt.Errorf("%w: window %d is empty or inverted", ErrWindowsNotContig, i)
		}
		if i > 0 && !w.StartTime.Equal(p.Windows[i-1].EndTime) {
			return fmt.Errorf("%w: gap or overlap before window %d", ErrWindowsNotContig, i)
		}
	}
	if !p.Windows[0].StartTime.Equal(start) || !p.Windows[len(p.Windows)-1].EndTime.Equal(end) {
		return ErrWindowsOutOfRange
	}
	if p.TotalQuota() != goal {
		return fmt.Errorf("%w: quotas sum to %d, goal is %d", ErrQuotaMismatch, p.TotalQuota(), goal)
	}
	return nil
}

// QuotaThrough returns the cumulative quota earned by the given time: the
// full quota of every window whose end has passed plus the pro-rated share
// of the in-progress window, linearly interpolated.
func (p *DeliveryPlan) QuotaThrough(now time.Time) float64 {
	var total float64
	for _, w := range p.Windows {
		switch {
		case !w.EndTime.After(now):
			total += float64(w.Quota)
		case w.StartTime.After(now):
			return total
		default:
			elapsed := now.Sub(w.StartTime).Seconds() / w.EndTime.Sub(w.StartTime).Seconds()
			if elapsed > 1 {
				elapsed = 1
			}
			total += float64(w.Quota) * elapsed
			return total
		}
	}
	return total
}

// PacingState tracks the tokens a line item has been granted and not yet
// consumed. Advancing is externally serialized per line item; consumption
// happens on the auction path and is guarded here.
type PacingState struct {
	mu              sync.Mutex
	tokensAvailable float64
	tokensGranted   float64
	lastAdvanced    time.Time
}

// Advance grants the pro-rated share of plan quota earned since the last
// advance and returns the amount granted. A now before the previous advance
// is a no-op, so tokens never regress when time moves backward.
func (ps *PacingState) Advance(plan *DeliveryPlan, now time.Time) float64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if plan == nil || now.Before(ps.lastAdvanced) {
		return 0
	}

	grant := plan.QuotaThrough(now) - ps.tokensGranted
	if grant < 0 {
		// Plan was replaced with a smaller schedule; keep what was granted.
		grant = 0
	}

	ps.tokensAvailable += grant
	ps.tokensGranted += grant
	ps.lastAdvanced = now

	return grant
}

// Consume takes one token if at least one is available.
func (ps *PacingState) Consume() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.tokensAvailable < 1 {
		return false
	}
	ps.tokensAvailable--
	return true
}

// TokensAvailable returns the currently spendable token count.
func (ps *PacingState) TokensAvailable() float64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.tokensAvailable
}

// TokensGranted returns the cumulative tokens granted since creation.
func (ps *PacingState) TokensGranted() float64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.tokensGranted
}

// LastAdvanced returns the timestamp of the most recent advance.
func (ps *PacingState) LastAdvanced() time.Time {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.lastAdvanced
}

// LineItem is a sold guaranteed-delivery campaign. The identity, window,
// goal, deals and plan fields are immutable after construction; status,
// delivered count and pacing state mutate under the catalog's discipline.
type LineItem struct {
	ID               string
	AccountID        string
	StartTime        time.Time
	EndTime          time.Time
	RelativePriority int
	DeliveryGoal     int64
	Deals            []Deal
	Plan             *DeliveryPlan

	Pacing *PacingState

	status    atomic.Int32
	delivered atomic.Int64
}

// NewLineItem constructs a line item with fresh pacing state and a status
// derived from its validity window at the given time.
func NewLineItem(id, accountID string, start, end time.Time, priority int, goal int64, deals []Deal, plan *DeliveryPlan, now time.Time) *LineItem {
	li := &LineItem{
		ID:               id,
		AccountID:        accountID,
		StartTime:        start,
		EndTime:          end,
		RelativePriority: priority,
		DeliveryGoal:     goal,
		Deals:            deals,
		Plan:             plan,
		Pacing:           &PacingState{},
	}

	switch {
	case !now.Before(end):
		li.SetStatus(StatusExpired)
	case now.Before(start):
		li.SetStatus(StatusPending)
	default:
		li.SetStatus(StatusActive)
	}

	return li
}

// Status returns the current lifecycle status.
func (li *LineItem) Status() Status {
	return Status(li.status.Load())
}

// SetStatus transitions the lifecycle status.
func (li *LineItem) SetStatus(s Status) {
	li.status.Store(int32(s))
}

// InWindow reports whether now falls within [StartTime, EndTime).
func (li *LineItem) InWindow(now time.Time) bool {
	return !now.Before(li.StartTime) && now.Before(li.EndTime)
}

// Delivered returns the current delivered count.
func (li *LineItem) Delivered() int64 {
	return li.delivered.Load()
}

// AddDelivered increments the delivered count by n.
func (li *LineItem) AddDelivered(n int64) {
	li.delivered.Add(n)
}

// DealIDs returns the ids of the line item's deals in declaration order.
func (li *LineItem) DealIDs() []string {
	ids := make([]string, 0, len(li.Deals))
	for _, d := range li.Deals {
		ids = append(ids, d.ID)
	}
	return ids
}
