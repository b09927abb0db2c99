package delivery

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/adxyz/deals/pkg/lineitem"
	"github.com/adxyz/deals/pkg/log"
	"github.com/adxyz/deals/pkg/metric"
)

// EventKind is the kind of a delivery-relevant event.
type EventKind string

const (
	EventAuction  EventKind = "auction"
	EventWin      EventKind = "win"
	EventUserSync EventKind = "userSync"
)

// Event records one delivery-relevant occurrence for a line item. Immutable
// after creation; retained until folded into a snapshot.
type Event struct {
	Kind       EventKind
	LineItemID string
	Timestamp  time.Time
	DayOfWeek  int // Sunday-start, 1-7
	HourOfDay  int // 0-23
}

// NewEvent creates an event with bucket keys derived from the timestamp.
func NewEvent(kind EventKind, lineItemID string, ts time.Time) Event {
	return Event{
		Kind:       kind,
		LineItemID: lineItemID,
		Timestamp:  ts,
		DayOfWeek:  int(ts.Weekday()) + 1,
		HourOfDay:  ts.Hour(),
	}
}

// LineItemProgress is the immutable per-line-item slice of a snapshot.
type LineItemProgress struct {
	LineItemID     string
	Auctions       int64
	Wins           int64
	Spend          decimal.Decimal
	DeliveredTotal int64
	Events         []Event
}

// ProgressSnapshot is an immutable, point-in-time drain of accumulated
// delivery events and counters.
type ProgressSnapshot struct {
	WindowStart    time.Time
	WindowEnd      time.Time
	ClientAuctions int64
	LineItems      []LineItemProgress
}

type runningProgress struct {
	auctions int64
	wins     int64
	spend    decimal.Decimal
	events   []Event
}

// ProgressTracker accumulates delivery events between reporting ticks.
// Appends are safe under concurrent auctions; Snapshot drains atomically so
// every event lands in exactly one snapshot.
type ProgressTracker struct {
	mu             sync.Mutex
	progress       map[string]*runningProgress
	clientAuctions int64
	eventCount     int64
	windowStart    time.Time

	catalog *lineitem.Catalog
	metrics *metric.Metrics
	log     log.Logger
}

// NewProgressTracker creates a tracker whose first report window opens at
// startedAt.
func NewProgressTracker(catalog *lineitem.Catalog, metrics *metric.Metrics, logger log.Logger, startedAt time.Time) *ProgressTracker {
	if catalog == nil {
		panic("delivery: tracker requires a catalog")
	}
	if logger == nil {
		logger = log.NoOp()
	}

	return &ProgressTracker{
		progress:    make(map[string]*runningProgress),
		windowStart: startedAt,
		catalog:     catalog,
		metrics:     metrics,
		log:         logger,
	}
}

// RecordEvent appends an event to the log of its line item and bumps the
// matching counters.
func (t *ProgressTracker) RecordEvent(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordLocked(ev)
}

func (t *ProgressTracker) recordLocked(ev Event) {
	rp, ok := t.progress[ev.LineItemID]
	if !ok {
		rp = &runningProgress{spend: decimal.Zero}
		t.progress[ev.LineItemID] = rp
	}

	switch ev.Kind {
	case EventAuction:
		rp.auctions++
	case EventWin:
		rp.wins++
	}
	rp.events = append(rp.events, ev)
	t.eventCount++

	if t.metrics != nil {
		t.metrics.EventsRecorded.WithLabelValues(string(ev.Kind)).Inc()
	}
}

// RecordAuction notes one observed client auction and the line items that
// participated in it.
func (t *ProgressTracker) RecordAuction(lineItemIDs []string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.clientAuctions++
	for _, id := range lineItemIDs {
		t.recordLocked(NewEvent(EventAuction, id, now))
	}
}

// RecordWin notes a won impression for a line item. The win commits to the
// catalog as well: the delivered count rises and one pacing token is
// consumed.
func (t *ProgressTracker) RecordWin(lineItemID string, price decimal.Decimal, now time.Time) {
	t.mu.Lock()
	rp, ok := t.progress[lineItemID]
	if !ok {
		rp = &runningProgress{spend: decimal.Zero}
		t.progress[lineItemID] = rp
	}
	rp.spend = rp.spend.Add(price)
	t.recordLocked(NewEvent(EventWin, lineItemID, now))
	t.mu.Unlock()

	if li, found := t.catalog.FindLineItem(lineItemID); found {
		li.AddDelivered(1)
		li.Pacing.Consume()
	} else {
		t.log.Debug("win for unknown line item", zap.String("lineItemId", lineItemID))
	}
}

// RecordUserSync notes a user-data sync outcome attributed to a line item.
func (t *ProgressTracker) RecordUserSync(lineItemID string, now time.Time) {
	t.RecordEvent(NewEvent(EventUserSync, lineItemID, now))
}

// HasDeliverableData reports whether anything has been recorded since the
// last drain.
func (t *ProgressTracker) HasDeliverableData() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eventCount > 0 || t.clientAuctions > 0
}

// Snapshot atomically drains accumulated events and counters into an
// immutable snapshot and resets the running state. Each recorded event is
// included in exactly one snapshot.
func (t *ProgressTracker) Snapshot(now time.Time) *ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := &ProgressSnapshot{
		WindowStart:    t.windowStart,
		WindowEnd:      now,
		ClientAuctions: t.clientAuctions,
		LineItems:      make([]LineItemProgress, 0, len(t.progress)),
	}

	for id, rp := range t.progress {
		delivered := int64(0)
		if li, ok := t.catalog.FindLineItem(id); ok {
			delivered = li.Delivered()
		}
		snap.LineItems = append(snap.LineItems, LineItemProgress{
			LineItemID:     id,
			Auctions:       rp.auctions,
			Wins:           rp.wins,
			Spend:          rp.spend,
			DeliveredTotal: delivered,
			Events:         rp.events,
		})
	}
	sort.Slice(snap.LineItems, func(i, j int) bool {
		return snap.LineItems[i].LineItemID < snap.LineItems[j].LineItemID
	})

	t.progress = make(map[string]*runningProgress)
	t.clientAuctions = 0
	t.eventCount = 0
	t.windowStart = now

	return snap
}
