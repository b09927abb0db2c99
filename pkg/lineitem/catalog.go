// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package lineitem

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/adxyz/deals/pkg/log"
)

// Catalog is the in-memory registry of line items. Reads go through an
// atomically swapped immutable map so the auction path never locks against
// planner ticks; writers serialize on a single mutex and publish a fresh
// copy of the map on every mutation batch.
type Catalog struct {
	mu    sync.Mutex
	items atomic.Pointer[map[string]*LineItem]
	log   log.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger log.Logger) *Catalog {
	if logger == nil {
		logger = log.NoOp()
	}

	c := &Catalog{log: logger}
	empty := make(map[string]*LineItem)
	c.items.Store(&empty)
	return c
}

func (c *Catalog) snapshot() map[string]*LineItem {
	return *c.items.Load()
}

func (c *Catalog) publish(items map[string]*LineItem) {
	c.items.Store(&items)
}

func (c *Catalog) copyItems() map[string]*LineItem {
	cur := c.snapshot()
	next := make(map[string]*LineItem, len(cur)+1)
	for id, li := range cur {
		next[id] = li
	}
	return next
}

// UpsertLineItem replaces any existing line item with the same id together
// with its plan. Readers observe either the previous or the new line item,
// never a mix. Delivery history carries forward: the incoming item adopts
// the existing pacing state and delivered count so a plan refresh does not
// restart delivery from zero.
func (c *Catalog) UpsertLineItem(li *LineItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.copyItems()
	if prev, ok := next[li.ID]; ok {
		li.Pacing = prev.Pacing
		li.delivered.Store(prev.delivered.Load())
	}
	next[li.ID] = li
	c.publish(next)

	c.log.Debug("line item upserted",
		zap.String("lineItemId", li.ID),
		zap.String("account", li.AccountID),
		zap.String("status", li.Status().String()))
}

// FindLineItem returns the line item with the given id.
func (c *Catalog) FindLineItem(id string) (*LineItem, bool) {
	li, ok := c.snapshot()[id]
	return li, ok
}

// All returns every registered line item in unspecified order.
func (c *Catalog) All() []*LineItem {
	cur := c.snapshot()
	items := make([]*LineItem, 0, len(cur))
	for _, li := range cur {
		items = append(items, li)
	}
	return items
}

// Len returns the number of registered line items.
func (c *Catalog) Len() int {
	return len(c.snapshot())
}

// ActiveLineItemsForAccount returns the account's active line items whose
// validity window contains now, ordered by priority descending then id
// ascending for a deterministic tie-break.
func (c *Catalog) ActiveLineItemsForAccount(accountID string, now time.Time) []*LineItem {
	var items []*LineItem
	for _, li := range c.snapshot() {
		if li.AccountID != accountID || li.Status() != StatusActive || !li.InWindow(now) {
			continue
		}
		items = append(items, li)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].RelativePriority != items[j].RelativePriority {
			return items[i].RelativePriority > items[j].RelativePriority
		}
		return items[i].ID < items[j].ID
	})

	return items
}

// AccountHasDeals reports whether the account has at least one active line
// item carrying a deal at the given time.
func (c *Catalog) AccountHasDeals(accountID string, now time.Time) bool {
	for _, li := range c.ActiveLineItemsForAccount(accountID, now) {
		if len(li.Deals) > 0 {
			return true
		}
	}
	return false
}

// Expire transitions line items whose end time has passed to expired.
// Invoked once per advance tick.
func (c *Catalog) Expire(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := 0
	for _, li := range c.snapshot() {
		if li.Status() != StatusExpired && !now.Before(li.EndTime) {
			li.SetStatus(StatusExpired)
			expired++
			c.log.Info("line item expired", zap.String("lineItemId", li.ID))
		}
	}
	return expired
}

// Pause deactivates the given line items, typically because a plan fetch
// omitted them. Expired items stay expired.
func (c *Catalog) Pause(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snapshot()
	for _, id := range ids {
		li, ok := cur[id]
		if !ok || li.Status() == StatusExpired {
			continue
		}
		li.SetStatus(StatusPaused)
		c.log.Info("line item paused", zap.String("lineItemId", id))
	}
}
