package delivery

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/adxyz/deals/pkg/lineitem"
	"github.com/adxyz/deals/pkg/log"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTracker(now time.Time) (*ProgressTracker, *lineitem.Catalog) {
	catalog := lineitem.NewCatalog(log.NoOp())
	return NewProgressTracker(catalog, nil, log.NoOp(), now), catalog
}

func activeLineItem(id string, now time.Time) *lineitem.LineItem {
	start := now.Add(-time.Hour)
	end := now.Add(time.Hour)
	plan := &lineitem.DeliveryPlan{Windows: []lineitem.PlanWindow{
		{StartTime: start, EndTime: end, Quota: 100},
	}}
	return lineitem.NewLineItem(id, "acc1", start, end, 1, 100, nil, plan, now)
}

func TestEventBuckets(t *testing.T) {
	require := require.New(t)

	// 2026-03-01 is a Sunday.
	ev := NewEvent(EventWin, "li1", baseTime)
	require.Equal(1, ev.DayOfWeek)
	require.Equal(12, ev.HourOfDay)
}

func TestRecordAndSnapshot(t *testing.T) {
	require := require.New(t)

	now := baseTime
	tracker, _ := newTracker(now)
	require.False(tracker.HasDeliverableData())

	tracker.RecordAuction([]string{"li1", "li2"}, now)
	tracker.RecordAuction([]string{"li1"}, now.Add(time.Second))
	tracker.RecordUserSync("li1", now.Add(2*time.Second))
	require.True(tracker.HasDeliverableData())

	snap := tracker.Snapshot(now.Add(time.Minute))
	require.Equal(now, snap.WindowStart)
	require.Equal(now.Add(time.Minute), snap.WindowEnd)
	require.Equal(int64(2), snap.ClientAuctions)
	require.Len(snap.LineItems, 2)

	// Sorted by line item id.
	require.Equal("li1", snap.LineItems[0].LineItemID)
	require.Equal(int64(2), snap.LineItems[0].Auctions)
	require.Len(snap.LineItems[0].Events, 3)
	require.Equal("li2", snap.LineItems[1].LineItemID)
	require.Equal(int64(1), snap.LineItems[1].Auctions)

	// Drained: the next snapshot starts empty and the window advances.
	require.False(tracker.HasDeliverableData())
	next := tracker.Snapshot(now.Add(2 * time.Minute))
	require.Equal(now.Add(time.Minute), next.WindowStart)
	require.Empty(next.LineItems)
	require.Zero(next.ClientAuctions)
}

func TestRecordWinCommitsToCatalog(t *testing.T) {
	require := require.New(t)

	now := baseTime
	tracker, catalog := newTracker(now)

	li := activeLineItem("li1", now)
	catalog.UpsertLineItem(li)
	li.Pacing.Advance(li.Plan, now) // 50 tokens granted

	tracker.RecordWin("li1", decimal.NewFromFloat(1.5), now)
	tracker.RecordWin("li1", decimal.NewFromFloat(2.25), now.Add(time.Second))

	require.Equal(int64(2), li.Delivered())
	require.InDelta(48.0, li.Pacing.TokensAvailable(), 1e-9)

	snap := tracker.Snapshot(now.Add(time.Minute))
	require.Len(snap.LineItems, 1)
	require.Equal(int64(2), snap.LineItems[0].Wins)
	require.Equal(int64(2), snap.LineItems[0].DeliveredTotal)
	require.True(snap.LineItems[0].Spend.Equal(decimal.NewFromFloat(3.75)))
}

func TestRecordWinForUnknownLineItem(t *testing.T) {
	require := require.New(t)

	now := baseTime
	tracker, _ := newTracker(now)

	tracker.RecordWin("ghost", decimal.NewFromFloat(1.0), now)

	snap := tracker.Snapshot(now.Add(time.Minute))
	require.Len(snap.LineItems, 1)
	require.Equal(int64(1), snap.LineItems[0].Wins)
	require.Zero(snap.LineItems[0].DeliveredTotal)
}

func TestSnapshotPartitionsEventsExactly(t *testing.T) {
	require := require.New(t)

	now := baseTime
	tracker, _ := newTracker(now)

	const writers = 8
	const perWriter = 250

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				tracker.RecordEvent(NewEvent(EventAuction, "li1", now.Add(time.Duration(i)*time.Millisecond)))
			}
		}(w)
	}

	// Drain concurrently with the appenders; every event must land in
	// exactly one snapshot.
	var snapshots []*ProgressSnapshot
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			snapshots = append(snapshots, tracker.Snapshot(now.Add(time.Duration(i)*time.Second)))
		}
	}()

	wg.Wait()
	<-done
	snapshots = append(snapshots, tracker.Snapshot(now.Add(time.Hour)))

	var total int64
	for _, snap := range snapshots {
		for _, lp := range snap.LineItems {
			total += int64(len(lp.Events))
			require.Equal(int64(len(lp.Events)), lp.Auctions)
		}
	}
	require.Equal(int64(writers*perWriter), total)
}
