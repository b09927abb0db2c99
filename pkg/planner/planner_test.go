// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package planner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adxyz/deals/pkg/lineitem"
	"github.com/adxyz/deals/pkg/log"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClient struct {
	specs       []LineItemSpec
	fetchErr    error
	registerErr error
	registered  int
}

func (f *fakeClient) Register(ctx context.Context, identity InstanceIdentity) error {
	f.registered++
	return f.registerErr
}

func (f *fakeClient) FetchLineItems(ctx context.Context, identity InstanceIdentity) ([]LineItemSpec, error) {
	return f.specs, f.fetchErr
}

func spec(id, account string, start time.Time, quotas ...int64) LineItemSpec {
	s := LineItemSpec{
		LineItemID:       id,
		DealID:           "deal-" + id,
		AccountID:        account,
		RelativePriority: 1,
		StartTimeStamp:   start,
	}
	var goal int64
	windowStart := start
	for i, q := range quotas {
		windowEnd := windowStart.Add(time.Hour)
		s.DeliverySchedules = append(s.DeliverySchedules, DeliverySchedule{
			PlanID:         "plan-" + string(rune('a'+i)),
			StartTimeStamp: windowStart,
			EndTimeStamp:   windowEnd,
			Quota:          q,
		})
		goal += q
		windowStart = windowEnd
	}
	s.EndTimeStamp = windowStart
	s.DeliveryGoal = goal
	return s
}

func newPlanner(client Client) (*DeliveryPlanner, *lineitem.Catalog) {
	catalog := lineitem.NewCatalog(log.NoOp())
	identity := InstanceIdentity{InstanceID: "inst-1", Region: "local", Vendor: "local"}
	return New(client, catalog, identity, nil, log.NoOp()), catalog
}

func TestFetchPlansPopulatesCatalog(t *testing.T) {
	require := require.New(t)

	now := baseTime
	client := &fakeClient{specs: []LineItemSpec{
		spec("li1", "acc1", now.Add(-time.Hour), 50, 50),
		spec("li2", "acc1", now.Add(time.Hour), 30),
	}}
	p, catalog := newPlanner(client)

	require.NoError(p.FetchPlans(context.Background(), now))
	require.Equal(2, catalog.Len())

	li1, ok := catalog.FindLineItem("li1")
	require.True(ok)
	require.Equal(lineitem.StatusActive, li1.Status())
	require.Equal(int64(100), li1.DeliveryGoal)
	require.Len(li1.Deals, 1)
	require.Equal("deal-li1", li1.Deals[0].ID)

	li2, ok := catalog.FindLineItem("li2")
	require.True(ok)
	require.Equal(lineitem.StatusPending, li2.Status())
}

func TestFetchPlansFailureRetainsCatalog(t *testing.T) {
	require := require.New(t)

	now := baseTime
	client := &fakeClient{specs: []LineItemSpec{spec("li1", "acc1", now.Add(-time.Hour), 100)}}
	p, catalog := newPlanner(client)
	require.NoError(p.FetchPlans(context.Background(), now))

	client.fetchErr = errors.New("planner unreachable")
	err := p.FetchPlans(context.Background(), now.Add(time.Minute))
	require.Error(err)

	// Existing catalog untouched, line item still active.
	li, ok := catalog.FindLineItem("li1")
	require.True(ok)
	require.Equal(lineitem.StatusActive, li.Status())
}

func TestFetchPlansSkipsInvalidPlan(t *testing.T) {
	require := require.New(t)

	now := baseTime
	broken := spec("li-bad", "acc1", now.Add(-time.Hour), 50, 50)
	broken.DeliveryGoal = 999 // quotas no longer sum to the goal

	client := &fakeClient{specs: []LineItemSpec{
		spec("li-good", "acc1", now.Add(-time.Hour), 100),
		broken,
	}}
	p, catalog := newPlanner(client)

	require.NoError(p.FetchPlans(context.Background(), now))
	require.Equal(1, catalog.Len())
	_, ok := catalog.FindLineItem("li-bad")
	require.False(ok)
}

func TestFetchPlansRetainsStateOnInvalidRefetch(t *testing.T) {
	require := require.New(t)

	now := baseTime
	client := &fakeClient{specs: []LineItemSpec{spec("li1", "acc1", now.Add(-time.Hour), 50, 50)}}
	p, catalog := newPlanner(client)
	require.NoError(p.FetchPlans(context.Background(), now))

	// The next response still carries li1 but its plan is malformed; the
	// previous line item keeps serving untouched rather than being paused.
	broken := spec("li1", "acc1", now.Add(-time.Hour), 50, 50)
	broken.DeliveryGoal = 999
	client.specs = []LineItemSpec{broken}
	require.NoError(p.FetchPlans(context.Background(), now.Add(time.Minute)))

	li, ok := catalog.FindLineItem("li1")
	require.True(ok)
	require.Equal(lineitem.StatusActive, li.Status())
	require.Equal(int64(100), li.DeliveryGoal)
}

func TestFetchPlansPausesOmittedLineItems(t *testing.T) {
	require := require.New(t)

	now := baseTime
	client := &fakeClient{specs: []LineItemSpec{
		spec("li1", "acc1", now.Add(-time.Hour), 100),
		spec("li2", "acc1", now.Add(-time.Hour), 100),
	}}
	p, catalog := newPlanner(client)
	require.NoError(p.FetchPlans(context.Background(), now))

	// Next fetch omits li2.
	client.specs = client.specs[:1]
	require.NoError(p.FetchPlans(context.Background(), now.Add(time.Minute)))

	li2, ok := catalog.FindLineItem("li2")
	require.True(ok)
	require.Equal(lineitem.StatusPaused, li2.Status())

	// A later fetch that includes li2 again reactivates it.
	client.specs = []LineItemSpec{
		spec("li1", "acc1", now.Add(-time.Hour), 100),
		spec("li2", "acc1", now.Add(-time.Hour), 100),
	}
	require.NoError(p.FetchPlans(context.Background(), now.Add(2*time.Minute)))
	li2, _ = catalog.FindLineItem("li2")
	require.Equal(lineitem.StatusActive, li2.Status())
}

func TestAdvanceGrantsTokensAndExpires(t *testing.T) {
	require := require.New(t)

	start := baseTime
	client := &fakeClient{specs: []LineItemSpec{spec("li1", "acc1", start, 50, 50)}}
	p, catalog := newPlanner(client)
	require.NoError(p.FetchPlans(context.Background(), start))

	p.Advance(start.Add(30 * time.Minute))
	li, _ := catalog.FindLineItem("li1")
	require.InDelta(25.0, li.Pacing.TokensAvailable(), 1e-9)

	p.Advance(start.Add(90 * time.Minute))
	require.InDelta(75.0, li.Pacing.TokensAvailable(), 1e-9)

	// Backwards now is a no-op.
	p.Advance(start.Add(10 * time.Minute))
	require.InDelta(75.0, li.Pacing.TokensAvailable(), 1e-9)

	// Past the end time the line item expires.
	p.Advance(start.Add(3 * time.Hour))
	require.Equal(lineitem.StatusExpired, li.Status())
}

func TestAdvanceActivatesPendingLineItem(t *testing.T) {
	require := require.New(t)

	now := baseTime
	client := &fakeClient{specs: []LineItemSpec{spec("li1", "acc1", now.Add(time.Hour), 60)}}
	p, catalog := newPlanner(client)
	require.NoError(p.FetchPlans(context.Background(), now))

	li, _ := catalog.FindLineItem("li1")
	require.Equal(lineitem.StatusPending, li.Status())

	p.Advance(now.Add(30 * time.Minute))
	require.Equal(lineitem.StatusPending, li.Status())

	p.Advance(now.Add(90 * time.Minute))
	require.Equal(lineitem.StatusActive, li.Status())
	require.InDelta(30.0, li.Pacing.TokensAvailable(), 1e-9)
}

func TestRegisterSurfacesFailure(t *testing.T) {
	require := require.New(t)

	client := &fakeClient{registerErr: errors.New("boom")}
	p, _ := newPlanner(client)

	require.Error(p.Register(context.Background(), baseTime))

	client.registerErr = nil
	require.NoError(p.Register(context.Background(), baseTime))
	require.Equal(2, client.registered)
}

func TestHTTPClientWireContract(t *testing.T) {
	require := require.New(t)

	now := baseTime
	identity := InstanceIdentity{InstanceID: "inst-1", Region: "us-east", Vendor: "adxyz"}

	var registerBody InstanceIdentity
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(ok)
		require.Equal("user", user)
		require.Equal("secret", pass)
		require.NotEmpty(r.Header.Get("pg-trx-id"))
		require.NoError(json.NewDecoder(r.Body).Decode(&registerBody))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /plan", func(w http.ResponseWriter, r *http.Request) {
		require.Equal("inst-1", r.URL.Query().Get("instanceId"))
		require.Equal("us-east", r.URL.Query().Get("region"))
		require.Equal("adxyz", r.URL.Query().Get("vendor"))
		require.NotEmpty(r.Header.Get("pg-trx-id"))
		_ = json.NewEncoder(w).Encode([]LineItemSpec{spec("li1", "acc1", now, 100)})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewHTTPClient(ClientConfig{
		RegisterEndpoint: server.URL + "/register",
		PlanEndpoint:     server.URL + "/plan",
		Username:         "user",
		Password:         "secret",
	}, log.NoOp())

	require.NoError(client.Register(context.Background(), identity))
	require.Equal(identity, registerBody)

	specs, err := client.FetchLineItems(context.Background(), identity)
	require.NoError(err)
	require.Len(specs, 1)
	require.Equal("li1", specs[0].LineItemID)
	require.Equal(int64(100), specs[0].DeliveryGoal)
}
