// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/prebid/openrtb/v20/openrtb2"
	"go.uber.org/zap"

	"github.com/adxyz/deals/pkg/log"
)

const trxIDHeader = "pg-trx-id"

// InstanceIdentity announces this server instance to the planning authority.
type InstanceIdentity struct {
	InstanceID string `json:"instanceId"`
	Region     string `json:"region"`
	Vendor     string `json:"vendor"`
}

// DeliverySchedule is one plan window on the wire.
type DeliverySchedule struct {
	PlanID         string    `json:"planId"`
	StartTimeStamp time.Time `json:"startTimeStamp"`
	EndTimeStamp   time.Time `json:"endTimeStamp"`
	Quota          int64     `json:"quota"`
}

// LineItemSpec is a line item and its plan as served by the planning
// authority.
type LineItemSpec struct {
	LineItemID        string             `json:"lineItemId"`
	DealID            string             `json:"dealId"`
	AccountID         string             `json:"accountId"`
	RelativePriority  int                `json:"relativePriority"`
	DeliveryGoal      int64              `json:"deliveryGoal"`
	StartTimeStamp    time.Time          `json:"startTimeStamp"`
	EndTimeStamp      time.Time          `json:"endTimeStamp"`
	Sizes             []openrtb2.Format  `json:"sizes,omitempty"`
	DeliverySchedules []DeliverySchedule `json:"deliverySchedules"`
}

// Client is the planning authority contract consumed by the planner.
type Client interface {
	Register(ctx context.Context, identity InstanceIdentity) error
	FetchLineItems(ctx context.Context, identity InstanceIdentity) ([]LineItemSpec, error)
}

// ClientConfig configures the HTTP planning client.
type ClientConfig struct {
	RegisterEndpoint string
	PlanEndpoint     string
	Username         string
	Password         string
	Timeout          time.Duration
}

// HTTPClient talks to the planning authority over HTTP with basic auth and
// a per-call transaction id header.
type HTTPClient struct {
	cfg        ClientConfig
	httpClient *http.Client
	log        log.Logger
}

// NewHTTPClient creates a planning authority client.
func NewHTTPClient(cfg ClientConfig, logger log.Logger) *HTTPClient {
	if logger == nil {
		logger = log.NoOp()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        logger,
	}
}

// Register announces the instance. Safe to retry; the planning authority
// treats registration as an upsert.
func (c *HTTPClient) Register(ctx context.Context, identity InstanceIdentity) error {
	body, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("encoding register request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RegisterEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building register request: %w", err)
	}
	c.decorate(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registering instance: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("registering instance: planner responded %d", resp.StatusCode)
	}

	c.log.Debug("instance registered", zap.String("instanceId", identity.InstanceID))
	return nil
}

// FetchLineItems retrieves the current line items and plans for this
// instance.
func (c *HTTPClient) FetchLineItems(ctx context.Context, identity InstanceIdentity) ([]LineItemSpec, error) {
	endpoint, err := url.Parse(c.cfg.PlanEndpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing plan endpoint: %w", err)
	}

	query := endpoint.Query()
	query.Set("instanceId", identity.InstanceID)
	query.Set("region", identity.Region)
	query.Set("vendor", identity.Vendor)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building plan request: %w", err)
	}
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching line items: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetching line items: planner responded %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading plan response: %w", err)
	}

	var specs []LineItemSpec
	if err := json.Unmarshal(body, &specs); err != nil {
		return nil, fmt.Errorf("decoding plan response: %w", err)
	}

	return specs, nil
}

func (c *HTTPClient) decorate(req *http.Request) {
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	req.Header.Set(trxIDHeader, uuid.NewString())
}
