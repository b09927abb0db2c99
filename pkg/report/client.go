// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/adxyz/deals/pkg/log"
)

const trxIDHeader = "pg-trx-id"

// Client is the stats collector contract. The collector does not guarantee
// idempotency: duplicate delivery is tolerable, loss is the accepted
// failure mode.
type Client interface {
	Push(ctx context.Context, report *DeliveryProgressReport) error
}

// ClientConfig configures the HTTP collector client.
type ClientConfig struct {
	Endpoint string
	Username string
	Password string
	Timeout  time.Duration
}

// HTTPClient pushes delivery progress reports to the collector.
type HTTPClient struct {
	cfg        ClientConfig
	httpClient *http.Client
	log        log.Logger
}

// NewHTTPClient creates a stats collector client.
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

// Push delivers one report over a blocking call bounded by the caller's
// context.
func (c *HTTPClient) Push(ctx context.Context, report *DeliveryProgressReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building report request: %w", err)
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(trxIDHeader, uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pushing report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("pushing report: collector responded %d", resp.StatusCode)
	}

	return nil
}
