// Package fleet is the HTTP client for the market-data, fleet-control and
// site-provisioning services.
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/seenimoa/fleetpilot/internal/apperr"
	"github.com/seenimoa/fleetpilot/pkg/models"
)

// APIKeyHeader carries the site credential on fleet-control calls.
const APIKeyHeader = "X-Api-Key"

// maxBody bounds how much of an upstream reply is read.
const maxBody = 1 << 20

// Observer receives the duration of every upstream call.
type Observer interface {
	ObserveUpstream(service string, d time.Duration, err error)
}

// Config holds client settings. Zero timeouts fall back to 30s.
type Config struct {
	MarketURL     string
	FleetURL      string
	MarketTimeout time.Duration
	FleetTimeout  time.Duration
}

// Client talks to the three external services.
type Client struct {
	marketURL     string
	fleetURL      string
	marketTimeout time.Duration
	fleetTimeout  time.Duration
	httpClient    *http.Client
	observer      Observer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithObserver reports call durations, e.g. to Prometheus.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// New creates a Client.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		marketURL:     strings.TrimRight(cfg.MarketURL, "/"),
		fleetURL:      strings.TrimRight(cfg.FleetURL, "/"),
		marketTimeout: orDefault(cfg.MarketTimeout),
		fleetTimeout:  orDefault(cfg.FleetTimeout),
		httpClient:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func orDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

// ════════════════════════════════════════════════════════════════════
// Market data
// ════════════════════════════════════════════════════════════════════

// Prices returns the price history, newest first.
func (c *Client) Prices(ctx context.Context) (models.PriceSeries, error) {
	var series models.PriceSeries
	if err := c.do(ctx, apperr.ServiceMarket, http.MethodGet, c.marketURL+"/prices", "", nil, &series); err != nil {
		return nil, err
	}
	sort.SliceStable(series, func(i, j int) bool {
		return series[i].Timestamp.After(series[j].Timestamp)
	})
	return series, nil
}

// Inventory returns the hardware catalogue.
func (c *Client) Inventory(ctx context.Context) (*models.Inventory, error) {
	var inv models.Inventory
	if err := c.do(ctx, apperr.ServiceMarket, http.MethodGet, c.marketURL+"/inventory", "", nil, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// ════════════════════════════════════════════════════════════════════
// Fleet control
// ════════════════════════════════════════════════════════════════════

// Allocation returns what is currently deployed at the site.
func (c *Client) Allocation(ctx context.Context, apiKey string) (*models.MachineAllocation, error) {
	if apiKey == "" {
		return nil, apperr.Required("credential")
	}
	var alloc models.MachineAllocation
	if err := c.do(ctx, apperr.ServiceFleet, http.MethodGet, c.fleetURL+"/machines", apiKey, nil, &alloc); err != nil {
		return nil, err
	}
	return &alloc, nil
}

// UpdateAllocation sends a new target allocation and returns the control
// service's echo. A non-success reply comes back as an UpstreamError with
// the status and body untouched. The call is never retried.
func (c *Client) UpdateAllocation(ctx context.Context, apiKey string, target models.AllocationTarget) (*models.MachineAllocation, error) {
	if apiKey == "" {
		return nil, apperr.Required("credential")
	}
	var alloc models.MachineAllocation
	if err := c.do(ctx, apperr.ServiceFleet, http.MethodPut, c.fleetURL+"/machines", apiKey, target, &alloc); err != nil {
		return nil, err
	}
	return &alloc, nil
}

// ════════════════════════════════════════════════════════════════════
// Site provisioning
// ════════════════════════════════════════════════════════════════════

// CreateSite registers a site and returns its one-time credential.
func (c *Client) CreateSite(ctx context.Context, name string) (*models.Site, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperr.Required("name")
	}
	var site models.Site
	body := map[string]string{"name": name}
	if err := c.do(ctx, apperr.ServiceSites, http.MethodPost, c.fleetURL+"/sites", "", body, &site); err != nil {
		return nil, err
	}
	if site.Name == "" {
		site.Name = name
	}
	return &site, nil
}

// ════════════════════════════════════════════════════════════════════
// HTTP Helpers
// ════════════════════════════════════════════════════════════════════

func (c *Client) timeoutFor(service string) time.Duration {
	if service == apperr.ServiceMarket {
		return c.marketTimeout
	}
	return c.fleetTimeout
}

func (c *Client) do(ctx context.Context, service, method, url, apiKey string, in, out any) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeoutFor(service))
	defer cancel()

	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer.ObserveUpstream(service, time.Since(start), err)
		}
	}()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", service, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", service, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set(APIKeyHeader, apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Upstream(service, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return apperr.Upstream(service, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.Status(service, resp.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Upstream(service, fmt.Errorf("decode %s %s: %w", method, url, err))
	}
	return nil
}
