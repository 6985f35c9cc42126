// Package probes implements the optional external health probes feeding
// snapshot sections: message-transport endpoint pings and infrastructure
// checks (database reachability, disk capacity, external HTTP). Probers
// return nil when nothing is configured so absent sections stay neutral in
// aggregation.
package probes

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mkrenz/stackpilot/internal/core/domain"
	"github.com/mkrenz/stackpilot/internal/core/health"
)

// BusProber pings the configured message-transport endpoints concurrently
// and folds the outcomes into one bus section.
type BusProber struct {
	endpoints []string
	client    *retryablehttp.Client
	logger    *slog.Logger
}

// NewBusProber creates a bus prober. With no endpoints the prober reports
// nothing.
func NewBusProber(endpoints []string, timeout time.Duration, logger *slog.Logger) *BusProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 500 * time.Millisecond
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: timeout}

	return &BusProber{
		endpoints: endpoints,
		client:    client,
		logger:    logger,
	}
}

// Probe pings every endpoint and returns the bus section, or nil when no
// endpoints are configured.
func (p *BusProber) Probe(ctx context.Context) *domain.BusHealth {
	if len(p.endpoints) == 0 {
		return nil
	}

	pings := make([]domain.EndpointPing, len(p.endpoints))
	var wg sync.WaitGroup
	for i, endpoint := range p.endpoints {
		wg.Add(1)
		go func(i int, endpoint string) {
			defer wg.Done()
			pings[i] = p.ping(ctx, endpoint)
		}(i, endpoint)
	}
	wg.Wait()

	statuses := make([]domain.HealthStatus, 0, len(pings))
	for _, ping := range pings {
		statuses = append(statuses, ping.Status)
	}

	return &domain.BusHealth{
		Status:    health.Worst(statuses...),
		Endpoints: pings,
	}
}

func (p *BusProber) ping(ctx context.Context, endpoint string) domain.EndpointPing {
	ping := domain.EndpointPing{Endpoint: endpoint}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		ping.Status = domain.HealthUnhealthy
		ping.Error = err.Error()
		return ping
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	ping.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		ping.Status = domain.HealthUnhealthy
		ping.Error = err.Error()
		p.logger.Debug("bus endpoint unreachable", "endpoint", endpoint, "error", err)
		return ping
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		ping.Status = domain.HealthHealthy
	} else {
		ping.Status = domain.HealthUnhealthy
		ping.Error = resp.Status
	}
	return ping
}
