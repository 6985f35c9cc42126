package probes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"syscall"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jmoiron/sqlx"

	"github.com/mkrenz/stackpilot/internal/core/domain"
	"github.com/mkrenz/stackpilot/internal/core/health"
)

// Disk usage thresholds, in percent used.
const (
	diskDegradedPercent  = 85.0
	diskUnhealthyPercent = 95.0
)

// InfraProber runs the configured infrastructure checks: the supervisor's
// own database, the data directory's disk capacity, and external HTTP
// dependencies.
type InfraProber struct {
	db           *sqlx.DB
	dataDir      string
	externalURLs []string
	client       *retryablehttp.Client
	logger       *slog.Logger
}

// NewInfraProber creates an infra prober. Any of db, dataDir and
// externalURLs may be zero; only the configured checks run.
func NewInfraProber(db *sqlx.DB, dataDir string, externalURLs []string, timeout time.Duration, logger *slog.Logger) *InfraProber {
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

	return &InfraProber{
		db:           db,
		dataDir:      dataDir,
		externalURLs: externalURLs,
		client:       client,
		logger:       logger,
	}
}

// Probe runs every configured check and returns the infra section, or nil
// when no checks are configured.
func (p *InfraProber) Probe(ctx context.Context) *domain.InfraHealth {
	var checks []domain.InfraCheck

	if p.db != nil {
		checks = append(checks, p.checkDatabase(ctx))
	}
	if p.dataDir != "" {
		checks = append(checks, p.checkDisk())
	}
	for _, url := range p.externalURLs {
		checks = append(checks, p.checkExternal(ctx, url))
	}

	if len(checks) == 0 {
		return nil
	}

	statuses := make([]domain.HealthStatus, 0, len(checks))
	for _, check := range checks {
		statuses = append(statuses, check.Status)
	}

	return &domain.InfraHealth{
		Status: health.Worst(statuses...),
		Checks: checks,
	}
}

func (p *InfraProber) checkDatabase(ctx context.Context) domain.InfraCheck {
	check := domain.InfraCheck{Name: "database", Kind: domain.InfraCheckDatabase}
	if err := p.db.PingContext(ctx); err != nil {
		check.Status = domain.HealthUnhealthy
		check.Detail = err.Error()
		return check
	}
	check.Status = domain.HealthHealthy
	return check
}

func (p *InfraProber) checkDisk() domain.InfraCheck {
	check := domain.InfraCheck{Name: "disk", Kind: domain.InfraCheckDisk}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(p.dataDir, &stat); err != nil {
		check.Status = domain.HealthUnknown
		check.Detail = fmt.Sprintf("statfs %s: %v", p.dataDir, err)
		return check
	}

	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		check.Status = domain.HealthUnknown
		check.Detail = "filesystem reports zero capacity"
		return check
	}
	free := stat.Bavail * uint64(stat.Bsize)
	usedPercent := 100.0 * float64(total-free) / float64(total)

	check.Detail = fmt.Sprintf("%.1f%% used", usedPercent)
	switch {
	case usedPercent >= diskUnhealthyPercent:
		check.Status = domain.HealthUnhealthy
	case usedPercent >= diskDegradedPercent:
		check.Status = domain.HealthDegraded
	default:
		check.Status = domain.HealthHealthy
	}
	return check
}

func (p *InfraProber) checkExternal(ctx context.Context, url string) domain.InfraCheck {
	check := domain.InfraCheck{Name: url, Kind: domain.InfraCheckExternal}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		check.Status = domain.HealthUnhealthy
		check.Detail = err.Error()
		return check
	}

	resp, err := p.client.Do(req)
	if err != nil {
		check.Status = domain.HealthUnhealthy
		check.Detail = err.Error()
		p.logger.Debug("external dependency unreachable", "url", url, "error", err)
		return check
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		check.Status = domain.HealthHealthy
	} else {
		check.Status = domain.HealthUnhealthy
		check.Detail = resp.Status
	}
	return check
}
