// Package observers implements the maintenance probing framework: a uniform
// check envelope around pluggable probe strategies, and a registry-backed
// factory that resolves concrete observers from a type tag.
package observers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mkrenz/stackpilot/internal/core/domain"
)

// Observer implements one probing strategy. Observe returns the raw observed
// value; interpreting it against the config is the envelope's job, so all
// observer types share identical timing, logging and failure containment.
type Observer interface {
	Type() domain.ObserverType
	Observe(ctx context.Context, cfg domain.ObserverConfig) (string, error)
}

// Check runs one maintenance probe inside the uniform envelope. Probe
// failures never escape: they are converted to a failed ObserverResult so a
// single broken observer cannot abort the caller's polling loop. Cooperative
// cancellation is the one exception - it is returned, never converted into a
// failure result.
func Check(ctx context.Context, obs Observer, cfg domain.ObserverConfig, logger *slog.Logger) (domain.ObserverResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(
		"observer_type", string(cfg.Type),
		"deployment_id", cfg.DeploymentID,
	)

	start := time.Now()
	value, err := obs.Observe(ctx, cfg)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return domain.ObserverResult{}, err
		}
		logger.Warn("maintenance check failed",
			"error", err,
			"duration", elapsed,
		)
		return domain.FailedResult(cfg.DeploymentID, "", err.Error()), nil
	}

	result := domain.DetermineResult(cfg, value)
	logger.Debug("maintenance check completed",
		"observed_value", value,
		"maintenance_required", result.IsMaintenanceRequired,
		"success", result.IsSuccess,
		"duration", elapsed,
	)
	return result, nil
}
