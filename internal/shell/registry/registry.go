// Package registry loads the environment seed file and syncs it into the
// store. The store is the runtime source of truth; the YAML file only seeds
// and updates it at startup.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mkrenz/stackpilot/internal/core/domain"
)

// EnvironmentSeed is one environment entry in the seed file.
type EnvironmentSeed struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
	Enabled  *bool  `yaml:"enabled,omitempty"`
}

// seedFile is the parsed YAML structure:
// environments: [{id, name, endpoint, enabled}]
type seedFile struct {
	Environments []EnvironmentSeed `yaml:"environments"`
}

// LoadSeedFile parses an environment seed file from the given path.
// Returns nil if path is empty (no seed file).
func LoadSeedFile(path string) ([]EnvironmentSeed, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var sf seedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	if err := validateSeeds(sf.Environments); err != nil {
		return nil, err
	}

	return sf.Environments, nil
}

// validateSeeds ensures all seed entries are valid.
func validateSeeds(seeds []EnvironmentSeed) error {
	if len(seeds) == 0 {
		return fmt.Errorf("seed file contains no environments")
	}

	seen := make(map[string]bool)

	for i, seed := range seeds {
		if seed.ID == "" {
			return fmt.Errorf("environment %d: id is required", i)
		}
		if seed.Name == "" {
			return fmt.Errorf("environment %q: name is required", seed.ID)
		}
		if seed.Endpoint == "" {
			return fmt.Errorf("environment %q: endpoint is required", seed.ID)
		}
		if err := validateEndpoint(seed.Endpoint); err != nil {
			return fmt.Errorf("environment %q: %w", seed.ID, err)
		}
		if seen[seed.ID] {
			return fmt.Errorf("environment %q: duplicate id", seed.ID)
		}
		seen[seed.ID] = true
	}

	return nil
}

// validateEndpoint accepts the endpoint forms the container runtime can
// dial: unix sockets, tcp daemons and ssh tunnels.
func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	switch u.Scheme {
	case "unix", "tcp", "ssh", "npipe":
		return nil
	default:
		return fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}

// Store is the persistence surface the registry needs.
type Store interface {
	UpsertEnvironment(ctx context.Context, env *domain.Environment) error
	ListEnvironments(ctx context.Context) ([]domain.Environment, error)
}

// Sync upserts every seed entry into the store. Environments already in the
// store but absent from the file are left alone; the file adds and updates,
// it never removes.
func Sync(ctx context.Context, s Store, seeds []EnvironmentSeed, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	for _, seed := range seeds {
		enabled := true
		if seed.Enabled != nil {
			enabled = *seed.Enabled
		}
		env := &domain.Environment{
			ID:       seed.ID,
			Name:     seed.Name,
			Endpoint: seed.Endpoint,
			Enabled:  enabled,
		}
		if err := s.UpsertEnvironment(ctx, env); err != nil {
			return fmt.Errorf("sync environment %s: %w", seed.ID, err)
		}
		logger.Info("environment synced",
			"environment_id", seed.ID,
			"endpoint", seed.Endpoint,
			"enabled", enabled)
	}

	return nil
}
