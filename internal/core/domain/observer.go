package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Observer Errors
// =============================================================================

var (
	ErrObserverTypeRequired   = errors.New("observer type is required")
	ErrPollingIntervalInvalid = errors.New("polling interval must be positive")
	ErrMaintenanceValueEmpty  = errors.New("maintenance value is required")
	ErrConnectionRequired     = errors.New("observer type requires a connection string")
	ErrQueryRequired          = errors.New("observer type requires a query or property name")
	ErrURLRequired            = errors.New("observer type requires a url")
	ErrFilePathRequired       = errors.New("observer type requires a file path")
)

// =============================================================================
// Observer Types
// =============================================================================

// ObserverType tags a maintenance probing strategy. The set is closed at the
// domain level but hosts may register additional implementations with the
// observer factory; capability predicates stay meaningful for built-ins and
// default to false for host-registered types.
type ObserverType string

const (
	ObserverSQLExtendedProperty ObserverType = "sql_extended_property"
	ObserverSQLQuery            ObserverType = "sql_query"
	ObserverHTTP                ObserverType = "http"
	ObserverFile                ObserverType = "file"
)

// RequiresConnection reports whether configs of this type need a database
// connection string.
func (t ObserverType) RequiresConnection() bool {
	return t == ObserverSQLExtendedProperty || t == ObserverSQLQuery
}

// RequiresURL reports whether configs of this type need a probe URL.
func (t ObserverType) RequiresURL() bool {
	return t == ObserverHTTP
}

// RequiresFilePath reports whether configs of this type need a file path.
func (t ObserverType) RequiresFilePath() bool {
	return t == ObserverFile
}

// =============================================================================
// File Observer Modes
// =============================================================================

// FileObserverMode selects how a file observer derives its observed value.
type FileObserverMode string

const (
	// FileModeExists observes "true" when the marker file exists.
	FileModeExists FileObserverMode = "exists"
	// FileModeContent observes the trimmed file contents.
	FileModeContent FileObserverMode = "content"
	// FileModePattern observes "true" when the contents match ContentPattern.
	FileModePattern FileObserverMode = "pattern"
)

// =============================================================================
// Observer Config
// =============================================================================

// ObserverConfig describes one maintenance probe attached to a deployment.
// PollingInterval governs cadence only; per-call timeout is the concrete
// observer's concern (Timeout, HTTP probes).
type ObserverConfig struct {
	DeploymentID     string        `json:"deployment_id"`
	Type             ObserverType  `json:"type"`
	PollingInterval  time.Duration `json:"polling_interval"`
	MaintenanceValue string        `json:"maintenance_value"`
	NormalValue      string        `json:"normal_value,omitempty"`

	// SQL observers
	Driver       string `json:"driver,omitempty"`
	Connection   string `json:"connection,omitempty"`
	Query        string `json:"query,omitempty"`
	PropertyName string `json:"property_name,omitempty"`

	// HTTP observer
	URL      string        `json:"url,omitempty"`
	Method   string        `json:"method,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
	JSONPath string        `json:"json_path,omitempty"`

	// File observer
	FilePath       string           `json:"file_path,omitempty"`
	FileMode       FileObserverMode `json:"file_mode,omitempty"`
	ContentPattern string           `json:"content_pattern,omitempty"`
}

// Validate rejects malformed configs synchronously at the boundary, before
// anything is scheduled or persisted.
func (c ObserverConfig) Validate() error {
	if c.Type == "" {
		return ErrObserverTypeRequired
	}
	if c.PollingInterval <= 0 {
		return ErrPollingIntervalInvalid
	}
	if c.MaintenanceValue == "" {
		return ErrMaintenanceValueEmpty
	}
	if c.Type.RequiresConnection() {
		if c.Connection == "" {
			return fmt.Errorf("%w: %s", ErrConnectionRequired, c.Type)
		}
		if c.Type == ObserverSQLQuery && c.Query == "" {
			return fmt.Errorf("%w: %s", ErrQueryRequired, c.Type)
		}
		if c.Type == ObserverSQLExtendedProperty && c.PropertyName == "" {
			return fmt.Errorf("%w: %s", ErrQueryRequired, c.Type)
		}
	}
	if c.Type.RequiresURL() && c.URL == "" {
		return fmt.Errorf("%w: %s", ErrURLRequired, c.Type)
	}
	if c.Type.RequiresFilePath() && c.FilePath == "" {
		return fmt.Errorf("%w: %s", ErrFilePathRequired, c.Type)
	}
	return nil
}

// =============================================================================
// Observer Result
// =============================================================================

// ObserverResult is the immutable outcome of one maintenance check.
type ObserverResult struct {
	DeploymentID          string    `json:"deployment_id"`
	IsSuccess             bool      `json:"is_success"`
	IsMaintenanceRequired bool      `json:"is_maintenance_required"`
	ObservedValue         string    `json:"observed_value,omitempty"`
	ErrorMessage          string    `json:"error_message,omitempty"`
	CheckedAt             time.Time `json:"checked_at"`
}

// MaintenanceResult reports a successful check that found an active
// maintenance window.
func MaintenanceResult(deploymentID, observedValue string) ObserverResult {
	return ObserverResult{
		DeploymentID:          deploymentID,
		IsSuccess:             true,
		IsMaintenanceRequired: true,
		ObservedValue:         observedValue,
		CheckedAt:             time.Now().UTC(),
	}
}

// NormalResult reports a successful check with no maintenance declared.
func NormalResult(deploymentID, observedValue string) ObserverResult {
	return ObserverResult{
		DeploymentID:  deploymentID,
		IsSuccess:     true,
		ObservedValue: observedValue,
		CheckedAt:     time.Now().UTC(),
	}
}

// FailedResult reports a check whose external signal could not be read or
// did not match any configured value.
func FailedResult(deploymentID, observedValue, errorMessage string) ObserverResult {
	return ObserverResult{
		DeploymentID:  deploymentID,
		ObservedValue: observedValue,
		ErrorMessage:  errorMessage,
		CheckedAt:     time.Now().UTC(),
	}
}

// DetermineResult interprets an observed value against the config.
// Comparison is case-insensitive. A match on MaintenanceValue means an
// active maintenance window. When NormalValue is configured the check is
// strict: a value matching neither configured value is a failed check,
// because an unexpected value must not pass for "normal" when the config
// declares what normal looks like. Without NormalValue anything other than
// MaintenanceValue is normal.
func DetermineResult(cfg ObserverConfig, observedValue string) ObserverResult {
	if strings.EqualFold(observedValue, cfg.MaintenanceValue) {
		return MaintenanceResult(cfg.DeploymentID, observedValue)
	}
	if cfg.NormalValue != "" && !strings.EqualFold(observedValue, cfg.NormalValue) {
		return FailedResult(cfg.DeploymentID, observedValue,
			fmt.Sprintf("observed value %q matches neither maintenance value nor normal value", observedValue))
	}
	return NormalResult(cfg.DeploymentID, observedValue)
}
