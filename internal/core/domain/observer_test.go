package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Capability Predicate Tests
// =============================================================================

func TestObserverType_Capabilities(t *testing.T) {
	assert.True(t, ObserverSQLQuery.RequiresConnection())
	assert.True(t, ObserverSQLExtendedProperty.RequiresConnection())
	assert.False(t, ObserverHTTP.RequiresConnection())

	assert.True(t, ObserverHTTP.RequiresURL())
	assert.False(t, ObserverFile.RequiresURL())

	assert.True(t, ObserverFile.RequiresFilePath())
	assert.False(t, ObserverSQLQuery.RequiresFilePath())
}

// =============================================================================
// Config Validation Tests
// =============================================================================

func TestObserverConfig_Validate(t *testing.T) {
	valid := ObserverConfig{
		DeploymentID:     "dep-1",
		Type:             ObserverHTTP,
		PollingInterval:  30 * time.Second,
		MaintenanceValue: "true",
		URL:              "http://example.com/maintenance",
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*ObserverConfig)
		want   error
	}{
		{"missing type", func(c *ObserverConfig) { c.Type = "" }, ErrObserverTypeRequired},
		{"zero interval", func(c *ObserverConfig) { c.PollingInterval = 0 }, ErrPollingIntervalInvalid},
		{"missing maintenance value", func(c *ObserverConfig) { c.MaintenanceValue = "" }, ErrMaintenanceValueEmpty},
		{"http without url", func(c *ObserverConfig) { c.URL = "" }, ErrURLRequired},
		{"sql without connection", func(c *ObserverConfig) {
			c.Type = ObserverSQLQuery
			c.Query = "SELECT 1"
		}, ErrConnectionRequired},
		{"sql without query", func(c *ObserverConfig) {
			c.Type = ObserverSQLQuery
			c.Connection = "dsn"
		}, ErrQueryRequired},
		{"property without name", func(c *ObserverConfig) {
			c.Type = ObserverSQLExtendedProperty
			c.Connection = "dsn"
		}, ErrQueryRequired},
		{"file without path", func(c *ObserverConfig) { c.Type = ObserverFile }, ErrFilePathRequired},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tc.want)
		})
	}
}

// =============================================================================
// DetermineResult Tests
// =============================================================================

func TestDetermineResult_MaintenanceMatch(t *testing.T) {
	cfg := ObserverConfig{DeploymentID: "dep-1", MaintenanceValue: "true"}

	result := DetermineResult(cfg, "true")
	assert.True(t, result.IsSuccess)
	assert.True(t, result.IsMaintenanceRequired)
	assert.Equal(t, "true", result.ObservedValue)
	assert.Equal(t, "dep-1", result.DeploymentID)
}

func TestDetermineResult_CaseInsensitive(t *testing.T) {
	cfg := ObserverConfig{MaintenanceValue: "MAINTENANCE"}
	result := DetermineResult(cfg, "maintenance")
	assert.True(t, result.IsMaintenanceRequired)
}

func TestDetermineResult_PermissiveWithoutNormalValue(t *testing.T) {
	cfg := ObserverConfig{MaintenanceValue: "true"}

	for _, observed := range []string{"false", "anything", ""} {
		result := DetermineResult(cfg, observed)
		assert.True(t, result.IsSuccess, "observed %q", observed)
		assert.False(t, result.IsMaintenanceRequired, "observed %q", observed)
	}
}

func TestDetermineResult_StrictWithNormalValue(t *testing.T) {
	cfg := ObserverConfig{MaintenanceValue: "on", NormalValue: "off"}

	normal := DetermineResult(cfg, "OFF")
	assert.True(t, normal.IsSuccess)
	assert.False(t, normal.IsMaintenanceRequired)

	// A value matching neither configured value is a failed check, not an
	// assumed-normal one.
	unexpected := DetermineResult(cfg, "garbled")
	assert.False(t, unexpected.IsSuccess)
	assert.False(t, unexpected.IsMaintenanceRequired)
	assert.NotEmpty(t, unexpected.ErrorMessage)
	assert.Equal(t, "garbled", unexpected.ObservedValue)
}

func TestResultConstructors(t *testing.T) {
	m := MaintenanceResult("dep-1", "true")
	assert.True(t, m.IsSuccess)
	assert.True(t, m.IsMaintenanceRequired)
	assert.False(t, m.CheckedAt.IsZero())

	n := NormalResult("dep-1", "false")
	assert.True(t, n.IsSuccess)
	assert.False(t, n.IsMaintenanceRequired)

	f := FailedResult("dep-1", "", "connection refused")
	assert.False(t, f.IsSuccess)
	assert.Equal(t, "connection refused", f.ErrorMessage)
}
