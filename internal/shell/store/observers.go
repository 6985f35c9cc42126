package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mkrenz/stackpilot/internal/core/crypto"
	"github.com/mkrenz/stackpilot/internal/core/domain"
)

// =============================================================================
// Observer Config Operations
// =============================================================================

// observerConfigRow represents an observer config row in the database.
// Connection strings are stored sealed; they are opened on read.
type observerConfigRow struct {
	DeploymentID     string `db:"deployment_id"`
	Type             string `db:"type"`
	PollingInterval  int64  `db:"polling_interval_ns"`
	MaintenanceValue string `db:"maintenance_value"`
	NormalValue      string `db:"normal_value"`
	Driver           string `db:"driver"`
	ConnectionSealed string `db:"connection_sealed"`
	Query            string `db:"query"`
	PropertyName     string `db:"property_name"`
	URL              string `db:"url"`
	Method           string `db:"method"`
	Timeout          int64  `db:"timeout_ns"`
	JSONPath         string `db:"json_path"`
	FilePath         string `db:"file_path"`
	FileMode         string `db:"file_mode"`
	ContentPattern   string `db:"content_pattern"`
	UpdatedAt        string `db:"updated_at"`
}

func (s *SQLiteStore) SaveObserverConfig(ctx context.Context, cfg domain.ObserverConfig) error {
	return saveObserverConfig(ctx, s.db, s.encryptionKey, cfg)
}

func (s *SQLiteStore) GetObserverConfig(ctx context.Context, deploymentID string) (*domain.ObserverConfig, error) {
	return getObserverConfig(ctx, s.db, s.encryptionKey, deploymentID)
}

func (s *SQLiteStore) DeleteObserverConfig(ctx context.Context, deploymentID string) error {
	return deleteObserverConfig(ctx, s.db, deploymentID)
}

func (s *SQLiteStore) ListObserverConfigs(ctx context.Context) ([]domain.ObserverConfig, error) {
	return listObserverConfigs(ctx, s.db, s.encryptionKey)
}

func (s *txSQLiteStore) SaveObserverConfig(ctx context.Context, cfg domain.ObserverConfig) error {
	return saveObserverConfig(ctx, s.tx, s.encryptionKey, cfg)
}

func (s *txSQLiteStore) GetObserverConfig(ctx context.Context, deploymentID string) (*domain.ObserverConfig, error) {
	return getObserverConfig(ctx, s.tx, s.encryptionKey, deploymentID)
}

func (s *txSQLiteStore) DeleteObserverConfig(ctx context.Context, deploymentID string) error {
	return deleteObserverConfig(ctx, s.tx, deploymentID)
}

func (s *txSQLiteStore) ListObserverConfigs(ctx context.Context) ([]domain.ObserverConfig, error) {
	return listObserverConfigs(ctx, s.tx, s.encryptionKey)
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

func saveObserverConfig(ctx context.Context, exec executor, key []byte, cfg domain.ObserverConfig) error {
	if err := cfg.Validate(); err != nil {
		return NewStoreError("SaveObserverConfig", "observer_config", cfg.DeploymentID, err.Error(), ErrInvalidData)
	}

	connection := cfg.Connection
	if connection != "" && len(key) > 0 {
		sealed, err := crypto.SealConnectionString(connection, key)
		if err != nil {
			return NewStoreError("SaveObserverConfig", "observer_config", cfg.DeploymentID, "failed to seal connection string", err)
		}
		connection = sealed
	}

	query := `
		INSERT INTO observer_configs (
			deployment_id, type, polling_interval_ns, maintenance_value,
			normal_value, driver, connection_sealed, query, property_name,
			url, method, timeout_ns, json_path, file_path, file_mode,
			content_pattern, updated_at
		) VALUES (
			:deployment_id, :type, :polling_interval_ns, :maintenance_value,
			:normal_value, :driver, :connection_sealed, :query, :property_name,
			:url, :method, :timeout_ns, :json_path, :file_path, :file_mode,
			:content_pattern, :updated_at
		)
		ON CONFLICT(deployment_id) DO UPDATE SET
			type = excluded.type,
			polling_interval_ns = excluded.polling_interval_ns,
			maintenance_value = excluded.maintenance_value,
			normal_value = excluded.normal_value,
			driver = excluded.driver,
			connection_sealed = excluded.connection_sealed,
			query = excluded.query,
			property_name = excluded.property_name,
			url = excluded.url,
			method = excluded.method,
			timeout_ns = excluded.timeout_ns,
			json_path = excluded.json_path,
			file_path = excluded.file_path,
			file_mode = excluded.file_mode,
			content_pattern = excluded.content_pattern,
			updated_at = excluded.updated_at`

	row := map[string]any{
		"deployment_id":       cfg.DeploymentID,
		"type":                string(cfg.Type),
		"polling_interval_ns": int64(cfg.PollingInterval),
		"maintenance_value":   cfg.MaintenanceValue,
		"normal_value":        cfg.NormalValue,
		"driver":              cfg.Driver,
		"connection_sealed":   connection,
		"query":               cfg.Query,
		"property_name":       cfg.PropertyName,
		"url":                 cfg.URL,
		"method":              cfg.Method,
		"timeout_ns":          int64(cfg.Timeout),
		"json_path":           cfg.JSONPath,
		"file_path":           cfg.FilePath,
		"file_mode":           string(cfg.FileMode),
		"content_pattern":     cfg.ContentPattern,
		"updated_at":          formatTime(time.Now()),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("SaveObserverConfig", "observer_config", cfg.DeploymentID, err.Error(), err)
	}
	return nil
}

func getObserverConfig(ctx context.Context, exec executor, key []byte, deploymentID string) (*domain.ObserverConfig, error) {
	query := `SELECT * FROM observer_configs WHERE deployment_id = ?`

	var row observerConfigRow
	err := exec.GetContext(ctx, &row, query, deploymentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetObserverConfig", "observer_config", deploymentID, "observer config not found", ErrNotFound)
		}
		return nil, NewStoreError("GetObserverConfig", "observer_config", deploymentID, err.Error(), err)
	}

	return rowToObserverConfig(&row, key)
}

func deleteObserverConfig(ctx context.Context, exec executor, deploymentID string) error {
	query := `DELETE FROM observer_configs WHERE deployment_id = ?`

	result, err := exec.ExecContext(ctx, query, deploymentID)
	if err != nil {
		return NewStoreError("DeleteObserverConfig", "observer_config", deploymentID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteObserverConfig", "observer_config", deploymentID, "observer config not found", ErrNotFound)
	}
	return nil
}

func listObserverConfigs(ctx context.Context, exec executor, key []byte) ([]domain.ObserverConfig, error) {
	query := `SELECT * FROM observer_configs ORDER BY deployment_id`

	var rows []observerConfigRow
	if err := exec.SelectContext(ctx, &rows, query); err != nil {
		return nil, NewStoreError("ListObserverConfigs", "observer_config", "", err.Error(), err)
	}

	configs := make([]domain.ObserverConfig, 0, len(rows))
	for i := range rows {
		cfg, err := rowToObserverConfig(&rows[i], key)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, nil
}

func rowToObserverConfig(row *observerConfigRow, key []byte) (*domain.ObserverConfig, error) {
	connection := row.ConnectionSealed
	if connection != "" && len(key) > 0 {
		opened, err := crypto.OpenConnectionString(connection, key)
		if err != nil {
			return nil, NewStoreError("rowToObserverConfig", "observer_config", row.DeploymentID, "failed to open sealed connection string", err)
		}
		connection = opened
	}

	return &domain.ObserverConfig{
		DeploymentID:     row.DeploymentID,
		Type:             domain.ObserverType(row.Type),
		PollingInterval:  time.Duration(row.PollingInterval),
		MaintenanceValue: row.MaintenanceValue,
		NormalValue:      row.NormalValue,
		Driver:           row.Driver,
		Connection:       connection,
		Query:            row.Query,
		PropertyName:     row.PropertyName,
		URL:              row.URL,
		Method:           row.Method,
		Timeout:          time.Duration(row.Timeout),
		JSONPath:         row.JSONPath,
		FilePath:         row.FilePath,
		FileMode:         domain.FileObserverMode(row.FileMode),
		ContentPattern:   row.ContentPattern,
	}, nil
}

// =============================================================================
// Observer Result Operations
// =============================================================================

// observerResultRow represents an observer result row in the database.
type observerResultRow struct {
	ID                    int64  `db:"id"`
	DeploymentID          string `db:"deployment_id"`
	IsSuccess             bool   `db:"is_success"`
	IsMaintenanceRequired bool   `db:"is_maintenance_required"`
	ObservedValue         string `db:"observed_value"`
	ErrorMessage          string `db:"error_message"`
	CheckedAt             string `db:"checked_at"`
}

func (s *SQLiteStore) SaveObserverResult(ctx context.Context, result domain.ObserverResult) error {
	return saveObserverResult(ctx, s.db, result)
}

func (s *SQLiteStore) GetLatestObserverResult(ctx context.Context, deploymentID string) (*domain.ObserverResult, error) {
	return getLatestObserverResult(ctx, s.db, deploymentID)
}

func (s *txSQLiteStore) SaveObserverResult(ctx context.Context, result domain.ObserverResult) error {
	return saveObserverResult(ctx, s.tx, result)
}

func (s *txSQLiteStore) GetLatestObserverResult(ctx context.Context, deploymentID string) (*domain.ObserverResult, error) {
	return getLatestObserverResult(ctx, s.tx, deploymentID)
}

func saveObserverResult(ctx context.Context, exec executor, result domain.ObserverResult) error {
	query := `
		INSERT INTO observer_results (
			deployment_id, is_success, is_maintenance_required,
			observed_value, error_message, checked_at
		) VALUES (
			:deployment_id, :is_success, :is_maintenance_required,
			:observed_value, :error_message, :checked_at
		)`

	row := map[string]any{
		"deployment_id":           result.DeploymentID,
		"is_success":              result.IsSuccess,
		"is_maintenance_required": result.IsMaintenanceRequired,
		"observed_value":          result.ObservedValue,
		"error_message":           result.ErrorMessage,
		"checked_at":              formatTime(result.CheckedAt),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("SaveObserverResult", "observer_result", result.DeploymentID, err.Error(), err)
	}
	return nil
}

func getLatestObserverResult(ctx context.Context, exec executor, deploymentID string) (*domain.ObserverResult, error) {
	query := `SELECT * FROM observer_results WHERE deployment_id = ? ORDER BY id DESC LIMIT 1`

	var row observerResultRow
	err := exec.GetContext(ctx, &row, query, deploymentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetLatestObserverResult", "observer_result", deploymentID, "no observer results", ErrNotFound)
		}
		return nil, NewStoreError("GetLatestObserverResult", "observer_result", deploymentID, err.Error(), err)
	}

	return &domain.ObserverResult{
		DeploymentID:          row.DeploymentID,
		IsSuccess:             row.IsSuccess,
		IsMaintenanceRequired: row.IsMaintenanceRequired,
		ObservedValue:         row.ObservedValue,
		ErrorMessage:          row.ErrorMessage,
		CheckedAt:             parseTime(row.CheckedAt),
	}, nil
}
