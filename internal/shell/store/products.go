package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/mkrenz/stackpilot/internal/core/domain"
)

// =============================================================================
// Product Deployment Operations
// =============================================================================

// productDeploymentRow represents a product deployment row in the database.
type productDeploymentRow struct {
	ID              string  `db:"id"`
	EnvironmentID   string  `db:"environment_id"`
	ProductGroupID  string  `db:"product_group_id"`
	ProductID       string  `db:"product_id"`
	ProductName     string  `db:"product_name"`
	DisplayName     string  `db:"display_name"`
	ProductVersion  string  `db:"product_version"`
	PreviousVersion string  `db:"previous_version"`
	UpgradeCount    int     `db:"upgrade_count"`
	Status          string  `db:"status"`
	ContinueOnError bool    `db:"continue_on_error"`
	TotalStacks     int     `db:"total_stacks"`
	CompletedStacks int     `db:"completed_stacks"`
	FailedStacks    int     `db:"failed_stacks"`
	SharedVariables *string `db:"shared_variables"`
	Stacks          string  `db:"stacks"`
	DeployedBy      string  `db:"deployed_by"`
	CreatedAt       string  `db:"created_at"`
	UpdatedAt       string  `db:"updated_at"`
	CompletedAt     *string `db:"completed_at"`
	Version         int64   `db:"version"`
}

func (s *SQLiteStore) CreateProductDeployment(ctx context.Context, pd *domain.ProductDeployment) error {
	return createProductDeployment(ctx, s.db, pd)
}

func (s *SQLiteStore) GetProductDeployment(ctx context.Context, id string) (*domain.ProductDeployment, error) {
	return getProductDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateProductDeployment(ctx context.Context, pd *domain.ProductDeployment) error {
	return updateProductDeployment(ctx, s.db, pd)
}

func (s *SQLiteStore) ListProductDeployments(ctx context.Context, opts ListOptions) ([]domain.ProductDeployment, error) {
	return listProductDeployments(ctx, s.db, opts)
}

func (s *SQLiteStore) ListProductDeploymentsByEnvironment(ctx context.Context, environmentID string, opts ListOptions) ([]domain.ProductDeployment, error) {
	return listProductDeploymentsByEnvironment(ctx, s.db, environmentID, opts)
}

func (s *SQLiteStore) GetCurrentProductDeployment(ctx context.Context, environmentID, productGroupID string) (*domain.ProductDeployment, error) {
	return getCurrentProductDeployment(ctx, s.db, environmentID, productGroupID)
}

func (s *txSQLiteStore) CreateProductDeployment(ctx context.Context, pd *domain.ProductDeployment) error {
	return createProductDeployment(ctx, s.tx, pd)
}

func (s *txSQLiteStore) GetProductDeployment(ctx context.Context, id string) (*domain.ProductDeployment, error) {
	return getProductDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateProductDeployment(ctx context.Context, pd *domain.ProductDeployment) error {
	return updateProductDeployment(ctx, s.tx, pd)
}

func (s *txSQLiteStore) ListProductDeployments(ctx context.Context, opts ListOptions) ([]domain.ProductDeployment, error) {
	return listProductDeployments(ctx, s.tx, opts)
}

func (s *txSQLiteStore) ListProductDeploymentsByEnvironment(ctx context.Context, environmentID string, opts ListOptions) ([]domain.ProductDeployment, error) {
	return listProductDeploymentsByEnvironment(ctx, s.tx, environmentID, opts)
}

func (s *txSQLiteStore) GetCurrentProductDeployment(ctx context.Context, environmentID, productGroupID string) (*domain.ProductDeployment, error) {
	return getCurrentProductDeployment(ctx, s.tx, environmentID, productGroupID)
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

func createProductDeployment(ctx context.Context, exec executor, pd *domain.ProductDeployment) error {
	stacksJSON, err := json.Marshal(pd.Stacks)
	if err != nil {
		return NewStoreError("CreateProductDeployment", "product_deployment", pd.ID, "failed to serialize stacks", ErrInvalidData)
	}
	variablesJSON, err := json.Marshal(pd.SharedVariables)
	if err != nil {
		return NewStoreError("CreateProductDeployment", "product_deployment", pd.ID, "failed to serialize shared variables", ErrInvalidData)
	}

	query := `
		INSERT INTO product_deployments (
			id, environment_id, product_group_id, product_id, product_name,
			display_name, product_version, previous_version, upgrade_count,
			status, continue_on_error, total_stacks, completed_stacks,
			failed_stacks, shared_variables, stacks, deployed_by,
			created_at, updated_at, completed_at, version
		) VALUES (
			:id, :environment_id, :product_group_id, :product_id, :product_name,
			:display_name, :product_version, :previous_version, :upgrade_count,
			:status, :continue_on_error, :total_stacks, :completed_stacks,
			:failed_stacks, :shared_variables, :stacks, :deployed_by,
			:created_at, :updated_at, :completed_at, :version
		)`

	row := map[string]any{
		"id":                pd.ID,
		"environment_id":    pd.EnvironmentID,
		"product_group_id":  pd.ProductGroupID,
		"product_id":        pd.ProductID,
		"product_name":      pd.ProductName,
		"display_name":      pd.DisplayName,
		"product_version":   pd.ProductVersion,
		"previous_version":  pd.PreviousVersion,
		"upgrade_count":     pd.UpgradeCount,
		"status":            string(pd.Status),
		"continue_on_error": pd.ContinueOnError,
		"total_stacks":      pd.TotalStacks,
		"completed_stacks":  pd.CompletedStacks,
		"failed_stacks":     pd.FailedStacks,
		"shared_variables":  string(variablesJSON),
		"stacks":            string(stacksJSON),
		"deployed_by":       pd.DeployedBy,
		"created_at":        formatTime(pd.CreatedAt),
		"updated_at":        formatTime(pd.UpdatedAt),
		"completed_at":      formatTimePtr(pd.CompletedAt),
		"version":           pd.Version,
	}

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: product_deployments.id") {
			return NewStoreError("CreateProductDeployment", "product_deployment", pd.ID, "product deployment with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateProductDeployment", "product_deployment", pd.ID, err.Error(), err)
	}

	return nil
}

func getProductDeployment(ctx context.Context, exec executor, id string) (*domain.ProductDeployment, error) {
	query := `SELECT * FROM product_deployments WHERE id = ?`

	var row productDeploymentRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetProductDeployment", "product_deployment", id, "product deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetProductDeployment", "product_deployment", id, err.Error(), err)
	}

	return rowToProductDeployment(&row)
}

func updateProductDeployment(ctx context.Context, exec executor, pd *domain.ProductDeployment) error {
	stacksJSON, err := json.Marshal(pd.Stacks)
	if err != nil {
		return NewStoreError("UpdateProductDeployment", "product_deployment", pd.ID, "failed to serialize stacks", ErrInvalidData)
	}

	query := `
		UPDATE product_deployments SET
			previous_version = :previous_version,
			upgrade_count = :upgrade_count,
			status = :status,
			completed_stacks = :completed_stacks,
			failed_stacks = :failed_stacks,
			stacks = :stacks,
			updated_at = :updated_at,
			completed_at = :completed_at,
			version = :version
		WHERE id = :id AND version < :version`

	row := map[string]any{
		"id":               pd.ID,
		"previous_version": pd.PreviousVersion,
		"upgrade_count":    pd.UpgradeCount,
		"status":           string(pd.Status),
		"completed_stacks": pd.CompletedStacks,
		"failed_stacks":    pd.FailedStacks,
		"stacks":           string(stacksJSON),
		"updated_at":       formatTime(pd.UpdatedAt),
		"completed_at":     formatTimePtr(pd.CompletedAt),
		"version":          pd.Version,
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateProductDeployment", "product_deployment", pd.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return checkVersionConflict(ctx, exec, "UpdateProductDeployment", "product_deployment", "product_deployments", pd.ID)
	}

	return nil
}

func listProductDeployments(ctx context.Context, exec executor, opts ListOptions) ([]domain.ProductDeployment, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM product_deployments ORDER BY created_at DESC, id LIMIT ? OFFSET ?`

	var rows []productDeploymentRow
	if err := exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListProductDeployments", "product_deployment", "", err.Error(), err)
	}

	return rowsToProductDeployments(rows)
}

func listProductDeploymentsByEnvironment(ctx context.Context, exec executor, environmentID string, opts ListOptions) ([]domain.ProductDeployment, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM product_deployments WHERE environment_id = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?`

	var rows []productDeploymentRow
	if err := exec.SelectContext(ctx, &rows, query, environmentID, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListProductDeploymentsByEnvironment", "product_deployment", environmentID, err.Error(), err)
	}

	return rowsToProductDeployments(rows)
}

// getCurrentProductDeployment returns the newest non-removed generation of a
// product group on an environment.
func getCurrentProductDeployment(ctx context.Context, exec executor, environmentID, productGroupID string) (*domain.ProductDeployment, error) {
	query := `
		SELECT * FROM product_deployments
		WHERE environment_id = ? AND product_group_id = ? AND status != ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`

	var row productDeploymentRow
	err := exec.GetContext(ctx, &row, query, environmentID, productGroupID, string(domain.ProductStatusRemoved))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetCurrentProductDeployment", "product_deployment", productGroupID, "no active product deployment", ErrNotFound)
		}
		return nil, NewStoreError("GetCurrentProductDeployment", "product_deployment", productGroupID, err.Error(), err)
	}

	return rowToProductDeployment(&row)
}

// =============================================================================
// Row Conversion
// =============================================================================

func rowToProductDeployment(row *productDeploymentRow) (*domain.ProductDeployment, error) {
	pd := &domain.ProductDeployment{
		ID:              row.ID,
		EnvironmentID:   row.EnvironmentID,
		ProductGroupID:  row.ProductGroupID,
		ProductID:       row.ProductID,
		ProductName:     row.ProductName,
		DisplayName:     row.DisplayName,
		ProductVersion:  row.ProductVersion,
		PreviousVersion: row.PreviousVersion,
		UpgradeCount:    row.UpgradeCount,
		Status:          domain.ProductStatus(row.Status),
		ContinueOnError: row.ContinueOnError,
		TotalStacks:     row.TotalStacks,
		CompletedStacks: row.CompletedStacks,
		FailedStacks:    row.FailedStacks,
		DeployedBy:      row.DeployedBy,
		CreatedAt:       parseTime(row.CreatedAt),
		UpdatedAt:       parseTime(row.UpdatedAt),
		CompletedAt:     parseTimePtr(row.CompletedAt),
		Version:         row.Version,
	}

	if err := json.Unmarshal([]byte(row.Stacks), &pd.Stacks); err != nil {
		return nil, NewStoreError("rowToProductDeployment", "product_deployment", row.ID, "failed to parse stacks", ErrInvalidData)
	}
	if row.SharedVariables != nil && *row.SharedVariables != "" && *row.SharedVariables != "null" {
		if err := json.Unmarshal([]byte(*row.SharedVariables), &pd.SharedVariables); err != nil {
			return nil, NewStoreError("rowToProductDeployment", "product_deployment", row.ID, "failed to parse shared variables", ErrInvalidData)
		}
	}

	return pd, nil
}

func rowsToProductDeployments(rows []productDeploymentRow) ([]domain.ProductDeployment, error) {
	pds := make([]domain.ProductDeployment, 0, len(rows))
	for i := range rows {
		pd, err := rowToProductDeployment(&rows[i])
		if err != nil {
			return nil, err
		}
		pds = append(pds, *pd)
	}
	return pds, nil
}
