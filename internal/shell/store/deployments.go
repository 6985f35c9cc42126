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
// Deployment Operations
// =============================================================================

// deploymentRow represents a deployment row in the database.
type deploymentRow struct {
	ID            string  `db:"id"`
	EnvironmentID string  `db:"environment_id"`
	StackName     string  `db:"stack_name"`
	StackVersion  string  `db:"stack_version"`
	ProjectName   string  `db:"project_name"`
	Status        string  `db:"status"`
	ErrorMessage  string  `db:"error_message"`
	DeployedBy    string  `db:"deployed_by"`
	Services      *string `db:"services"`
	PhaseHistory  *string `db:"phase_history"`
	CreatedAt     string  `db:"created_at"`
	UpdatedAt     string  `db:"updated_at"`
	CompletedAt   *string `db:"completed_at"`
	Version       int64   `db:"version"`
}

func (s *SQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.db, opts)
}

func (s *SQLiteStore) ListDeploymentsByEnvironment(ctx context.Context, environmentID string, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByEnvironment(ctx, s.db, environmentID, opts)
}

func (s *SQLiteStore) ListActiveDeployments(ctx context.Context) ([]domain.Deployment, error) {
	return listActiveDeployments(ctx, s.db)
}

func (s *txSQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.tx, opts)
}

func (s *txSQLiteStore) ListDeploymentsByEnvironment(ctx context.Context, environmentID string, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByEnvironment(ctx, s.tx, environmentID, opts)
}

func (s *txSQLiteStore) ListActiveDeployments(ctx context.Context) ([]domain.Deployment, error) {
	return listActiveDeployments(ctx, s.tx)
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

func createDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	servicesJSON, err := json.Marshal(deployment.Services)
	if err != nil {
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, "failed to serialize services", ErrInvalidData)
	}
	historyJSON, err := json.Marshal(deployment.PhaseHistory)
	if err != nil {
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, "failed to serialize phase history", ErrInvalidData)
	}

	query := `
		INSERT INTO deployments (
			id, environment_id, stack_name, stack_version, project_name,
			status, error_message, deployed_by, services, phase_history,
			created_at, updated_at, completed_at, version
		) VALUES (
			:id, :environment_id, :stack_name, :stack_version, :project_name,
			:status, :error_message, :deployed_by, :services, :phase_history,
			:created_at, :updated_at, :completed_at, :version
		)`

	row := map[string]any{
		"id":             deployment.ID,
		"environment_id": deployment.EnvironmentID,
		"stack_name":     deployment.StackName,
		"stack_version":  deployment.StackVersion,
		"project_name":   deployment.ProjectName,
		"status":         string(deployment.Status),
		"error_message":  deployment.ErrorMessage,
		"deployed_by":    deployment.DeployedBy,
		"services":       string(servicesJSON),
		"phase_history":  string(historyJSON),
		"created_at":     formatTime(deployment.CreatedAt),
		"updated_at":     formatTime(deployment.UpdatedAt),
		"completed_at":   formatTimePtr(deployment.CompletedAt),
		"version":        deployment.Version,
	}

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: deployments.id") {
			return NewStoreError("CreateDeployment", "deployment", deployment.ID, "deployment with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, err.Error(), err)
	}

	return nil
}

func getDeployment(ctx context.Context, exec executor, id string) (*domain.Deployment, error) {
	query := `SELECT * FROM deployments WHERE id = ?`

	var row deploymentRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeployment", "deployment", id, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeployment", "deployment", id, err.Error(), err)
	}

	return rowToDeployment(&row)
}

// updateDeployment persists a mutated aggregate. The write only lands when
// it carries a newer version than the stored row, so a writer that raced a
// concurrent update gets ErrVersionConflict instead of silently clobbering.
func updateDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	servicesJSON, err := json.Marshal(deployment.Services)
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, "failed to serialize services", ErrInvalidData)
	}
	historyJSON, err := json.Marshal(deployment.PhaseHistory)
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, "failed to serialize phase history", ErrInvalidData)
	}

	query := `
		UPDATE deployments SET
			status = :status,
			error_message = :error_message,
			services = :services,
			phase_history = :phase_history,
			updated_at = :updated_at,
			completed_at = :completed_at,
			version = :version
		WHERE id = :id AND version < :version`

	row := map[string]any{
		"id":            deployment.ID,
		"status":        string(deployment.Status),
		"error_message": deployment.ErrorMessage,
		"services":      string(servicesJSON),
		"phase_history": string(historyJSON),
		"updated_at":    formatTime(deployment.UpdatedAt),
		"completed_at":  formatTimePtr(deployment.CompletedAt),
		"version":       deployment.Version,
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return checkVersionConflict(ctx, exec, "UpdateDeployment", "deployment", "deployments", deployment.ID)
	}

	return nil
}

func listDeployments(ctx context.Context, exec executor, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM deployments ORDER BY created_at DESC, id LIMIT ? OFFSET ?`

	var rows []deploymentRow
	if err := exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListDeployments", "deployment", "", err.Error(), err)
	}

	return rowsToDeployments(rows)
}

func listDeploymentsByEnvironment(ctx context.Context, exec executor, environmentID string, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM deployments WHERE environment_id = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?`

	var rows []deploymentRow
	if err := exec.SelectContext(ctx, &rows, query, environmentID, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListDeploymentsByEnvironment", "deployment", environmentID, err.Error(), err)
	}

	return rowsToDeployments(rows)
}

func listActiveDeployments(ctx context.Context, exec executor) ([]domain.Deployment, error) {
	query := `SELECT * FROM deployments WHERE status != ? ORDER BY created_at, id`

	var rows []deploymentRow
	if err := exec.SelectContext(ctx, &rows, query, string(domain.StatusRemoved)); err != nil {
		return nil, NewStoreError("ListActiveDeployments", "deployment", "", err.Error(), err)
	}

	return rowsToDeployments(rows)
}

// =============================================================================
// Row Conversion
// =============================================================================

func rowToDeployment(row *deploymentRow) (*domain.Deployment, error) {
	d := &domain.Deployment{
		ID:            row.ID,
		EnvironmentID: row.EnvironmentID,
		StackName:     row.StackName,
		StackVersion:  row.StackVersion,
		ProjectName:   row.ProjectName,
		Status:        domain.DeploymentStatus(row.Status),
		ErrorMessage:  row.ErrorMessage,
		DeployedBy:    row.DeployedBy,
		CreatedAt:     parseTime(row.CreatedAt),
		UpdatedAt:     parseTime(row.UpdatedAt),
		CompletedAt:   parseTimePtr(row.CompletedAt),
		Version:       row.Version,
	}

	if row.Services != nil && *row.Services != "" {
		if err := json.Unmarshal([]byte(*row.Services), &d.Services); err != nil {
			return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse services", ErrInvalidData)
		}
	}
	if row.PhaseHistory != nil && *row.PhaseHistory != "" {
		if err := json.Unmarshal([]byte(*row.PhaseHistory), &d.PhaseHistory); err != nil {
			return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse phase history", ErrInvalidData)
		}
	}

	return d, nil
}

func rowsToDeployments(rows []deploymentRow) ([]domain.Deployment, error) {
	deployments := make([]domain.Deployment, 0, len(rows))
	for i := range rows {
		d, err := rowToDeployment(&rows[i])
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, nil
}
