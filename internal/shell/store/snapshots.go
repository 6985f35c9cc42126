package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/mkrenz/stackpilot/internal/core/domain"
)

// =============================================================================
// Health Snapshot Operations
// =============================================================================

// healthSnapshotRow represents a health snapshot row in the database.
type healthSnapshotRow struct {
	ID             int64   `db:"id"`
	DeploymentID   string  `db:"deployment_id"`
	EnvironmentID  string  `db:"environment_id"`
	StackName      string  `db:"stack_name"`
	CurrentVersion string  `db:"current_version"`
	TargetVersion  string  `db:"target_version"`
	Overall        string  `db:"overall"`
	OperationMode  string  `db:"operation_mode"`
	SelfHealth     string  `db:"self_health"`
	BusHealth      *string `db:"bus_health"`
	InfraHealth    *string `db:"infra_health"`
	CapturedAt     string  `db:"captured_at"`
}

func (s *SQLiteStore) AppendSnapshot(ctx context.Context, snapshot domain.HealthSnapshot) error {
	return appendSnapshot(ctx, s.db, snapshot)
}

func (s *SQLiteStore) GetLatestSnapshot(ctx context.Context, deploymentID string) (*domain.HealthSnapshot, error) {
	return getLatestSnapshot(ctx, s.db, deploymentID)
}

func (s *SQLiteStore) GetLatestSnapshotsForEnvironment(ctx context.Context, environmentID string) ([]domain.HealthSnapshot, error) {
	return getLatestSnapshotsForEnvironment(ctx, s.db, environmentID)
}

func (s *SQLiteStore) GetSnapshotHistory(ctx context.Context, deploymentID string, limit int) ([]domain.HealthSnapshot, error) {
	return getSnapshotHistory(ctx, s.db, deploymentID, limit)
}

func (s *SQLiteStore) RemoveSnapshotsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return removeSnapshotsOlderThan(ctx, s.db, cutoff)
}

func (s *txSQLiteStore) AppendSnapshot(ctx context.Context, snapshot domain.HealthSnapshot) error {
	return appendSnapshot(ctx, s.tx, snapshot)
}

func (s *txSQLiteStore) GetLatestSnapshot(ctx context.Context, deploymentID string) (*domain.HealthSnapshot, error) {
	return getLatestSnapshot(ctx, s.tx, deploymentID)
}

func (s *txSQLiteStore) GetLatestSnapshotsForEnvironment(ctx context.Context, environmentID string) ([]domain.HealthSnapshot, error) {
	return getLatestSnapshotsForEnvironment(ctx, s.tx, environmentID)
}

func (s *txSQLiteStore) GetSnapshotHistory(ctx context.Context, deploymentID string, limit int) ([]domain.HealthSnapshot, error) {
	return getSnapshotHistory(ctx, s.tx, deploymentID, limit)
}

func (s *txSQLiteStore) RemoveSnapshotsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return removeSnapshotsOlderThan(ctx, s.tx, cutoff)
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

func appendSnapshot(ctx context.Context, exec executor, snapshot domain.HealthSnapshot) error {
	selfJSON, err := json.Marshal(snapshot.Self)
	if err != nil {
		return NewStoreError("AppendSnapshot", "health_snapshot", snapshot.DeploymentID, "failed to serialize self health", ErrInvalidData)
	}

	var busJSON, infraJSON *string
	if snapshot.Bus != nil {
		data, err := json.Marshal(snapshot.Bus)
		if err != nil {
			return NewStoreError("AppendSnapshot", "health_snapshot", snapshot.DeploymentID, "failed to serialize bus health", ErrInvalidData)
		}
		s := string(data)
		busJSON = &s
	}
	if snapshot.Infra != nil {
		data, err := json.Marshal(snapshot.Infra)
		if err != nil {
			return NewStoreError("AppendSnapshot", "health_snapshot", snapshot.DeploymentID, "failed to serialize infra health", ErrInvalidData)
		}
		s := string(data)
		infraJSON = &s
	}

	query := `
		INSERT INTO health_snapshots (
			deployment_id, environment_id, stack_name, current_version,
			target_version, overall, operation_mode, self_health,
			bus_health, infra_health, captured_at
		) VALUES (
			:deployment_id, :environment_id, :stack_name, :current_version,
			:target_version, :overall, :operation_mode, :self_health,
			:bus_health, :infra_health, :captured_at
		)`

	row := map[string]any{
		"deployment_id":   snapshot.DeploymentID,
		"environment_id":  snapshot.EnvironmentID,
		"stack_name":      snapshot.StackName,
		"current_version": snapshot.CurrentVersion,
		"target_version":  snapshot.TargetVersion,
		"overall":         string(snapshot.Overall),
		"operation_mode":  string(snapshot.OperationMode),
		"self_health":     string(selfJSON),
		"bus_health":      busJSON,
		"infra_health":    infraJSON,
		"captured_at":     formatTime(snapshot.CapturedAt),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("AppendSnapshot", "health_snapshot", snapshot.DeploymentID, err.Error(), err)
	}
	return nil
}

func getLatestSnapshot(ctx context.Context, exec executor, deploymentID string) (*domain.HealthSnapshot, error) {
	query := `SELECT * FROM health_snapshots WHERE deployment_id = ? ORDER BY id DESC LIMIT 1`

	var row healthSnapshotRow
	err := exec.GetContext(ctx, &row, query, deploymentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetLatestSnapshot", "health_snapshot", deploymentID, "no snapshots", ErrNotFound)
		}
		return nil, NewStoreError("GetLatestSnapshot", "health_snapshot", deploymentID, err.Error(), err)
	}

	return rowToSnapshot(&row)
}

// getLatestSnapshotsForEnvironment returns the newest snapshot per
// deployment on an environment.
func getLatestSnapshotsForEnvironment(ctx context.Context, exec executor, environmentID string) ([]domain.HealthSnapshot, error) {
	query := `
		SELECT * FROM health_snapshots
		WHERE environment_id = ?
		  AND id IN (SELECT MAX(id) FROM health_snapshots WHERE environment_id = ? GROUP BY deployment_id)
		ORDER BY stack_name, deployment_id`

	var rows []healthSnapshotRow
	if err := exec.SelectContext(ctx, &rows, query, environmentID, environmentID); err != nil {
		return nil, NewStoreError("GetLatestSnapshotsForEnvironment", "health_snapshot", environmentID, err.Error(), err)
	}

	return rowsToSnapshots(rows)
}

// getSnapshotHistory returns up to limit snapshots for a deployment, newest
// first.
func getSnapshotHistory(ctx context.Context, exec executor, deploymentID string, limit int) ([]domain.HealthSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT * FROM health_snapshots WHERE deployment_id = ? ORDER BY id DESC LIMIT ?`

	var rows []healthSnapshotRow
	if err := exec.SelectContext(ctx, &rows, query, deploymentID, limit); err != nil {
		return nil, NewStoreError("GetSnapshotHistory", "health_snapshot", deploymentID, err.Error(), err)
	}

	return rowsToSnapshots(rows)
}

func removeSnapshotsOlderThan(ctx context.Context, exec executor, cutoff time.Time) (int64, error) {
	query := `DELETE FROM health_snapshots WHERE captured_at < ?`

	result, err := exec.ExecContext(ctx, query, formatTime(cutoff))
	if err != nil {
		return 0, NewStoreError("RemoveSnapshotsOlderThan", "health_snapshot", "", err.Error(), err)
	}

	removed, _ := result.RowsAffected()
	return removed, nil
}

// =============================================================================
// Row Conversion
// =============================================================================

func rowToSnapshot(row *healthSnapshotRow) (*domain.HealthSnapshot, error) {
	snapshot := &domain.HealthSnapshot{
		DeploymentID:   row.DeploymentID,
		EnvironmentID:  row.EnvironmentID,
		StackName:      row.StackName,
		CurrentVersion: row.CurrentVersion,
		TargetVersion:  row.TargetVersion,
		Overall:        domain.HealthStatus(row.Overall),
		OperationMode:  domain.OperationMode(row.OperationMode),
		CapturedAt:     parseTime(row.CapturedAt),
	}

	if err := json.Unmarshal([]byte(row.SelfHealth), &snapshot.Self); err != nil {
		return nil, NewStoreError("rowToSnapshot", "health_snapshot", row.DeploymentID, "failed to parse self health", ErrInvalidData)
	}
	if row.BusHealth != nil && *row.BusHealth != "" {
		snapshot.Bus = &domain.BusHealth{}
		if err := json.Unmarshal([]byte(*row.BusHealth), snapshot.Bus); err != nil {
			return nil, NewStoreError("rowToSnapshot", "health_snapshot", row.DeploymentID, "failed to parse bus health", ErrInvalidData)
		}
	}
	if row.InfraHealth != nil && *row.InfraHealth != "" {
		snapshot.Infra = &domain.InfraHealth{}
		if err := json.Unmarshal([]byte(*row.InfraHealth), snapshot.Infra); err != nil {
			return nil, NewStoreError("rowToSnapshot", "health_snapshot", row.DeploymentID, "failed to parse infra health", ErrInvalidData)
		}
	}

	return snapshot, nil
}

func rowsToSnapshots(rows []healthSnapshotRow) ([]domain.HealthSnapshot, error) {
	snapshots := make([]domain.HealthSnapshot, 0, len(rows))
	for i := range rows {
		snapshot, err := rowToSnapshot(&rows[i])
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, *snapshot)
	}
	return snapshots, nil
}
