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
// Product Catalog Operations
// =============================================================================

// productRow represents a catalog product row in the database.
type productRow struct {
	ID              string  `db:"id"`
	GroupID         string  `db:"group_id"`
	Name            string  `db:"name"`
	DisplayName     string  `db:"display_name"`
	Version         string  `db:"version"`
	Stacks          string  `db:"stacks"`
	SharedVariables *string `db:"shared_variables"`
	ContinueOnError bool    `db:"continue_on_error"`
	CreatedAt       string  `db:"created_at"`
}

func (s *SQLiteStore) SaveProduct(ctx context.Context, def domain.ProductDefinition) error {
	return saveProduct(ctx, s.db, def)
}

func (s *SQLiteStore) GetProduct(ctx context.Context, id string) (*domain.ProductDefinition, error) {
	return getProduct(ctx, s.db, id)
}

func (s *SQLiteStore) ListProductVersions(ctx context.Context, productGroupID string) ([]domain.ProductDefinition, error) {
	return listProductVersions(ctx, s.db, productGroupID)
}

func (s *txSQLiteStore) SaveProduct(ctx context.Context, def domain.ProductDefinition) error {
	return saveProduct(ctx, s.tx, def)
}

func (s *txSQLiteStore) GetProduct(ctx context.Context, id string) (*domain.ProductDefinition, error) {
	return getProduct(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListProductVersions(ctx context.Context, productGroupID string) ([]domain.ProductDefinition, error) {
	return listProductVersions(ctx, s.tx, productGroupID)
}

func saveProduct(ctx context.Context, exec executor, def domain.ProductDefinition) error {
	stacksJSON, err := json.Marshal(def.Stacks)
	if err != nil {
		return NewStoreError("SaveProduct", "product", def.ID, "failed to serialize stacks", ErrInvalidData)
	}
	variablesJSON, err := json.Marshal(def.SharedVariables)
	if err != nil {
		return NewStoreError("SaveProduct", "product", def.ID, "failed to serialize shared variables", ErrInvalidData)
	}

	createdAt := def.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO products (
			id, group_id, name, display_name, version, stacks,
			shared_variables, continue_on_error, created_at
		) VALUES (
			:id, :group_id, :name, :display_name, :version, :stacks,
			:shared_variables, :continue_on_error, :created_at
		)
		ON CONFLICT(id) DO UPDATE SET
			group_id = excluded.group_id,
			name = excluded.name,
			display_name = excluded.display_name,
			version = excluded.version,
			stacks = excluded.stacks,
			shared_variables = excluded.shared_variables,
			continue_on_error = excluded.continue_on_error`

	row := map[string]any{
		"id":                def.ID,
		"group_id":          def.GroupID,
		"name":              def.Name,
		"display_name":      def.DisplayName,
		"version":           def.Version,
		"stacks":            string(stacksJSON),
		"shared_variables":  string(variablesJSON),
		"continue_on_error": def.ContinueOnError,
		"created_at":        formatTime(createdAt),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("SaveProduct", "product", def.ID, err.Error(), err)
	}
	return nil
}

func getProduct(ctx context.Context, exec executor, id string) (*domain.ProductDefinition, error) {
	query := `SELECT * FROM products WHERE id = ?`

	var row productRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetProduct", "product", id, "product not found", ErrNotFound)
		}
		return nil, NewStoreError("GetProduct", "product", id, err.Error(), err)
	}

	return rowToProduct(&row)
}

// listProductVersions returns every catalog version of a product group,
// newest first. The first entry is the latest available version.
func listProductVersions(ctx context.Context, exec executor, productGroupID string) ([]domain.ProductDefinition, error) {
	query := `SELECT * FROM products WHERE group_id = ? ORDER BY created_at DESC, rowid DESC`

	var rows []productRow
	if err := exec.SelectContext(ctx, &rows, query, productGroupID); err != nil {
		return nil, NewStoreError("ListProductVersions", "product", productGroupID, err.Error(), err)
	}

	products := make([]domain.ProductDefinition, 0, len(rows))
	for i := range rows {
		product, err := rowToProduct(&rows[i])
		if err != nil {
			return nil, err
		}
		products = append(products, *product)
	}
	return products, nil
}

func rowToProduct(row *productRow) (*domain.ProductDefinition, error) {
	def := &domain.ProductDefinition{
		ID:              row.ID,
		GroupID:         row.GroupID,
		Name:            row.Name,
		DisplayName:     row.DisplayName,
		Version:         row.Version,
		ContinueOnError: row.ContinueOnError,
		CreatedAt:       parseTime(row.CreatedAt),
	}

	if err := json.Unmarshal([]byte(row.Stacks), &def.Stacks); err != nil {
		return nil, NewStoreError("rowToProduct", "product", row.ID, "failed to parse stacks", ErrInvalidData)
	}
	if row.SharedVariables != nil && *row.SharedVariables != "" && *row.SharedVariables != "null" {
		if err := json.Unmarshal([]byte(*row.SharedVariables), &def.SharedVariables); err != nil {
			return nil, NewStoreError("rowToProduct", "product", row.ID, "failed to parse shared variables", ErrInvalidData)
		}
	}

	return def, nil
}

// =============================================================================
// Stack Definition Operations
// =============================================================================

// stackDefinitionRow stores the full definition as one JSON document; the
// indexed columns exist for lookup only.
type stackDefinitionRow struct {
	ID         string `db:"id"`
	Name       string `db:"name"`
	Version    string `db:"version"`
	Definition string `db:"definition"`
	UpdatedAt  string `db:"updated_at"`
}

func (s *SQLiteStore) SaveStackDefinition(ctx context.Context, def domain.StackDefinition) error {
	return saveStackDefinition(ctx, s.db, def)
}

func (s *SQLiteStore) GetStackDefinition(ctx context.Context, id string) (*domain.StackDefinition, error) {
	return getStackDefinition(ctx, s.db, id)
}

func (s *txSQLiteStore) SaveStackDefinition(ctx context.Context, def domain.StackDefinition) error {
	return saveStackDefinition(ctx, s.tx, def)
}

func (s *txSQLiteStore) GetStackDefinition(ctx context.Context, id string) (*domain.StackDefinition, error) {
	return getStackDefinition(ctx, s.tx, id)
}

func saveStackDefinition(ctx context.Context, exec executor, def domain.StackDefinition) error {
	definitionJSON, err := json.Marshal(def)
	if err != nil {
		return NewStoreError("SaveStackDefinition", "stack_definition", def.ID, "failed to serialize definition", ErrInvalidData)
	}

	query := `
		INSERT INTO stack_definitions (id, name, version, definition, updated_at)
		VALUES (:id, :name, :version, :definition, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			definition = excluded.definition,
			updated_at = excluded.updated_at`

	row := map[string]any{
		"id":         def.ID,
		"name":       def.Name,
		"version":    def.Version,
		"definition": string(definitionJSON),
		"updated_at": formatTime(time.Now()),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("SaveStackDefinition", "stack_definition", def.ID, err.Error(), err)
	}
	return nil
}

func getStackDefinition(ctx context.Context, exec executor, id string) (*domain.StackDefinition, error) {
	query := `SELECT * FROM stack_definitions WHERE id = ?`

	var row stackDefinitionRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetStackDefinition", "stack_definition", id, "stack definition not found", ErrNotFound)
		}
		return nil, NewStoreError("GetStackDefinition", "stack_definition", id, err.Error(), err)
	}

	var def domain.StackDefinition
	if err := json.Unmarshal([]byte(row.Definition), &def); err != nil {
		return nil, NewStoreError("GetStackDefinition", "stack_definition", id, "failed to parse definition", ErrInvalidData)
	}
	return &def, nil
}

// =============================================================================
// Environment Operations
// =============================================================================

// environmentRow represents an environment row in the database.
type environmentRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Endpoint  string `db:"endpoint"`
	Enabled   bool   `db:"enabled"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

func (s *SQLiteStore) UpsertEnvironment(ctx context.Context, env *domain.Environment) error {
	return upsertEnvironment(ctx, s.db, env)
}

func (s *SQLiteStore) GetEnvironment(ctx context.Context, id string) (*domain.Environment, error) {
	return getEnvironment(ctx, s.db, id)
}

func (s *SQLiteStore) ListEnvironments(ctx context.Context) ([]domain.Environment, error) {
	return listEnvironments(ctx, s.db)
}

func (s *txSQLiteStore) UpsertEnvironment(ctx context.Context, env *domain.Environment) error {
	return upsertEnvironment(ctx, s.tx, env)
}

func (s *txSQLiteStore) GetEnvironment(ctx context.Context, id string) (*domain.Environment, error) {
	return getEnvironment(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListEnvironments(ctx context.Context) ([]domain.Environment, error) {
	return listEnvironments(ctx, s.tx)
}

func upsertEnvironment(ctx context.Context, exec executor, env *domain.Environment) error {
	now := time.Now().UTC()
	createdAt := env.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO environments (id, name, endpoint, enabled, created_at, updated_at)
		VALUES (:id, :name, :endpoint, :enabled, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			endpoint = excluded.endpoint,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`

	row := map[string]any{
		"id":         env.ID,
		"name":       env.Name,
		"endpoint":   env.Endpoint,
		"enabled":    env.Enabled,
		"created_at": formatTime(createdAt),
		"updated_at": formatTime(now),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("UpsertEnvironment", "environment", env.ID, err.Error(), err)
	}
	return nil
}

func getEnvironment(ctx context.Context, exec executor, id string) (*domain.Environment, error) {
	query := `SELECT * FROM environments WHERE id = ?`

	var row environmentRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetEnvironment", "environment", id, "environment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetEnvironment", "environment", id, err.Error(), err)
	}

	return rowToEnvironment(&row), nil
}

func listEnvironments(ctx context.Context, exec executor) ([]domain.Environment, error) {
	query := `SELECT * FROM environments ORDER BY name`

	var rows []environmentRow
	if err := exec.SelectContext(ctx, &rows, query); err != nil {
		return nil, NewStoreError("ListEnvironments", "environment", "", err.Error(), err)
	}

	environments := make([]domain.Environment, 0, len(rows))
	for i := range rows {
		environments = append(environments, *rowToEnvironment(&rows[i]))
	}
	return environments, nil
}

func rowToEnvironment(row *environmentRow) *domain.Environment {
	return &domain.Environment{
		ID:        row.ID,
		Name:      row.Name,
		Endpoint:  row.Endpoint,
		Enabled:   row.Enabled,
		CreatedAt: parseTime(row.CreatedAt),
		UpdatedAt: parseTime(row.UpdatedAt),
	}
}
