package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Product Deployment Errors
// =============================================================================

var (
	ErrProductNameRequired  = errors.New("product name is required")
	ErrNoStacks             = errors.New("product requires at least one stack")
	ErrStackEntryNotFound   = errors.New("stack entry not found in product deployment")
	ErrProductNotUpgradable = errors.New("product deployment cannot be upgraded in its current status")
	ErrProductNotRemovable  = errors.New("product deployment cannot be removed in its current status")
)

// =============================================================================
// Product Deployment Status
// =============================================================================

// ProductStatus is the aggregate status of a multi-stack rollout. It is
// derived from child stack outcomes, never set directly by callers outside
// the aggregate. The deploying/removing statuses cover the transitional
// window while child deployments are in flight.
type ProductStatus string

const (
	ProductStatusPending          ProductStatus = "pending"
	ProductStatusDeploying        ProductStatus = "deploying"
	ProductStatusRunning          ProductStatus = "running"
	ProductStatusPartiallyRunning ProductStatus = "partially_running"
	ProductStatusFailed           ProductStatus = "failed"
	ProductStatusRemoving         ProductStatus = "removing"
	ProductStatusRemoved          ProductStatus = "removed"
)

// IsRunningFamily reports whether the product is serving traffic in some
// form. Upgrade and removal are only legal from here.
func (s ProductStatus) IsRunningFamily() bool {
	return s == ProductStatusRunning || s == ProductStatusPartiallyRunning
}

// IsTerminal reports whether the product rollout has reached a final outcome.
func (s ProductStatus) IsTerminal() bool {
	return s == ProductStatusFailed || s == ProductStatusRemoved
}

// =============================================================================
// Stack Deployment Entries
// =============================================================================

// StackEntryStatus is the per-entry sub-state inside a product rollout.
type StackEntryStatus string

const (
	StackEntryPending   StackEntryStatus = "pending"
	StackEntryDeploying StackEntryStatus = "deploying"
	StackEntryRunning   StackEntryStatus = "running"
	StackEntryFailed    StackEntryStatus = "failed"
	StackEntryRemoved   StackEntryStatus = "removed"
)

// StackDeployment is one ordered entry in a product rollout. DeploymentID
// points at the child Deployment record once one exists; entries that were
// never attempted keep an empty DeploymentID and a pending status.
type StackDeployment struct {
	StackName           string           `json:"stack_name"`
	StackDisplayName    string           `json:"stack_display_name,omitempty"`
	StackID             string           `json:"stack_id"`
	DeploymentID        string           `json:"deployment_id,omitempty"`
	DeploymentStackName string           `json:"deployment_stack_name,omitempty"`
	Status              StackEntryStatus `json:"status"`
	StartedAt           *time.Time       `json:"started_at,omitempty"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
	ErrorMessage        string           `json:"error_message,omitempty"`
	Order               int              `json:"order"`
	ServiceCount        int              `json:"service_count"`
	IsNewInUpgrade      bool             `json:"is_new_in_upgrade,omitempty"`
}

// =============================================================================
// Product Deployment
// =============================================================================

// ProductDeployment orchestrates the rollout of a product: an ordered list
// of stacks deployed together as one logical unit. The aggregate status is
// derived from the child entry outcomes under the ContinueOnError policy.
// Version increments on every mutation for optimistic concurrency.
type ProductDeployment struct {
	ID              string            `json:"id"`
	EnvironmentID   string            `json:"environment_id"`
	ProductGroupID  string            `json:"product_group_id"`
	ProductID       string            `json:"product_id"`
	ProductName     string            `json:"product_name"`
	DisplayName     string            `json:"display_name,omitempty"`
	ProductVersion  string            `json:"product_version"`
	PreviousVersion string            `json:"previous_version,omitempty"`
	UpgradeCount    int               `json:"upgrade_count"`
	Status          ProductStatus     `json:"status"`
	ContinueOnError bool              `json:"continue_on_error"`
	TotalStacks     int               `json:"total_stacks"`
	CompletedStacks int               `json:"completed_stacks"`
	FailedStacks    int               `json:"failed_stacks"`
	SharedVariables map[string]string `json:"shared_variables,omitempty"`
	Stacks          []StackDeployment `json:"stacks"`
	DeployedBy      string            `json:"deployed_by,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	Version         int64             `json:"version"`
}

// NewProductDeployment creates a pending product rollout from a catalog
// definition. Stack entries keep the definition's declared order.
func NewProductDeployment(environmentID string, def ProductDefinition, deployedBy string) (*ProductDeployment, error) {
	if environmentID == "" {
		return nil, ErrEnvironmentRequired
	}
	if def.Name == "" {
		return nil, ErrProductNameRequired
	}
	if len(def.Stacks) == 0 {
		return nil, ErrNoStacks
	}

	now := time.Now().UTC()
	pd := &ProductDeployment{
		ID:              uuid.New().String(),
		EnvironmentID:   environmentID,
		ProductGroupID:  def.GroupID,
		ProductID:       def.ID,
		ProductName:     def.Name,
		DisplayName:     def.DisplayName,
		ProductVersion:  def.Version,
		Status:          ProductStatusPending,
		ContinueOnError: def.ContinueOnError,
		TotalStacks:     len(def.Stacks),
		SharedVariables: cloneVariables(def.SharedVariables),
		DeployedBy:      deployedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}

	for _, ref := range def.Stacks {
		pd.Stacks = append(pd.Stacks, StackDeployment{
			StackName:        ref.Name,
			StackDisplayName: ref.DisplayName,
			StackID:          ref.StackID,
			Status:           StackEntryPending,
			Order:            ref.Order,
		})
	}

	return pd, nil
}

// NewUpgrade builds the next generation of this product deployment from an
// upgrade candidate. The new generation starts pending with PreviousVersion
// set and UpgradeCount incremented; entries absent from the current
// generation are flagged IsNewInUpgrade.
func (pd *ProductDeployment) NewUpgrade(candidate ProductDefinition) (*ProductDeployment, error) {
	if !pd.CanUpgrade() {
		return nil, fmt.Errorf("%w: status %s", ErrProductNotUpgradable, pd.Status)
	}

	next, err := NewProductDeployment(pd.EnvironmentID, candidate, pd.DeployedBy)
	if err != nil {
		return nil, err
	}

	next.ProductGroupID = pd.ProductGroupID
	next.PreviousVersion = pd.ProductVersion
	next.UpgradeCount = pd.UpgradeCount + 1

	current := make(map[string]bool, len(pd.Stacks))
	for _, entry := range pd.Stacks {
		current[foldStackName(entry.StackName)] = true
	}
	for i := range next.Stacks {
		if !current[foldStackName(next.Stacks[i].StackName)] {
			next.Stacks[i].IsNewInUpgrade = true
		}
	}

	return next, nil
}

// GetStacksInDeployOrder returns the entries sorted ascending by Order.
// The sort is stable so entries sharing an Order keep definition order.
func (pd *ProductDeployment) GetStacksInDeployOrder() []StackDeployment {
	ordered := append([]StackDeployment(nil), pd.Stacks...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Order < ordered[j].Order
	})
	return ordered
}

// StackByName returns the entry with the given stack name.
func (pd *ProductDeployment) StackByName(name string) (StackDeployment, bool) {
	for _, entry := range pd.Stacks {
		if entry.StackName == name {
			return entry, true
		}
	}
	return StackDeployment{}, false
}

// BeginStack marks one entry as deploying and moves the aggregate into the
// deploying status if it was still pending.
func (pd *ProductDeployment) BeginStack(name string) error {
	entry := pd.entry(name)
	if entry == nil {
		return fmt.Errorf("%w: %s", ErrStackEntryNotFound, name)
	}

	now := time.Now().UTC()
	entry.Status = StackEntryDeploying
	entry.StartedAt = &now
	entry.ErrorMessage = ""
	if pd.Status == ProductStatusPending {
		pd.Status = ProductStatusDeploying
	}
	pd.touch()
	return nil
}

// CompleteStack records a successful child deployment for one entry.
func (pd *ProductDeployment) CompleteStack(name, deploymentID, deploymentStackName string, serviceCount int) error {
	entry := pd.entry(name)
	if entry == nil {
		return fmt.Errorf("%w: %s", ErrStackEntryNotFound, name)
	}

	now := time.Now().UTC()
	entry.Status = StackEntryRunning
	entry.DeploymentID = deploymentID
	entry.DeploymentStackName = deploymentStackName
	entry.ServiceCount = serviceCount
	entry.CompletedAt = &now
	entry.ErrorMessage = ""
	pd.CompletedStacks++
	pd.touch()
	return nil
}

// FailStack records a failed child deployment for one entry. The deployment
// ID is kept when a child record exists so the failure stays traceable.
func (pd *ProductDeployment) FailStack(name, deploymentID, reason string) error {
	entry := pd.entry(name)
	if entry == nil {
		return fmt.Errorf("%w: %s", ErrStackEntryNotFound, name)
	}

	now := time.Now().UTC()
	entry.Status = StackEntryFailed
	if deploymentID != "" {
		entry.DeploymentID = deploymentID
	}
	entry.CompletedAt = &now
	entry.ErrorMessage = reason
	pd.FailedStacks++
	pd.touch()
	return nil
}

// FinishRollout derives and applies the aggregate outcome once the deploy
// loop is done. Entries still pending were never attempted: they stay
// pending and are excluded from the failure count.
//
// Derivation: every entry running means running; every attempted entry
// failed means failed; a mix under ContinueOnError means partially running;
// any failure without ContinueOnError means failed.
func (pd *ProductDeployment) FinishRollout() ProductStatus {
	pd.Status = pd.deriveStatus()
	if pd.Status != ProductStatusDeploying {
		pd.stampCompleted()
	}
	pd.touch()
	return pd.Status
}

func (pd *ProductDeployment) deriveStatus() ProductStatus {
	running := 0
	failed := 0
	for _, entry := range pd.Stacks {
		switch entry.Status {
		case StackEntryRunning:
			running++
		case StackEntryFailed:
			failed++
		}
	}

	switch {
	case failed == 0 && running == len(pd.Stacks):
		return ProductStatusRunning
	case failed > 0 && running == 0:
		return ProductStatusFailed
	case failed > 0 && pd.ContinueOnError:
		return ProductStatusPartiallyRunning
	case failed > 0:
		return ProductStatusFailed
	default:
		// No failures but some entries never completed.
		return ProductStatusDeploying
	}
}

// CanUpgrade reports whether the product may be upgraded. Only a product in
// the running family qualifies; transitional and failed products cannot be
// upgraded in place.
func (pd *ProductDeployment) CanUpgrade() bool {
	return pd.Status.IsRunningFamily()
}

// CanRemove mirrors CanUpgrade's running-family precondition.
func (pd *ProductDeployment) CanRemove() bool {
	return pd.Status.IsRunningFamily()
}

// MarkRemoving moves the product into the transitional removal state.
func (pd *ProductDeployment) MarkRemoving() error {
	if !pd.CanRemove() {
		return fmt.Errorf("%w: status %s", ErrProductNotRemovable, pd.Status)
	}
	pd.Status = ProductStatusRemoving
	pd.touch()
	return nil
}

// MarkRemoved finalizes removal after every child deployment is gone.
func (pd *ProductDeployment) MarkRemoved() {
	pd.Status = ProductStatusRemoved
	for i := range pd.Stacks {
		if pd.Stacks[i].Status != StackEntryPending {
			pd.Stacks[i].Status = StackEntryRemoved
		}
	}
	pd.stampCompleted()
	pd.touch()
}

// StackNames returns the entry names in declaration order.
func (pd *ProductDeployment) StackNames() []string {
	names := make([]string, 0, len(pd.Stacks))
	for _, entry := range pd.Stacks {
		names = append(names, entry.StackName)
	}
	return names
}

func (pd *ProductDeployment) entry(name string) *StackDeployment {
	for i := range pd.Stacks {
		if pd.Stacks[i].StackName == name {
			return &pd.Stacks[i]
		}
	}
	return nil
}

func (pd *ProductDeployment) stampCompleted() {
	if pd.CompletedAt == nil {
		now := time.Now().UTC()
		pd.CompletedAt = &now
	}
}

func (pd *ProductDeployment) touch() {
	pd.Version++
	pd.UpdatedAt = time.Now().UTC()
}

func cloneVariables(vars map[string]string) map[string]string {
	if len(vars) == 0 {
		return nil
	}
	clone := make(map[string]string, len(vars))
	for k, v := range vars {
		clone[k] = v
	}
	return clone
}
