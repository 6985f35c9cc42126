package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Creation Tests
// =============================================================================

func TestNewProductDeployment(t *testing.T) {
	pd, err := NewProductDeployment("env-prod", threeStackProduct(), "alice")
	require.NoError(t, err)

	assert.NotEmpty(t, pd.ID)
	assert.Equal(t, "env-prod", pd.EnvironmentID)
	assert.Equal(t, ProductStatusPending, pd.Status)
	assert.Equal(t, 3, pd.TotalStacks)
	assert.Equal(t, 0, pd.CompletedStacks)
	assert.Equal(t, 0, pd.FailedStacks)
	assert.Equal(t, int64(1), pd.Version)
	for _, entry := range pd.Stacks {
		assert.Equal(t, StackEntryPending, entry.Status)
		assert.Empty(t, entry.DeploymentID)
	}
}

func TestNewProductDeployment_Validation(t *testing.T) {
	def := threeStackProduct()

	_, err := NewProductDeployment("", def, "")
	assert.ErrorIs(t, err, ErrEnvironmentRequired)

	def.Name = ""
	_, err = NewProductDeployment("env-prod", def, "")
	assert.ErrorIs(t, err, ErrProductNameRequired)

	def = threeStackProduct()
	def.Stacks = nil
	_, err = NewProductDeployment("env-prod", def, "")
	assert.ErrorIs(t, err, ErrNoStacks)
}

// =============================================================================
// Deploy Order Tests
// =============================================================================

func TestGetStacksInDeployOrder(t *testing.T) {
	def := threeStackProduct()
	// Declare out of order on purpose.
	def.Stacks[0].Order, def.Stacks[1].Order, def.Stacks[2].Order = 30, 10, 20
	pd, err := NewProductDeployment("env-prod", def, "")
	require.NoError(t, err)

	ordered := pd.GetStacksInDeployOrder()
	require.Len(t, ordered, 3)
	assert.Equal(t, []string{"db", "backend", "frontend"},
		[]string{ordered[0].StackName, ordered[1].StackName, ordered[2].StackName})

	// Idempotent and non-decreasing in Order.
	again := pd.GetStacksInDeployOrder()
	assert.Equal(t, ordered, again)
	for i := 1; i < len(again); i++ {
		assert.LessOrEqual(t, again[i-1].Order, again[i].Order)
	}
}

func TestGetStacksInDeployOrder_StableOnTies(t *testing.T) {
	def := threeStackProduct()
	for i := range def.Stacks {
		def.Stacks[i].Order = 1
	}
	pd, err := NewProductDeployment("env-prod", def, "")
	require.NoError(t, err)

	ordered := pd.GetStacksInDeployOrder()
	assert.Equal(t, []string{"frontend", "db", "backend"},
		[]string{ordered[0].StackName, ordered[1].StackName, ordered[2].StackName})
}

// =============================================================================
// Rollout Bookkeeping Tests
// =============================================================================

func TestProductDeployment_AllStacksSucceed(t *testing.T) {
	pd := pendingProduct(t)

	for _, entry := range pd.GetStacksInDeployOrder() {
		require.NoError(t, pd.BeginStack(entry.StackName))
		require.NoError(t, pd.CompleteStack(entry.StackName, "dep-"+entry.StackName, entry.StackName, 2))
	}

	assert.Equal(t, ProductStatusRunning, pd.FinishRollout())
	assert.Equal(t, 3, pd.CompletedStacks)
	assert.Equal(t, 0, pd.FailedStacks)
	assert.NotNil(t, pd.CompletedAt)
	assert.True(t, pd.CanUpgrade())
	assert.True(t, pd.CanRemove())
}

func TestProductDeployment_PartialFailure_ContinueOnError(t *testing.T) {
	def := threeStackProduct()
	def.ContinueOnError = true
	pd, err := NewProductDeployment("env-prod", def, "")
	require.NoError(t, err)

	// Stack #2 fails, #1 and #3 succeed.
	ordered := pd.GetStacksInDeployOrder()
	require.NoError(t, pd.BeginStack(ordered[0].StackName))
	require.NoError(t, pd.CompleteStack(ordered[0].StackName, "dep-1", ordered[0].StackName, 1))
	require.NoError(t, pd.BeginStack(ordered[1].StackName))
	require.NoError(t, pd.FailStack(ordered[1].StackName, "dep-2", "image pull failed"))
	require.NoError(t, pd.BeginStack(ordered[2].StackName))
	require.NoError(t, pd.CompleteStack(ordered[2].StackName, "dep-3", ordered[2].StackName, 1))

	assert.Equal(t, ProductStatusPartiallyRunning, pd.FinishRollout())
	assert.Equal(t, 2, pd.CompletedStacks)
	assert.Equal(t, 1, pd.FailedStacks)
	assert.True(t, pd.CanUpgrade()) // partially running is still the running family

	entry, ok := pd.StackByName(ordered[1].StackName)
	require.True(t, ok)
	assert.Equal(t, "image pull failed", entry.ErrorMessage)
}

func TestProductDeployment_HaltOnFirstFailure(t *testing.T) {
	pd := pendingProduct(t) // ContinueOnError=false

	ordered := pd.GetStacksInDeployOrder()
	require.NoError(t, pd.BeginStack(ordered[0].StackName))
	require.NoError(t, pd.CompleteStack(ordered[0].StackName, "dep-1", ordered[0].StackName, 1))
	require.NoError(t, pd.BeginStack(ordered[1].StackName))
	require.NoError(t, pd.FailStack(ordered[1].StackName, "", "boom"))
	// Entry #3 is never attempted.

	assert.Equal(t, ProductStatusFailed, pd.FinishRollout())
	assert.Equal(t, 1, pd.CompletedStacks)
	assert.Equal(t, 1, pd.FailedStacks) // unattempted entries are not failures

	entry, ok := pd.StackByName(ordered[2].StackName)
	require.True(t, ok)
	assert.Equal(t, StackEntryPending, entry.Status)
	assert.False(t, pd.CanUpgrade())
	assert.False(t, pd.CanRemove())
}

func TestProductDeployment_AllStacksFail(t *testing.T) {
	def := threeStackProduct()
	def.ContinueOnError = true
	pd, err := NewProductDeployment("env-prod", def, "")
	require.NoError(t, err)

	for _, entry := range pd.GetStacksInDeployOrder() {
		require.NoError(t, pd.BeginStack(entry.StackName))
		require.NoError(t, pd.FailStack(entry.StackName, "", "boom"))
	}

	assert.Equal(t, ProductStatusFailed, pd.FinishRollout())
	assert.True(t, pd.Status.IsTerminal())
	assert.Equal(t, 3, pd.FailedStacks)
}

func TestProductDeployment_CountersNeverExceedTotal(t *testing.T) {
	pd := pendingProduct(t)
	for _, entry := range pd.GetStacksInDeployOrder() {
		require.NoError(t, pd.BeginStack(entry.StackName))
		require.NoError(t, pd.CompleteStack(entry.StackName, "d", entry.StackName, 1))
	}
	pd.FinishRollout()
	assert.LessOrEqual(t, pd.CompletedStacks+pd.FailedStacks, pd.TotalStacks)
}

func TestProductDeployment_UnknownStackEntry(t *testing.T) {
	pd := pendingProduct(t)
	assert.ErrorIs(t, pd.BeginStack("ghost"), ErrStackEntryNotFound)
	assert.ErrorIs(t, pd.CompleteStack("ghost", "", "", 0), ErrStackEntryNotFound)
	assert.ErrorIs(t, pd.FailStack("ghost", "", ""), ErrStackEntryNotFound)
}

// =============================================================================
// Removal Tests
// =============================================================================

func TestProductDeployment_Removal(t *testing.T) {
	pd := runningProduct(t)

	require.NoError(t, pd.MarkRemoving())
	assert.Equal(t, ProductStatusRemoving, pd.Status)

	pd.MarkRemoved()
	assert.Equal(t, ProductStatusRemoved, pd.Status)
	assert.True(t, pd.Status.IsTerminal())
	for _, entry := range pd.Stacks {
		assert.Equal(t, StackEntryRemoved, entry.Status)
	}
}

func TestProductDeployment_MarkRemoving_NotRunning(t *testing.T) {
	pd := pendingProduct(t)
	assert.ErrorIs(t, pd.MarkRemoving(), ErrProductNotRemovable)
}

// =============================================================================
// Upgrade Generation Tests
// =============================================================================

func TestProductDeployment_NewUpgrade(t *testing.T) {
	pd := runningProduct(t)

	candidate := threeStackProduct()
	candidate.ID = "prod-2"
	candidate.Version = "2.0.0"
	candidate.Stacks = append(candidate.Stacks, StackRef{StackID: "stk-4", Name: "reporting", Order: 40})

	next, err := pd.NewUpgrade(candidate)
	require.NoError(t, err)

	assert.NotEqual(t, pd.ID, next.ID)
	assert.Equal(t, pd.ProductGroupID, next.ProductGroupID)
	assert.Equal(t, "2.0.0", next.ProductVersion)
	assert.Equal(t, pd.ProductVersion, next.PreviousVersion)
	assert.Equal(t, pd.UpgradeCount+1, next.UpgradeCount)
	assert.Equal(t, ProductStatusPending, next.Status)

	reporting, ok := next.StackByName("reporting")
	require.True(t, ok)
	assert.True(t, reporting.IsNewInUpgrade)

	frontend, ok := next.StackByName("frontend")
	require.True(t, ok)
	assert.False(t, frontend.IsNewInUpgrade)
}

func TestProductDeployment_NewUpgrade_NotRunning(t *testing.T) {
	pd := pendingProduct(t)
	_, err := pd.NewUpgrade(threeStackProduct())
	assert.ErrorIs(t, err, ErrProductNotUpgradable)
}

// =============================================================================
// Test Helpers
// =============================================================================

func threeStackProduct() ProductDefinition {
	return ProductDefinition{
		ID:      "prod-1",
		GroupID: "grp-shop",
		Name:    "shop",
		Version: "1.2.0",
		Stacks: []StackRef{
			{StackID: "stk-1", Name: "frontend", Order: 30},
			{StackID: "stk-2", Name: "db", Order: 10},
			{StackID: "stk-3", Name: "backend", Order: 20},
		},
		SharedVariables: map[string]string{"REGION": "eu-west"},
	}
}

func pendingProduct(t *testing.T) *ProductDeployment {
	t.Helper()
	pd, err := NewProductDeployment("env-prod", threeStackProduct(), "tester")
	require.NoError(t, err)
	return pd
}

func runningProduct(t *testing.T) *ProductDeployment {
	t.Helper()
	pd := pendingProduct(t)
	for _, entry := range pd.GetStacksInDeployOrder() {
		require.NoError(t, pd.BeginStack(entry.StackName))
		require.NoError(t, pd.CompleteStack(entry.StackName, "dep-"+entry.StackName, entry.StackName, 1))
	}
	pd.FinishRollout()
	return pd
}
