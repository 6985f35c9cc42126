package domain

import (
	"strconv"
	"strings"
)

// =============================================================================
// Upgrade Checking
// =============================================================================

// UpgradeCheck is the outcome of comparing a deployed product against the
// catalog versions available for its group.
type UpgradeCheck struct {
	UpgradeAvailable bool     `json:"upgrade_available"`
	CurrentVersion   string   `json:"current_version"`
	LatestVersion    string   `json:"latest_version,omitempty"`
	NewStacks        []string `json:"new_stacks,omitempty"`
	RemovedStacks    []string `json:"removed_stacks,omitempty"`
}

// CheckUpgrade decides whether the deployed product can move to a newer
// catalog version. The available list is expected pre-sorted newest-first;
// its first entry is the latest candidate. A product outside the running
// family is never upgradable, regardless of what the catalog offers.
func CheckUpgrade(pd *ProductDeployment, available []ProductDefinition) UpgradeCheck {
	check := UpgradeCheck{CurrentVersion: pd.ProductVersion}
	if len(available) == 0 {
		return check
	}

	latest := available[0]
	check.LatestVersion = latest.Version

	if !pd.CanUpgrade() {
		return check
	}
	if CompareVersions(latest.Version, pd.ProductVersion) <= 0 {
		return check
	}

	check.UpgradeAvailable = true
	check.NewStacks, check.RemovedStacks = DiffStacks(pd.StackNames(), latest.StackNames())
	return check
}

// DiffStacks computes the case-insensitive set difference between the
// currently deployed stack names and an upgrade candidate's stack names.
// Both results are nil when empty, never an empty slice.
func DiffStacks(current, candidate []string) (newStacks, removedStacks []string) {
	currentSet := make(map[string]bool, len(current))
	for _, name := range current {
		currentSet[foldStackName(name)] = true
	}
	candidateSet := make(map[string]bool, len(candidate))
	for _, name := range candidate {
		candidateSet[foldStackName(name)] = true
	}

	for _, name := range candidate {
		if !currentSet[foldStackName(name)] {
			newStacks = append(newStacks, name)
		}
	}
	for _, name := range current {
		if !candidateSet[foldStackName(name)] {
			removedStacks = append(removedStacks, name)
		}
	}
	return newStacks, removedStacks
}

func foldStackName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// =============================================================================
// Version Comparison
// =============================================================================

// CompareVersions compares two version strings, returning -1, 0 or 1.
// Versions that parse as dotted numeric sequences (any segment count, so
// four-part build versions work) are compared segment-wise with missing
// segments treated as zero. When either side is not dotted-numeric, both
// fall back to ordinal string comparison.
func CompareVersions(a, b string) int {
	aSegs, aOK := parseDottedNumeric(a)
	bSegs, bOK := parseDottedNumeric(b)

	if !aOK || !bOK {
		return strings.Compare(a, b)
	}

	for i := 0; i < len(aSegs) || i < len(bSegs); i++ {
		var av, bv int
		if i < len(aSegs) {
			av = aSegs[i]
		}
		if i < len(bSegs) {
			bv = bSegs[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func parseDottedNumeric(version string) ([]int, bool) {
	version = strings.TrimSpace(version)
	if version == "" {
		return nil, false
	}
	parts := strings.Split(version, ".")
	segments := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, false
		}
		segments = append(segments, n)
	}
	return segments, true
}
