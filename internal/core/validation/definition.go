// Package validation provides pure validation functions for pre-parsed stack
// and product definitions. All functions are pure (no I/O, no side effects);
// malformed input is rejected synchronously at the boundary, before anything
// is persisted or scheduled.
package validation

import (
	"fmt"
	"strings"

	"github.com/mkrenz/stackpilot/internal/core/domain"
)

// SupportedTypes answers whether an observer type can be resolved to an
// implementation. The shell's observer factory satisfies this.
type SupportedTypes interface {
	IsSupported(t domain.ObserverType) bool
}

// ValidateStackDefinition checks a pre-parsed stack definition. Returns the
// offending field and a message, or empty strings when valid.
func ValidateStackDefinition(def domain.StackDefinition, observers SupportedTypes) (field, message string) {
	if def.Name == "" {
		return "name", "name is required"
	}
	if len(def.Services) == 0 {
		return "services", "at least one service is required"
	}

	seen := make(map[string]bool, len(def.Services))
	for _, svc := range def.Services {
		if svc.Name == "" {
			return "services", "service name is required"
		}
		if svc.Image == "" {
			return "services", fmt.Sprintf("service %q has no image", svc.Name)
		}
		if seen[svc.Name] {
			return "services", fmt.Sprintf("duplicate service name %q", svc.Name)
		}
		seen[svc.Name] = true
	}

	// Dependencies must reference services inside the stack.
	for _, svc := range def.Services {
		for _, dep := range svc.DependsOn {
			if !seen[dep] {
				return "services", fmt.Sprintf("service %q depends on unknown service %q", svc.Name, dep)
			}
		}
	}

	if def.Observer != nil {
		if err := def.Observer.Validate(); err != nil {
			return "observer", err.Error()
		}
		if observers != nil && !observers.IsSupported(def.Observer.Type) {
			return "observer", fmt.Sprintf("unsupported observer type %q", def.Observer.Type)
		}
	}

	return "", ""
}

// ValidateProductDefinition checks a catalog product definition. Returns the
// offending field and a message, or empty strings when valid.
func ValidateProductDefinition(def domain.ProductDefinition) (field, message string) {
	if def.Name == "" {
		return "name", "name is required"
	}
	if def.Version == "" {
		return "version", "version is required"
	}
	if len(def.Stacks) == 0 {
		return "stacks", "at least one stack is required"
	}

	seen := make(map[string]bool, len(def.Stacks))
	for _, ref := range def.Stacks {
		if ref.Name == "" {
			return "stacks", "stack name is required"
		}
		if ref.StackID == "" {
			return "stacks", fmt.Sprintf("stack %q has no catalog reference", ref.Name)
		}
		key := strings.ToLower(ref.Name)
		if seen[key] {
			return "stacks", fmt.Sprintf("duplicate stack name %q", ref.Name)
		}
		seen[key] = true
	}

	return "", ""
}
