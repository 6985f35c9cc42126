package domain

import "regexp"

// =============================================================================
// Service Start Ordering
// =============================================================================

// SortServicesByDependency orders a stack's services so that dependencies
// start first, using Kahn's algorithm. Ties resolve in declaration order.
// If a dependency cycle slips through validation, the remaining services are
// appended in declaration order rather than dropped.
func SortServicesByDependency(services []ServiceDefinition) []ServiceDefinition {
	if len(services) == 0 {
		return services
	}

	serviceMap := make(map[string]ServiceDefinition, len(services))
	inDegree := make(map[string]int, len(services))
	dependents := make(map[string][]string)

	for _, svc := range services {
		serviceMap[svc.Name] = svc
		inDegree[svc.Name] = len(svc.DependsOn)
		for _, dep := range svc.DependsOn {
			dependents[dep] = append(dependents[dep], svc.Name)
		}
	}

	var queue []string
	for _, svc := range services {
		if inDegree[svc.Name] == 0 {
			queue = append(queue, svc.Name)
		}
	}

	var result []ServiceDefinition
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		if svc, ok := serviceMap[name]; ok {
			result = append(result, svc)
		}

		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(result) < len(services) {
		seen := make(map[string]bool, len(result))
		for _, svc := range result {
			seen[svc.Name] = true
		}
		for _, svc := range services {
			if !seen[svc.Name] {
				result = append(result, svc)
			}
		}
	}

	return result
}

// =============================================================================
// Variable Substitution
// =============================================================================

// varPlaceholderRegex matches ${VAR} and ${VAR:-default} placeholders.
var varPlaceholderRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// SubstituteVariables replaces ${VAR} and ${VAR:-default} placeholders with
// values from the variables map. A ${VAR} with no value and no default is
// left as-is so missing configuration stays visible.
func SubstituteVariables(value string, variables map[string]string) string {
	return varPlaceholderRegex.ReplaceAllStringFunc(value, func(match string) string {
		submatch := varPlaceholderRegex.FindStringSubmatch(match)
		name := submatch[1]
		if val, ok := variables[name]; ok {
			return val
		}
		// ${VAR:-default} falls back to the default, including an empty one.
		if len(match) > len(name)+3 && match[len(name)+2] == ':' {
			return submatch[2]
		}
		return match
	})
}

// MergeVariables overlays stack-level variables on top of shared product
// variables. Stack values win on conflict.
func MergeVariables(shared, stack map[string]string) map[string]string {
	if len(shared) == 0 && len(stack) == 0 {
		return nil
	}
	merged := make(map[string]string, len(shared)+len(stack))
	for k, v := range shared {
		merged[k] = v
	}
	for k, v := range stack {
		merged[k] = v
	}
	return merged
}
