package schema

import (
	"github.com/oarkflow/expr"
)

// DerivedParameterDefinition is a computed telemetry value defined as a
// pure expression over other (raw or derived) parameter values. The
// dependency keys are declared explicitly alongside the expression.
type DerivedParameterDefinition struct {
	ID              int64
	SchemaVersionID int64
	Key             string
	Label           string
	Dependencies    []string
	Expression      string
	Type            DataType
}

// ResolvedDependencies returns the unique, non-empty dependency keys.
func (d DerivedParameterDefinition) ResolvedDependencies() []string {
	var deps []string
	seen := map[string]bool{}
	for _, dep := range d.Dependencies {
		if dep == "" || seen[dep] {
			continue
		}
		seen[dep] = true
		deps = append(deps, dep)
	}
	return deps
}

// Evaluate runs the expression against the given input values.
func (d DerivedParameterDefinition) Evaluate(inputs map[string]interface{}) (interface{}, error) {
	program, err := expr.Parse(d.Expression)
	if err != nil {
		return nil, err
	}
	return program.Eval(inputs)
}

// ValidateDependencies reports which declared dependencies are not in
// the given set of available keys. Used by admin tooling before a
// schema version is published.
func (d DerivedParameterDefinition) ValidateDependencies(availableKeys []string) (bool, []string) {
	available := map[string]bool{}
	for _, key := range availableKeys {
		available[key] = true
	}

	var missing []string
	for _, dep := range d.ResolvedDependencies() {
		if !available[dep] {
			missing = append(missing, dep)
		}
	}
	return len(missing) == 0, missing
}

// DetectCircularDependencies reports whether the dependency graph of
// the given definitions contains a cycle, and the first node found on
// one. The ingestion pipeline does not call this; it silently drops
// unresolvable nodes instead.
func DetectCircularDependencies(definitions []DerivedParameterDefinition) (bool, []string) {
	graph := map[string][]string{}
	for _, definition := range definitions {
		graph[definition.Key] = definition.ResolvedDependencies()
	}

	visited := map[string]bool{}
	stack := map[string]bool{}
	var cycles []string

	var visit func(node string) bool
	visit = func(node string) bool {
		if stack[node] {
			cycles = append(cycles, node)
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		stack[node] = true
		for _, neighbor := range graph[node] {
			if _, known := graph[neighbor]; !known {
				continue
			}
			if visit(neighbor) {
				return true
			}
		}
		stack[node] = false
		return false
	}

	for node := range graph {
		if visit(node) {
			break
		}
	}

	return len(cycles) > 0, cycles
}
