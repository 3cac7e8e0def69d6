package ingest

import (
	"github.com/goccy/go-json"

	"github.com/osprey-iot/osprey/schema"
	"github.com/osprey-iot/osprey/store"
)

// FieldError is one validation failure, keyed by parameter key in the
// outcome.
type FieldError struct {
	ErrorCode  string `json:"error_code"`
	IsCritical bool   `json:"is_critical"`
}

// ValidationOutcome is the result of the validate stage. Passed is
// true only when no parameter failed; a non-critical failure degrades
// the severity to warning, a critical one to invalid.
type ValidationOutcome struct {
	Values   map[string]interface{}
	Errors   map[string]FieldError
	Severity store.ValidationStatus
	Passed   bool
}

// Validate extracts each active parameter from the raw payload and
// checks it against its declared rules.
func Validate(parameters []schema.ParameterDefinition, payload map[string]interface{}) ValidationOutcome {
	outcome := ValidationOutcome{
		Values:   map[string]interface{}{},
		Errors:   map[string]FieldError{},
		Severity: store.ValidationValid,
	}

	for _, parameter := range parameters {
		value := parameter.ExtractValue(payload)
		outcome.Values[parameter.Key] = value

		result := parameter.ValidateValue(value)
		if result.IsValid {
			continue
		}
		outcome.Errors[parameter.Key] = FieldError{
			ErrorCode:  result.ErrorCode,
			IsCritical: result.IsCritical,
		}
		if result.IsCritical {
			outcome.Severity = store.ValidationInvalid
		} else if outcome.Severity == store.ValidationValid {
			outcome.Severity = store.ValidationWarning
		}
	}

	outcome.Passed = len(outcome.Errors) == 0
	return outcome
}

// ErrorMaps converts the outcome's errors to the generic map shape the
// stage log and error summary columns store.
func (o ValidationOutcome) ErrorMaps() map[string]interface{} {
	errors := map[string]interface{}{}
	for key, fieldError := range o.Errors {
		errors[key] = map[string]interface{}{
			"error_code":  fieldError.ErrorCode,
			"is_critical": fieldError.IsCritical,
		}
	}
	return errors
}

// ValueChange records one parameter's value before and after mutation.
type ValueChange struct {
	Before interface{} `json:"before"`
	After  interface{} `json:"after"`
}

// MutationOutcome is the result of the mutate stage.
type MutationOutcome struct {
	Values  map[string]interface{}
	Changes map[string]ValueChange
}

// Mutate applies each parameter's mutation expression to its extracted
// value. A failing expression leaves the value untouched; parameters
// without an expression pass through unchanged and produce no change
// record.
func Mutate(parameters []schema.ParameterDefinition, values map[string]interface{}) MutationOutcome {
	outcome := MutationOutcome{
		Values:  map[string]interface{}{},
		Changes: map[string]ValueChange{},
	}
	for key, value := range values {
		outcome.Values[key] = value
	}

	for _, parameter := range parameters {
		before, ok := values[parameter.Key]
		if !ok {
			continue
		}
		after, err := parameter.MutateValue(before)
		if err != nil {
			continue
		}
		outcome.Values[parameter.Key] = after
		if !valuesEqual(before, after) {
			outcome.Changes[parameter.Key] = ValueChange{Before: before, After: after}
		}
	}
	return outcome
}

// ChangeMaps converts the outcome's changes to the generic map shape
// the change_set column stores.
func (o MutationOutcome) ChangeMaps() map[string]interface{} {
	changes := map[string]interface{}{}
	for key, change := range o.Changes {
		changes[key] = map[string]interface{}{
			"before": change.Before,
			"after":  change.After,
		}
	}
	return changes
}

// DerivationOutcome is the result of the derive stage. Final holds the
// mutated values overlaid with every derived value that resolved.
type DerivationOutcome struct {
	Derived map[string]interface{}
	Final   map[string]interface{}
}

// Derive evaluates the derived parameter definitions to a fixed point:
// each pass evaluates every definition whose dependencies are all
// available, feeding results back in so deriveds can build on
// deriveds. Definitions that never resolve, including circular ones,
// are dropped.
func Derive(definitions []schema.DerivedParameterDefinition, values map[string]interface{}) DerivationOutcome {
	outcome := DerivationOutcome{
		Derived: map[string]interface{}{},
		Final:   map[string]interface{}{},
	}

	available := map[string]interface{}{}
	for key, value := range values {
		available[key] = value
		outcome.Final[key] = value
	}

	pending := make([]schema.DerivedParameterDefinition, len(definitions))
	copy(pending, definitions)

	for iteration := 0; iteration < len(definitions) && len(pending) > 0; iteration++ {
		var unresolved []schema.DerivedParameterDefinition
		progressed := false

		for _, definition := range pending {
			if !dependenciesAvailable(definition, available) {
				unresolved = append(unresolved, definition)
				continue
			}
			value, err := definition.Evaluate(available)
			if err != nil {
				continue
			}
			available[definition.Key] = value
			outcome.Derived[definition.Key] = value
			outcome.Final[definition.Key] = value
			progressed = true
		}

		pending = unresolved
		if !progressed {
			break
		}
	}

	return outcome
}

func dependenciesAvailable(definition schema.DerivedParameterDefinition, available map[string]interface{}) bool {
	for _, dep := range definition.ResolvedDependencies() {
		if _, ok := available[dep]; !ok {
			return false
		}
	}
	return true
}

func valuesEqual(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	rawA, errA := json.Marshal(a)
	rawB, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(rawA) == string(rawB)
}
