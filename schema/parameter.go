package schema

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/oarkflow/dipper"
	"github.com/oarkflow/expr"
	"github.com/xeipuuv/gojsonschema"
)

// ValidationRules are the declarative checks applied to an extracted
// parameter value. The optional Schema is a raw JSON schema applied to
// the value after the simple rules.
type ValidationRules struct {
	Min    *float64        `json:"min,omitempty"`
	Max    *float64        `json:"max,omitempty"`
	Regex  string          `json:"regex,omitempty"`
	Enum   []interface{}   `json:"enum,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// ValidationResult is the outcome of validating one parameter value.
type ValidationResult struct {
	IsValid    bool
	ErrorCode  string
	IsCritical bool
}

// ParameterDefinition describes one value a topic carries. JSONPath is
// the extraction path into the raw payload for publish topics, or the
// placement path for outgoing commands.
type ParameterDefinition struct {
	ID                  int64
	TopicID             int64
	Key                 string
	Label               string
	JSONPath            string
	Type                DataType
	Required            bool
	IsCritical          bool
	IsActive            bool
	Sequence            int
	Rules               ValidationRules
	MutationExpression  string
	ValidationErrorCode string
	DefaultValue        interface{}
}

// ExtractValue reads this parameter's value out of a raw payload. A
// missing or empty path yields nil.
func (p ParameterDefinition) ExtractValue(payload map[string]interface{}) interface{} {
	path := normalizeJSONPath(p.JSONPath)
	if path == "" {
		return nil
	}
	value, err := dipper.Get(payload, path)
	if err != nil {
		return nil
	}
	return value
}

// PlaceValue writes a value into a payload at this parameter's path,
// creating intermediate objects as needed. Used to build outgoing
// command payloads.
func (p ParameterDefinition) PlaceValue(payload map[string]interface{}, value interface{}) map[string]interface{} {
	path := normalizeJSONPath(p.JSONPath)
	if path == "" {
		return payload
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	segments := strings.Split(path, ".")
	current := payload
	for i, segment := range segments {
		if i == len(segments)-1 {
			current[segment] = value
			break
		}
		next, ok := current[segment].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			current[segment] = next
		}
		current = next
	}
	return payload
}

// MutateValue applies the parameter's mutation expression to a value.
// The extracted value is bound as "val". Without an expression this is
// the identity.
func (p ParameterDefinition) MutateValue(value interface{}) (interface{}, error) {
	if strings.TrimSpace(p.MutationExpression) == "" {
		return value, nil
	}

	program, err := expr.Parse(p.MutationExpression)
	if err != nil {
		return value, err
	}

	result, err := program.Eval(map[string]interface{}{"val": value})
	if err != nil {
		return value, err
	}
	return result, nil
}

// ValidateValue checks a value against the parameter's required flag,
// declared data type and validation rules.
func (p ParameterDefinition) ValidateValue(value interface{}) ValidationResult {
	if p.Required && isEmptyValue(value) {
		return p.invalidResult()
	}

	if isEmptyValue(value) {
		return validResult()
	}

	if !p.matchesDataType(value) {
		return p.invalidResult()
	}

	if p.Rules.Min != nil {
		if number, ok := asNumber(value); ok && number < *p.Rules.Min {
			return p.invalidResult()
		}
	}

	if p.Rules.Max != nil {
		if number, ok := asNumber(value); ok && number > *p.Rules.Max {
			return p.invalidResult()
		}
	}

	if p.Rules.Regex != "" {
		s, isString := value.(string)
		if isString {
			re, err := regexp.Compile(p.Rules.Regex)
			if err != nil || !re.MatchString(s) {
				return p.invalidResult()
			}
		}
	}

	if len(p.Rules.Enum) > 0 {
		if !enumContains(p.Rules.Enum, value) {
			return p.invalidResult()
		}
	}

	if len(p.Rules.Schema) > 0 {
		result, err := gojsonschema.Validate(
			gojsonschema.NewBytesLoader(p.Rules.Schema),
			gojsonschema.NewGoLoader(value),
		)
		if err != nil || !result.Valid() {
			return p.invalidResult()
		}
	}

	return validResult()
}

// ResolvedDefaultValue returns the declared default, falling back to a
// type-appropriate zero value.
func (p ParameterDefinition) ResolvedDefaultValue() interface{} {
	if p.DefaultValue != nil {
		return p.DefaultValue
	}

	switch p.Type {
	case TypeInteger:
		return 0
	case TypeDecimal:
		return 0.0
	case TypeBoolean:
		return false
	case TypeString:
		return ""
	default:
		return map[string]interface{}{}
	}
}

func (p ParameterDefinition) invalidResult() ValidationResult {
	return ValidationResult{
		IsValid:    false,
		ErrorCode:  p.ValidationErrorCode,
		IsCritical: p.IsCritical,
	}
}

func validResult() ValidationResult {
	return ValidationResult{IsValid: true}
}

func (p ParameterDefinition) matchesDataType(value interface{}) bool {
	switch p.Type {
	case TypeInteger:
		return isIntegerValue(value)
	case TypeDecimal:
		_, ok := asNumber(value)
		return ok
	case TypeBoolean:
		return isBooleanValue(value)
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeJSON:
		switch value.(type) {
		case map[string]interface{}, []interface{}:
			return true
		}
		return false
	}
	return false
}

var integerStringPattern = regexp.MustCompile(`^-?\d+$`)

func isIntegerValue(value interface{}) bool {
	switch v := value.(type) {
	case int, int32, int64:
		return true
	case float64:
		return v == float64(int64(v))
	case float32:
		return float64(v) == float64(int64(v))
	case json.Number:
		_, err := v.Int64()
		return err == nil
	case string:
		return integerStringPattern.MatchString(v)
	}
	return false
}

func isBooleanValue(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return true
	case int:
		return v == 0 || v == 1
	case int64:
		return v == 0 || v == 1
	case float64:
		return v == 0 || v == 1
	case string:
		return v == "true" || v == "false" || v == "0" || v == "1"
	}
	return false
}

func asNumber(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func enumContains(enum []interface{}, value interface{}) bool {
	for _, candidate := range enum {
		if candidate == value {
			return true
		}
		// numeric enum entries decode as float64, telemetry may carry ints
		cn, cok := asNumber(candidate)
		vn, vok := asNumber(value)
		if cok && vok && isNumericType(candidate) && isNumericType(value) && cn == vn {
			return true
		}
	}
	return false
}

func isNumericType(value interface{}) bool {
	switch value.(type) {
	case int, int32, int64, float32, float64, json.Number:
		return true
	}
	return false
}

func isEmptyValue(value interface{}) bool {
	if value == nil {
		return true
	}
	s, ok := value.(string)
	return ok && s == ""
}

func normalizeJSONPath(path string) string {
	normalized := strings.TrimSpace(path)
	if normalized == "" || normalized == "$" {
		return ""
	}
	normalized = strings.TrimPrefix(normalized, "$.")
	return normalized
}
