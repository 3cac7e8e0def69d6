package schema

// BuildPayloadTemplate builds a nested payload skeleton from a topic's
// active parameters, placing each parameter's default value at its
// path. For subscribe topics this is the command payload template the
// control surfaces start from; for publish topics it is the example
// payload shown next to the schema.
func BuildPayloadTemplate(parameters []ParameterDefinition) map[string]interface{} {
	payload := map[string]interface{}{}
	for _, parameter := range parameters {
		if !parameter.IsActive {
			continue
		}
		payload = parameter.PlaceValue(payload, parameter.ResolvedDefaultValue())
	}
	return payload
}
