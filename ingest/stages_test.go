package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osprey-iot/osprey/schema"
	"github.com/osprey-iot/osprey/store"
)

func floatPtr(v float64) *float64 { return &v }

func TestValidateSeverity(t *testing.T) {
	parameters := []schema.ParameterDefinition{
		{Key: "temp", JSONPath: "temp", Type: schema.TypeDecimal,
			Rules: schema.ValidationRules{Min: floatPtr(-40), Max: floatPtr(125)},
			IsCritical: true, ValidationErrorCode: "temp_out_of_range"},
		{Key: "rssi", JSONPath: "signal.rssi", Type: schema.TypeInteger,
			Rules:               schema.ValidationRules{Max: floatPtr(0)},
			ValidationErrorCode: "rssi_out_of_range"},
	}

	t.Run("all valid", func(t *testing.T) {
		outcome := Validate(parameters, map[string]interface{}{
			"temp":   21.5,
			"signal": map[string]interface{}{"rssi": -70.0},
		})
		assert.True(t, outcome.Passed)
		assert.Equal(t, store.ValidationValid, outcome.Severity)
		assert.Equal(t, 21.5, outcome.Values["temp"])
		assert.Equal(t, -70.0, outcome.Values["rssi"])
	})

	t.Run("non-critical failure is a warning", func(t *testing.T) {
		outcome := Validate(parameters, map[string]interface{}{
			"temp":   21.5,
			"signal": map[string]interface{}{"rssi": 10.0},
		})
		assert.False(t, outcome.Passed)
		assert.Equal(t, store.ValidationWarning, outcome.Severity)
		require.Contains(t, outcome.Errors, "rssi")
		assert.Equal(t, "rssi_out_of_range", outcome.Errors["rssi"].ErrorCode)
		assert.False(t, outcome.Errors["rssi"].IsCritical)
	})

	t.Run("critical failure is invalid", func(t *testing.T) {
		outcome := Validate(parameters, map[string]interface{}{
			"temp":   200.0,
			"signal": map[string]interface{}{"rssi": 10.0},
		})
		assert.False(t, outcome.Passed)
		assert.Equal(t, store.ValidationInvalid, outcome.Severity)
		require.Contains(t, outcome.Errors, "temp")
		assert.True(t, outcome.Errors["temp"].IsCritical)
	})

	t.Run("missing required value", func(t *testing.T) {
		required := []schema.ParameterDefinition{
			{Key: "temp", JSONPath: "temp", Type: schema.TypeDecimal,
				Required: true, ValidationErrorCode: "temp_missing"},
		}
		outcome := Validate(required, map[string]interface{}{})
		assert.False(t, outcome.Passed)
		assert.Equal(t, "temp_missing", outcome.Errors["temp"].ErrorCode)
	})

	t.Run("missing optional value passes", func(t *testing.T) {
		outcome := Validate(parameters, map[string]interface{}{"temp": 21.5})
		assert.True(t, outcome.Passed)
		assert.Nil(t, outcome.Values["rssi"])
	})
}

func TestMutate(t *testing.T) {
	parameters := []schema.ParameterDefinition{
		{Key: "temp", JSONPath: "temp", MutationExpression: "val / 10"},
		{Key: "mode", JSONPath: "mode"},
	}

	outcome := Mutate(parameters, map[string]interface{}{
		"temp": 215.0,
		"mode": "eco",
	})

	assert.Equal(t, 21.5, outcome.Values["temp"])
	assert.Equal(t, "eco", outcome.Values["mode"])

	require.Contains(t, outcome.Changes, "temp")
	assert.Equal(t, 215.0, outcome.Changes["temp"].Before)
	assert.Equal(t, 21.5, outcome.Changes["temp"].After)
	assert.NotContains(t, outcome.Changes, "mode")
}

func TestMutateKeepsValueOnBrokenExpression(t *testing.T) {
	parameters := []schema.ParameterDefinition{
		{Key: "temp", JSONPath: "temp", MutationExpression: "val +"},
	}

	outcome := Mutate(parameters, map[string]interface{}{"temp": 215.0})
	assert.Equal(t, 215.0, outcome.Values["temp"])
	assert.Empty(t, outcome.Changes)
}

func TestDeriveFixedPoint(t *testing.T) {
	definitions := []schema.DerivedParameterDefinition{
		{Key: "c", Dependencies: []string{"b"}, Expression: "b * 2"},
		{Key: "b", Dependencies: []string{"a"}, Expression: "a + 1"},
	}

	outcome := Derive(definitions, map[string]interface{}{"a": 3.0})

	assert.Equal(t, 4.0, outcome.Derived["b"])
	assert.Equal(t, 8.0, outcome.Derived["c"])
	assert.Equal(t, 3.0, outcome.Final["a"])
	assert.Equal(t, 4.0, outcome.Final["b"])
	assert.Equal(t, 8.0, outcome.Final["c"])
}

func TestDeriveDropsCircularDefinitions(t *testing.T) {
	definitions := []schema.DerivedParameterDefinition{
		{Key: "x", Dependencies: []string{"y"}, Expression: "y + 1"},
		{Key: "y", Dependencies: []string{"x"}, Expression: "x + 1"},
		{Key: "b", Dependencies: []string{"a"}, Expression: "a + 1"},
	}

	outcome := Derive(definitions, map[string]interface{}{"a": 1.0})

	assert.Equal(t, 2.0, outcome.Derived["b"])
	assert.NotContains(t, outcome.Derived, "x")
	assert.NotContains(t, outcome.Derived, "y")
	assert.NotContains(t, outcome.Final, "x")
}

func TestDeriveDropsUnresolvableDependencies(t *testing.T) {
	definitions := []schema.DerivedParameterDefinition{
		{Key: "b", Dependencies: []string{"missing"}, Expression: "missing + 1"},
	}

	outcome := Derive(definitions, map[string]interface{}{"a": 1.0})
	assert.Empty(t, outcome.Derived)
	assert.Equal(t, map[string]interface{}{"a": 1.0}, outcome.Final)
}

func TestEnvelopeDedupKey(t *testing.T) {
	withID := Envelope{Subject: "plant/dev-1/telemetry", MessageID: "42",
		Payload: map[string]interface{}{"temp": 1.0}}
	sameIDOtherPayload := Envelope{Subject: "plant/dev-1/telemetry", MessageID: "42",
		Payload: map[string]interface{}{"temp": 2.0}}
	assert.Equal(t, withID.DedupKey(), sameIDOtherPayload.DedupKey())

	noID := Envelope{Subject: "plant/dev-1/telemetry",
		Payload: map[string]interface{}{"temp": 1.0}}
	sameContent := Envelope{Subject: "plant/dev-1/telemetry",
		Payload: map[string]interface{}{"temp": 1.0}}
	otherContent := Envelope{Subject: "plant/dev-1/telemetry",
		Payload: map[string]interface{}{"temp": 2.0}}
	assert.Equal(t, noID.DedupKey(), sameContent.DedupKey())
	assert.NotEqual(t, noID.DedupKey(), otherContent.DedupKey())
}

func TestIsInternalSubject(t *testing.T) {
	assert.True(t, IsInternalSubject("$MQTT/session/abc"))
	assert.True(t, IsInternalSubject("$SYS/broker/uptime"))
	assert.True(t, IsInternalSubject("_REQS/registry/refresh"))
	assert.False(t, IsInternalSubject("plant/dev-1/telemetry"))
}
