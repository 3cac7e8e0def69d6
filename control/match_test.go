package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osprey-iot/osprey/store"
)

func TestFlattenPayload(t *testing.T) {
	flat := FlattenPayload(map[string]interface{}{
		"mode": "eco",
		"fan":  map[string]interface{}{"speed": 3.0, "swing": true},
		"_meta": map[string]interface{}{
			"command_id": "abc",
		},
	})

	assert.Equal(t, map[string]interface{}{
		"mode":      "eco",
		"fan.speed": 3.0,
		"fan.swing": true,
	}, flat)
}

func TestOverlapScore(t *testing.T) {
	command := map[string]interface{}{
		"mode": "eco",
		"fan":  map[string]interface{}{"speed": 3.0},
	}

	assert.Equal(t, 2, OverlapScore(command, map[string]interface{}{
		"mode": "eco",
		"fan":  map[string]interface{}{"speed": 3.0},
	}))
	assert.Equal(t, 1, OverlapScore(command, map[string]interface{}{
		"mode": "eco",
		"fan":  map[string]interface{}{"speed": 5.0},
	}))
	assert.Equal(t, 0, OverlapScore(command, map[string]interface{}{
		"temp": 21.5,
	}))
}

func TestBestOverlapMatchPrefersNewestOnTie(t *testing.T) {
	payload := map[string]interface{}{"mode": "eco"}
	// candidates come newest first
	candidates := []store.CommandLog{
		{ID: 2, CommandPayload: map[string]interface{}{"mode": "eco"}},
		{ID: 1, CommandPayload: map[string]interface{}{"mode": "eco"}},
	}

	match := BestOverlapMatch(candidates, payload)
	require.NotNil(t, match)
	assert.Equal(t, int64(2), match.ID)
}

func TestBestOverlapMatchPicksHigherScore(t *testing.T) {
	payload := map[string]interface{}{"mode": "eco", "speed": 3.0}
	candidates := []store.CommandLog{
		{ID: 2, CommandPayload: map[string]interface{}{"mode": "eco"}},
		{ID: 1, CommandPayload: map[string]interface{}{"mode": "eco", "speed": 3.0}},
	}

	match := BestOverlapMatch(candidates, payload)
	require.NotNil(t, match)
	assert.Equal(t, int64(1), match.ID)
}

func TestBestOverlapMatchRejectsZeroScore(t *testing.T) {
	payload := map[string]interface{}{"temp": 21.5}
	candidates := []store.CommandLog{
		{ID: 1, CommandPayload: map[string]interface{}{"mode": "eco"}},
	}

	assert.Nil(t, BestOverlapMatch(candidates, payload))
}

func TestCorrelationRoundTrip(t *testing.T) {
	payload := withCorrelation(map[string]interface{}{"mode": "eco"}, "cid-1")
	assert.Equal(t, "cid-1", CorrelationIDFromPayload(payload))
	assert.Equal(t, "", CorrelationIDFromPayload(map[string]interface{}{"mode": "eco"}))
}
