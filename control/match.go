package control

import (
	"github.com/goccy/go-json"

	"github.com/osprey-iot/osprey/store"
)

// FlattenPayload flattens nested objects into dot-notation keys. Meta
// fields are excluded so injected correlation data never counts as
// overlap. Arrays and scalars stay as leaf values.
func FlattenPayload(payload map[string]interface{}) map[string]interface{} {
	flat := map[string]interface{}{}
	flattenInto(flat, "", payload)
	return flat
}

func flattenInto(flat map[string]interface{}, prefix string, value map[string]interface{}) {
	for key, entry := range value {
		if prefix == "" && key == CorrelationMetaKey {
			continue
		}
		flatKey := key
		if prefix != "" {
			flatKey = prefix + "." + key
		}
		if nested, ok := entry.(map[string]interface{}); ok {
			flattenInto(flat, flatKey, nested)
			continue
		}
		flat[flatKey] = entry
	}
}

// OverlapScore counts the flattened keys two payloads share with equal
// values.
func OverlapScore(command, feedback map[string]interface{}) int {
	commandFlat := FlattenPayload(command)
	feedbackFlat := FlattenPayload(feedback)

	score := 0
	for key, commandValue := range commandFlat {
		feedbackValue, ok := feedbackFlat[key]
		if !ok {
			continue
		}
		if leafEqual(commandValue, feedbackValue) {
			score++
		}
	}
	return score
}

// BestOverlapMatch picks the command whose payload overlaps the
// feedback most. Candidates come newest first and a tie keeps the
// earlier (newer) candidate; a zero best score matches nothing.
func BestOverlapMatch(candidates []store.CommandLog, feedback map[string]interface{}) *store.CommandLog {
	bestScore := 0
	var best *store.CommandLog
	for i := range candidates {
		score := OverlapScore(candidates[i].CommandPayload, feedback)
		if score > bestScore {
			bestScore = score
			best = &candidates[i]
		}
	}
	return best
}

func leafEqual(a, b interface{}) bool {
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
