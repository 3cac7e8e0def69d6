package store

import (
	"database/sql"
	"time"

	"github.com/goccy/go-json"
)

// jsonArg marshals a map for a json column, turning nil into SQL NULL.
func jsonArg(value map[string]interface{}) interface{} {
	if value == nil {
		return nil
	}
	raw, _ := json.Marshal(value)
	return raw
}

// jsonValueArg marshals an arbitrary value for a json column.
func jsonValueArg(value interface{}) interface{} {
	if value == nil {
		return nil
	}
	raw, _ := json.Marshal(value)
	return raw
}

// scanJSON unmarshals a nullable json column into a map. NULL and
// malformed content both come back nil.
func scanJSON(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var value map[string]interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil
	}
	return value
}

func nullInt(value *int64) interface{} {
	if value == nil {
		return nil
	}
	return *value
}

func intPtr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	v := value.Int64
	return &v
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
