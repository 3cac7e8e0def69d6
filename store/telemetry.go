package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertTelemetryLog creates the durable telemetry record and returns
// its id.
func (s *Store) InsertTelemetryLog(ctx context.Context, log TelemetryLog) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
INSERT INTO %s.device_telemetry_log
	(device_id, device_schema_version_id, schema_version_topic_id, ingestion_message_id,
	 raw_payload, mutated_values, transformed_values, validation_errors,
	 validation_status, processing_state, recorded_at, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING device_telemetry_log_id;`, s.db.Schema),
		log.DeviceID, log.SchemaVersionID, nullInt(log.TopicID), log.MessageID,
		jsonArg(log.RawPayload), jsonArg(log.MutatedValues), jsonArg(log.TransformedValues),
		jsonArg(log.ValidationErrors), string(log.ValidationStatus), log.ProcessingState,
		log.RecordedAt, log.ReceivedAt).Scan(&id)
	return id, err
}

// MarkTelemetryPublishFailed flips a telemetry record to
// publish_failed. The values themselves stay untouched.
func (s *Store) MarkTelemetryPublishFailed(ctx context.Context, telemetryID int64) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s.device_telemetry_log
SET processing_state = $2
WHERE device_telemetry_log_id = $1;`, s.db.Schema),
		telemetryID, ProcessingStatePublishFailed)
	return err
}

// TelemetryForDevice lists a device's telemetry newest first, capped
// at limit.
func (s *Store) TelemetryForDevice(ctx context.Context, deviceID int64, limit int) ([]TelemetryLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT device_telemetry_log_id, device_id, device_schema_version_id, schema_version_topic_id,
       ingestion_message_id, raw_payload, mutated_values, transformed_values,
       validation_errors, validation_status, processing_state,
       recorded_at, received_at, created_at
FROM %s.device_telemetry_log
WHERE device_id = $1
ORDER BY recorded_at DESC, device_telemetry_log_id DESC
LIMIT $2;`, s.db.Schema), deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []TelemetryLog
	for rows.Next() {
		log, err := scanTelemetryLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// TelemetryByMessage returns the telemetry record created for an
// ingestion message, or nil when none was created.
func (s *Store) TelemetryByMessage(ctx context.Context, messageID int64) (*TelemetryLog, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT device_telemetry_log_id, device_id, device_schema_version_id, schema_version_topic_id,
       ingestion_message_id, raw_payload, mutated_values, transformed_values,
       validation_errors, validation_status, processing_state,
       recorded_at, received_at, created_at
FROM %s.device_telemetry_log
WHERE ingestion_message_id = $1
LIMIT 1;`, s.db.Schema), messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	log, err := scanTelemetryLog(rows)
	if err != nil {
		return nil, err
	}
	return &log, rows.Err()
}

func scanTelemetryLog(rows *sql.Rows) (TelemetryLog, error) {
	var log TelemetryLog
	var topicID sql.NullInt64
	var raw, mutated, transformed, validationErrors []byte
	err := rows.Scan(&log.ID, &log.DeviceID, &log.SchemaVersionID, &topicID,
		&log.MessageID, &raw, &mutated, &transformed,
		&validationErrors, &log.ValidationStatus, &log.ProcessingState,
		&log.RecordedAt, &log.ReceivedAt, &log.CreatedAt)
	if err != nil {
		return log, err
	}
	log.TopicID = intPtr(topicID)
	log.RawPayload = scanJSON(raw)
	log.MutatedValues = scanJSON(mutated)
	log.TransformedValues = scanJSON(transformed)
	log.ValidationErrors = scanJSON(validationErrors)
	return log, nil
}
