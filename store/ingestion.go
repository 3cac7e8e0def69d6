package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// FirstOrCreateMessage inserts an ingestion message keyed by its
// deduplication key, or returns the existing row. The second return
// value reports whether the row was created by this call.
func (s *Store) FirstOrCreateMessage(ctx context.Context, msg IngestionMessage) (IngestionMessage, bool, error) {
	raw, err := json.Marshal(msg.RawPayload)
	if err != nil {
		return msg, false, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
INSERT INTO %s.ingestion_message
	(dedup_key, source_subject, source_protocol, source_message_id, raw_payload, status, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (dedup_key) DO NOTHING
RETURNING ingestion_message_id;`, s.db.Schema),
		msg.DedupKey, msg.SourceSubject, msg.SourceProtocol, msg.SourceMessageID,
		raw, string(StatusQueued), msg.ReceivedAt).Scan(&id)
	if err == nil {
		msg.ID = id
		msg.Status = StatusQueued
		return msg, true, nil
	}
	if err != sql.ErrNoRows {
		return msg, false, err
	}

	existing, err := s.messageByDedupKey(ctx, msg.DedupKey)
	if err != nil {
		return msg, false, err
	}
	return existing, false, nil
}

func (s *Store) messageByDedupKey(ctx context.Context, dedupKey string) (IngestionMessage, error) {
	var msg IngestionMessage
	var raw, errorSummary []byte
	var orgID, deviceID, versionID, topicID sql.NullInt64
	var processedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT ingestion_message_id, dedup_key, source_subject, source_protocol, source_message_id,
       raw_payload, status, error_summary, organization_id, device_id,
       device_schema_version_id, schema_version_topic_id, received_at, processed_at, created_at
FROM %s.ingestion_message
WHERE dedup_key = $1;`, s.db.Schema), dedupKey).
		Scan(&msg.ID, &msg.DedupKey, &msg.SourceSubject, &msg.SourceProtocol, &msg.SourceMessageID,
			&raw, &msg.Status, &errorSummary, &orgID, &deviceID,
			&versionID, &topicID, &msg.ReceivedAt, &processedAt, &msg.CreatedAt)
	if err != nil {
		return msg, err
	}
	msg.RawPayload = scanJSON(raw)
	msg.ErrorSummary = scanJSON(errorSummary)
	msg.OrganizationID = intPtr(orgID)
	msg.DeviceID = intPtr(deviceID)
	msg.SchemaVersionID = intPtr(versionID)
	msg.TopicID = intPtr(topicID)
	msg.ProcessedAt = timePtr(processedAt)
	return msg, nil
}

// AttachMessageRouting records the resolved routing of a message and
// moves it to processing.
func (s *Store) AttachMessageRouting(ctx context.Context, messageID int64, organizationID, deviceID int64, schemaVersionID, topicID *int64) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s.ingestion_message
SET organization_id = $2, device_id = $3, device_schema_version_id = $4,
    schema_version_topic_id = $5, status = $6
WHERE ingestion_message_id = $1;`, s.db.Schema),
		messageID, organizationID, deviceID, nullInt(schemaVersionID), nullInt(topicID),
		string(StatusProcessing))
	return err
}

// FinishMessage sets the terminal status, error summary and processing
// timestamp of a message.
func (s *Store) FinishMessage(ctx context.Context, messageID int64, status IngestionStatus, errorSummary map[string]interface{}, processedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s.ingestion_message
SET status = $2, error_summary = $3, processed_at = $4
WHERE ingestion_message_id = $1;`, s.db.Schema),
		messageID, string(status), jsonArg(errorSummary), processedAt)
	return err
}

// UpdateMessageStatus sets the status of a message without touching
// error summary or timestamps.
func (s *Store) UpdateMessageStatus(ctx context.Context, messageID int64, status IngestionStatus) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s.ingestion_message SET status = $2 WHERE ingestion_message_id = $1;`, s.db.Schema),
		messageID, string(status))
	return err
}

// AppendStageLog appends one row to the per-stage audit trail.
func (s *Store) AppendStageLog(ctx context.Context, log StageLog) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s.ingestion_stage_log
	(ingestion_message_id, stage, status, duration_ms, input_snapshot, output_snapshot, change_set, errors)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`, s.db.Schema),
		log.MessageID, string(log.Stage), string(log.Status), nullInt(log.DurationMillis),
		jsonArg(log.InputSnapshot), jsonArg(log.OutputSnapshot),
		jsonArg(log.ChangeSet), jsonArg(log.Errors))
	return err
}

// StageLogs lists a message's stage logs in insertion order.
func (s *Store) StageLogs(ctx context.Context, messageID int64) ([]StageLog, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT ingestion_stage_log_id, ingestion_message_id, stage, status, duration_ms,
       input_snapshot, output_snapshot, change_set, errors, created_at
FROM %s.ingestion_stage_log
WHERE ingestion_message_id = $1
ORDER BY ingestion_stage_log_id;`, s.db.Schema), messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []StageLog
	for rows.Next() {
		var log StageLog
		var duration sql.NullInt64
		var input, output, changeSet, errs []byte
		err := rows.Scan(&log.ID, &log.MessageID, &log.Stage, &log.Status, &duration,
			&input, &output, &changeSet, &errs, &log.CreatedAt)
		if err != nil {
			return nil, err
		}
		log.DurationMillis = intPtr(duration)
		log.InputSnapshot = scanJSON(input)
		log.OutputSnapshot = scanJSON(output)
		log.ChangeSet = scanJSON(changeSet)
		log.Errors = scanJSON(errs)
		logs = append(logs, log)
	}
	return logs, rows.Err()
}
