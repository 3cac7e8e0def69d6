package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// CreateCommandLog inserts a pending command log and returns it with
// its id set.
func (s *Store) CreateCommandLog(ctx context.Context, log CommandLog) (CommandLog, error) {
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
INSERT INTO %s.device_command_log
	(device_id, schema_version_topic_id, user_id, command_payload, correlation_id, status)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING device_command_log_id, created_at;`, s.db.Schema),
		log.DeviceID, log.TopicID, nullInt(log.UserID), jsonArg(log.CommandPayload),
		log.CorrelationID, string(CommandPending)).Scan(&log.ID, &log.CreatedAt)
	if err != nil {
		return log, err
	}
	log.Status = CommandPending
	return log, nil
}

// MarkCommandSent moves a command to sent and stamps sent_at.
func (s *Store) MarkCommandSent(ctx context.Context, commandID int64, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s.device_command_log
SET status = $2, sent_at = $3
WHERE device_command_log_id = $1;`, s.db.Schema),
		commandID, string(CommandSent), sentAt)
	return err
}

// MarkCommandFailed moves a command to failed with an error message.
func (s *Store) MarkCommandFailed(ctx context.Context, commandID int64, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s.device_command_log
SET status = $2, error_message = $3
WHERE device_command_log_id = $1;`, s.db.Schema),
		commandID, string(CommandFailed), errorMessage)
	return err
}

// CommandFeedback carries a feedback update applied to a command log.
type CommandFeedback struct {
	Status          CommandStatus
	ResponsePayload map[string]interface{}
	ResponseTopicID *int64
	AcknowledgedAt  *time.Time
	CompletedAt     *time.Time
}

// ApplyCommandFeedback writes device feedback onto a command log.
// Acknowledged and completed timestamps are only ever set, never
// cleared.
func (s *Store) ApplyCommandFeedback(ctx context.Context, commandID int64, feedback CommandFeedback) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s.device_command_log
SET status = $2,
    response_payload = COALESCE($3, response_payload),
    response_topic_id = COALESCE($4, response_topic_id),
    acknowledged_at = COALESCE($5, acknowledged_at),
    completed_at = COALESCE($6, completed_at)
WHERE device_command_log_id = $1;`, s.db.Schema),
		commandID, string(feedback.Status), jsonArg(feedback.ResponsePayload),
		nullInt(feedback.ResponseTopicID), nullTime(feedback.AcknowledgedAt),
		nullTime(feedback.CompletedAt))
	return err
}

// CommandByCorrelation finds the newest non-terminal command of a
// device with the given correlation id. Returns nil when none matches.
func (s *Store) CommandByCorrelation(ctx context.Context, deviceID int64, correlationID string) (*CommandLog, error) {
	if correlationID == "" {
		return nil, nil
	}
	return s.queryOneCommand(ctx, fmt.Sprintf(`
SELECT %s
FROM %s.device_command_log
WHERE device_id = $1 AND correlation_id = $2 AND status = ANY($3)
ORDER BY created_at DESC, device_command_log_id DESC
LIMIT 1;`, commandColumns, s.db.Schema),
		deviceID, correlationID, pq.Array(commandStatusStrings(NonTerminalCommandStatuses)))
}

// RecentPendingCommands lists a device's newest non-terminal commands
// on the given topics, restricted to the lookback window. Newest
// first. An empty topic set matches commands on any topic.
func (s *Store) RecentPendingCommands(ctx context.Context, deviceID int64, topicIDs []int64, since time.Time, limit int) ([]CommandLog, error) {
	if limit <= 0 {
		limit = 25
	}
	topicFilter := "TRUE"
	if len(topicIDs) > 0 {
		topicFilter = "schema_version_topic_id = ANY($5)"
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s.device_command_log
WHERE device_id = $1 AND status = ANY($2) AND created_at >= $3
  AND %s
ORDER BY created_at DESC, device_command_log_id DESC
LIMIT $4;`, commandColumns, s.db.Schema, topicFilter)

	args := []interface{}{deviceID, pq.Array(commandStatusStrings(NonTerminalCommandStatuses)), since, limit}
	if len(topicIDs) > 0 {
		args = append(args, pq.Array(topicIDs))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []CommandLog
	for rows.Next() {
		log, err := scanCommandLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// CommandByID fetches one command log. Returns nil when it does not
// exist.
func (s *Store) CommandByID(ctx context.Context, commandID int64) (*CommandLog, error) {
	return s.queryOneCommand(ctx, fmt.Sprintf(`
SELECT %s
FROM %s.device_command_log
WHERE device_command_log_id = $1;`, commandColumns, s.db.Schema), commandID)
}

// CommandsForDevice lists a device's commands newest first, capped at
// limit.
func (s *Store) CommandsForDevice(ctx context.Context, deviceID int64, limit int) ([]CommandLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT %s
FROM %s.device_command_log
WHERE device_id = $1
ORDER BY created_at DESC, device_command_log_id DESC
LIMIT $2;`, commandColumns, s.db.Schema), deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []CommandLog
	for rows.Next() {
		log, err := scanCommandLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// UpsertDesiredState writes the desired payload for a device topic,
// clearing any previous reconciliation.
func (s *Store) UpsertDesiredState(ctx context.Context, state DesiredTopicState) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s.device_desired_topic_state
	(device_id, schema_version_topic_id, desired_payload, correlation_id, reconciled_at, updated_at)
VALUES ($1, $2, $3, $4, NULL, now())
ON CONFLICT (device_id, schema_version_topic_id) DO UPDATE
SET desired_payload = EXCLUDED.desired_payload,
    correlation_id = EXCLUDED.correlation_id,
    reconciled_at = NULL,
    updated_at = now();`, s.db.Schema),
		state.DeviceID, state.TopicID, jsonArg(state.DesiredPayload), state.CorrelationID)
	return err
}

// ReconcileDesiredState stamps reconciled_at on the desired state of
// the given device topics when the stored correlation id matches. An
// empty correlation id matches unconditionally.
func (s *Store) ReconcileDesiredState(ctx context.Context, deviceID int64, topicIDs []int64, correlationID string, at time.Time) error {
	if len(topicIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s.device_desired_topic_state
SET reconciled_at = $4
WHERE device_id = $1 AND schema_version_topic_id = ANY($2)
  AND ($3 = '' OR correlation_id = $3);`, s.db.Schema),
		deviceID, pq.Array(topicIDs), correlationID, at)
	return err
}

// DesiredStatesForDevice lists a device's desired topic states.
func (s *Store) DesiredStatesForDevice(ctx context.Context, deviceID int64) ([]DesiredTopicState, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT device_id, schema_version_topic_id, desired_payload, correlation_id, reconciled_at, updated_at
FROM %s.device_desired_topic_state
WHERE device_id = $1
ORDER BY schema_version_topic_id;`, s.db.Schema), deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []DesiredTopicState
	for rows.Next() {
		var state DesiredTopicState
		var payload []byte
		var reconciledAt sql.NullTime
		err := rows.Scan(&state.DeviceID, &state.TopicID, &payload,
			&state.CorrelationID, &reconciledAt, &state.UpdatedAt)
		if err != nil {
			return nil, err
		}
		state.DesiredPayload = scanJSON(payload)
		state.ReconciledAt = timePtr(reconciledAt)
		states = append(states, state)
	}
	return states, rows.Err()
}

const commandColumns = `device_command_log_id, device_id, schema_version_topic_id, user_id,
       command_payload, response_payload, response_topic_id, correlation_id,
       status, error_message, sent_at, acknowledged_at, completed_at, created_at`

func (s *Store) queryOneCommand(ctx context.Context, query string, args ...interface{}) (*CommandLog, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	log, err := scanCommandLog(rows)
	if err != nil {
		return nil, err
	}
	return &log, rows.Err()
}

func scanCommandLog(rows *sql.Rows) (CommandLog, error) {
	var log CommandLog
	var userID, responseTopicID sql.NullInt64
	var commandPayload, responsePayload []byte
	var sentAt, acknowledgedAt, completedAt sql.NullTime
	err := rows.Scan(&log.ID, &log.DeviceID, &log.TopicID, &userID,
		&commandPayload, &responsePayload, &responseTopicID, &log.CorrelationID,
		&log.Status, &log.ErrorMessage, &sentAt, &acknowledgedAt, &completedAt, &log.CreatedAt)
	if err != nil {
		return log, err
	}
	log.UserID = intPtr(userID)
	log.ResponseTopicID = intPtr(responseTopicID)
	log.CommandPayload = scanJSON(commandPayload)
	log.ResponsePayload = scanJSON(responsePayload)
	log.SentAt = timePtr(sentAt)
	log.AcknowledgedAt = timePtr(acknowledgedAt)
	log.CompletedAt = timePtr(completedAt)
	return log, nil
}

func commandStatusStrings(statuses []CommandStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}

func nullTime(value *time.Time) interface{} {
	if value == nil {
		return nil
	}
	return *value
}
