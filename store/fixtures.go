package store

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/osprey-iot/osprey/schema"
)

// The catalog write side. The admin surface and the test suites seed
// device types, schemas and devices through these.

// CreateDeviceType inserts a device type and returns its id.
func (s *Store) CreateDeviceType(ctx context.Context, deviceType schema.DeviceType) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
INSERT INTO %s.device_type (key, name, base_topic)
VALUES ($1, $2, $3)
RETURNING device_type_id;`, s.db.Schema),
		deviceType.Key, deviceType.Name, deviceType.BaseTopic).Scan(&id)
	return id, err
}

// CreateSchemaVersion inserts a schema with one version and returns
// the version id.
func (s *Store) CreateSchemaVersion(ctx context.Context, deviceTypeID int64, name string, version int) (int64, error) {
	var schemaID int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
INSERT INTO %s.device_schema (device_type_id, name)
VALUES ($1, $2)
RETURNING device_schema_id;`, s.db.Schema), deviceTypeID, name).Scan(&schemaID)
	if err != nil {
		return 0, err
	}

	var versionID int64
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
INSERT INTO %s.device_schema_version (device_schema_id, version)
VALUES ($1, $2)
RETURNING device_schema_version_id;`, s.db.Schema), schemaID, version).Scan(&versionID)
	return versionID, err
}

// CreateTopic inserts a topic for a schema version and returns its id.
func (s *Store) CreateTopic(ctx context.Context, topic schema.Topic) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
INSERT INTO %s.schema_version_topic
	(device_schema_version_id, key, suffix, direction, purpose, qos, retain, sequence)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING schema_version_topic_id;`, s.db.Schema),
		topic.SchemaVersionID, topic.Key, topic.Suffix, string(topic.Direction),
		string(topic.Purpose), topic.QoS, topic.Retain, topic.Sequence).Scan(&id)
	return id, err
}

// CreateTopicLink declares a feedback link between two topics.
func (s *Store) CreateTopicLink(ctx context.Context, link schema.TopicLink) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s.schema_version_topic_link (from_topic_id, to_topic_id, link_type)
VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING;`, s.db.Schema),
		link.FromTopicID, link.ToTopicID, string(link.Type))
	return err
}

// CreateParameter inserts a parameter definition and returns its id.
func (s *Store) CreateParameter(ctx context.Context, parameter schema.ParameterDefinition) (int64, error) {
	rules, err := json.Marshal(parameter.Rules)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
INSERT INTO %s.parameter_definition
	(schema_version_topic_id, key, label, json_path, data_type, required,
	 is_critical, is_active, sequence, validation_rules,
	 mutation_expression, validation_error_code, default_value)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING parameter_definition_id;`, s.db.Schema),
		parameter.TopicID, parameter.Key, parameter.Label, parameter.JSONPath,
		string(parameter.Type), parameter.Required, parameter.IsCritical,
		parameter.IsActive, parameter.Sequence, rules,
		parameter.MutationExpression, parameter.ValidationErrorCode,
		jsonValueArg(parameter.DefaultValue)).Scan(&id)
	return id, err
}

// CreateDerivedParameter inserts a derived parameter definition and
// returns its id.
func (s *Store) CreateDerivedParameter(ctx context.Context, definition schema.DerivedParameterDefinition) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
INSERT INTO %s.derived_parameter_definition
	(device_schema_version_id, key, label, dependencies, expression, data_type)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING derived_parameter_definition_id;`, s.db.Schema),
		definition.SchemaVersionID, definition.Key, definition.Label,
		jsonValueArg(dependenciesOrEmpty(definition.Dependencies)),
		definition.Expression, string(definition.Type)).Scan(&id)
	return id, err
}

// CreateDevice inserts a device and returns its id and uuid.
func (s *Store) CreateDevice(ctx context.Context, device schema.Device) (int64, uuid.UUID, error) {
	var id int64
	var rawUUID string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
INSERT INTO %s.device
	(external_id, organization_id, device_type_id, device_schema_version_id, is_active)
VALUES ($1, $2, $3, $4, $5)
RETURNING device_id, device_uuid;`, s.db.Schema),
		device.ExternalID, device.OrganizationID, device.Type.ID,
		nullInt(device.SchemaVersionID), device.IsActive).Scan(&id, &rawUUID)
	if err != nil {
		return 0, uuid.Nil, err
	}
	deviceUUID, err := uuid.Parse(rawUUID)
	return id, deviceUUID, err
}

// SetDeviceActive flips a device's active flag.
func (s *Store) SetDeviceActive(ctx context.Context, deviceID int64, active bool) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s.device SET is_active = $2 WHERE device_id = $1;`, s.db.Schema),
		deviceID, active)
	return err
}

func dependenciesOrEmpty(dependencies []string) []string {
	if dependencies == nil {
		return []string{}
	}
	return dependencies
}
