package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/osprey-iot/osprey/core/csql"
	"github.com/osprey-iot/osprey/schema"
)

// Catalog returns the read-only catalog view used by the topic
// registry and the pipeline.
func (s *Store) Catalog() schema.Catalog {
	return &catalog{db: s.db}
}

type catalog struct {
	db *csql.DB
}

// RegisteredDevices lists every device with an assigned schema version
// together with that version's topics and topic links.
func (c *catalog) RegisteredDevices(ctx context.Context) ([]schema.RegisteredDevice, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
SELECT d.device_id, d.device_uuid, d.external_id, d.organization_id, d.is_active,
       d.connection_state, d.last_seen_at, d.device_schema_version_id,
       t.device_type_id, t.key, t.name, t.base_topic,
       v.device_schema_id, v.version
FROM %[1]s.device d
JOIN %[1]s.device_type t ON t.device_type_id = d.device_type_id
JOIN %[1]s.device_schema_version v ON v.device_schema_version_id = d.device_schema_version_id
WHERE d.device_schema_version_id IS NOT NULL
ORDER BY d.device_id;`, c.db.Schema))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []schema.RegisteredDevice
	versionIDs := map[int64]bool{}
	for rows.Next() {
		var rd schema.RegisteredDevice
		var deviceUUID string
		var lastSeen sql.NullTime
		var versionID int64
		err := rows.Scan(&rd.Device.ID, &deviceUUID, &rd.Device.ExternalID,
			&rd.Device.OrganizationID, &rd.Device.IsActive,
			&rd.Device.ConnectionState, &lastSeen, &versionID,
			&rd.Device.Type.ID, &rd.Device.Type.Key, &rd.Device.Type.Name, &rd.Device.Type.BaseTopic,
			&rd.SchemaVersion.SchemaID, &rd.SchemaVersion.Version)
		if err != nil {
			return nil, err
		}
		rd.Device.UUID, err = uuid.Parse(deviceUUID)
		if err != nil {
			return nil, err
		}
		rd.Device.LastSeenAt = timePtr(lastSeen)
		rd.Device.SchemaVersionID = &versionID
		rd.SchemaVersion.ID = versionID
		devices = append(devices, rd)
		versionIDs[versionID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	topicsByVersion, err := c.topicsByVersion(ctx, versionIDs)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		devices[i].Topics = topicsByVersion[devices[i].SchemaVersion.ID]
	}
	return devices, nil
}

func (c *catalog) topicsByVersion(ctx context.Context, versionIDs map[int64]bool) (map[int64][]schema.Topic, error) {
	if len(versionIDs) == 0 {
		return map[int64][]schema.Topic{}, nil
	}

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
SELECT schema_version_topic_id, device_schema_version_id, key, suffix,
       direction, purpose, qos, retain, sequence
FROM %s.schema_version_topic
ORDER BY device_schema_version_id, sequence, schema_version_topic_id;`, c.db.Schema))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ordered []*schema.Topic
	byID := map[int64]*schema.Topic{}
	for rows.Next() {
		t := new(schema.Topic)
		err := rows.Scan(&t.ID, &t.SchemaVersionID, &t.Key, &t.Suffix,
			&t.Direction, &t.Purpose, &t.QoS, &t.Retain, &t.Sequence)
		if err != nil {
			return nil, err
		}
		if !versionIDs[t.SchemaVersionID] {
			continue
		}
		ordered = append(ordered, t)
		byID[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	linkRows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
SELECT from_topic_id, to_topic_id, link_type
FROM %s.schema_version_topic_link;`, c.db.Schema))
	if err != nil {
		return nil, err
	}
	defer linkRows.Close()

	for linkRows.Next() {
		var link schema.TopicLink
		if err := linkRows.Scan(&link.FromTopicID, &link.ToTopicID, &link.Type); err != nil {
			return nil, err
		}
		if from, ok := byID[link.FromTopicID]; ok {
			from.OutgoingLinks = append(from.OutgoingLinks, link)
		}
		if to, ok := byID[link.ToTopicID]; ok {
			to.IncomingLinks = append(to.IncomingLinks, link)
		}
	}
	if err := linkRows.Err(); err != nil {
		return nil, err
	}

	byVersion := map[int64][]schema.Topic{}
	for _, t := range ordered {
		byVersion[t.SchemaVersionID] = append(byVersion[t.SchemaVersionID], *t)
	}
	return byVersion, nil
}

// ActiveParameters lists a topic's active parameter definitions in
// sequence order.
func (c *catalog) ActiveParameters(ctx context.Context, topicID int64) ([]schema.ParameterDefinition, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
SELECT parameter_definition_id, schema_version_topic_id, key, label, json_path,
       data_type, required, is_critical, is_active, sequence,
       validation_rules, mutation_expression, validation_error_code, default_value
FROM %s.parameter_definition
WHERE schema_version_topic_id = $1 AND is_active
ORDER BY sequence, parameter_definition_id;`, c.db.Schema), topicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parameters []schema.ParameterDefinition
	for rows.Next() {
		var p schema.ParameterDefinition
		var rules, defaultValue []byte
		err := rows.Scan(&p.ID, &p.TopicID, &p.Key, &p.Label, &p.JSONPath,
			&p.Type, &p.Required, &p.IsCritical, &p.IsActive, &p.Sequence,
			&rules, &p.MutationExpression, &p.ValidationErrorCode, &defaultValue)
		if err != nil {
			return nil, err
		}
		if len(rules) > 0 {
			if err := json.Unmarshal(rules, &p.Rules); err != nil {
				return nil, err
			}
		}
		if len(defaultValue) > 0 {
			if err := json.Unmarshal(defaultValue, &p.DefaultValue); err != nil {
				return nil, err
			}
		}
		parameters = append(parameters, p)
	}
	return parameters, rows.Err()
}

// DerivedParameters lists the derived parameter definitions of a
// schema version.
func (c *catalog) DerivedParameters(ctx context.Context, schemaVersionID int64) ([]schema.DerivedParameterDefinition, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
SELECT derived_parameter_definition_id, device_schema_version_id, key, label,
       dependencies, expression, data_type
FROM %s.derived_parameter_definition
WHERE device_schema_version_id = $1
ORDER BY derived_parameter_definition_id;`, c.db.Schema), schemaVersionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var definitions []schema.DerivedParameterDefinition
	for rows.Next() {
		var d schema.DerivedParameterDefinition
		var dependencies []byte
		err := rows.Scan(&d.ID, &d.SchemaVersionID, &d.Key, &d.Label,
			&dependencies, &d.Expression, &d.Type)
		if err != nil {
			return nil, err
		}
		if len(dependencies) > 0 {
			if err := json.Unmarshal(dependencies, &d.Dependencies); err != nil {
				return nil, err
			}
		}
		definitions = append(definitions, d)
	}
	return definitions, rows.Err()
}

// TopicsForVersion lists all topics of a schema version with their
// links, in sequence order.
func (c *catalog) TopicsForVersion(ctx context.Context, schemaVersionID int64) ([]schema.Topic, error) {
	byVersion, err := c.topicsByVersion(ctx, map[int64]bool{schemaVersionID: true})
	if err != nil {
		return nil, err
	}
	return byVersion[schemaVersionID], nil
}

// Topic fetches one topic with its links.
func (c *catalog) Topic(ctx context.Context, topicID int64) (*schema.Topic, error) {
	var t schema.Topic
	err := c.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT schema_version_topic_id, device_schema_version_id, key, suffix,
       direction, purpose, qos, retain, sequence
FROM %s.schema_version_topic
WHERE schema_version_topic_id = $1;`, c.db.Schema), topicID).
		Scan(&t.ID, &t.SchemaVersionID, &t.Key, &t.Suffix,
			&t.Direction, &t.Purpose, &t.QoS, &t.Retain, &t.Sequence)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
SELECT from_topic_id, to_topic_id, link_type
FROM %s.schema_version_topic_link
WHERE from_topic_id = $1 OR to_topic_id = $1;`, c.db.Schema), topicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var link schema.TopicLink
		if err := rows.Scan(&link.FromTopicID, &link.ToTopicID, &link.Type); err != nil {
			return nil, err
		}
		if link.FromTopicID == topicID {
			t.OutgoingLinks = append(t.OutgoingLinks, link)
		}
		if link.ToTopicID == topicID {
			t.IncomingLinks = append(t.IncomingLinks, link)
		}
	}
	return &t, rows.Err()
}
