// Package store is the postgres persistence layer: the device catalog
// read side and the write-heavy ingestion, telemetry, command and
// presence tables.
package store

import (
	"fmt"

	"github.com/osprey-iot/osprey/core/csql"
)

// Store wraps a schema-scoped database handle with the repositories
// the pipeline and the control plane use.
type Store struct {
	db *csql.DB
}

// New creates a store on the given database and brings the tables up
// to date. It panics on database errors, like the rest of the startup
// path.
func New(db *csql.DB) *Store {
	s := &Store{db: db}
	s.migrate()
	return s
}

// migrate is poor man's migrations: create everything with IF NOT
// EXISTS. Column changes need manual intervention.
func (s *Store) migrate() {
	schema := s.db.Schema
	_, err := s.db.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s.device_type (
	device_type_id serial NOT NULL,
	key varchar NOT NULL UNIQUE,
	name varchar NOT NULL DEFAULT '',
	base_topic varchar NOT NULL DEFAULT '',
	created_at timestamp NOT NULL DEFAULT now(),
	PRIMARY KEY(device_type_id)
);

CREATE TABLE IF NOT EXISTS %[1]s.device_schema (
	device_schema_id serial NOT NULL,
	device_type_id integer NOT NULL REFERENCES %[1]s.device_type(device_type_id),
	name varchar NOT NULL DEFAULT '',
	created_at timestamp NOT NULL DEFAULT now(),
	PRIMARY KEY(device_schema_id)
);

CREATE TABLE IF NOT EXISTS %[1]s.device_schema_version (
	device_schema_version_id serial NOT NULL,
	device_schema_id integer NOT NULL REFERENCES %[1]s.device_schema(device_schema_id),
	version integer NOT NULL DEFAULT 1,
	created_at timestamp NOT NULL DEFAULT now(),
	PRIMARY KEY(device_schema_version_id),
	UNIQUE(device_schema_id, version)
);

CREATE TABLE IF NOT EXISTS %[1]s.schema_version_topic (
	schema_version_topic_id serial NOT NULL,
	device_schema_version_id integer NOT NULL REFERENCES %[1]s.device_schema_version(device_schema_version_id),
	key varchar NOT NULL,
	suffix varchar NOT NULL,
	direction varchar NOT NULL DEFAULT 'publish',
	purpose varchar NOT NULL DEFAULT '',
	qos integer NOT NULL DEFAULT 1,
	retain boolean NOT NULL DEFAULT false,
	sequence integer NOT NULL DEFAULT 0,
	created_at timestamp NOT NULL DEFAULT now(),
	PRIMARY KEY(schema_version_topic_id),
	UNIQUE(device_schema_version_id, key)
);

CREATE TABLE IF NOT EXISTS %[1]s.schema_version_topic_link (
	from_topic_id integer NOT NULL REFERENCES %[1]s.schema_version_topic(schema_version_topic_id),
	to_topic_id integer NOT NULL REFERENCES %[1]s.schema_version_topic(schema_version_topic_id),
	link_type varchar NOT NULL,
	PRIMARY KEY(from_topic_id, to_topic_id, link_type)
);

CREATE TABLE IF NOT EXISTS %[1]s.parameter_definition (
	parameter_definition_id serial NOT NULL,
	schema_version_topic_id integer NOT NULL REFERENCES %[1]s.schema_version_topic(schema_version_topic_id),
	key varchar NOT NULL,
	label varchar NOT NULL DEFAULT '',
	json_path varchar NOT NULL,
	data_type varchar NOT NULL DEFAULT 'string',
	required boolean NOT NULL DEFAULT false,
	is_critical boolean NOT NULL DEFAULT false,
	is_active boolean NOT NULL DEFAULT true,
	sequence integer NOT NULL DEFAULT 0,
	validation_rules json NOT NULL DEFAULT '{}'::json,
	mutation_expression varchar NOT NULL DEFAULT '',
	validation_error_code varchar NOT NULL DEFAULT '',
	default_value json,
	PRIMARY KEY(parameter_definition_id),
	UNIQUE(schema_version_topic_id, key)
);

CREATE TABLE IF NOT EXISTS %[1]s.derived_parameter_definition (
	derived_parameter_definition_id serial NOT NULL,
	device_schema_version_id integer NOT NULL REFERENCES %[1]s.device_schema_version(device_schema_version_id),
	key varchar NOT NULL,
	label varchar NOT NULL DEFAULT '',
	dependencies json NOT NULL DEFAULT '[]'::json,
	expression varchar NOT NULL,
	data_type varchar NOT NULL DEFAULT 'decimal',
	PRIMARY KEY(derived_parameter_definition_id),
	UNIQUE(device_schema_version_id, key)
);

CREATE TABLE IF NOT EXISTS %[1]s.device (
	device_id serial NOT NULL,
	device_uuid uuid NOT NULL DEFAULT uuid_generate_v4(),
	external_id varchar NOT NULL DEFAULT '',
	organization_id integer NOT NULL DEFAULT 0,
	device_type_id integer NOT NULL REFERENCES %[1]s.device_type(device_type_id),
	device_schema_version_id integer REFERENCES %[1]s.device_schema_version(device_schema_version_id),
	is_active boolean NOT NULL DEFAULT true,
	connection_state varchar NOT NULL DEFAULT 'offline',
	last_seen_at timestamp,
	created_at timestamp NOT NULL DEFAULT now(),
	PRIMARY KEY(device_id),
	UNIQUE(device_uuid)
);

CREATE TABLE IF NOT EXISTS %[1]s.ingestion_message (
	ingestion_message_id serial NOT NULL,
	dedup_key varchar NOT NULL,
	source_subject varchar NOT NULL,
	source_protocol varchar NOT NULL DEFAULT 'mqtt',
	source_message_id varchar NOT NULL DEFAULT '',
	raw_payload json NOT NULL DEFAULT '{}'::json,
	status varchar NOT NULL DEFAULT 'queued',
	error_summary json,
	organization_id integer,
	device_id integer,
	device_schema_version_id integer,
	schema_version_topic_id integer,
	received_at timestamp NOT NULL,
	processed_at timestamp,
	created_at timestamp NOT NULL DEFAULT now(),
	PRIMARY KEY(ingestion_message_id),
	UNIQUE(dedup_key)
);

CREATE TABLE IF NOT EXISTS %[1]s.ingestion_stage_log (
	ingestion_stage_log_id serial NOT NULL,
	ingestion_message_id integer NOT NULL REFERENCES %[1]s.ingestion_message(ingestion_message_id),
	stage varchar NOT NULL,
	status varchar NOT NULL,
	duration_ms bigint,
	input_snapshot json,
	output_snapshot json,
	change_set json,
	errors json,
	created_at timestamp NOT NULL DEFAULT now(),
	PRIMARY KEY(ingestion_stage_log_id)
);
CREATE INDEX IF NOT EXISTS ingestion_stage_log_message ON %[1]s.ingestion_stage_log(ingestion_message_id);

CREATE TABLE IF NOT EXISTS %[1]s.device_telemetry_log (
	device_telemetry_log_id serial NOT NULL,
	device_id integer NOT NULL REFERENCES %[1]s.device(device_id),
	device_schema_version_id integer NOT NULL,
	schema_version_topic_id integer,
	ingestion_message_id integer NOT NULL REFERENCES %[1]s.ingestion_message(ingestion_message_id),
	raw_payload json NOT NULL DEFAULT '{}'::json,
	mutated_values json,
	transformed_values json NOT NULL DEFAULT '{}'::json,
	validation_errors json NOT NULL DEFAULT '{}'::json,
	validation_status varchar NOT NULL DEFAULT 'valid',
	processing_state varchar NOT NULL DEFAULT 'processed',
	recorded_at timestamp NOT NULL,
	received_at timestamp NOT NULL,
	created_at timestamp NOT NULL DEFAULT now(),
	PRIMARY KEY(device_telemetry_log_id)
);
CREATE INDEX IF NOT EXISTS device_telemetry_log_device ON %[1]s.device_telemetry_log(device_id, recorded_at);

CREATE TABLE IF NOT EXISTS %[1]s.device_command_log (
	device_command_log_id serial NOT NULL,
	device_id integer NOT NULL REFERENCES %[1]s.device(device_id),
	schema_version_topic_id integer NOT NULL,
	user_id integer,
	command_payload json NOT NULL DEFAULT '{}'::json,
	response_payload json,
	response_topic_id integer,
	correlation_id varchar NOT NULL DEFAULT '',
	status varchar NOT NULL DEFAULT 'pending',
	error_message varchar NOT NULL DEFAULT '',
	sent_at timestamp,
	acknowledged_at timestamp,
	completed_at timestamp,
	created_at timestamp NOT NULL DEFAULT now(),
	PRIMARY KEY(device_command_log_id)
);
CREATE INDEX IF NOT EXISTS device_command_log_device ON %[1]s.device_command_log(device_id, created_at);
CREATE INDEX IF NOT EXISTS device_command_log_correlation ON %[1]s.device_command_log(device_id, correlation_id);

CREATE TABLE IF NOT EXISTS %[1]s.device_desired_topic_state (
	device_id integer NOT NULL REFERENCES %[1]s.device(device_id),
	schema_version_topic_id integer NOT NULL,
	desired_payload json NOT NULL DEFAULT '{}'::json,
	correlation_id varchar NOT NULL DEFAULT '',
	reconciled_at timestamp,
	updated_at timestamp NOT NULL DEFAULT now(),
	PRIMARY KEY(device_id, schema_version_topic_id)
);
`, schema))
	if err != nil {
		panic(err)
	}
}
