package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Device connection states.
const (
	ConnectionOnline  = "online"
	ConnectionOffline = "offline"
)

// MarkDeviceOnline stamps last_seen_at and sets the connection state
// to online. Returns the previous state so callers can emit a
// transition event only when it actually changed.
func (s *Store) MarkDeviceOnline(ctx context.Context, deviceID int64, at time.Time) (string, error) {
	return s.setConnectionState(ctx, deviceID, ConnectionOnline, &at)
}

// MarkDeviceOffline sets the connection state to offline without
// touching last_seen_at.
func (s *Store) MarkDeviceOffline(ctx context.Context, deviceID int64) (string, error) {
	return s.setConnectionState(ctx, deviceID, ConnectionOffline, nil)
}

// MarkDeviceOfflineByIdentifier marks a device offline by its wire
// identifier, the external id or the uuid. Returns the device uuid and
// the previous connection state; uuid.Nil when the identifier is
// unknown.
func (s *Store) MarkDeviceOfflineByIdentifier(ctx context.Context, identifier string) (uuid.UUID, string, error) {
	var rawUUID, previous string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
UPDATE %[1]s.device d
SET connection_state = $2
FROM (SELECT device_id, device_uuid, connection_state FROM %[1]s.device
      WHERE external_id = $1 OR device_uuid::text = $1) old
WHERE d.device_id = old.device_id
RETURNING old.device_uuid, old.connection_state;`, s.db.Schema),
		identifier, ConnectionOffline).Scan(&rawUUID, &previous)
	if err == sql.ErrNoRows {
		return uuid.Nil, "", nil
	}
	if err != nil {
		return uuid.Nil, "", err
	}
	deviceUUID, err := uuid.Parse(rawUUID)
	return deviceUUID, previous, err
}

func (s *Store) setConnectionState(ctx context.Context, deviceID int64, state string, lastSeenAt *time.Time) (string, error) {
	var previous string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
UPDATE %[1]s.device d
SET connection_state = $2,
    last_seen_at = COALESCE($3, last_seen_at)
FROM (SELECT device_id, connection_state FROM %[1]s.device WHERE device_id = $1) old
WHERE d.device_id = old.device_id
RETURNING old.connection_state;`, s.db.Schema),
		deviceID, state, nullTime(lastSeenAt)).Scan(&previous)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return previous, err
}

// DeviceConnectionByUUID returns the presence snapshot of a device, or
// nil when the uuid is unknown.
func (s *Store) DeviceConnectionByUUID(ctx context.Context, deviceUUID uuid.UUID) (*DeviceConnection, error) {
	var conn DeviceConnection
	var rawUUID string
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT device_id, device_uuid, connection_state, last_seen_at
FROM %s.device
WHERE device_uuid = $1;`, s.db.Schema), deviceUUID.String()).
		Scan(&conn.DeviceID, &rawUUID, &conn.ConnectionState, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conn.DeviceUUID, err = uuid.Parse(rawUUID)
	if err != nil {
		return nil, err
	}
	conn.LastSeenAt = timePtr(lastSeen)
	return &conn, nil
}
