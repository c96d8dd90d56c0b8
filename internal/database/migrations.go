package database

import (
	"fmt"
	"strings"
)

// migrate runs database migrations to create the required schema
func (db *DB) migrate() error {
	migrations := []string{
		createUsersTable,
		createFingerprintTemplatesTable,
		createAttendanceLogsTable,
		createBridgeStateTable,
		createDeviceStatusTable,
		createIndexes,
	}

	for i, migration := range migrations {
		for _, stmt := range strings.Split(db.dialect(migration), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := db.conn.Exec(stmt); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", i+1, err)
			}
		}
	}

	return nil
}

// dialect fills the type placeholders of a schema statement.
func (db *DB) dialect(schema string) string {
	id, ts := "INTEGER PRIMARY KEY AUTOINCREMENT", "DATETIME"
	if db.driver == DriverPostgres {
		id, ts = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	return strings.NewReplacer("{{ID}}", id, "{{TS}}", ts).Replace(schema)
}

const createUsersTable = `
CREATE TABLE IF NOT EXISTS users (
    id {{ID}},
    user_id TEXT UNIQUE NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT '0', -- privilege, optionally followed by admin device ids
    card_no TEXT NOT NULL DEFAULT '',
    password TEXT NOT NULL DEFAULT '',
    stored_device_ids TEXT NOT NULL DEFAULT '',
    created_at {{TS}} DEFAULT CURRENT_TIMESTAMP,
    updated_at {{TS}} DEFAULT CURRENT_TIMESTAMP
);`

const createFingerprintTemplatesTable = `
CREATE TABLE IF NOT EXISTS fingerprint_templates (
    id {{ID}},
    user_id TEXT NOT NULL,
    finger_index TEXT NOT NULL, -- "idx,valid"
    template TEXT NOT NULL, -- base64, encrypted when a key is configured
    length INTEGER NOT NULL,
    device_id INTEGER NOT NULL DEFAULT 0,
    updated_at {{TS}} DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (user_id, finger_index)
);`

const createAttendanceLogsTable = `
CREATE TABLE IF NOT EXISTS attendance_logs (
    id {{ID}},
    device_serial TEXT NOT NULL DEFAULT '',
    user_id TEXT NOT NULL,
    record_time {{TS}} NOT NULL,
    punch_type INTEGER NOT NULL DEFAULT 0,
    state INTEGER NOT NULL DEFAULT 0,
    device_id INTEGER NOT NULL,
    created_at {{TS}} DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (record_time, device_id)
);`

const createBridgeStateTable = `
CREATE TABLE IF NOT EXISTS bridge_state (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL, -- encrypted if sensitive
    updated_at {{TS}} DEFAULT CURRENT_TIMESTAMP
);`

const createDeviceStatusTable = `
CREATE TABLE IF NOT EXISTS device_status (
    device_id INTEGER PRIMARY KEY,
    status TEXT NOT NULL CHECK (status IN ('online', 'error', 'unknown')),
    last_sync {{TS}},
    error_message TEXT,
    updated_at {{TS}} DEFAULT CURRENT_TIMESTAMP
);`

const createIndexes = `
CREATE INDEX IF NOT EXISTS idx_fingerprint_templates_user_id ON fingerprint_templates(user_id);
CREATE INDEX IF NOT EXISTS idx_attendance_logs_user_id ON attendance_logs(user_id);
CREATE INDEX IF NOT EXISTS idx_attendance_logs_record_time ON attendance_logs(record_time);
`
