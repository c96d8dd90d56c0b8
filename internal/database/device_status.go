package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetDeviceStatus records the outcome of the last contact with a device.
// A successful contact also moves last_sync forward.
func (db *DB) SetDeviceStatus(deviceID int, status, errorMessage string) error {
	var errorMsg sql.NullString
	if errorMessage != "" {
		errorMsg = sql.NullString{String: errorMessage, Valid: true}
	}
	var lastSync sql.NullTime
	if status == DeviceStatusOnline {
		lastSync = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}

	query := `
		INSERT INTO device_status (device_id, status, last_sync, error_message, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (device_id) DO UPDATE SET
			status = excluded.status,
			last_sync = COALESCE(excluded.last_sync, device_status.last_sync),
			error_message = excluded.error_message,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := db.exec(query, deviceID, status, lastSync, errorMsg); err != nil {
		return fmt.Errorf("failed to set status for device %d: %w", deviceID, err)
	}
	return nil
}

// GetDeviceStatus returns the status of a device or nil when none is recorded.
func (db *DB) GetDeviceStatus(deviceID int) (*DeviceStatus, error) {
	query := `
		SELECT device_id, status, last_sync, error_message, updated_at
		FROM device_status
		WHERE device_id = ?
	`
	status, err := scanDeviceStatus(db.queryRow(query, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get status for device %d: %w", deviceID, err)
	}
	return status, nil
}

// ListDeviceStatuses returns every recorded device status.
func (db *DB) ListDeviceStatuses() ([]*DeviceStatus, error) {
	query := `
		SELECT device_id, status, last_sync, error_message, updated_at
		FROM device_status
		ORDER BY device_id
	`
	rows, err := db.query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query device statuses: %w", err)
	}
	defer rows.Close()

	var statuses []*DeviceStatus
	for rows.Next() {
		status, err := scanDeviceStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device status row: %w", err)
		}
		statuses = append(statuses, status)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating device status rows: %w", err)
	}
	return statuses, nil
}

func scanDeviceStatus(row rowScanner) (*DeviceStatus, error) {
	status := &DeviceStatus{}
	var lastSync sql.NullTime
	var errorMessage sql.NullString

	if err := row.Scan(&status.DeviceID, &status.Status, &lastSync, &errorMessage, &status.UpdatedAt); err != nil {
		return nil, err
	}
	if lastSync.Valid {
		status.LastSync = &lastSync.Time
	}
	if errorMessage.Valid {
		status.ErrorMessage = errorMessage.String
	}
	return status, nil
}
