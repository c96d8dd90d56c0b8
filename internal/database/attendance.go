package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertAttendance stores punches, skipping any whose (record time, device)
// pair is already present. It returns how many rows were new.
func (db *DB) InsertAttendance(logs []AttendanceLog) (int, error) {
	if len(logs) == 0 {
		return 0, nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(db.rebind(`
		INSERT INTO attendance_logs (device_serial, user_id, record_time, punch_type, state, device_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (record_time, device_id) DO NOTHING
	`))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare attendance insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, l := range logs {
		result, err := stmt.Exec(l.DeviceSerial, l.UserID, l.RecordTime.UTC(), l.Type, l.State, l.DeviceID)
		if err != nil {
			return 0, fmt.Errorf("failed to insert attendance for %s at %s: %w", l.UserID, l.RecordTime, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit attendance: %w", err)
	}
	return inserted, nil
}

// ListAttendance returns punches of a device at or after since, newest first.
// A zero deviceID matches every device; limit <= 0 means no limit.
func (db *DB) ListAttendance(deviceID int, since time.Time, limit int) ([]AttendanceLog, error) {
	query := `
		SELECT id, device_serial, user_id, record_time, punch_type, state, device_id
		FROM attendance_logs
		WHERE (? = 0 OR device_id = ?) AND record_time >= ?
		ORDER BY record_time DESC
	`
	args := []interface{}{deviceID, deviceID, since.UTC()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list attendance: %w", err)
	}
	defer rows.Close()

	var logs []AttendanceLog
	for rows.Next() {
		var l AttendanceLog
		if err := rows.Scan(&l.ID, &l.DeviceSerial, &l.UserID, &l.RecordTime, &l.Type, &l.State, &l.DeviceID); err != nil {
			return nil, fmt.Errorf("failed to scan attendance row: %w", err)
		}
		logs = append(logs, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attendance rows: %w", err)
	}
	return logs, nil
}

// LatestAttendanceTime returns the newest stored punch time of a device, or
// nil when there is none.
func (db *DB) LatestAttendanceTime(deviceID int) (*time.Time, error) {
	var latest time.Time
	query := `SELECT record_time FROM attendance_logs WHERE device_id = ? ORDER BY record_time DESC LIMIT 1`
	if err := db.queryRow(query, deviceID).Scan(&latest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest attendance: %w", err)
	}
	return &latest, nil
}
