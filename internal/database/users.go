package database

import (
	"database/sql"
	"errors"
	"fmt"
)

const userColumns = `id, user_id, name, role, card_no, password, stored_device_ids, updated_at`

// UpsertUser inserts a user or overwrites the stored fields of an existing one.
func (db *DB) UpsertUser(u *User) error {
	if u.UserID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}
	if u.Role == "" {
		u.Role = "0"
	}

	query := `
		INSERT INTO users (user_id, name, role, card_no, password, stored_device_ids, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (user_id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			card_no = excluded.card_no,
			password = excluded.password,
			stored_device_ids = excluded.stored_device_ids,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := db.exec(query, u.UserID, u.Name, u.Role, u.CardNo, u.Password, joinIDs(normalizeIDs(u.StoredDeviceIDs)))
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", u.UserID, err)
	}
	return nil
}

// GetUser returns the user or nil when it does not exist.
func (db *DB) GetUser(userID string) (*User, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID cannot be empty")
	}

	u, err := scanUser(db.queryRow(`SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	return u, nil
}

// ListUsers returns all users ordered by user id.
func (db *DB) ListUsers() ([]User, error) {
	rows, err := db.query(`SELECT ` + userColumns + ` FROM users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, *u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}
	return users, nil
}

// ListUsersForDevice returns the users stored for a device.
func (db *DB) ListUsersForDevice(deviceID int) ([]User, error) {
	all, err := db.ListUsers()
	if err != nil {
		return nil, err
	}
	var users []User
	for _, u := range all {
		for _, id := range u.StoredDeviceIDs {
			if id == deviceID {
				users = append(users, u)
				break
			}
		}
	}
	return users, nil
}

// DeleteUser removes a user and its fingerprint templates.
func (db *DB) DeleteUser(userID string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(db.rebind(`DELETE FROM fingerprint_templates WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("failed to delete templates of user %s: %w", userID, err)
	}
	result, err := tx.Exec(db.rebind(`DELETE FROM users WHERE user_id = ?`), userID)
	if err != nil {
		return fmt.Errorf("failed to delete user %s: %w", userID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s not found", userID)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var deviceIDs string
	err := row.Scan(&u.ID, &u.UserID, &u.Name, &u.Role, &u.CardNo, &u.Password, &deviceIDs, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.StoredDeviceIDs = splitIDs(deviceIDs)
	return &u, nil
}
