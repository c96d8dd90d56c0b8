package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// sensitivePrefixes mark state keys whose values are encrypted.
var sensitivePrefixes = []string{"device_password:"}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, p := range sensitivePrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// DevicePasswordKey is the state key holding a device's changed COM password.
func DevicePasswordKey(deviceID int) string {
	return fmt.Sprintf("device_password:%d", deviceID)
}

// SetState stores a bridge state value, encrypting it if it's sensitive.
func (db *DB) SetState(key, value string) error {
	storedValue := value
	if isSensitive(key) {
		var err error
		if storedValue, err = db.Encrypt([]byte(value)); err != nil {
			return fmt.Errorf("failed to encrypt state value for key %s: %w", key, err)
		}
	}

	query := `
		INSERT INTO bridge_state (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`
	if _, err := db.exec(query, key, storedValue); err != nil {
		return fmt.Errorf("failed to set state %s: %w", key, err)
	}
	return nil
}

// GetState returns a state value and whether it exists.
func (db *DB) GetState(key string) (string, bool, error) {
	var value string
	err := db.queryRow(`SELECT value FROM bridge_state WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get state %s: %w", key, err)
	}

	if isSensitive(key) {
		decrypted, err := db.Decrypt(value)
		if err != nil {
			return "", false, fmt.Errorf("failed to decrypt state value for key %s: %w", key, err)
		}
		return string(decrypted), true, nil
	}
	return value, true, nil
}

// DeleteState removes a state key
func (db *DB) DeleteState(key string) error {
	if _, err := db.exec(`DELETE FROM bridge_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete state %s: %w", key, err)
	}
	return nil
}
