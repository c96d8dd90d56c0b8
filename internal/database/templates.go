package database

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// SaveTemplate stores a template for a user's finger, replacing any earlier
// template of the same finger regardless of its validity flag. The raw
// template bytes are passed separately and encrypted when a key is set.
func (db *DB) SaveTemplate(t *FingerprintTemplate, raw []byte) error {
	finger, _, err := ParseFingerIndex(t.FingerIndex)
	if err != nil {
		return err
	}
	if t.UserID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}

	sealed, err := db.Encrypt(raw)
	if err != nil {
		return fmt.Errorf("failed to encrypt template: %w", err)
	}
	t.Length = len(raw)

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	del := `DELETE FROM fingerprint_templates WHERE user_id = ? AND (finger_index = ? OR finger_index LIKE ?)`
	if _, err := tx.Exec(db.rebind(del), t.UserID, strconv.Itoa(finger), strconv.Itoa(finger)+",%"); err != nil {
		return fmt.Errorf("failed to replace template: %w", err)
	}

	ins := `
		INSERT INTO fingerprint_templates (user_id, finger_index, template, length, device_id, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`
	if _, err := tx.Exec(db.rebind(ins), t.UserID, t.FingerIndex, sealed, t.Length, t.DeviceID); err != nil {
		return fmt.Errorf("failed to insert template: %w", err)
	}
	return tx.Commit()
}

// ListTemplates returns a user's templates ordered by finger, with Template
// holding the plain base64 of the raw bytes.
func (db *DB) ListTemplates(userID string) ([]FingerprintTemplate, error) {
	query := `
		SELECT id, user_id, finger_index, template, length, device_id, updated_at
		FROM fingerprint_templates
		WHERE user_id = ?
		ORDER BY finger_index
	`
	rows, err := db.query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates of %s: %w", userID, err)
	}
	defer rows.Close()

	var templates []FingerprintTemplate
	for rows.Next() {
		var t FingerprintTemplate
		var sealed string
		if err := rows.Scan(&t.ID, &t.UserID, &t.FingerIndex, &sealed, &t.Length, &t.DeviceID, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan template row: %w", err)
		}
		raw, err := db.Decrypt(sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt template %s/%s: %w", t.UserID, t.FingerIndex, err)
		}
		t.Template = EncodeTemplate(raw)
		templates = append(templates, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating template rows: %w", err)
	}
	return templates, nil
}

// DeleteTemplate removes the template of one finger.
func (db *DB) DeleteTemplate(userID string, finger int) error {
	query := `DELETE FROM fingerprint_templates WHERE user_id = ? AND (finger_index = ? OR finger_index LIKE ?)`
	result, err := db.exec(query, userID, strconv.Itoa(finger), strconv.Itoa(finger)+",%")
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("no template for user %s finger %d", userID, finger)
	}
	return nil
}

// CountTemplates returns the number of stored templates.
func (db *DB) CountTemplates() (int, error) {
	var n int
	if err := db.queryRow(`SELECT COUNT(*) FROM fingerprint_templates`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count templates: %w", err)
	}
	return n, nil
}

// EncodeTemplate is the base64 form templates are exchanged in.
func EncodeTemplate(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeTemplate reverses EncodeTemplate.
func DecodeTemplate(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid template encoding: %w", err)
	}
	return raw, nil
}
