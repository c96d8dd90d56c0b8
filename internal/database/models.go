package database

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// User is the stored shape of a person known to one or more devices.
type User struct {
	ID              int64     `json:"id"`
	UserID          string    `json:"user_id"`
	Name            string    `json:"name"`
	Role            string    `json:"role"` // "0", "14" or "14,<device ids>"
	CardNo          string    `json:"card_no,omitempty"`
	Password        string    `json:"password,omitempty"`
	StoredDeviceIDs []int     `json:"stored_device_ids"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// FingerprintTemplate is the stored shape of one finger.
type FingerprintTemplate struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"user_id"`
	FingerIndex string    `json:"finger_index"` // "idx,0|1"
	Template    string    `json:"template"`     // base64 of the raw template
	Length      int       `json:"length"`
	DeviceID    int       `json:"device_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AttendanceLog is one punch collected from a device.
type AttendanceLog struct {
	ID           int64     `json:"id"`
	DeviceSerial string    `json:"device_serial"`
	UserID       string    `json:"user_id"`
	RecordTime   time.Time `json:"record_time"`
	Type         int       `json:"type"`
	State        int       `json:"state"`
	DeviceID     int       `json:"device_id"`
}

// DeviceStatus is the last known health of a device.
type DeviceStatus struct {
	DeviceID     int        `json:"device_id"`
	Status       string     `json:"status"`
	LastSync     *time.Time `json:"last_sync,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Device status constants
const (
	DeviceStatusOnline  = "online"
	DeviceStatusError   = "error"
	DeviceStatusUnknown = "unknown"
)

// FormatFingerIndex encodes a finger slot and its validity flag.
func FormatFingerIndex(finger int, valid bool) string {
	flag := 0
	if valid {
		flag = 1
	}
	return fmt.Sprintf("%d,%d", finger, flag)
}

// ParseFingerIndex decodes "idx,flag". A bare "idx" is accepted as valid.
func ParseFingerIndex(s string) (finger int, valid bool, err error) {
	idx, flag, hasFlag := strings.Cut(s, ",")
	finger, err = strconv.Atoi(strings.TrimSpace(idx))
	if err != nil || finger < 0 || finger > 9 {
		return 0, false, fmt.Errorf("invalid finger index %q", s)
	}
	if !hasFlag {
		return finger, true, nil
	}
	return finger, strings.TrimSpace(flag) != "0", nil
}

// ParseRole splits a stored role into the device privilege and the ids of
// the devices the admin privilege is scoped to.
func ParseRole(role string) (privilege int, scope []int) {
	parts := strings.Split(role, ",")
	privilege, _ = strconv.Atoi(strings.TrimSpace(parts[0]))
	for _, p := range parts[1:] {
		if id, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			scope = append(scope, id)
		}
	}
	return privilege, scope
}

// FormatRole is the inverse of ParseRole. Scope ids are sorted and deduplicated.
func FormatRole(privilege int, scope []int) string {
	ids := normalizeIDs(scope)
	if len(ids) == 0 {
		return strconv.Itoa(privilege)
	}
	return strconv.Itoa(privilege) + "," + joinIDs(ids)
}

// PrivilegeOn returns the privilege the role grants on a device. An admin
// role without scope applies everywhere.
func PrivilegeOn(role string, deviceID int) int {
	privilege, scope := ParseRole(role)
	if len(scope) == 0 {
		return privilege
	}
	for _, id := range scope {
		if id == deviceID {
			return privilege
		}
	}
	return 0
}

func normalizeIDs(ids []int) []int {
	seen := make(map[int]bool, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func splitIDs(s string) []int {
	var ids []int
	for _, p := range strings.Split(s, ",") {
		if id, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
