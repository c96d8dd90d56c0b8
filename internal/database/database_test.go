package database

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T, encrypted bool) *DB {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "zk-attendance-bridge-test-*")
	require.NoError(t, err)

	config := Config{
		Driver:       DriverSQLite,
		DatabasePath: filepath.Join(tempDir, "test.db"),
	}
	if encrypted {
		config.EncryptionKey = make([]byte, 32)
		_, err := rand.Read(config.EncryptionKey)
		require.NoError(t, err)
	}

	db, err := NewDB(config)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
		os.RemoveAll(tempDir)
	})

	return db
}

func TestNewDB(t *testing.T) {
	db := setupTestDB(t, false)
	assert.Equal(t, DriverSQLite, db.Driver())
	assert.NoError(t, db.Health())

	_, err := NewDB(Config{Driver: "mysql"})
	assert.Error(t, err)

	_, err = NewDB(Config{Driver: DriverPostgres})
	assert.Error(t, err, "postgres requires a dsn")

	_, err = NewDB(Config{DatabasePath: filepath.Join(t.TempDir(), "x.db"), EncryptionKey: []byte("short")})
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	sqlite := &DB{driver: DriverSQLite}
	pg := &DB{driver: DriverPostgres}

	q := "SELECT * FROM users WHERE user_id = ? AND role = ?"
	assert.Equal(t, q, sqlite.rebind(q))
	assert.Equal(t, "SELECT * FROM users WHERE user_id = $1 AND role = $2", pg.rebind(q))
}

func TestDialect(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	schema := pg.dialect(createAttendanceLogsTable)
	assert.Contains(t, schema, "BIGSERIAL PRIMARY KEY")
	assert.Contains(t, schema, "record_time TIMESTAMPTZ NOT NULL")
	assert.NotContains(t, schema, "{{")
}

func TestEncryptDecrypt(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		db := setupTestDB(t, encrypted)
		data := []byte{0x4d, 0x53, 0x53, 0x00, 0x01}

		sealed, err := db.Encrypt(data)
		require.NoError(t, err)
		if encrypted {
			assert.NotEqual(t, EncodeTemplate(data), sealed)
		} else {
			assert.Equal(t, EncodeTemplate(data), sealed)
		}

		plain, err := db.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, data, plain)
	}
}

func TestUsers(t *testing.T) {
	db := setupTestDB(t, false)

	u := &User{UserID: "1042", Name: "Jane", Role: "14,2", CardNo: "555", StoredDeviceIDs: []int{2, 1, 2}}
	require.NoError(t, db.UpsertUser(u))

	got, err := db.GetUser("1042")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Jane", got.Name)
	assert.Equal(t, "14,2", got.Role)
	assert.Equal(t, []int{1, 2}, got.StoredDeviceIDs)

	u.Name = "Jane Doe"
	require.NoError(t, db.UpsertUser(u))
	got, err = db.GetUser("1042")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", got.Name)

	require.NoError(t, db.UpsertUser(&User{UserID: "7", Name: "Bob", StoredDeviceIDs: []int{3}}))
	all, err := db.ListUsers()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "0", all[1].Role)

	onTwo, err := db.ListUsersForDevice(2)
	require.NoError(t, err)
	require.Len(t, onTwo, 1)
	assert.Equal(t, "1042", onTwo[0].UserID)

	missing, err := db.GetUser("nobody")
	assert.NoError(t, err)
	assert.Nil(t, missing)

	assert.Error(t, db.UpsertUser(&User{}))
}

func TestDeleteUser_RemovesTemplates(t *testing.T) {
	db := setupTestDB(t, false)
	require.NoError(t, db.UpsertUser(&User{UserID: "1"}))
	require.NoError(t, db.SaveTemplate(&FingerprintTemplate{UserID: "1", FingerIndex: "0,1"}, []byte{1, 2}))

	require.NoError(t, db.DeleteUser("1"))
	n, err := db.CountTemplates()
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Error(t, db.DeleteUser("1"))
}

func TestTemplates(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		db := setupTestDB(t, encrypted)

		require.NoError(t, db.SaveTemplate(&FingerprintTemplate{UserID: "1", FingerIndex: "3,1", DeviceID: 2}, []byte{9, 9, 9}))
		require.NoError(t, db.SaveTemplate(&FingerprintTemplate{UserID: "1", FingerIndex: "0,1", DeviceID: 2}, []byte{1}))
		require.NoError(t, db.SaveTemplate(&FingerprintTemplate{UserID: "1", FingerIndex: "3,0", DeviceID: 2}, []byte{7, 7}))

		templates, err := db.ListTemplates("1")
		require.NoError(t, err)
		require.Len(t, templates, 2)
		assert.Equal(t, "0,1", templates[0].FingerIndex)
		assert.Equal(t, "3,0", templates[1].FingerIndex)
		assert.Equal(t, EncodeTemplate([]byte{7, 7}), templates[1].Template)
		assert.Equal(t, 2, templates[1].Length)

		require.NoError(t, db.DeleteTemplate("1", 3))
		assert.Error(t, db.DeleteTemplate("1", 3))

		assert.Error(t, db.SaveTemplate(&FingerprintTemplate{UserID: "1", FingerIndex: "12,1"}, []byte{1}))
	}
}

func TestAttendance_Dedupe(t *testing.T) {
	db := setupTestDB(t, false)
	base := time.Date(2024, 3, 15, 13, 45, 30, 0, time.UTC)

	logs := []AttendanceLog{
		{DeviceSerial: "SN1", UserID: "1", RecordTime: base, DeviceID: 1},
		{DeviceSerial: "SN1", UserID: "2", RecordTime: base.Add(time.Minute), DeviceID: 1, Type: 1},
		{DeviceSerial: "SN2", UserID: "1", RecordTime: base, DeviceID: 2},
	}
	n, err := db.InsertAttendance(logs)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = db.InsertAttendance(logs)
	require.NoError(t, err)
	assert.Zero(t, n)

	onOne, err := db.ListAttendance(1, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, onOne, 2)
	assert.Equal(t, "2", onOne[0].UserID)
	assert.True(t, onOne[0].RecordTime.Equal(base.Add(time.Minute)))

	all, err := db.ListAttendance(0, time.Time{}, 1)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	latest, err := db.LatestAttendanceTime(1)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Equal(base.Add(time.Minute)))

	none, err := db.LatestAttendanceTime(9)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestState(t *testing.T) {
	db := setupTestDB(t, true)

	require.NoError(t, db.SetState(DevicePasswordKey(1), "4321"))
	require.NoError(t, db.SetState("last_sync_run", "abc"))
	require.NoError(t, db.SetState("last_sync_run", "def"))

	v, ok, err := db.GetState(DevicePasswordKey(1))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "4321", v)

	var raw string
	require.NoError(t, db.conn.QueryRow(`SELECT value FROM bridge_state WHERE key = ?`, DevicePasswordKey(1)).Scan(&raw))
	assert.NotEqual(t, "4321", raw)

	v, _, err = db.GetState("last_sync_run")
	require.NoError(t, err)
	assert.Equal(t, "def", v)

	require.NoError(t, db.DeleteState("last_sync_run"))
	_, ok, err = db.GetState("last_sync_run")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeviceStatus(t *testing.T) {
	db := setupTestDB(t, false)

	require.NoError(t, db.SetDeviceStatus(1, DeviceStatusOnline, ""))
	first, err := db.GetDeviceStatus(1)
	require.NoError(t, err)
	require.NotNil(t, first.LastSync)

	require.NoError(t, db.SetDeviceStatus(1, DeviceStatusError, "timeout"))
	got, err := db.GetDeviceStatus(1)
	require.NoError(t, err)
	assert.Equal(t, DeviceStatusError, got.Status)
	assert.Equal(t, "timeout", got.ErrorMessage)
	require.NotNil(t, got.LastSync, "an error keeps the last successful sync")

	assert.Error(t, db.SetDeviceStatus(2, "bogus", ""))

	all, err := db.ListDeviceStatuses()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	missing, err := db.GetDeviceStatus(5)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFingerIndexAndRole(t *testing.T) {
	assert.Equal(t, "3,1", FormatFingerIndex(3, true))
	assert.Equal(t, "0,0", FormatFingerIndex(0, false))

	tests := []struct {
		in     string
		finger int
		valid  bool
		ok     bool
	}{
		{"3,1", 3, true, true},
		{"9,0", 9, false, true},
		{"5", 5, true, true},
		{"10,1", 0, false, false},
		{"x,1", 0, false, false},
	}
	for _, tt := range tests {
		finger, valid, err := ParseFingerIndex(tt.in)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.finger, finger)
		assert.Equal(t, tt.valid, valid)
	}

	privilege, scope := ParseRole("14,5,2")
	assert.Equal(t, 14, privilege)
	assert.Equal(t, []int{5, 2}, scope)
	assert.Equal(t, "14,2,5", FormatRole(14, []int{5, 2, 5}))
	assert.Equal(t, "0", FormatRole(0, nil))

	assert.Equal(t, 14, PrivilegeOn("14,2,5", 5))
	assert.Equal(t, 0, PrivilegeOn("14,2,5", 3))
	assert.Equal(t, 14, PrivilegeOn("14", 3))
}
