package zk

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"
	"time"
)

const (
	userRecordSize       = 72
	legacyUserRecordSize = 28
)

// User is a user record as stored on the device.
type User struct {
	UID       uint16 `json:"uid"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Privilege int    `json:"privilege"`
	Password  string `json:"password,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	CardNo    uint32 `json:"card_no,omitempty"`
}

// IsAdmin reports whether the device grants the user administrator rights.
func (u User) IsAdmin() bool {
	return u.Privilege == LEVEL_ADMIN
}

// Template is a single fingerprint template record.
type Template struct {
	UID    uint16 `json:"uid"`
	Finger uint8  `json:"finger"`
	Valid  uint8  `json:"valid"`
	Size   int    `json:"size"`
	Data   []byte `json:"template"`
}

// Attendance is a single punch read from the device log.
type Attendance struct {
	UID        uint16    `json:"uid"`
	UserID     string    `json:"user_id"`
	RecordTime time.Time `json:"record_time"`
	State      int       `json:"state"`
	Type       int       `json:"type"`
}

// DecodeUsers parses the user table returned by a buffered read, without
// its 4-byte size prefix. Both the 72-byte and the legacy 28-byte layouts
// are understood; a trailing partial record is ignored.
func DecodeUsers(data []byte) []User {
	size := userRecordSize
	if len(data)%userRecordSize != 0 && len(data)%legacyUserRecordSize == 0 {
		size = legacyUserRecordSize
	}

	var users []User
	for offset := 0; offset+size <= len(data); offset += size {
		rec := data[offset : offset+size]
		var u User
		if size == userRecordSize {
			u = decodeUser72(rec)
		} else {
			u = decodeUser28(rec)
		}
		if u.UID == 0 {
			continue
		}
		users = append(users, u)
	}
	return users
}

func decodeUser72(rec []byte) User {
	u := User{
		UID:       binary.LittleEndian.Uint16(rec[0:2]),
		Privilege: int(rec[2]),
		Password:  cString(rec[3:11]),
		Name:      cString(rec[11:35]),
		CardNo:    binary.LittleEndian.Uint32(rec[35:39]),
		GroupID:   cString(rec[40:47]),
		UserID:    cString(rec[48:72]),
	}
	if u.UserID == "" {
		u.UserID = strconv.Itoa(int(u.UID))
	}
	return u
}

func decodeUser28(rec []byte) User {
	u := User{
		UID:       binary.LittleEndian.Uint16(rec[0:2]),
		Privilege: int(rec[2]),
		Password:  cString(rec[3:8]),
		Name:      cString(rec[8:16]),
		CardNo:    binary.LittleEndian.Uint32(rec[16:20]),
		GroupID:   strconv.Itoa(int(rec[21])),
		UserID:    strconv.FormatUint(uint64(binary.LittleEndian.Uint32(rec[24:28])), 10),
	}
	return u
}

// EncodeUser builds the 72-byte CMD_USER_WRQ record. Over-long strings are truncated.
func EncodeUser(u User) []byte {
	rec := make([]byte, userRecordSize)
	binary.LittleEndian.PutUint16(rec[0:2], u.UID)
	rec[2] = byte(u.Privilege)
	copy(rec[3:11], truncate(u.Password, 8))
	copy(rec[11:35], truncate(u.Name, 24))
	binary.LittleEndian.PutUint32(rec[35:39], u.CardNo)
	copy(rec[40:47], truncate(u.GroupID, 7))
	copy(rec[48:72], truncate(u.UserID, 24))
	return rec
}

// DecodeTemplates parses a stream of fingerprint template records.
//
// Each record starts with size u16, uid u16, finger u8, valid u8, where size
// covers the 6-byte header too. When a header declares an impossible size the
// decoder assumes it is looking at stray bytes and moves forward one byte at a
// time until a plausible header appears. A record running past the end of the
// buffer ends decoding.
func DecodeTemplates(data []byte, maxSize int) []Template {
	if maxSize <= 0 {
		maxSize = DefaultMaxTemplateSize
	}

	var templates []Template
	offset := 0
	for offset+templateHeaderSize <= len(data) {
		size := int(binary.LittleEndian.Uint16(data[offset : offset+2]))
		if size < templateHeaderSize || size > maxSize {
			offset++
			continue
		}
		if offset+size > len(data) {
			break
		}

		tmpl := make([]byte, size-templateHeaderSize)
		copy(tmpl, data[offset+templateHeaderSize:offset+size])
		templates = append(templates, Template{
			UID:    binary.LittleEndian.Uint16(data[offset+2 : offset+4]),
			Finger: data[offset+4],
			Valid:  data[offset+5],
			Size:   size,
			Data:   tmpl,
		})
		offset += size
	}
	return templates
}

// EncodeTemplate produces the on-wire record DecodeTemplates reads.
func EncodeTemplate(t Template) []byte {
	size := templateHeaderSize + len(t.Data)
	rec := make([]byte, size)
	binary.LittleEndian.PutUint16(rec[0:2], uint16(size))
	binary.LittleEndian.PutUint16(rec[2:4], t.UID)
	rec[4] = t.Finger
	rec[5] = t.Valid
	copy(rec[templateHeaderSize:], t.Data)
	return rec
}

// DecodeAttendance parses attendance log records. Current firmware uses
// 40-byte records; 16- and 8-byte layouts come from older terminals.
func DecodeAttendance(data []byte) []Attendance {
	size := 40
	switch {
	case len(data)%40 == 0:
	case len(data)%16 == 0:
		size = 16
	case len(data)%8 == 0:
		size = 8
	}

	var records []Attendance
	for offset := 0; offset+size <= len(data); offset += size {
		rec := data[offset : offset+size]
		var a Attendance
		switch size {
		case 40:
			a = Attendance{
				UID:        binary.LittleEndian.Uint16(rec[0:2]),
				UserID:     cString(rec[2:26]),
				State:      int(rec[26]),
				RecordTime: DecodeDeviceTime(binary.LittleEndian.Uint32(rec[27:31])),
				Type:       int(rec[31]),
			}
		case 16:
			a = Attendance{
				UserID:     strconv.FormatUint(uint64(binary.LittleEndian.Uint32(rec[0:4])), 10),
				RecordTime: DecodeDeviceTime(binary.LittleEndian.Uint32(rec[4:8])),
				State:      int(rec[8]),
				Type:       int(rec[9]),
			}
		default:
			a = Attendance{
				UID:        binary.LittleEndian.Uint16(rec[0:2]),
				State:      int(rec[2]),
				RecordTime: DecodeDeviceTime(binary.LittleEndian.Uint32(rec[3:7])),
				Type:       int(rec[7]),
			}
			a.UserID = strconv.Itoa(int(a.UID))
		}
		if a.UserID == "" && a.UID != 0 {
			a.UserID = strconv.Itoa(int(a.UID))
		}
		if a.UserID == "" || a.UserID == "0" {
			continue
		}
		records = append(records, a)
	}
	return records
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

func truncate(s string, n int) []byte {
	if len(s) > n {
		return []byte(s[:n])
	}
	return []byte(s)
}
