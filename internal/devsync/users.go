package devsync

import (
	"sort"
	"strconv"
	"unicode/utf8"

	"zk-attendance-bridge/internal/database"
	"zk-attendance-bridge/internal/zk"
)

// Field widths of the 72-byte user record.
const (
	deviceNameLen     = 24
	devicePasswordLen = 8
)

// mergeDeviceUser applies what a device reports about a user to the stored
// record. stored may be nil.
func mergeDeviceUser(stored *database.User, du zk.User, deviceID int) *database.User {
	next := &database.User{UserID: du.UserID, Role: "0"}
	if stored != nil {
		*next = *stored
		next.StoredDeviceIDs = append([]int(nil), stored.StoredDeviceIDs...)
	}

	next.Name = du.Name
	next.Password = du.Password
	next.CardNo = formatCard(du.CardNo)
	next.Role = mergeRole(next.Role, next.StoredDeviceIDs, deviceID, du.Privilege)
	if !containsID(next.StoredDeviceIDs, deviceID) {
		next.StoredDeviceIDs = append(next.StoredDeviceIDs, deviceID)
	}
	sort.Ints(next.StoredDeviceIDs)
	return next
}

// mergeRole returns role adjusted so that it grants privilege on deviceID
// and leaves the other devices alone.
func mergeRole(role string, storedIDs []int, deviceID, privilege int) string {
	if database.PrivilegeOn(role, deviceID) == privilege {
		return role
	}
	current, scope := database.ParseRole(role)

	if privilege != 0 {
		if current == privilege && len(scope) > 0 {
			return database.FormatRole(privilege, append(scope, deviceID))
		}
		return database.FormatRole(privilege, []int{deviceID})
	}

	// An unscoped admin keeps its rights on the other devices it is stored on.
	if len(scope) == 0 {
		scope = storedIDs
	}
	var rest []int
	for _, id := range scope {
		if id != deviceID {
			rest = append(rest, id)
		}
	}
	if len(rest) == 0 {
		return "0"
	}
	return database.FormatRole(current, rest)
}

func sameStoredUser(a, b *database.User) bool {
	if a.Name != b.Name || a.Password != b.Password || a.CardNo != b.CardNo || a.Role != b.Role {
		return false
	}
	x := append([]int(nil), a.StoredDeviceIDs...)
	y := append([]int(nil), b.StoredDeviceIDs...)
	sort.Ints(x)
	sort.Ints(y)
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// DeviceUser converts a stored user to the record written to deviceID.
func DeviceUser(u database.User, deviceID int) zk.User {
	card, _ := strconv.ParseUint(u.CardNo, 10, 32)
	return zk.User{
		UserID:    u.UserID,
		Name:      truncate(u.Name, deviceNameLen),
		Privilege: database.PrivilegeOn(u.Role, deviceID),
		Password:  truncate(u.Password, devicePasswordLen),
		CardNo:    uint32(card),
	}
}

func sameDeviceUser(a, b zk.User) bool {
	return a.UserID == b.UserID &&
		a.Name == b.Name &&
		a.Privilege == b.Privilege &&
		a.Password == b.Password &&
		a.CardNo == b.CardNo
}

func formatCard(card uint32) string {
	if card == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(card), 10)
}

func containsID(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
