// Package zktest provides an in-memory ZK terminal for tests.
package zktest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"zk-attendance-bridge/internal/zk"
)

type templateKey struct {
	uid    uint16
	finger uint8
}

// Device emulates the state and command handling of one terminal. The zero
// value is not usable; call NewDevice.
type Device struct {
	mu sync.Mutex

	Password string
	// ChunkedReads makes buffered reads announce a size and serve it through
	// CMD_READ_BUFFER instead of returning the table inline.
	ChunkedReads bool
	// AssignUID, when set, picks the UID actually stored for a CMD_USER_WRQ
	// carrying the requested one. Returning 0 acknowledges the write without
	// storing the user.
	AssignUID func(requested uint16) uint16

	users      map[uint16]zk.User
	templates  map[templateKey]zk.Template
	attendance []byte
	options    map[string]string
	version    string
	clock      uint32

	nextSession uint16
	pending     []byte
	pendingSize int
	buffer      []byte

	failNext map[uint16]uint16
	dropNext map[uint16]bool
	dialErr  error

	Calls []uint16
	Dials int
}

// NewDevice returns an empty device.
func NewDevice() *Device {
	return &Device{
		users:       make(map[uint16]zk.User),
		templates:   make(map[templateKey]zk.Template),
		options:     map[string]string{"~SerialNumber": "FAKE0001", "~DeviceName": "K40", "~Platform": "ZMM220_TFT"},
		version:     "Ver 6.60 Apr 28 2017",
		nextSession: 0x1234,
	}
}

// AddUser stores a user directly.
func (d *Device) AddUser(u zk.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.UID] = u
}

// AddTemplate stores a template directly.
func (d *Device) AddTemplate(t zk.Template) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t.Size = len(t.Data) + 6
	d.templates[templateKey{t.UID, t.Finger}] = t
}

// AddAttendance appends raw 40-byte records for the given punches.
func (d *Device) AddAttendance(records ...zk.Attendance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range records {
		rec := make([]byte, 40)
		binary.LittleEndian.PutUint16(rec[0:2], a.UID)
		copy(rec[2:26], a.UserID)
		rec[26] = byte(a.State)
		raw, err := zk.EncodeDeviceTime(a.RecordTime)
		if err != nil {
			panic(err)
		}
		binary.LittleEndian.PutUint32(rec[27:31], raw)
		rec[31] = byte(a.Type)
		d.attendance = append(d.attendance, rec...)
	}
}

// Users returns the stored users ordered by UID.
func (d *Device) Users() []zk.User {
	d.mu.Lock()
	defer d.mu.Unlock()
	users := make([]zk.User, 0, len(d.users))
	for _, u := range d.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UID < users[j].UID })
	return users
}

// Templates returns the stored templates ordered by UID and finger.
func (d *Device) Templates() []zk.Template {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sortedTemplates()
}

// Option returns a stored option value.
func (d *Device) Option(key string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.options[key]
}

// Clock returns the raw device time.
func (d *Device) Clock() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock
}

// SetClock sets the raw device time.
func (d *Device) SetClock(raw uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock = raw
}

// FailNext makes the next occurrence of command answer with status.
func (d *Device) FailNext(command, status uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext == nil {
		d.failNext = make(map[uint16]uint16)
	}
	d.failNext[command] = status
}

// DropNext makes the next occurrence of command break the connection.
func (d *Device) DropNext(command uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dropNext == nil {
		d.dropNext = make(map[uint16]bool)
	}
	d.dropNext[command] = true
}

// RefuseDials makes every following dial fail with err; nil restores dialing.
func (d *Device) RefuseDials(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

// CallCount returns how often command was received.
func (d *Device) CallCount(command uint16) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.Calls {
		if c == command {
			n++
		}
	}
	return n
}

// Dial is a zk.DialFunc connecting to this device.
func (d *Device) Dial(ctx context.Context, p zk.Params) (zk.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Dials++
	if d.dialErr != nil {
		return nil, &zk.ConnectionError{Addr: p.Addr(), Err: d.dialErr}
	}
	return &conn{device: d, addr: p.Addr(), connected: true}, nil
}

type conn struct {
	device    *Device
	addr      string
	sessionID uint16
	connected bool
}

func (c *conn) SessionID() uint16 { return c.sessionID }

func (c *conn) IsConnected() bool { return c.connected }

func (c *conn) Close() error {
	c.connected = false
	c.sessionID = 0
	return nil
}

func (c *conn) Send(ctx context.Context, command uint16, payload []byte) (*zk.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", zk.ErrCancelled, err)
	}
	if !c.connected {
		return nil, &zk.ConnectionError{Addr: c.addr, Err: zk.ErrNotConnected}
	}

	d := c.device
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Calls = append(d.Calls, command)
	if d.dropNext[command] {
		delete(d.dropNext, command)
		c.connected = false
		return nil, &zk.ConnectionError{Addr: c.addr, Err: zk.ErrTimeout}
	}
	if status, ok := d.failNext[command]; ok {
		delete(d.failNext, command)
		return c.reply(status, nil), nil
	}

	switch command {
	case zk.CMD_CONNECT:
		d.nextSession++
		c.sessionID = d.nextSession
		if d.Password != "" {
			return c.reply(zk.CMD_ACK_UNAUTH, nil), nil
		}
		return c.ok(nil), nil
	case zk.CMD_AUTH:
		return c.reply(d.checkAuth(c.sessionID, payload), nil), nil
	case zk.CMD_EXIT:
		return c.ok(nil), nil
	case zk.CMD_PREPARE_BUFFER:
		return d.prepareBuffer(c, payload), nil
	case zk.CMD_READ_BUFFER:
		start := int(binary.LittleEndian.Uint32(payload[0:4]))
		size := int(binary.LittleEndian.Uint32(payload[4:8]))
		if start+size > len(d.buffer) {
			return c.reply(zk.CMD_ACK_ERROR, nil), nil
		}
		return c.reply(zk.CMD_DATA, d.buffer[start:start+size]), nil
	case zk.CMD_FREE_DATA, zk.CMD_REFRESHDATA:
		return c.ok(nil), nil
	case zk.CMD_DELETE_USER:
		uid := binary.LittleEndian.Uint16(payload)
		if _, ok := d.users[uid]; !ok {
			return c.reply(zk.CMD_ACK_ERROR, nil), nil
		}
		delete(d.users, uid)
		for k := range d.templates {
			if k.uid == uid {
				delete(d.templates, k)
			}
		}
		return c.ok(nil), nil
	case zk.CMD_USER_WRQ:
		u := zk.DecodeUsers(payload)
		if len(u) != 1 {
			return c.reply(zk.CMD_ACK_ERROR, nil), nil
		}
		user := u[0]
		if d.AssignUID != nil {
			user.UID = d.AssignUID(user.UID)
		}
		if user.UID != 0 {
			d.users[user.UID] = user
		}
		return c.ok(nil), nil
	case zk.CMD_PREPARE_DATA:
		d.pendingSize = int(binary.LittleEndian.Uint32(payload))
		d.pending = nil
		return c.ok(nil), nil
	case zk.CMD_DATA:
		d.pending = append([]byte(nil), payload...)
		return c.ok(nil), nil
	case zk.CMD_TMP_WRITE:
		uid := binary.LittleEndian.Uint16(payload[0:2])
		finger := payload[2]
		size := int(binary.LittleEndian.Uint16(payload[4:6]))
		if _, ok := d.users[uid]; !ok || size != len(d.pending) || size != d.pendingSize {
			return c.reply(zk.CMD_ACK_ERROR, nil), nil
		}
		d.templates[templateKey{uid, finger}] = zk.Template{UID: uid, Finger: finger, Valid: payload[3], Size: size + 6, Data: d.pending}
		d.pending = nil
		return c.ok(nil), nil
	case zk.CMD_GET_TIME:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, d.clock)
		return c.ok(b), nil
	case zk.CMD_SET_TIME:
		d.clock = binary.LittleEndian.Uint32(payload)
		return c.ok(nil), nil
	case zk.CMD_OPTIONS_RRQ:
		key := strings.TrimRight(string(payload), "\x00")
		v, ok := d.options[key]
		if !ok {
			return c.reply(zk.CMD_ACK_ERROR, nil), nil
		}
		return c.ok(append([]byte(key+"="+v), 0, 0)), nil
	case zk.CMD_OPTIONS_WRQ:
		key, value, _ := strings.Cut(strings.TrimRight(string(payload), "\x00"), "=")
		d.options[key] = value
		return c.ok(nil), nil
	case zk.CMD_GET_VERSION:
		return c.ok(append([]byte(d.version), 0)), nil
	case zk.CMD_CLEAR_ATTLOG:
		d.attendance = nil
		return c.ok(nil), nil
	}
	return c.reply(zk.CMD_ACK_ERROR, nil), nil
}

func (c *conn) ok(data []byte) *zk.Response {
	return c.reply(zk.CMD_ACK_OK, data)
}

func (c *conn) reply(code uint16, data []byte) *zk.Response {
	return &zk.Response{Code: code, SessionID: c.sessionID, Data: append([]byte(nil), data...)}
}

func (d *Device) checkAuth(sessionID uint16, payload []byte) uint16 {
	if len(payload) != 4 {
		return zk.CMD_ACK_UNAUTH
	}
	var password uint32
	fmt.Sscanf(d.Password, "%d", &password)
	if binary.LittleEndian.Uint32(payload) != zk.MakeAuthKey(password, uint32(sessionID), zk.DefaultTicks) {
		return zk.CMD_ACK_UNAUTH
	}
	return zk.CMD_ACK_OK
}

func (d *Device) prepareBuffer(c *conn, request []byte) *zk.Response {
	if len(request) < 4 {
		return c.reply(zk.CMD_ACK_ERROR, nil)
	}

	var body []byte
	switch {
	case request[1] == zk.CMD_USERTEMP_RRQ && request[3] == zk.FCT_USER:
		for _, u := range d.sortedUsers() {
			body = append(body, zk.EncodeUser(u)...)
		}
	case request[1] == zk.CMD_DB_RRQ && request[3] == zk.FCT_FINGERTMP:
		for _, t := range d.sortedTemplates() {
			body = append(body, zk.EncodeTemplate(t)...)
		}
	case request[1] == zk.CMD_ATTLOG_RRQ:
		body = append(body, d.attendance...)
	default:
		return c.reply(zk.CMD_ACK_ERROR, nil)
	}

	table := make([]byte, 4, 4+len(body))
	binary.LittleEndian.PutUint32(table, uint32(len(body)))
	table = append(table, body...)

	if !d.ChunkedReads {
		return c.reply(zk.CMD_DATA, table)
	}
	d.buffer = table
	announce := make([]byte, 5)
	binary.LittleEndian.PutUint32(announce[1:5], uint32(len(table)))
	return c.ok(announce)
}

func (d *Device) sortedUsers() []zk.User {
	users := make([]zk.User, 0, len(d.users))
	for _, u := range d.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UID < users[j].UID })
	return users
}

func (d *Device) sortedTemplates() []zk.Template {
	templates := make([]zk.Template, 0, len(d.templates))
	for _, t := range d.templates {
		templates = append(templates, t)
	}
	sort.Slice(templates, func(i, j int) bool {
		if templates[i].UID != templates[j].UID {
			return templates[i].UID < templates[j].UID
		}
		return templates[i].Finger < templates[j].Finger
	})
	return templates
}

// Now is a device clock value for tests that need a fixed time.
var Now = time.Date(2024, 3, 15, 13, 45, 30, 0, time.Local)
