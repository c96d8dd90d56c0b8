package zk

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DeviceInfo is the subset of device attributes the bridge reports.
type DeviceInfo struct {
	SerialNumber string            `json:"serial_number"`
	DeviceName   string            `json:"device_name"`
	Platform     string            `json:"platform"`
	Firmware     string            `json:"firmware_version"`
	Attributes   map[string]string `json:"attributes"`
}

// DefaultAttributeKeys are queried by GetDeviceInfo.
var DefaultAttributeKeys = []string{"~SerialNumber", "~DeviceName", "~Platform", "~ZKFPVersion", "~OS"}

// FetchUsers reads the full user table. The connection is re-opened first
// because some firmwares leave the socket in a bad state after other commands.
func (s *Session) FetchUsers(ctx context.Context) ([]User, error) {
	if err := s.ForceReconnect(ctx); err != nil {
		return nil, err
	}
	data, err := s.readBuffer(ctx, readUsersRequest)
	if err != nil {
		return nil, fmt.Errorf("read users: %w", err)
	}
	return DecodeUsers(data), nil
}

// FetchTemplates reads every fingerprint template on the device. When
// filterUserID is set only that user's templates are returned; users is the
// list used to resolve it and is fetched when nil. An unknown user yields an
// empty result.
func (s *Session) FetchTemplates(ctx context.Context, filterUserID string, users []User) ([]Template, error) {
	var uid uint16
	if filterUserID != "" {
		if users == nil {
			var err error
			if users, err = s.FetchUsers(ctx); err != nil {
				return nil, err
			}
		}
		u, ok := FindUser(users, filterUserID)
		if !ok {
			s.logger.WithField("user_id", filterUserID).Debug("User not on device, no templates to fetch")
			return []Template{}, nil
		}
		uid = u.UID
	}

	if err := s.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	data, err := s.readBuffer(ctx, readFingerTemplatesRequest)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	templates := DecodeTemplates(data, s.maxTemplateSize)

	if filterUserID == "" {
		return templates, nil
	}
	filtered := make([]Template, 0, len(templates))
	for _, t := range templates {
		if t.UID == uid {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

// WriteTemplate uploads one template with the prepare/data/commit sequence.
// A failure after the first step leaves the slot in an undefined state.
func (s *Session) WriteTemplate(ctx context.Context, uid uint16, finger uint8, data []byte) error {
	if len(data) == 0 || len(data) > 0xFFFF {
		return fmt.Errorf("template size %d out of range", len(data))
	}

	steps := []struct {
		command uint16
		payload []byte
	}{
		{CMD_PREPARE_DATA, putUint32(uint32(len(data)))},
		{CMD_DATA, data},
		{CMD_TMP_WRITE, templateMeta(uid, finger, len(data))},
	}
	for _, step := range steps {
		resp, err := s.send(ctx, step.command, step.payload)
		if err != nil {
			return fmt.Errorf("template write step %d: %w", step.command, err)
		}
		if !resp.OK() {
			return &TemplateWriteFailedError{UID: uid, Finger: finger, Status: resp.Code}
		}
	}
	return nil
}

func templateMeta(uid uint16, finger uint8, size int) []byte {
	meta := make([]byte, 6)
	binary.LittleEndian.PutUint16(meta[0:2], uid)
	meta[2] = finger
	meta[3] = 1
	binary.LittleEndian.PutUint16(meta[4:6], uint16(size))
	return meta
}

// DeleteUser removes a user, and with it all of the user's templates.
func (s *Session) DeleteUser(ctx context.Context, uid uint16) error {
	return s.expectOK(ctx, CMD_DELETE_USER, putUint16(uid))
}

// SetUser creates or overwrites the user stored under u.UID.
func (s *Session) SetUser(ctx context.Context, u User) error {
	if u.UID == 0 {
		return fmt.Errorf("set user %q: uid must be non-zero", u.UserID)
	}
	return s.expectOK(ctx, CMD_USER_WRQ, EncodeUser(u))
}

// RefreshData asks the device to rebuild its caches after writes. It is
// best effort: failures are logged and otherwise ignored.
func (s *Session) RefreshData(ctx context.Context) {
	if err := s.expectOK(ctx, CMD_REFRESHDATA, nil); err != nil {
		s.logger.WithError(err).Warn("Device refresh failed")
	}
}

// GetTime reads the device clock.
func (s *Session) GetTime(ctx context.Context) (time.Time, error) {
	resp, err := s.sendRetry(ctx, CMD_GET_TIME, nil)
	if err != nil {
		return time.Time{}, err
	}
	if !resp.OK() {
		return time.Time{}, &CommandError{Command: CMD_GET_TIME, Status: resp.Code}
	}
	if len(resp.Data) < 4 {
		return time.Time{}, fmt.Errorf("%w: time reply has %d data bytes", ErrMalformedResponse, len(resp.Data))
	}
	return DecodeDeviceTime(binary.LittleEndian.Uint32(resp.Data[0:4])), nil
}

// SetTime sets the device clock to the wall clock of t.
func (s *Session) SetTime(ctx context.Context, t time.Time) error {
	raw, err := EncodeDeviceTime(t)
	if err != nil {
		return err
	}
	return s.expectOK(ctx, CMD_SET_TIME, putUint32(raw))
}

// GetAttributes queries free-form option values such as "~SerialNumber".
// Keys the device does not know are absent from the result.
func (s *Session) GetAttributes(ctx context.Context, keys ...string) (map[string]string, error) {
	attrs := make(map[string]string)
	for _, key := range keys {
		resp, err := s.sendRetry(ctx, CMD_OPTIONS_RRQ, append([]byte(key), 0))
		if err != nil {
			return nil, fmt.Errorf("read option %s: %w", key, err)
		}
		if !resp.OK() {
			continue
		}
		for k, v := range ParseKeyValueBlob(dataText(resp.Data)) {
			attrs[k] = v
		}
	}
	return attrs, nil
}

// GetVersion returns the firmware version string.
func (s *Session) GetVersion(ctx context.Context) (string, error) {
	resp, err := s.sendRetry(ctx, CMD_GET_VERSION, nil)
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", &CommandError{Command: CMD_GET_VERSION, Status: resp.Code}
	}
	return dataText(resp.Data), nil
}

// GetDeviceInfo collects the common identifying attributes.
func (s *Session) GetDeviceInfo(ctx context.Context) (*DeviceInfo, error) {
	attrs, err := s.GetAttributes(ctx, DefaultAttributeKeys...)
	if err != nil {
		return nil, err
	}
	version, err := s.GetVersion(ctx)
	if err != nil {
		s.logger.WithError(err).Debug("Firmware version unavailable")
	}
	return &DeviceInfo{
		SerialNumber: attrs["~SerialNumber"],
		DeviceName:   attrs["~DeviceName"],
		Platform:     attrs["~Platform"],
		Firmware:     version,
		Attributes:   attrs,
	}, nil
}

// SetOption writes one option value. Callers usually follow with RefreshData.
func (s *Session) SetOption(ctx context.Context, key, value string) error {
	if strings.ContainsAny(key, "=,\x00") {
		return fmt.Errorf("invalid option key %q", key)
	}
	payload := append([]byte(key+"="+value), 0)
	return s.expectOK(ctx, CMD_OPTIONS_WRQ, payload)
}

// ChangePassword sets a new COM password. The session keeps working with
// the new password on later reconnects.
func (s *Session) ChangePassword(ctx context.Context, newPassword string) error {
	p, err := parsePassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.SetOption(ctx, "COMKey", strconv.FormatUint(uint64(p), 10)); err != nil {
		return fmt.Errorf("write COMKey: %w", err)
	}
	s.RefreshData(ctx)

	s.mu.Lock()
	s.params.Password = newPassword
	s.mu.Unlock()
	return nil
}

// FetchAttendance reads the attendance log on a fresh connection.
func (s *Session) FetchAttendance(ctx context.Context) ([]Attendance, error) {
	if err := s.ForceReconnect(ctx); err != nil {
		return nil, err
	}
	data, err := s.readBuffer(ctx, readAttendanceRequest)
	if err != nil {
		return nil, fmt.Errorf("read attendance: %w", err)
	}
	return DecodeAttendance(data), nil
}

// ClearAttendance wipes the attendance log on the device.
func (s *Session) ClearAttendance(ctx context.Context) error {
	return s.expectOK(ctx, CMD_CLEAR_ATTLOG, nil)
}

// readBuffer runs a buffered table read and returns the table body with its
// 4-byte size prefix removed.
func (s *Session) readBuffer(ctx context.Context, request []byte) ([]byte, error) {
	resp, err := s.sendRetry(ctx, CMD_PREPARE_BUFFER, request)
	if err != nil {
		return nil, err
	}

	var data []byte
	switch resp.Code {
	case CMD_DATA:
		data = resp.Data
	case CMD_ACK_OK:
		if len(resp.Data) < 5 {
			return nil, fmt.Errorf("%w: buffer announcement has %d bytes", ErrMalformedResponse, len(resp.Data))
		}
		size, err := declaredSize(binary.LittleEndian.Uint32(resp.Data[1:5]), "buffer announcement")
		if err != nil {
			return nil, err
		}
		if data, err = s.readChunks(ctx, size); err != nil {
			return nil, err
		}
	default:
		return nil, &CommandError{Command: CMD_PREPARE_BUFFER, Status: resp.Code}
	}

	if len(data) < 4 {
		return nil, nil
	}
	total := int(binary.LittleEndian.Uint32(data[0:4]))
	body := data[4:]
	if total < len(body) {
		body = body[:total]
	}
	return body, nil
}

func (s *Session) readChunks(ctx context.Context, size int) ([]byte, error) {
	chunk := maxTCPChunk
	if s.params.UDP {
		chunk = maxUDPChunk
	}

	data := make([]byte, 0, size)
	for start := 0; start < size; {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		n := size - start
		if n > chunk {
			n = chunk
		}
		req := make([]byte, 8)
		binary.LittleEndian.PutUint32(req[0:4], uint32(start))
		binary.LittleEndian.PutUint32(req[4:8], uint32(n))

		resp, err := s.send(ctx, CMD_READ_BUFFER, req)
		if err != nil {
			return nil, err
		}
		if resp.Code != CMD_DATA {
			return nil, &CommandError{Command: CMD_READ_BUFFER, Status: resp.Code}
		}
		data = append(data, resp.Data...)
		start += n
	}

	if _, err := s.send(ctx, CMD_FREE_DATA, nil); err != nil {
		s.logger.WithError(err).Debug("Free data command failed")
	}
	return data, nil
}

func (s *Session) expectOK(ctx context.Context, command uint16, payload []byte) error {
	resp, err := s.send(ctx, command, payload)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &CommandError{Command: command, Status: resp.Code}
	}
	return nil
}

// FindUser looks a user up by external id.
func FindUser(users []User, userID string) (User, bool) {
	for _, u := range users {
		if u.UserID == userID {
			return u, true
		}
	}
	return User{}, false
}
