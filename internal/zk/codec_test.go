package zk

import (
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFrame_Connect(t *testing.T) {
	frame := BuildFrame(CMD_CONNECT, 0, replyIDWrap-1, nil)

	assert.Equal(t, "e80317fc0000feff", hex.EncodeToString(frame))
	assert.Equal(t, uint16(64535), binary.LittleEndian.Uint16(frame[2:4]))
}

func TestChecksum_OddLength(t *testing.T) {
	even := Checksum([]byte{0x01, 0x00, 0x00, 0x00})
	odd := Checksum([]byte{0x01, 0x00, 0x00, 0x00, 0x02})

	assert.Equal(t, uint16(0xFFFF-2), even)
	assert.Equal(t, uint16(0xFFFF-4), odd)
}

func TestBuildFrame_ParseResponseRoundTrip(t *testing.T) {
	payload := []byte("~SerialNumber\x00")
	frame := BuildFrame(CMD_OPTIONS_RRQ, 0x1234, 7, payload)

	resp, err := ParseResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, uint16(CMD_OPTIONS_RRQ), resp.Code)
	assert.Equal(t, uint16(0x1234), resp.SessionID)
	assert.Equal(t, uint16(7), resp.ReplyID)
	assert.Equal(t, payload, resp.Data)

	zeroed := append([]byte(nil), frame...)
	zeroed[2], zeroed[3] = 0, 0
	assert.Equal(t, resp.Checksum, Checksum(zeroed))
}

func TestParseResponse_Short(t *testing.T) {
	_, err := ParseResponse([]byte{0xd0, 0x07, 0x00})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestTCPPrefix(t *testing.T) {
	packet := WrapTCP([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9})
	assert.Equal(t, "5050827d09000000", hex.EncodeToString(packet[:8]))

	n, err := ParseTCPPrefix(packet[:8])
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	_, err = ParseTCPPrefix([]byte{0x50, 0x50, 0x00, 0x7d, 9, 0, 0, 0})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestStripHeader(t *testing.T) {
	frame := append(make([]byte, 8), []byte("  ~SerialNumber=ABC123\x00\x00 ")...)
	assert.Equal(t, "~SerialNumber=ABC123", StripHeader(frame))
	assert.Equal(t, "", StripHeader(make([]byte, 8)))
	assert.Equal(t, "", StripHeader(nil))
}

func TestParseKeyValueBlob(t *testing.T) {
	tests := []struct {
		name string
		blob string
		want map[string]string
	}{
		{"single", "~SerialNumber=ABC123", map[string]string{"~SerialNumber": "ABC123"}},
		{"multiple", "a=1, b = 2", map[string]string{"a": "1", "b": "2"}},
		{"value with equals", "k=v=w", map[string]string{"k": "v=w"}},
		{"no equals dropped", "garbage,a=1", map[string]string{"a": "1"}},
		{"empty", "", map[string]string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseKeyValueBlob(tt.blob))
		})
	}
}

func TestMakeAuthKey(t *testing.T) {
	tests := []struct {
		password  uint32
		sessionID uint32
		want      uint32
	}{
		{123456, 5, 4180836134},
		{0, 0, 2033352033},
		{0, 5, 2033352033},
		{1, 1, 2033384801},
		{0xFFFFFFFF, 1, 2033352033},
		{123456, 65535, 103972649},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, MakeAuthKey(tt.password, tt.sessionID, DefaultTicks),
			"password=%d session=%d", tt.password, tt.sessionID)
	}

	key := putUint32(MakeAuthKey(123456, 5, DefaultTicks))
	assert.Equal(t, "267f32f9", hex.EncodeToString(key))
}
