package zk

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"strings"
)

// Response is a parsed device reply.
type Response struct {
	Code      uint16
	Checksum  uint16
	SessionID uint16
	ReplyID   uint16
	Data      []byte
}

// OK reports whether the device acknowledged the command.
func (r *Response) OK() bool {
	return r != nil && r.Code == CMD_ACK_OK
}

// BuildFrame assembles the 8-byte header and payload and fills in the checksum.
func BuildFrame(command, sessionID, replyID uint16, payload []byte) []byte {
	frame := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint16(frame[0:2], command)
	binary.LittleEndian.PutUint16(frame[4:6], sessionID)
	binary.LittleEndian.PutUint16(frame[6:8], replyID)
	copy(frame[headerSize:], payload)

	binary.LittleEndian.PutUint16(frame[2:4], Checksum(frame))
	return frame
}

// Checksum computes the vendor checksum over a frame whose checksum field is zero.
func Checksum(frame []byte) uint16 {
	var sum int
	i := 0
	for ; i+1 < len(frame); i += 2 {
		sum += int(binary.LittleEndian.Uint16(frame[i : i+2]))
		if sum > 0xFFFF {
			sum -= 0xFFFF
		}
	}
	if i < len(frame) {
		sum += int(frame[len(frame)-1])
	}
	for sum > 0xFFFF {
		sum -= 0xFFFF
	}

	sum = ^sum
	for sum < 0 {
		sum += 0xFFFF
	}
	return uint16(sum)
}

// WrapTCP prefixes a frame with the TCP magic and length.
func WrapTCP(frame []byte) []byte {
	packet := make([]byte, tcpPrefixSize+len(frame))
	copy(packet[0:4], tcpMagic[:])
	binary.LittleEndian.PutUint32(packet[4:8], uint32(len(frame)))
	copy(packet[tcpPrefixSize:], frame)
	return packet
}

// ParseTCPPrefix validates the TCP prefix and returns the length of the frame that follows.
func ParseTCPPrefix(prefix []byte) (int, error) {
	if len(prefix) < tcpPrefixSize {
		return 0, fmt.Errorf("%w: short tcp prefix (%d bytes)", ErrMalformedResponse, len(prefix))
	}
	if prefix[0] != tcpMagic[0] || prefix[1] != tcpMagic[1] || prefix[2] != tcpMagic[2] || prefix[3] != tcpMagic[3] {
		return 0, fmt.Errorf("%w: bad tcp magic % x", ErrMalformedResponse, prefix[0:4])
	}
	return declaredSize(binary.LittleEndian.Uint32(prefix[4:8]), "tcp frame")
}

// declaredSize converts a length announced by the device, rejecting values
// above MaxBufferSize before anything is allocated for them.
func declaredSize(n uint32, what string) (int, error) {
	if n > MaxBufferSize {
		return 0, fmt.Errorf("%w: %s declares %d bytes, limit is %d", ErrMalformedResponse, what, n, MaxBufferSize)
	}
	return int(n), nil
}

// ParseResponse splits a raw frame into header fields and payload.
func ParseResponse(frame []byte) (*Response, error) {
	if len(frame) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedResponse, len(frame), headerSize)
	}

	data := make([]byte, len(frame)-headerSize)
	copy(data, frame[headerSize:])

	return &Response{
		Code:      binary.LittleEndian.Uint16(frame[0:2]),
		Checksum:  binary.LittleEndian.Uint16(frame[2:4]),
		SessionID: binary.LittleEndian.Uint16(frame[4:6]),
		ReplyID:   binary.LittleEndian.Uint16(frame[6:8]),
		Data:      data,
	}, nil
}

// StripHeader turns an informational reply into its text body: the header
// is dropped, embedded NUL bytes removed and surrounding space trimmed.
func StripHeader(frame []byte) string {
	if len(frame) <= headerSize {
		return ""
	}
	return dataText(frame[headerSize:])
}

func dataText(data []byte) string {
	return strings.TrimSpace(strings.ReplaceAll(string(data), "\x00", ""))
}

// ParseKeyValueBlob parses "key=value,key=value" text. Parts without '=' are dropped.
func ParseKeyValueBlob(blob string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(blob, ",") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		result[key] = strings.TrimSpace(value)
	}
	return result
}

// MakeAuthKey derives the CMD_AUTH payload from a COM password and the
// session id handed out on connect. The byte shuffling must match the
// firmware exactly.
func MakeAuthKey(password, sessionID uint32, ticks uint8) uint32 {
	k := bits.Reverse32(password) + sessionID

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], k)

	b[0] ^= 'Z'
	b[1] ^= 'K'
	b[2] ^= 'S'
	b[3] ^= 'O'

	b[0], b[1], b[2], b[3] = b[2], b[3], b[0], b[1]

	t := ticks
	b[0] ^= t
	b[1] ^= t
	b[2] = t
	b[3] ^= t

	return binary.LittleEndian.Uint32(b[:])
}

func putUint16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func putUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
