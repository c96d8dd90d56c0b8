package zk

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveOnce accepts one connection and answers each request with the frames
// returned by handle.
func serveOnce(t *testing.T, handle func(req *Response) [][]byte) Params {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			prefix := make([]byte, tcpPrefixSize)
			if _, err := io.ReadFull(conn, prefix); err != nil {
				return
			}
			n, err := ParseTCPPrefix(prefix)
			if err != nil {
				return
			}
			frame := make([]byte, n)
			if _, err := io.ReadFull(conn, frame); err != nil {
				return
			}
			req, err := ParseResponse(frame)
			if err != nil {
				return
			}
			for _, out := range handle(req) {
				if _, err := conn.Write(WrapTCP(out)); err != nil {
					return
				}
			}
		}
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return Params{Host: host, Port: p, Timeout: 2 * time.Second}
}

func TestNetTransport_ConnectAndStream(t *testing.T) {
	body := make([]byte, 300)
	for i := range body {
		body[i] = byte(i)
	}
	p := serveOnce(t, func(req *Response) [][]byte {
		switch req.Code {
		case CMD_CONNECT:
			return [][]byte{BuildFrame(CMD_ACK_OK, 0x4d2, req.ReplyID, nil)}
		case CMD_PREPARE_BUFFER:
			return [][]byte{
				BuildFrame(CMD_PREPARE_DATA, req.SessionID, req.ReplyID, putUint32(uint32(len(body)))),
				BuildFrame(CMD_DATA, req.SessionID, req.ReplyID, body[:200]),
				BuildFrame(CMD_DATA, req.SessionID, req.ReplyID, body[200:]),
				BuildFrame(CMD_ACK_OK, req.SessionID, req.ReplyID, nil),
			}
		}
		return [][]byte{BuildFrame(CMD_ACK_ERROR, req.SessionID, req.ReplyID, nil)}
	})

	tr, err := NetDial(context.Background(), p)
	require.NoError(t, err)
	defer tr.Close()

	resp, err := tr.Send(context.Background(), CMD_CONNECT, nil)
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, uint16(0x4d2), tr.SessionID())
	assert.Equal(t, uint16(0), resp.ReplyID, "reply counter wraps before the first command")

	resp, err = tr.Send(context.Background(), CMD_PREPARE_BUFFER, readUsersRequest)
	require.NoError(t, err)
	assert.Equal(t, uint16(CMD_DATA), resp.Code)
	assert.Equal(t, body, resp.Data)
	assert.Equal(t, uint16(1), resp.ReplyID)

	resp, err = tr.Send(context.Background(), CMD_GET_TIME, nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(CMD_ACK_ERROR), resp.Code)
	assert.Equal(t, uint16(2), resp.ReplyID)
}

func TestNetTransport_Timeout(t *testing.T) {
	p := serveOnce(t, func(req *Response) [][]byte { return nil })
	p.Timeout = 100 * time.Millisecond

	tr, err := NetDial(context.Background(), p)
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.Send(context.Background(), CMD_CONNECT, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsRetryable(err))
	assert.False(t, tr.IsConnected())
}

func TestNetTransport_Cancel(t *testing.T) {
	p := serveOnce(t, func(req *Response) [][]byte { return nil })
	p.Timeout = 0

	tr, err := NetDial(context.Background(), p)
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err = tr.Send(ctx, CMD_CONNECT, nil)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestNetDial_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	_, err = NetDial(context.Background(), Params{Host: "127.0.0.1", Port: addr.Port, Timeout: time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionRefused)

	var connErr *ConnectionError
	assert.True(t, errors.As(err, &connErr))
}

func TestNetTransport_MalformedReply(t *testing.T) {
	p := serveOnce(t, func(req *Response) [][]byte { return [][]byte{{0xd0, 0x07}} })

	tr, err := NetDial(context.Background(), p)
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.Send(context.Background(), CMD_CONNECT, nil)
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.False(t, tr.IsConnected())
}

func TestNetTransport_UDP(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	go func() {
		buf := make([]byte, 2048)
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		req, err := ParseResponse(buf[:n])
		if err != nil {
			return
		}
		pc.WriteTo(BuildFrame(CMD_ACK_OK, 0x99, req.ReplyID, nil), from)
	}()

	port := pc.LocalAddr().(*net.UDPAddr).Port
	tr, err := NetDial(context.Background(), Params{Host: "127.0.0.1", Port: port, Timeout: 2 * time.Second, UDP: true})
	require.NoError(t, err)
	defer tr.Close()

	resp, err := tr.Send(context.Background(), CMD_CONNECT, nil)
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, uint16(0x99), tr.SessionID())
}

func TestNetTransport_RejectsOversizedStream(t *testing.T) {
	p := serveOnce(t, func(req *Response) [][]byte {
		if req.Code == CMD_CONNECT {
			return [][]byte{BuildFrame(CMD_ACK_OK, 0x4d2, req.ReplyID, nil)}
		}
		return [][]byte{BuildFrame(CMD_PREPARE_DATA, req.SessionID, req.ReplyID, putUint32(0xFFFFFFF0))}
	})

	tr, err := NetDial(context.Background(), p)
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.Send(context.Background(), CMD_CONNECT, nil)
	require.NoError(t, err)

	_, err = tr.Send(context.Background(), CMD_PREPARE_BUFFER, readUsersRequest)
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.False(t, tr.IsConnected())
}

func TestParseTCPPrefix_RejectsOversizedFrame(t *testing.T) {
	prefix := append(tcpMagic[:], putUint32(MaxBufferSize+1)...)
	_, err := ParseTCPPrefix(prefix)
	assert.ErrorIs(t, err, ErrMalformedResponse)

	n, err := ParseTCPPrefix(append(tcpMagic[:], putUint32(MaxBufferSize)...))
	require.NoError(t, err)
	assert.Equal(t, MaxBufferSize, n)
}

// announcingTransport acknowledges every command and answers buffer
// requests with a fixed size announcement.
type announcingTransport struct {
	size     uint32
	commands []uint16
}

func (a *announcingTransport) SessionID() uint16 { return 0x22 }
func (a *announcingTransport) IsConnected() bool { return true }
func (a *announcingTransport) Close() error      { return nil }

func (a *announcingTransport) Send(ctx context.Context, command uint16, payload []byte) (*Response, error) {
	a.commands = append(a.commands, command)
	if command == CMD_PREPARE_BUFFER {
		announce := make([]byte, 5)
		copy(announce[1:], putUint32(a.size))
		return &Response{Code: CMD_ACK_OK, Data: announce}, nil
	}
	return &Response{Code: CMD_ACK_OK}, nil
}

func TestReadBuffer_RejectsOversizedAnnouncement(t *testing.T) {
	tr := &announcingTransport{size: 0xFFFFFFFF}
	s, err := Dial(context.Background(), Params{Host: "10.0.0.5"},
		WithDialer(func(context.Context, Params) (Transport, error) { return tr, nil }))
	require.NoError(t, err)

	_, err = s.FetchTemplates(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.NotContains(t, tr.commands, uint16(CMD_READ_BUFFER))
}
