package zk

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Transport is the minimal surface the protocol layer needs from a device
// connection. Send writes one command and returns the device's reply; replies
// that stream data (CMD_PREPARE_DATA followed by CMD_DATA packets) are
// reassembled and returned as a single CMD_DATA response. A transport picks
// up its session id from the CMD_CONNECT reply.
type Transport interface {
	SessionID() uint16
	Send(ctx context.Context, command uint16, payload []byte) (*Response, error)
	IsConnected() bool
	Close() error
}

// DialFunc opens a transport for the given parameters. No commands are sent.
type DialFunc func(ctx context.Context, p Params) (Transport, error)

// Params identifies a device and how to reach it.
type Params struct {
	Host       string
	Port       int
	Timeout    time.Duration // per command; zero disables deadlines
	ListenPort int           // local port for UDP, zero for ephemeral
	Password   string        // numeric COM password, empty for none
	UDP        bool
	KeepAlive  time.Duration
}

// Addr returns host:port.
func (p Params) Addr() string {
	port := p.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}

// NetDial is the DialFunc backed by real TCP or UDP sockets.
func NetDial(ctx context.Context, p Params) (Transport, error) {
	addr := p.Addr()

	if p.UDP {
		var laddr *net.UDPAddr
		if p.ListenPort > 0 {
			laddr = &net.UDPAddr{Port: p.ListenPort}
		}
		raddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, &ConnectionError{Addr: addr, Err: err}
		}
		conn, err := net.DialUDP("udp", laddr, raddr)
		if err != nil {
			return nil, &ConnectionError{Addr: addr, Err: classifyNetError(err)}
		}
		return newNetTransport(conn, addr, p.Timeout, true), nil
	}

	dialer := net.Dialer{Timeout: p.Timeout, KeepAlive: -1}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: classifyNetError(err)}
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok && p.KeepAlive > 0 {
		if err := enableKeepAlive(tcpConn, p.KeepAlive); err != nil {
			conn.Close()
			return nil, &ConnectionError{Addr: addr, Err: err}
		}
	}
	return newNetTransport(conn, addr, p.Timeout, false), nil
}

type netTransport struct {
	mu        sync.Mutex
	conn      net.Conn
	addr      string
	timeout   time.Duration
	udp       bool
	sessionID uint16
	replyID   uint16
	connected bool
}

func newNetTransport(conn net.Conn, addr string, timeout time.Duration, udp bool) *netTransport {
	return &netTransport{
		conn:      conn,
		addr:      addr,
		timeout:   timeout,
		udp:       udp,
		replyID:   replyIDWrap - 1,
		connected: true,
	}
}

func (t *netTransport) SessionID() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *netTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *netTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.sessionID = 0
	return t.conn.Close()
}

func (t *netTransport) Send(ctx context.Context, command uint16, payload []byte) (*Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil, &ConnectionError{Addr: t.addr, Err: ErrNotConnected}
	}

	t.replyID++
	if t.replyID >= replyIDWrap {
		t.replyID -= replyIDWrap
	}
	frame := BuildFrame(command, t.sessionID, t.replyID, payload)

	if deadline, ok := t.deadline(ctx); ok {
		t.conn.SetDeadline(deadline)
	} else {
		t.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		t.conn.SetDeadline(time.Now())
	})
	defer stop()

	out := frame
	if !t.udp {
		out = WrapTCP(frame)
	}
	if _, err := t.conn.Write(out); err != nil {
		return nil, t.fail(ctx, err)
	}

	resp, err := t.readFrame()
	if err != nil {
		return nil, t.fail(ctx, err)
	}
	if command == CMD_CONNECT {
		t.sessionID = resp.SessionID
	}
	if resp.Code != CMD_PREPARE_DATA {
		return resp, nil
	}

	data, err := t.readStream(resp)
	if err != nil {
		return nil, t.fail(ctx, err)
	}
	return &Response{Code: CMD_DATA, SessionID: resp.SessionID, ReplyID: resp.ReplyID, Data: data}, nil
}

// readStream collects the CMD_DATA packets announced by a CMD_PREPARE_DATA
// reply and consumes the trailing acknowledgement.
func (t *netTransport) readStream(prepare *Response) ([]byte, error) {
	if len(prepare.Data) < 4 {
		return nil, fmt.Errorf("%w: prepare-data reply without size", ErrMalformedResponse)
	}
	size, err := declaredSize(binary.LittleEndian.Uint32(prepare.Data[0:4]), "prepare-data reply")
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, size)

	for len(data) < size {
		resp, err := t.readFrame()
		if err != nil {
			return nil, err
		}
		if resp.Code != CMD_DATA {
			return nil, fmt.Errorf("%w: expected data packet, got %d", ErrMalformedResponse, resp.Code)
		}
		data = append(data, resp.Data...)
	}

	ack, err := t.readFrame()
	if err != nil {
		return nil, err
	}
	if ack.Code != CMD_ACK_OK {
		return nil, fmt.Errorf("%w: stream ended with %d", ErrMalformedResponse, ack.Code)
	}
	return data[:size], nil
}

func (t *netTransport) readFrame() (*Response, error) {
	if t.udp {
		buf := make([]byte, 64*1024)
		n, err := t.conn.Read(buf)
		if err != nil {
			return nil, err
		}
		return ParseResponse(buf[:n])
	}

	prefix := make([]byte, tcpPrefixSize)
	if _, err := io.ReadFull(t.conn, prefix); err != nil {
		return nil, err
	}
	length, err := ParseTCPPrefix(prefix)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(t.conn, frame); err != nil {
		return nil, err
	}
	return ParseResponse(frame)
}

func (t *netTransport) deadline(ctx context.Context) (time.Time, bool) {
	deadline, ok := ctx.Deadline()
	if t.timeout > 0 {
		d := time.Now().Add(t.timeout)
		if !ok || d.Before(deadline) {
			return d, true
		}
	}
	return deadline, ok
}

// fail converts a socket error and marks the transport unusable. Framing
// errors also poison the stream, so they close the socket as well.
func (t *netTransport) fail(ctx context.Context, err error) error {
	t.connected = false
	t.sessionID = 0
	t.conn.Close()

	if errors.Is(err, ErrMalformedResponse) {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	return &ConnectionError{Addr: t.addr, Err: classifyNetError(err)}
}

func classifyNetError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: peer closed connection", ErrNotConnected)
	}
	return err
}
