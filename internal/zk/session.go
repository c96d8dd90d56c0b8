package zk

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

// AuthState tracks the authentication state machine of a session.
type AuthState int

const (
	Unauthenticated AuthState = iota
	Authenticating
	Authenticated
	AuthFailed
)

func (s AuthState) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case AuthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is one logical connection to one device. A reconnect swaps the
// underlying transport and bumps Generation; callers holding device UIDs
// from an older generation must re-resolve them.
type Session struct {
	params Params
	dial   DialFunc
	logger *logrus.Entry

	maxTemplateSize int

	mu         sync.Mutex
	transport  Transport
	auth       AuthState
	generation uint64
}

// Option customises a Session.
type Option func(*Session)

// WithDialer replaces the socket dialer, mainly for tests.
func WithDialer(dial DialFunc) Option {
	return func(s *Session) {
		s.dial = dial
	}
}

// WithLogger sets the logger used for connection lifecycle messages.
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Session) {
		s.logger = logger.WithFields(logrus.Fields{
			"component": "zk",
			"device":    s.params.Addr(),
		})
	}
}

// WithMaxTemplateSize bounds the declared size of a template record.
func WithMaxTemplateSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.maxTemplateSize = n
		}
	}
}

// Dial connects to a device, performs the handshake and, when a password is
// configured or demanded by the device, authenticates.
func Dial(ctx context.Context, p Params, opts ...Option) (*Session, error) {
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if _, err := parsePassword(p.Password); err != nil {
		return nil, err
	}

	s := &Session{
		params:          p,
		dial:            NetDial,
		maxTemplateSize: DefaultMaxTemplateSize,
	}
	s.logger = logrus.StandardLogger().WithFields(logrus.Fields{"component": "zk", "device": p.Addr()})
	for _, opt := range opts {
		opt(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectLocked(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Params returns the parameters the session connects with.
func (s *Session) Params() Params {
	return s.params
}

// Generation increments on every successful (re)connect.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// SessionID returns the id assigned by the device, zero when disconnected.
func (s *Session) SessionID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return 0
	}
	return s.transport.SessionID()
}

// AuthState returns the current authentication state.
func (s *Session) AuthState() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

// IsConnected reports whether the transport is up.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil && s.transport.IsConnected()
}

// EnsureConnected reconnects if the transport has gone away.
func (s *Session) EnsureConnected(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport != nil && s.transport.IsConnected() {
		return nil
	}
	s.logger.Warn("Device connection lost, reconnecting")
	return s.connectLocked(ctx)
}

// ForceReconnect drops the current transport, even a healthy one, and
// opens a fresh session.
func (s *Session) ForceReconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()
	return s.connectLocked(ctx)
}

// Disconnect closes the session. Errors are logged, never returned.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.transport == nil {
		return
	}
	t := s.transport
	s.transport = nil
	s.auth = Unauthenticated

	if t.IsConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		if _, err := t.Send(ctx, CMD_EXIT, nil); err != nil {
			s.logger.WithError(err).Debug("Exit command failed during disconnect")
		}
		cancel()
	}
	if err := t.Close(); err != nil {
		s.logger.WithError(err).Debug("Error closing device connection")
	}
	s.logger.Info("Disconnected from device")
}

func (s *Session) connectLocked(ctx context.Context) error {
	t, err := s.dial(ctx, s.params)
	if err != nil {
		return err
	}

	resp, err := t.Send(ctx, CMD_CONNECT, nil)
	if err != nil {
		t.Close()
		return err
	}

	s.transport = t
	s.auth = Unauthenticated
	s.generation++

	needsAuth := resp.Code == CMD_ACK_UNAUTH
	if !resp.OK() && !needsAuth {
		s.transport = nil
		t.Close()
		return &ConnectionError{Addr: s.params.Addr(), Err: &CommandError{Command: CMD_CONNECT, Status: resp.Code}}
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": t.SessionID(),
		"generation": s.generation,
	}).Info("Connected to device")

	if s.params.Password != "" || needsAuth {
		if err := s.authenticateLocked(ctx); err != nil {
			s.closeLocked()
			s.auth = AuthFailed
			return err
		}
	}
	return nil
}

// Authenticate sends the COM password derived key.
func (s *Session) Authenticate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticateLocked(ctx)
}

func (s *Session) authenticateLocked(ctx context.Context) error {
	if s.transport == nil || !s.transport.IsConnected() {
		return ErrNotConnected
	}
	sessionID := s.transport.SessionID()
	if sessionID == 0 {
		s.auth = AuthFailed
		return ErrNoSessionID
	}

	password, err := parsePassword(s.params.Password)
	if err != nil {
		s.auth = AuthFailed
		return err
	}

	s.auth = Authenticating
	key := MakeAuthKey(password, uint32(sessionID), DefaultTicks)
	resp, err := s.transport.Send(ctx, CMD_AUTH, putUint32(key))
	if err != nil {
		s.auth = AuthFailed
		return err
	}
	if !resp.OK() {
		s.auth = AuthFailed
		return fmt.Errorf("%w: device answered %d", ErrAuthenticationFailed, resp.Code)
	}

	s.auth = Authenticated
	s.logger.Debug("Authenticated with device")
	return nil
}

// send issues one command on the current transport.
func (s *Session) send(ctx context.Context, command uint16, payload []byte) (*Response, error) {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()

	if t == nil || !t.IsConnected() {
		return nil, ErrNotConnected
	}
	return t.Send(ctx, command, payload)
}

// sendRetry issues a command and, if the transport failed or the reply was
// garbled, reconnects once and repeats it. Only idempotent commands use it.
func (s *Session) sendRetry(ctx context.Context, command uint16, payload []byte) (*Response, error) {
	if err := s.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	resp, err := s.send(ctx, command, payload)
	if err == nil || !IsRetryable(err) || ctx.Err() != nil {
		return resp, err
	}

	s.logger.WithError(err).WithField("command", command).Warn("Command failed, retrying after reconnect")
	if rerr := s.ForceReconnect(ctx); rerr != nil {
		return nil, errors.Join(err, rerr)
	}
	return s.send(ctx, command, payload)
}

func parsePassword(p string) (uint32, error) {
	if p == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(p, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("password must be numeric: %w", err)
	}
	return uint32(v), nil
}
