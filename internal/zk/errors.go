package zk

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionRefused      = errors.New("connection refused")
	ErrTimeout                = errors.New("device timeout")
	ErrNotConnected           = errors.New("device not connected")
	ErrAuthenticationFailed   = errors.New("authentication failed")
	ErrNoSessionID            = errors.New("no session id")
	ErrMalformedResponse      = errors.New("malformed response")
	ErrUserNotFoundAfterWrite = errors.New("user not found on device after write")
	ErrCancelled              = errors.New("operation cancelled")
)

// ConnectionError is returned when the transport to a device cannot be
// opened or breaks mid-command. It is retryable.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// CommandError reports a non-ACK status for a single command.
type CommandError struct {
	Command uint16
	Status  uint16
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %d failed with response %d", e.Command, e.Status)
}

// TemplateWriteFailedError carries the raw device status of a rejected
// template commit.
type TemplateWriteFailedError struct {
	UID    uint16
	Finger uint8
	Status uint16
}

func (e *TemplateWriteFailedError) Error() string {
	return fmt.Sprintf("template write for uid %d finger %d failed with status %d", e.UID, e.Finger, e.Status)
}

// IsRetryable reports whether err is worth retrying after a reconnect.
func IsRetryable(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr) || errors.Is(err, ErrMalformedResponse)
}
