// Package types holds the result shape shared by the CLI and the HTTP API.
package types

import (
	"errors"

	"zk-attendance-bridge/internal/zk"
)

// Result is the outcome of one public operation.
type Result struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Stopped bool        `json:"stopped,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// OK returns a successful result carrying data.
func OK(data interface{}) Result {
	return Result{Success: true, Data: data}
}

// FromError converts err into a result. A cancelled operation is reported
// as stopped rather than failed.
func FromError(err error) Result {
	if err == nil {
		return Result{Success: true}
	}
	if errors.Is(err, zk.ErrCancelled) {
		return Result{Stopped: true, Error: err.Error()}
	}
	return Result{Error: err.Error()}
}

// Failed reports whether the result is an error that was not a stop.
func (r Result) Failed() bool {
	return !r.Success && !r.Stopped
}
