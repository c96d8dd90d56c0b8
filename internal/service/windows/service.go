//go:build windows

// Package windows runs the bridge under the Windows service control manager.
package windows

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/eventlog"
)

const (
	ServiceName        = "ZKAttendanceBridge"
	ServiceDisplayName = "ZK Attendance Bridge"
	ServiceDescription = "Syncs ZKTeco/ESSL attendance terminals with the attendance store"

	stopTimeout = 30 * time.Second
)

// RunFunc runs the bridge until ctx is cancelled.
type RunFunc func(ctx context.Context) error

type handler struct {
	run      RunFunc
	eventLog *eventlog.Log
}

// Execute implements svc.Handler.
func (h *handler) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown

	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.run(ctx) }()

	changes <- svc.Status{State: svc.Running, Accepts: accepted}
	h.eventLog.Info(1, fmt.Sprintf("%s service started", ServiceDisplayName))

	for {
		select {
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				changes <- svc.Status{State: svc.StopPending}
				cancel()
				select {
				case err := <-done:
					if err != nil {
						h.eventLog.Error(1, fmt.Sprintf("Bridge stopped with error: %v", err))
					}
				case <-time.After(stopTimeout):
					h.eventLog.Warning(1, "Service shutdown timeout reached")
				}
				h.eventLog.Info(1, fmt.Sprintf("%s service stopped", ServiceDisplayName))
				return false, 0
			default:
				h.eventLog.Warning(1, fmt.Sprintf("Unexpected service control request: %d", c.Cmd))
			}
		case err := <-done:
			if err != nil {
				h.eventLog.Error(1, fmt.Sprintf("Bridge error: %v", err))
				return false, 1
			}
			return false, 0
		}
	}
}

// Run hands the process to the service control manager. The working
// directory is moved next to the executable so relative paths in the
// configuration resolve the same way as from a console.
func Run(run RunFunc) error {
	if exe, err := ExecutablePath(); err == nil {
		if err := os.Chdir(filepath.Dir(exe)); err != nil {
			return fmt.Errorf("failed to change working directory: %w", err)
		}
	}

	elog, err := eventlog.Open(ServiceName)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer elog.Close()

	return svc.Run(ServiceName, &handler{run: run, eventLog: elog})
}

// IsWindowsService reports whether the process was started by the service
// control manager.
func IsWindowsService() (bool, error) {
	return svc.IsWindowsService()
}

// ExecutablePath returns the resolved path of the running binary.
func ExecutablePath() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable path: %w", err)
	}
	return execPath, nil
}
