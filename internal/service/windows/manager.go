//go:build windows

package windows

import (
	"fmt"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/eventlog"
	"golang.org/x/sys/windows/svc/mgr"
)

// ServiceManager installs and controls the bridge service.
type ServiceManager struct {
	manager *mgr.Mgr
}

// NewServiceManager connects to the service control manager.
func NewServiceManager() (*ServiceManager, error) {
	m, err := mgr.Connect()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to service manager: %w", err)
	}
	return &ServiceManager{manager: m}, nil
}

// Close disconnects from the service control manager.
func (sm *ServiceManager) Close() error {
	return sm.manager.Disconnect()
}

// Install registers the service to run "<exe> serve [--config path]" at boot.
func (sm *ServiceManager) Install(execPath, configPath string) error {
	if s, err := sm.manager.OpenService(ServiceName); err == nil {
		s.Close()
		return fmt.Errorf("service %s is already installed", ServiceName)
	}

	args := []string{"serve"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	s, err := sm.manager.CreateService(ServiceName, execPath, mgr.Config{
		ServiceType:  windows.SERVICE_WIN32_OWN_PROCESS,
		StartType:    mgr.StartAutomatic,
		ErrorControl: mgr.ErrorNormal,
		DisplayName:  ServiceDisplayName,
		Description:  ServiceDescription,
		Dependencies: []string{"Tcpip"},
	}, args...)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	defer s.Close()

	if err := eventlog.InstallAsEventCreate(ServiceName, eventlog.Error|eventlog.Warning|eventlog.Info); err != nil {
		s.Delete()
		return fmt.Errorf("failed to install event log source: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func (sm *ServiceManager) Uninstall() error {
	if err := sm.Stop(); err != nil {
		return err
	}

	s, err := sm.manager.OpenService(ServiceName)
	if err != nil {
		return fmt.Errorf("failed to open service: %w", err)
	}
	defer s.Close()

	if err := s.Delete(); err != nil {
		return fmt.Errorf("failed to delete service: %w", err)
	}
	if err := eventlog.Remove(ServiceName); err != nil {
		return fmt.Errorf("failed to remove event log source: %w", err)
	}
	return nil
}

// Start starts the service and waits until it runs.
func (sm *ServiceManager) Start() error {
	s, err := sm.manager.OpenService(ServiceName)
	if err != nil {
		return fmt.Errorf("failed to open service: %w", err)
	}
	defer s.Close()

	if err := s.Start(); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	return waitFor(s, svc.Running)
}

// Stop stops the service and waits until it has stopped. A stopped
// service is left alone.
func (sm *ServiceManager) Stop() error {
	s, err := sm.manager.OpenService(ServiceName)
	if err != nil {
		return fmt.Errorf("failed to open service: %w", err)
	}
	defer s.Close()

	status, err := s.Query()
	if err != nil {
		return fmt.Errorf("failed to query service status: %w", err)
	}
	if status.State == svc.Stopped {
		return nil
	}
	if _, err := s.Control(svc.Stop); err != nil {
		return fmt.Errorf("failed to stop service: %w", err)
	}
	return waitFor(s, svc.Stopped)
}

// Status returns the service state as text.
func (sm *ServiceManager) Status() (string, error) {
	s, err := sm.manager.OpenService(ServiceName)
	if err != nil {
		return "not installed", nil
	}
	defer s.Close()

	status, err := s.Query()
	if err != nil {
		return "", fmt.Errorf("failed to query service status: %w", err)
	}
	switch status.State {
	case svc.Stopped:
		return "stopped", nil
	case svc.StartPending:
		return "starting", nil
	case svc.StopPending:
		return "stopping", nil
	case svc.Running:
		return "running", nil
	default:
		return fmt.Sprintf("unknown (%d)", status.State), nil
	}
}

func waitFor(s *mgr.Service, want svc.State) error {
	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		status, err := s.Query()
		if err != nil {
			return fmt.Errorf("failed to query service status: %w", err)
		}
		if status.State == want {
			return nil
		}
		if want == svc.Running && status.State == svc.Stopped {
			return fmt.Errorf("service failed to start")
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("timeout waiting for service state %d", want)
}
