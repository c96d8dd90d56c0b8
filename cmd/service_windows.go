//go:build windows

package main

import (
	"context"

	winservice "zk-attendance-bridge/internal/service/windows"
)

func init() {
	winservice.AddServiceCommands(rootCmd)
}

// runServe hands start to the service control manager when the process was
// launched as a Windows service.
func runServe(ctx context.Context, start func(context.Context) error) error {
	isService, err := winservice.IsWindowsService()
	if err != nil {
		return err
	}
	if isService {
		return winservice.Run(start)
	}
	return start(ctx)
}
