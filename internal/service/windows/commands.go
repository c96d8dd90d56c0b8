//go:build windows

package windows

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

// AddServiceCommands adds "service install|uninstall|start|stop|status".
func AddServiceCommands(rootCmd *cobra.Command) {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the bridge Windows service",
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the bridge as a Windows service started at boot",
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := ExecutablePath()
			if err != nil {
				return err
			}
			configPath, _ := cmd.Flags().GetString("config")
			if configPath != "" {
				if configPath, err = filepath.Abs(configPath); err != nil {
					return err
				}
			}
			return withManager(func(sm *ServiceManager) error {
				if err := sm.Install(exe, configPath); err != nil {
					return err
				}
				fmt.Printf("Service %s installed\n", ServiceDisplayName)
				return nil
			})
		},
	}

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the Windows service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(sm *ServiceManager) error { return sm.Uninstall() })
		},
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the Windows service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(sm *ServiceManager) error { return sm.Start() })
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the Windows service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(sm *ServiceManager) error { return sm.Stop() })
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the Windows service state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(sm *ServiceManager) error {
				status, err := sm.Status()
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", ServiceDisplayName, status)
				return nil
			})
		},
	}

	serviceCmd.AddCommand(installCmd, uninstallCmd, startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(serviceCmd)
}

func withManager(fn func(sm *ServiceManager) error) error {
	sm, err := NewServiceManager()
	if err != nil {
		return err
	}
	defer sm.Close()
	return fn(sm)
}
