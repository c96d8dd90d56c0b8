package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"zk-attendance-bridge/internal/bridge"
	"zk-attendance-bridge/internal/zk"
)

var (
	passwordIP  string
	passwordOld string
	passwordNew string
	passwordDev int
	passwordPrt int
)

var passwordCmd = &cobra.Command{
	Use:   "password [ip] [old] [new]",
	Short: "Change the COM password of a device",
	Long: `Change the COM password of a device. The old password is used to
connect; leave it empty for a device without one. Passwords are numeric.`,
	Args: cobra.MaximumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if passwordIP == "" && len(args) > 0 {
			passwordIP = args[0]
		}
		if passwordOld == "" && len(args) > 1 {
			passwordOld = args[1]
		}
		if passwordNew == "" && len(args) > 2 {
			passwordNew = args[2]
		}
		if passwordDev == 0 && passwordIP == "" {
			ip, err := prompt("Device IP")
			if err != nil {
				return err
			}
			passwordIP = ip
		}
		if passwordNew == "" {
			pw, err := prompt("New password")
			if err != nil {
				return err
			}
			passwordNew = pw
		}

		t := target{deviceID: passwordDev, ip: passwordIP, port: passwordPrt}
		return withManager(func(ctx context.Context, m *bridge.Manager) (interface{}, error) {
			dev, err := t.resolve(m)
			if err != nil {
				return nil, err
			}
			if err := m.Service().ChangePassword(ctx, dev, passwordOld, passwordNew); err != nil {
				return nil, err
			}
			return map[string]interface{}{"device": dev.Params(0).Addr(), "changed": true}, nil
		})
	},
}

var timeCmd = &cobra.Command{
	Use:   "time",
	Short: "Read or set a device clock",
}

var timeTarget target

var timeGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the device clock",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *bridge.Manager) (interface{}, error) {
			dev, err := timeTarget.resolve(m)
			if err != nil {
				return nil, err
			}
			t, err := m.Service().GetTime(ctx, dev)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"time":  t.Format(time.RFC3339),
				"drift": time.Since(t).Round(time.Second).String(),
			}, nil
		})
	},
}

var timeSetCmd = &cobra.Command{
	Use:   "set [RFC3339 time]",
	Short: "Set the device clock, to now when no time is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t := time.Now()
		if len(args) == 1 {
			parsed, err := time.Parse(time.RFC3339, args[0])
			if err != nil {
				return fmt.Errorf("time must be RFC3339: %w", err)
			}
			t = parsed
		}
		if _, err := zk.EncodeDeviceTime(t); err != nil {
			return err
		}

		return withManager(func(ctx context.Context, m *bridge.Manager) (interface{}, error) {
			dev, err := timeTarget.resolve(m)
			if err != nil {
				return nil, err
			}
			if err := m.Service().SetTime(ctx, dev, t); err != nil {
				return nil, err
			}
			return map[string]string{"time": t.Format(time.RFC3339)}, nil
		})
	},
}

var infoTarget target

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the serial number, name, platform and firmware of a device",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *bridge.Manager) (interface{}, error) {
			dev, err := infoTarget.resolve(m)
			if err != nil {
				return nil, err
			}
			return m.Service().DeviceInfo(ctx, dev)
		})
	},
}

func init() {
	passwordCmd.Flags().StringVar(&passwordIP, "ip", "", "device address")
	passwordCmd.Flags().IntVar(&passwordPrt, "port", zk.DefaultPort, "device port")
	passwordCmd.Flags().IntVar(&passwordDev, "device", 0, "configured device id")
	passwordCmd.Flags().StringVar(&passwordOld, "old", "", "current password")
	passwordCmd.Flags().StringVar(&passwordNew, "new", "", "new password")

	timeTarget.register(timeCmd.PersistentFlags())
	timeCmd.AddCommand(timeGetCmd, timeSetCmd)

	infoTarget.register(infoCmd.Flags())

	rootCmd.AddCommand(passwordCmd, timeCmd, infoCmd)
}
