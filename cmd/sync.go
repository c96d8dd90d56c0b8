package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"zk-attendance-bridge/internal/bridge"
	"zk-attendance-bridge/internal/devsync"
	"zk-attendance-bridge/internal/zk"
)

var syncDeviceID int

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Copy users, templates and attendance from the devices into the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *bridge.Manager) (interface{}, error) {
			if syncDeviceID == 0 {
				return m.SyncNow(ctx)
			}
			dev, err := m.Service().Device(syncDeviceID)
			if err != nil {
				return nil, err
			}
			result := m.Service().SyncDevice(ctx, dev)
			switch {
			case result.Stopped:
				return result, zk.ErrCancelled
			case result.Failed():
				return result, errors.New(result.Error)
			}
			return result, nil
		})
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Dump, restore and push users",
}

var dumpOutput string

var usersDumpCmd = &cobra.Command{
	Use:   "dump <userId> <ip> <port>",
	Short: "Save one user and its fingerprints from a device to a JSON file",
	Args:  cobra.MaximumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, t, err := userTarget(args)
		if err != nil {
			return err
		}
		return withManager(func(ctx context.Context, m *bridge.Manager) (interface{}, error) {
			dev, err := t.resolve(m)
			if err != nil {
				return nil, err
			}
			dump, err := m.Service().DumpUser(ctx, dev, userID)
			if err != nil {
				return nil, err
			}

			out := dumpOutput
			if out == "" {
				out = fmt.Sprintf("user_%s.json", userID)
			}
			data, err := json.MarshalIndent(dump, "", "  ")
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(out, data, 0600); err != nil {
				return nil, fmt.Errorf("failed to write %s: %w", out, err)
			}
			return map[string]interface{}{
				"file":      out,
				"user_id":   dump.User.UserID,
				"templates": len(dump.Templates),
			}, nil
		})
	},
}

var usersRestoreCmd = &cobra.Command{
	Use:   "restore <file> <ip> <port>",
	Short: "Write a dumped user and its fingerprints onto a device",
	Args:  cobra.MaximumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, t, err := userTarget(args)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		var dump devsync.UserDump
		if err := json.Unmarshal(data, &dump); err != nil {
			return fmt.Errorf("failed to parse %s: %w", file, err)
		}

		return withManager(func(ctx context.Context, m *bridge.Manager) (interface{}, error) {
			dev, err := t.resolve(m)
			if err != nil {
				return nil, err
			}
			return m.Service().RestoreUser(ctx, dev, &dump)
		})
	},
}

var pushTarget target

var usersPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Write the stored users of a device, with their fingerprints, onto it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *bridge.Manager) (interface{}, error) {
			dev, err := pushTarget.resolve(m)
			if err != nil {
				return nil, err
			}
			return m.Service().PushUsers(ctx, dev)
		})
	},
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Manage fingerprint templates on a device",
}

var fingerprintTarget target

var fingerprintDeleteCmd = &cobra.Command{
	Use:   "delete <userId> <finger>",
	Short: "Remove one finger of a user from a device",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := argOrPrompt(args, 0, "User ID")
		if err != nil {
			return err
		}
		fingerArg, err := argOrPrompt(args, 1, "Finger (0-9)")
		if err != nil {
			return err
		}
		finger, err := strconv.Atoi(fingerArg)
		if err != nil || finger < 0 || finger > 9 {
			return fmt.Errorf("finger must be between 0 and 9")
		}

		return withManager(func(ctx context.Context, m *bridge.Manager) (interface{}, error) {
			dev, err := fingerprintTarget.resolve(m)
			if err != nil {
				return nil, err
			}
			return m.Service().DeleteFingerprint(ctx, dev, userID, uint8(finger))
		})
	},
}

var attendanceCmd = &cobra.Command{
	Use:   "attendance",
	Short: "Manage the attendance log on a device",
}

var attendanceTarget target

var attendanceClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Collect the attendance log of a device, then clear it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *bridge.Manager) (interface{}, error) {
			dev, err := attendanceTarget.resolve(m)
			if err != nil {
				return nil, err
			}
			report, err := m.Service().SyncAttendance(ctx, dev)
			if err != nil {
				return nil, fmt.Errorf("attendance was not cleared: %w", err)
			}
			if err := m.Service().ClearAttendance(ctx, dev); err != nil {
				return report, err
			}
			return report, nil
		})
	},
}

// userTarget reads "<first> <ip> <port>" positional arguments, prompting
// for the missing ones.
func userTarget(args []string) (string, target, error) {
	first, err := argOrPrompt(args, 0, "User ID or file")
	if err != nil {
		return "", target{}, err
	}
	ip, err := argOrPrompt(args, 1, "Device IP")
	if err != nil {
		return "", target{}, err
	}
	portArg, err := argOrPrompt(args, 2, "Device port")
	if err != nil {
		return "", target{}, err
	}
	port, err := parsePort(portArg)
	if err != nil {
		return "", target{}, err
	}
	return first, target{ip: ip, port: port, password: userPassword}, nil
}

var userPassword string

func init() {
	syncCmd.Flags().IntVar(&syncDeviceID, "device", 0, "sync only this configured device")

	usersDumpCmd.Flags().StringVarP(&dumpOutput, "out", "o", "", "output file (default user_<userId>.json)")
	usersDumpCmd.Flags().StringVar(&userPassword, "password", "", "device COM password")
	usersRestoreCmd.Flags().StringVar(&userPassword, "password", "", "device COM password")
	pushTarget.register(usersPushCmd.Flags())
	usersCmd.AddCommand(usersDumpCmd, usersRestoreCmd, usersPushCmd)

	fingerprintTarget.register(fingerprintDeleteCmd.Flags())
	fingerprintCmd.AddCommand(fingerprintDeleteCmd)

	attendanceTarget.register(attendanceClearCmd.Flags())
	attendanceCmd.AddCommand(attendanceClearCmd)

	rootCmd.AddCommand(syncCmd, usersCmd, fingerprintCmd, attendanceCmd)
}
