package main

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"zk-attendance-bridge/internal/discovery"
	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/zk"
)

var (
	discoverPort     int
	discoverPassword string
	discoverTimeout  time.Duration
)

var discoverCmd = &cobra.Command{
	Use:   "discover [cidr...]",
	Short: "Scan the local networks for attendance devices",
	Long: `Scan for attendance devices by attempting a protocol handshake with
every host. Without arguments the networks of the local interfaces are
scanned. Devices that answer but reject the password are listed with
auth_required set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := logging.Initialize(cfg.LogLevel)

		var networks []*net.IPNet
		if len(args) == 0 {
			if networks, err = discovery.LocalNetworks(); err != nil {
				return fmt.Errorf("failed to list local networks: %w", err)
			}
		}
		for _, arg := range args {
			_, n, err := net.ParseCIDR(arg)
			if err != nil {
				return fmt.Errorf("invalid network %q: %w", arg, err)
			}
			networks = append(networks, n)
		}
		if len(networks) == 0 {
			return fmt.Errorf("no networks to scan")
		}

		ctx, stop := signalContext()
		defer stop()

		scanner := discovery.NewScanner(logger, nil)
		scanner.Port = discoverPort
		scanner.Password = discoverPassword
		scanner.Timeout = discoverTimeout

		found, err := scanner.Scan(ctx, networks)
		return printResult(found, err)
	},
}

func init() {
	discoverCmd.Flags().IntVar(&discoverPort, "port", zk.DefaultPort, "device port")
	discoverCmd.Flags().StringVar(&discoverPassword, "password", "", "COM password to try")
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 2*time.Second, "per-host timeout")

	rootCmd.AddCommand(discoverCmd)
}
