package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"zk-attendance-bridge/internal/bridge"
	"zk-attendance-bridge/internal/config"
	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/types"
	"zk-attendance-bridge/internal/zk"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "zk-attendance-bridge",
	Short: "Sync ZKTeco/ESSL attendance terminals with a local store",
	Long: `A bridge between ZKTeco/ESSL biometric attendance terminals and a
SQLite or Postgres store. It copies users, fingerprint templates and
attendance punches off the devices, pushes stored users back onto them,
and serves the same operations over a small HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and scheduled syncs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		return runServe(ctx, func(ctx context.Context) error {
			m, err := newManager(ctx)
			if err != nil {
				return err
			}
			m.Logger().WithField("version", logging.Version).Info("Bridge starting up")
			return m.Start(ctx)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.Version = logging.Version

	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func newManager(ctx context.Context) (*bridge.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return bridge.NewManager(ctx, cfg, bridge.WithVersion(logging.Version))
}

// withManager runs fn against a manager that is closed afterwards. fn's
// data and error are printed as a result on stdout.
func withManager(fn func(ctx context.Context, m *bridge.Manager) (interface{}, error)) error {
	ctx, stop := signalContext()
	defer stop()

	m, err := newManager(ctx)
	if err != nil {
		return err
	}
	defer m.Close()

	data, err := fn(ctx, m)
	return printResult(data, err)
}

func printResult(data interface{}, err error) error {
	result := types.FromError(err)
	result.Data = data

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(result); encErr != nil {
		return encErr
	}
	if !result.Success {
		return fmt.Errorf("%s", result.Error)
	}
	return nil
}

// target describes how a command picks its device: a configured id or an
// ad-hoc address.
type target struct {
	deviceID int
	ip       string
	port     int
	password string
}

func (t *target) register(flags *pflag.FlagSet) {
	flags.IntVar(&t.deviceID, "device", 0, "configured device id")
	flags.StringVar(&t.ip, "ip", "", "device address, for devices not in the config")
	flags.IntVar(&t.port, "port", zk.DefaultPort, "device port")
	flags.StringVar(&t.password, "password", "", "device COM password")
}

// resolve returns the configured device with the given id, or one matching
// the address. Unknown addresses become an unsaved device with id 0.
func (t target) resolve(m *bridge.Manager) (config.DeviceConfig, error) {
	if t.deviceID != 0 {
		return m.Service().Device(t.deviceID)
	}
	if t.ip == "" {
		ip, err := prompt("Device IP")
		if err != nil {
			return config.DeviceConfig{}, err
		}
		t.ip = ip
	}
	for _, d := range m.Service().Devices() {
		if d.Host == t.ip && d.Port == t.port {
			if t.password != "" {
				d.Password = t.password
			}
			return d, nil
		}
	}
	return config.DeviceConfig{
		Host:      t.ip,
		Port:      t.port,
		Password:  t.password,
		Transport: "tcp",
		Timeout:   10 * time.Second,
	}, nil
}

var stdin = bufio.NewReader(os.Stdin)

// prompt asks for a value on the terminal. An empty answer is an error.
func prompt(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(label), err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("%s is required", strings.ToLower(label))
	}
	return line, nil
}

// argOrPrompt returns args[i] when present, otherwise asks for it.
func argOrPrompt(args []string, i int, label string) (string, error) {
	if i < len(args) && args[i] != "" {
		return args[i], nil
	}
	return prompt(label)
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}
