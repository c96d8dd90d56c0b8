// Package bridge assembles the store, event publishers, sync service and
// HTTP API from one configuration.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/api"
	"zk-attendance-bridge/internal/config"
	"zk-attendance-bridge/internal/database"
	"zk-attendance-bridge/internal/devsync"
	"zk-attendance-bridge/internal/events"
	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/zk"
)

// Manager owns every long-lived component of the bridge.
type Manager struct {
	mu     sync.RWMutex
	config *config.Config
	logger *logrus.Logger

	database  *database.DB
	redis     *events.RedisPublisher
	publisher events.Publisher
	hub       *api.ProgressHub
	service   *devsync.Service
	apiServer *api.Server
	logFile   io.Closer

	dial    zk.DialFunc
	version string

	isRunning bool
	startTime time.Time
	lastRun   *devsync.RunReport
}

// ManagerOption is a functional option for configuring the Manager
type ManagerOption func(*Manager)

// WithVersion sets the version for the manager
func WithVersion(version string) ManagerOption {
	return func(m *Manager) {
		m.version = version
	}
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(logger *logrus.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithDialer replaces the device dialer.
func WithDialer(dial zk.DialFunc) ManagerOption {
	return func(m *Manager) {
		m.dial = dial
	}
}

// NewManager opens the store and wires the components. Redis is optional:
// when it cannot be reached events only go to websocket clients.
func NewManager(ctx context.Context, cfg *config.Config, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		config:  cfg,
		version: "unknown",
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.Initialize(cfg.LogLevel)
		closer, err := logging.SetupFileLogging(m.logger, cfg.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to set up file logging: %w", err)
		}
		m.logFile = closer
	}

	if err := m.initializeComponents(ctx); err != nil {
		m.close()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	return m, nil
}

func (m *Manager) initializeComponents(ctx context.Context) error {
	m.logger.Info("Initializing bridge components")

	db, err := database.NewDB(database.Config{
		Driver:        database.Driver(m.config.Database.Driver),
		DatabasePath:  m.config.Database.Path,
		DSN:           m.config.Database.DSN,
		EncryptionKey: []byte(m.config.Database.EncryptionKey),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	m.database = db

	m.hub = api.NewProgressHub(m.logger)
	publishers := events.Fanout{m.hub}

	if m.config.Redis.Addr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rp, err := events.NewRedisPublisher(pingCtx, events.RedisConfig{
			Addr:     m.config.Redis.Addr,
			Password: m.config.Redis.Password,
			DB:       m.config.Redis.DB,
			List:     m.config.Redis.List,
		})
		cancel()
		if err != nil {
			logging.LogStructuredError(m.logger, logging.NewStructuredError(err, logging.ErrorContext{
				Category:    logging.ErrorCategoryNetwork,
				Severity:    logging.ErrorSeverityMedium,
				Component:   "events",
				Operation:   "connect_redis",
				Recoverable: true,
			}))
		} else {
			m.redis = rp
			publishers = append(publishers, rp)
			m.logger.WithField("list", m.config.Redis.List).Info("Publishing events to Redis")
		}
	}
	m.publisher = publishers

	opts := []devsync.Option{
		devsync.WithLogger(m.logger),
		devsync.WithPublisher(m.publisher),
		devsync.WithProgress(m.hub.Progress),
	}
	if m.dial != nil {
		opts = append(opts, devsync.WithDialer(m.dial))
	}
	m.service = devsync.NewService(db, m.config.Devices, m.config.Sync, opts...)
	m.apiServer = api.NewServer(m.config.API, m.service, db, m.hub, m.logger, m.version)

	m.logger.WithField("devices", len(m.config.Devices)).Info("Bridge components initialized successfully")
	return nil
}

// Service returns the sync service.
func (m *Manager) Service() *devsync.Service {
	return m.service
}

// Database returns the store.
func (m *Manager) Database() *database.DB {
	return m.database
}

// Logger returns the manager's logger.
func (m *Manager) Logger() *logrus.Logger {
	return m.logger
}

// Start serves the API and runs scheduled syncs until ctx is cancelled,
// then shuts everything down.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("bridge manager is already running")
	}
	m.logger.Info("Starting bridge manager")
	m.startTime = time.Now()
	m.isRunning = true
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	apiErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.apiServer.Start(runCtx); err != nil {
			apiErr <- err
		}
	}()

	if m.config.Sync.Interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.runScheduler(runCtx, m.config.Sync.Interval)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-apiErr:
		m.logger.WithError(runErr).Error("API server stopped with error")
	}
	cancel()
	m.service.Stop()
	wg.Wait()

	return errors.Join(runErr, m.shutdown())
}

// runScheduler syncs every device each interval. A tick that finds an
// operation already running is skipped.
func (m *Manager) runScheduler(ctx context.Context, interval time.Duration) {
	logger := logging.NewServiceLogger(m.logger, "scheduler")
	logger.WithField("interval", interval.String()).Info("Scheduled sync enabled")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.service.Busy() {
				logger.Debug("Operation in progress, skipping scheduled sync")
				continue
			}
			if _, err := m.SyncNow(ctx); err != nil && !errors.Is(err, zk.ErrCancelled) {
				logger.WithError(err).Error("Scheduled sync failed")
			}
		}
	}
}

// SyncNow runs a sync of every device and remembers the report.
func (m *Manager) SyncNow(ctx context.Context) (*devsync.RunReport, error) {
	report, err := m.service.SyncAllDevices(ctx)
	if report != nil {
		m.mu.Lock()
		m.lastRun = report
		m.mu.Unlock()
	}
	return report, err
}

// Close releases the store and the publishers. It is used by one-shot
// commands that never call Start.
func (m *Manager) Close() error {
	return m.close()
}

func (m *Manager) shutdown() error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.isRunning = false
	m.mu.Unlock()

	m.logger.Info("Shutting down bridge manager")
	m.service.Stop()

	if err := m.close(); err != nil {
		return fmt.Errorf("shutdown completed with errors: %w", err)
	}
	m.logger.Info("Bridge manager shutdown completed successfully")
	return nil
}

func (m *Manager) close() error {
	var errs []error
	if m.publisher != nil {
		if err := m.publisher.Close(); err != nil {
			m.logger.WithError(err).Error("Failed to close event publishers")
			errs = append(errs, fmt.Errorf("publisher close: %w", err))
		}
	}
	if m.database != nil {
		if err := m.database.Close(); err != nil {
			logging.LogStorageError(m.logger, err, "close", false)
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	if m.logFile != nil {
		m.logFile.Close()
	}
	return errors.Join(errs...)
}

// IsRunning returns true if the bridge manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}

// GetUptime returns the uptime of the bridge manager
func (m *Manager) GetUptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.isRunning {
		return 0
	}
	return time.Since(m.startTime)
}

// GetStats returns statistics about the bridge manager
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[string]interface{}{
		"is_running":  m.isRunning,
		"version":     m.version,
		"devices":     len(m.config.Devices),
		"busy":        m.service.Busy(),
		"run_id":      m.service.RunID(),
		"subscribers": m.hub.ConnectionCount(),
		"redis":       m.redis != nil,
	}
	if m.isRunning {
		stats["uptime"] = time.Since(m.startTime).String()
	}
	if m.lastRun != nil {
		stats["last_run"] = map[string]interface{}{
			"run_id":     m.lastRun.RunID,
			"started_at": m.lastRun.StartedAt,
			"devices":    len(m.lastRun.Devices),
			"stopped":    m.lastRun.Stopped,
		}
	}
	if m.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if n, err := m.redis.Len(ctx); err == nil {
			stats["redis_backlog"] = n
		}
	}
	return stats
}
