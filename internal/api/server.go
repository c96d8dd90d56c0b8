// Package api exposes the sync service over a small JSON HTTP API. Every
// response body carries the {success, error} result shape.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/config"
	"zk-attendance-bridge/internal/database"
	"zk-attendance-bridge/internal/devsync"
	"zk-attendance-bridge/internal/zk"
)

// DeviceSyncer is the part of devsync.Service the API drives.
type DeviceSyncer interface {
	Devices() []config.DeviceConfig
	Device(id int) (config.DeviceConfig, error)
	Busy() bool
	RunID() string
	Stop()

	SyncDevice(ctx context.Context, dev config.DeviceConfig) devsync.DeviceResult
	StartSyncAll(ctx context.Context, done func(*devsync.RunReport, error)) error
	SyncUsers(ctx context.Context, dev config.DeviceConfig) (*devsync.UserSyncReport, error)
	SyncTemplates(ctx context.Context, dev config.DeviceConfig) (*devsync.TemplateSyncReport, error)
	SyncAttendance(ctx context.Context, dev config.DeviceConfig) (*devsync.AttendanceSyncReport, error)
	PushUsers(ctx context.Context, dev config.DeviceConfig) (*devsync.PushReport, error)
	DeleteFingerprint(ctx context.Context, dev config.DeviceConfig, userID string, finger uint8) (*devsync.RewriteReport, error)
	GetTime(ctx context.Context, dev config.DeviceConfig) (time.Time, error)
	SetTime(ctx context.Context, dev config.DeviceConfig, t time.Time) error
	DeviceInfo(ctx context.Context, dev config.DeviceConfig) (*zk.DeviceInfo, error)
}

// Store is the read side of the database the API serves.
type Store interface {
	Health() error
	ListUsers() ([]database.User, error)
	GetUser(userID string) (*database.User, error)
	ListTemplates(userID string) ([]database.FingerprintTemplate, error)
	ListAttendance(deviceID int, since time.Time, limit int) ([]database.AttendanceLog, error)
	ListDeviceStatuses() ([]*database.DeviceStatus, error)
}

// Server represents the HTTP API server
type Server struct {
	cfg        config.APIConfig
	logger     *logrus.Logger
	router     *mux.Router
	httpServer *http.Server
	syncer     DeviceSyncer
	store      Store
	hub        *ProgressHub
	version    string
}

// NewServer creates a new API server instance
func NewServer(cfg config.APIConfig, syncer DeviceSyncer, store Store, hub *ProgressHub, logger *logrus.Logger, version string) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		router:  mux.NewRouter(),
		syncer:  syncer,
		store:   store,
		hub:     hub,
		version: version,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	if s.cfg.JWTSecret == "" {
		s.logger.Warn("api.jwt_secret is empty, API authentication is disabled")
	}

	s.hub.Start(ctx)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		return s.Shutdown()
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.hub.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Error during server shutdown")
		return err
	}

	s.logger.Info("API server shutdown complete")
	return nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.securityHeadersMiddleware)
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Health endpoint (no auth required)
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	protected := api.PathPrefix("").Subrouter()
	protected.Use(s.authenticationMiddleware)

	// Devices
	protected.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	protected.HandleFunc("/devices/{id:[0-9]+}/info", s.handleDeviceInfo).Methods("GET")
	protected.HandleFunc("/devices/{id:[0-9]+}/time", s.handleGetTime).Methods("GET")
	protected.HandleFunc("/devices/{id:[0-9]+}/time", s.handleSetTime).Methods("PUT")
	protected.HandleFunc("/devices/{id:[0-9]+}/sync", s.handleSyncDevice).Methods("POST")
	protected.HandleFunc("/devices/{id:[0-9]+}/sync/users", s.handleSyncUsers).Methods("POST")
	protected.HandleFunc("/devices/{id:[0-9]+}/sync/templates", s.handleSyncTemplates).Methods("POST")
	protected.HandleFunc("/devices/{id:[0-9]+}/sync/attendance", s.handleSyncAttendance).Methods("POST")
	protected.HandleFunc("/devices/{id:[0-9]+}/push", s.handlePushUsers).Methods("POST")
	protected.HandleFunc("/devices/{id:[0-9]+}/users/{userId}/fingers/{finger}", s.handleDeleteFingerprint).Methods("DELETE")

	// Bulk sync
	protected.HandleFunc("/sync", s.handleSyncAll).Methods("POST")
	protected.HandleFunc("/sync/stop", s.handleStop).Methods("POST")

	// Store
	protected.HandleFunc("/users", s.handleListUsers).Methods("GET")
	protected.HandleFunc("/users/{userId}", s.handleGetUser).Methods("GET")
	protected.HandleFunc("/attendance", s.handleListAttendance).Methods("GET")

	// Live progress
	protected.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}
