package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Version is reported with every log line. It is overridden at build time.
var Version = "dev"

// Initialize sets up structured logging with the specified level
func Initialize(logLevel string) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		level = logrus.InfoLevel
		logger.WithError(err).Warn("Invalid log level, defaulting to info")
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stderr)
	logger.AddHook(staticFields{"service": "zk-attendance-bridge", "version": Version})

	return logger
}

// SetupFileLogging configures logging to write to a file in addition to stderr
func SetupFileLogging(logger *logrus.Logger, logFile string) (io.Closer, error) {
	if logFile == "" {
		return nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	logger.SetOutput(io.MultiWriter(os.Stderr, file))
	logger.WithField("log_file", logFile).Info("File logging enabled")

	return file, nil
}

// NewDeviceLogger creates a logger for one configured device
func NewDeviceLogger(logger *logrus.Logger, deviceID int, addr string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"component": "device",
		"device_id": deviceID,
		"device":    addr,
	})
}

// NewServiceLogger creates a logger for internal services
func NewServiceLogger(logger *logrus.Logger, serviceName string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"component": "service",
		"service":   serviceName,
	})
}

// staticFields adds fixed fields to every entry.
type staticFields logrus.Fields

func (h staticFields) Levels() []logrus.Level { return logrus.AllLevels }

func (h staticFields) Fire(e *logrus.Entry) error {
	for k, v := range h {
		if _, ok := e.Data[k]; !ok {
			e.Data[k] = v
		}
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
