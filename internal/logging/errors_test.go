package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStructuredError(t *testing.T) {
	err := errors.New("test error")
	context := ErrorContext{
		Category:  ErrorCategoryStorage,
		Severity:  ErrorSeverityCritical,
		Component: "database",
		Operation: "insert",
	}

	structuredErr := NewStructuredError(err, context)

	assert.Equal(t, context, structuredErr.Context)
	assert.False(t, structuredErr.Timestamp.IsZero())
	assert.NotEmpty(t, structuredErr.Stack)
	assert.Equal(t, "test error", structuredErr.Error())
	assert.ErrorIs(t, structuredErr, err)

	low := NewStructuredError(err, ErrorContext{Severity: ErrorSeverityLow})
	assert.Empty(t, low.Stack)
}

func TestLogStructuredError_Levels(t *testing.T) {
	tests := []struct {
		severity ErrorSeverity
		level    logrus.Level
	}{
		{ErrorSeverityCritical, logrus.ErrorLevel},
		{ErrorSeverityHigh, logrus.ErrorLevel},
		{ErrorSeverityMedium, logrus.WarnLevel},
		{ErrorSeverityLow, logrus.WarnLevel},
		{ErrorSeverityInfo, logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			logger, hook := test.NewNullLogger()
			LogStructuredError(logger, NewStructuredError(errors.New("boom"), ErrorContext{
				Category:  ErrorCategoryHardware,
				Severity:  tt.severity,
				Operation: "fetch_users",
				DeviceID:  3,
				UserID:    "1042",
				Metadata:  map[string]interface{}{"uid": 7},
			}))

			entry := hook.LastEntry()
			require.NotNil(t, entry)
			assert.Equal(t, tt.level, entry.Level)
			assert.Equal(t, "boom", entry.Message)
			assert.Equal(t, 3, entry.Data["device_id"])
			assert.Equal(t, "1042", entry.Data["user_id"])
			assert.Equal(t, 7, entry.Data["meta_uid"])
		})
	}
}

func TestLogDeviceError(t *testing.T) {
	logger, hook := test.NewNullLogger()

	LogDeviceError(logger, errors.New("authentication failed: device answered 2005"), 1, "connect", false)
	assert.Equal(t, ErrorCategorySecurity, hook.LastEntry().Data["error_category"])

	LogDeviceError(logger, errors.New("connection to 10.0.0.5:4370 failed: device timeout"), 1, "connect", true)
	assert.Equal(t, ErrorCategoryNetwork, hook.LastEntry().Data["error_category"])
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	LogDeviceError(logger, errors.New("weird"), 1, "x", true)
	assert.Equal(t, ErrorCategoryHardware, hook.LastEntry().Data["error_category"])
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCategory
	}{
		{nil, ErrorCategoryUnknown},
		{errors.New("dial tcp 10.0.0.5:4370: Connection Refused"), ErrorCategoryNetwork},
		{errors.New("template write for uid 3 finger 1 failed with status 2001"), ErrorCategoryHardware},
		{errors.New("failed to upsert user 1: sqlite: constraint failed"), ErrorCategoryStorage},
		{errors.New("invalid config value for api.port"), ErrorCategoryConfig},
		{errors.New("something else"), ErrorCategoryUnknown},
		{fmt.Errorf("wrapped: %w", NewStructuredError(errors.New("x"), ErrorContext{Category: ErrorCategoryService})), ErrorCategoryService},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyError(tt.err), "%v", tt.err)
	}
}

func TestInitialize(t *testing.T) {
	logger := Initialize("debug")
	assert.Equal(t, logrus.DebugLevel, logger.Level)

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.WithField("device_id", 2).Info("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["message"])
	assert.Equal(t, "zk-attendance-bridge", line["service"])
	assert.Contains(t, line, "timestamp")

	assert.Equal(t, logrus.InfoLevel, Initialize("nonsense").Level)
}

func TestSetupFileLogging(t *testing.T) {
	logger := Initialize("info")
	path := filepath.Join(t.TempDir(), "logs", "bridge.log")

	closer, err := SetupFileLogging(logger, path)
	require.NoError(t, err)
	logger.Info("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")

	closer, err = SetupFileLogging(logger, "")
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
}
