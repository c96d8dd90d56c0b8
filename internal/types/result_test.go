package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zk-attendance-bridge/internal/zk"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		success bool
		stopped bool
		failed  bool
	}{
		{"nil", nil, true, false, false},
		{"plain", errors.New("boom"), false, false, true},
		{"cancelled", fmt.Errorf("sync device 1: %w", zk.ErrCancelled), false, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := FromError(tt.err)
			assert.Equal(t, tt.success, r.Success)
			assert.Equal(t, tt.stopped, r.Stopped)
			assert.Equal(t, tt.failed, r.Failed())
		})
	}
}

func TestResultJSON(t *testing.T) {
	data, err := json.Marshal(FromError(errors.New("device timeout")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error":"device timeout"}`, string(data))

	data, err = json.Marshal(OK(map[string]int{"synced": 2}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"data":{"synced":2}}`, string(data))
}
