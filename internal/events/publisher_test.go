package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	e := NewEvent(TypeAttendance, 3, map[string]interface{}{"user_id": "1042"})

	_, err := uuid.Parse(e.ID)
	assert.NoError(t, err)
	assert.Equal(t, TypeAttendance, e.Type)
	assert.Equal(t, 3, e.DeviceID)
	assert.WithinDuration(t, time.Now(), e.Timestamp, time.Minute)

	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"attendance"`)
	assert.Contains(t, string(data), `"user_id":"1042"`)
}

func TestNewRedisPublisher_Unavailable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := NewRedisPublisher(ctx, RedisConfig{Addr: "127.0.0.1:1"})
	if err == nil {
		p.Close()
		t.Skip("something is listening on 127.0.0.1:1")
	}
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestNewRedisPublisher_Live(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := NewRedisPublisher(ctx, RedisConfig{Addr: "localhost:6379", List: "zk:events:test"})
	if err != nil {
		t.Skip("Skipping test - Redis not available")
	}
	defer p.Close()

	before, err := p.Len(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Publish(ctx, NewEvent(TypeSyncCompleted, 1, nil)))
	after, err := p.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)
	assert.NoError(t, p.client.Del(ctx, "zk:events:test").Err())
}

func TestRecorderAndNop(t *testing.T) {
	var r Recorder
	require.NoError(t, r.Publish(context.Background(), NewEvent(TypeDeviceStatus, 1, nil)))
	assert.Len(t, r.Events(), 1)

	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), NewEvent(TypeDeviceStatus, 1, nil)))
	assert.NoError(t, p.Close())
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, *Event) error { return errors.New("redis down") }
func (failingPublisher) Close() error                          { return nil }

func TestFanout(t *testing.T) {
	var a, b Recorder
	f := Fanout{&a, failingPublisher{}, &b}

	err := f.Publish(context.Background(), NewEvent(TypeSyncCompleted, 0, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
	assert.NoError(t, f.Close())
}
