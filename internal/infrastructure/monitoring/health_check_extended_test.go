package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	connected bool
}

func (f *fakeGateway) Connected() bool { return f.connected }

func TestAddGatewayCheck_Connected(t *testing.T) {
	h := NewHealthChecker()
	h.AddGatewayCheck(&fakeGateway{connected: true}, time.Second, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["gateway"])
}

func TestAddGatewayCheck_Disconnected(t *testing.T) {
	h := NewHealthChecker()
	h.AddGatewayCheck(&fakeGateway{connected: false}, time.Second, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
}

func TestAddRedisCheck(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := NewHealthChecker()
	h.AddRedisCheck(client, time.Second, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
}

func TestAddRedisCheck_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	h := NewHealthChecker()
	h.AddRedisCheck(client, 200*time.Millisecond, 200*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
}

func TestAddReadinessCheck_NilRedisAndTransportSkipped(t *testing.T) {
	h := NewHealthChecker()
	h.AddReadinessCheck(nil, nil, time.Second, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
}

func TestIsReady(t *testing.T) {
	h := NewHealthChecker()
	h.AddGatewayCheck(&fakeGateway{connected: true}, time.Second, time.Second)
	assert.True(t, h.IsReady(context.Background()))

	h2 := NewHealthChecker()
	h2.AddGatewayCheck(&fakeGateway{connected: false}, time.Second, time.Second)
	assert.False(t, h2.IsReady(context.Background()))
}
