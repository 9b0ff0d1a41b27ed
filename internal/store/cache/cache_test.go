package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslogic/node-agent/internal/model"
)

func setupCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c, err := New(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestGetGPUMissReturnsNilNil(t *testing.T) {
	c, _ := setupCache(t)

	got, err := c.GetGPU(context.Background(), "local")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutThenGetGPURoundTrips(t *testing.T) {
	c, _ := setupCache(t)
	uuid := "gpu-uuid-1"
	slot := &model.GpuSlot{SlotID: "local", UUID: &uuid, Status: model.GpuStatusAvailable, Healthy: true}

	require.NoError(t, c.PutGPU(context.Background(), slot))

	got, err := c.GetGPU(context.Background(), "local")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "local", got.SlotID)
	assert.Equal(t, uuid, *got.UUID)
}

func TestInvalidateGPUClearsEntry(t *testing.T) {
	c, _ := setupCache(t)
	slot := &model.GpuSlot{SlotID: "local", Status: model.GpuStatusBusy}
	require.NoError(t, c.PutGPU(context.Background(), slot))

	require.NoError(t, c.InvalidateGPU(context.Background(), "local"))

	got, err := c.GetGPU(context.Background(), "local")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutThenGetDeploymentRoundTrips(t *testing.T) {
	c, _ := setupCache(t)
	d := &model.Deployment{ID: "d1", Status: model.DeploymentRunning, Image: "ubuntu:22.04"}
	require.NoError(t, c.PutDeployment(context.Background(), d))

	got, err := c.GetDeployment(context.Background(), "d1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.DeploymentRunning, got.Status)
}

func TestInvalidateDeploymentClearsEntry(t *testing.T) {
	c, _ := setupCache(t)
	d := &model.Deployment{ID: "d2", Status: model.DeploymentDeploying}
	require.NoError(t, c.PutDeployment(context.Background(), d))

	require.NoError(t, c.InvalidateDeployment(context.Background(), "d2"))

	got, err := c.GetDeployment(context.Background(), "d2")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGPUEntryExpiresAfterTTL(t *testing.T) {
	c, mr := setupCache(t)
	c.ttl = 50 * time.Millisecond
	slot := &model.GpuSlot{SlotID: "local", Status: model.GpuStatusAvailable}
	require.NoError(t, c.PutGPU(context.Background(), slot))

	mr.FastForward(100 * time.Millisecond)

	got, err := c.GetGPU(context.Background(), "local")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHealthPingsRedis(t *testing.T) {
	c, _ := setupCache(t)
	assert.NoError(t, c.Health(context.Background()))
}
