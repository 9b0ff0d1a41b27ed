package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeploymentStatusIsTerminal(t *testing.T) {
	assert.True(t, DeploymentTerminated.IsTerminal())
	assert.True(t, DeploymentFailed.IsTerminal())
	assert.False(t, DeploymentDeploying.IsTerminal())
	assert.False(t, DeploymentRunning.IsTerminal())
	assert.False(t, DeploymentTerminating.IsTerminal())
}

func TestGpuSlotBusyInvariant(t *testing.T) {
	id := "d1"
	slot := GpuSlot{Status: GpuStatusBusy, CurrentDeploymentID: &id}
	assert.True(t, slot.Busy())

	slot2 := GpuSlot{Status: GpuStatusBusy, CurrentDeploymentID: nil}
	assert.False(t, slot2.Busy())

	slot3 := GpuSlot{Status: GpuStatusAvailable, CurrentDeploymentID: &id}
	assert.False(t, slot3.Busy())
}

func TestDeploymentExpired(t *testing.T) {
	start := time.Now().Add(-10 * time.Minute)
	d := Deployment{StartTime: start, DurationMinutes: 5}
	assert.True(t, d.Expired(time.Now()))

	d2 := Deployment{StartTime: time.Now(), DurationMinutes: 30}
	assert.False(t, d2.Expired(time.Now()))
}

func TestContainerNameDeterministic(t *testing.T) {
	assert.Equal(t, "deployment-d1", ContainerName("d1"))
	assert.Equal(t, ContainerName("d1"), ContainerName("d1"))
}
