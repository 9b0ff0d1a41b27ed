package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crosslogic/node-agent/internal/model"
)

func TestDeploymentTransitionsAllowedEdges(t *testing.T) {
	assert.True(t, deploymentTransitions[model.DeploymentDeploying][model.DeploymentRunning])
	assert.True(t, deploymentTransitions[model.DeploymentDeploying][model.DeploymentTerminating])
	assert.True(t, deploymentTransitions[model.DeploymentDeploying][model.DeploymentFailed])
	assert.True(t, deploymentTransitions[model.DeploymentRunning][model.DeploymentTerminating])
	assert.True(t, deploymentTransitions[model.DeploymentTerminating][model.DeploymentTerminated])
	assert.True(t, deploymentTransitions[model.DeploymentTerminating][model.DeploymentFailed])
}

func TestDeploymentTransitionsRejectSkips(t *testing.T) {
	assert.False(t, deploymentTransitions[model.DeploymentDeploying][model.DeploymentTerminated])
	assert.False(t, deploymentTransitions[model.DeploymentRunning][model.DeploymentFailed])
	assert.False(t, deploymentTransitions[model.DeploymentRunning][model.DeploymentRunning])
}

func TestIsUniqueViolationDetectsPgCode(t *testing.T) {
	assert.True(t, isUniqueViolation(errWithMessage("ERROR: duplicate key value violates unique constraint (SQLSTATE 23505)")))
	assert.True(t, isUniqueViolation(errWithMessage("duplicate key")))
	assert.False(t, isUniqueViolation(errWithMessage("connection refused")))
	assert.False(t, isUniqueViolation(nil))
}

type stringErr string

func (e stringErr) Error() string { return string(e) }

func errWithMessage(msg string) error { return stringErr(msg) }

func TestContainsHelper(t *testing.T) {
	assert.True(t, contains("hello world", "world"))
	assert.False(t, contains("hello world", "xyz"))
	assert.True(t, contains("abc", "abc"))
	assert.False(t, contains("ab", "abc"))
}
