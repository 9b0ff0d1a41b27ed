package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentIDShape(t *testing.T) {
	id, err := AgentID()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "agent-"))
	assert.Len(t, strings.TrimPrefix(id, "agent-"), 12)
}

func TestSSHUsernameShape(t *testing.T) {
	name, err := SSHUsername()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "tenant-"))
}

func TestSSHPasswordMinLength(t *testing.T) {
	pw, err := SSHPassword()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(pw), 16)
}

func TestJupyterTokenMinLengthAndAlphanumeric(t *testing.T) {
	tok, err := JupyterToken()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(tok), 32)
	for _, r := range tok {
		assert.True(t, (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'), "unexpected rune %q", r)
	}
}

func TestRandomValuesDiffer(t *testing.T) {
	a, err := SSHPassword()
	require.NoError(t, err)
	b, err := SSHPassword()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
