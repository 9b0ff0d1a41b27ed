package serverclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crosslogic/node-agent/internal/agenterrors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := New(srv.URL, "test-token", "agent-1", 2*time.Second, zap.NewNop())
	return c, srv.Close
}

func TestRegisterReturnsFreshUUIDOn200(t *testing.T) {
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"gpu_uuid": "uuid-123"})
	})
	defer closeFn()

	result, err := c.Register(context.Background(), RegisterRequest{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Equal(t, "uuid-123", result.GPUUUID)
	assert.False(t, result.AlreadyRegistered)
}

func TestRegisterReturnsAlreadyRegisteredOn409(t *testing.T) {
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"gpu_uuid": "uuid-existing"})
	})
	defer closeFn()

	result, err := c.Register(context.Background(), RegisterRequest{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.True(t, result.AlreadyRegistered)
	assert.Equal(t, "uuid-existing", result.GPUUUID)
}

func TestRegisterUnauthorizedMaps(t *testing.T) {
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	defer closeFn()

	_, err := c.Register(context.Background(), RegisterRequest{AgentID: "agent-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, agenterrors.ErrServerUnauthorized))
}

func TestHeartbeatServerErrorIsTransient(t *testing.T) {
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer closeFn()

	err := c.Heartbeat(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, agenterrors.ErrServerTransient))
}

func TestPollCommandsDecodesBody(t *testing.T) {
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/host-agents/agent-1/commands", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"commands": []map[string]any{
				{"command_id": "c1", "command_type": "deploy", "payload": map[string]any{"image": "ubuntu"}},
			},
		})
	})
	defer closeFn()

	cmds, err := c.PollCommands(context.Background())
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "c1", cmds[0].CommandID)
}

func TestAckCommandPostsStatus(t *testing.T) {
	var gotStatus string
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotStatus, _ = body["status"].(string)
		w.WriteHeader(http.StatusOK)
	})
	defer closeFn()

	require.NoError(t, c.AckCommand(context.Background(), "c1", "ok"))
	assert.Equal(t, "ok", gotStatus)
}
