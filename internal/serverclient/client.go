// Package serverclient is the Server Client (spec.md section 4.3): typed
// HTTP/JSON calls to the central control plane, grounded on the teacher's
// node-agent/internal/agent.go register/heartbeat HTTP patterns, fixed up
// to return classified errors instead of swallowing them.
package serverclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/node-agent/internal/agenterrors"
	"github.com/crosslogic/node-agent/internal/model"
)

// Client calls the control-plane server's REST surface (spec.md section 6).
type Client struct {
	baseURL     string
	bearerToken string
	agentID     string
	httpClient  *http.Client
	logger      *zap.Logger
}

// New constructs a Client with a fixed per-call timeout.
func New(baseURL, bearerToken, agentID string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:     baseURL,
		bearerToken: bearerToken,
		agentID:     agentID,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

// RegisterRequest is the register payload spec.md section 6 names.
type RegisterRequest struct {
	AgentID    string                    `json:"agent_id"`
	Descriptor model.HardwareDescriptor  `json:"gpu_descriptor"`
	Network    model.Network             `json:"network"`
}

// RegisterResult carries the server-assigned uuid or the AlreadyRegistered
// variant, both of which are success outcomes per spec.md section 4.3.
type RegisterResult struct {
	GPUUUID          string
	AlreadyRegistered bool
}

// Register posts the agent's identity. 200 returns a fresh uuid, 409
// returns AlreadyRegistered with the existing uuid, 401/422/5xx map to
// the taxonomy in agenterrors.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (RegisterResult, error) {
	var out struct {
		GPUUUID string `json:"gpu_uuid"`
	}
	status, err := c.doJSON(ctx, http.MethodPost, "/api/host-agents/register", req, &out)
	switch {
	case err != nil:
		return RegisterResult{}, err
	case status == http.StatusOK:
		return RegisterResult{GPUUUID: out.GPUUUID}, nil
	case status == http.StatusConflict:
		return RegisterResult{GPUUUID: out.GPUUUID, AlreadyRegistered: true}, nil
	case status == http.StatusUnauthorized:
		return RegisterResult{}, agenterrors.ErrServerUnauthorized
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		return RegisterResult{}, fmt.Errorf("%w: register rejected with status %d", agenterrors.ErrServerTransient, status)
	default:
		return RegisterResult{}, fmt.Errorf("%w: register status %d", agenterrors.ErrServerTransient, status)
	}
}

// Heartbeat reports liveness. Failure is always Transient.
func (c *Client) Heartbeat(ctx context.Context) error {
	body := map[string]any{
		"agent_id": c.agentID,
		"ts":       time.Now().UTC(),
		"status":   "online",
	}
	path := fmt.Sprintf("/api/host-agents/%s/heartbeat", c.agentID)
	status, err := c.doJSON(ctx, http.MethodPost, path, body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: heartbeat status %d", agenterrors.ErrServerTransient, status)
	}
	return nil
}

// PollCommands fetches the next ordered batch of commands.
func (c *Client) PollCommands(ctx context.Context) ([]model.Command, error) {
	var out struct {
		Commands []struct {
			CommandID   string                 `json:"command_id"`
			CommandType string                 `json:"command_type"`
			Payload     map[string]interface{} `json:"payload"`
		} `json:"commands"`
	}
	path := fmt.Sprintf("/api/host-agents/%s/commands", c.agentID)
	status, err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: poll commands status %d", agenterrors.ErrServerTransient, status)
	}
	cmds := make([]model.Command, 0, len(out.Commands))
	for _, c := range out.Commands {
		cmds = append(cmds, model.Command{
			CommandID:   c.CommandID,
			CommandType: model.CommandType(c.CommandType),
			Payload:     c.Payload,
		})
	}
	return cmds, nil
}

// AckCommand acknowledges a dispatched command; must run on every exit
// path of the command loop, per spec.md section 4.6.
func (c *Client) AckCommand(ctx context.Context, commandID, status string) error {
	body := map[string]any{"status": status, "ts": time.Now().UTC()}
	path := fmt.Sprintf("/api/host-agents/%s/commands/%s/ack", c.agentID, commandID)
	respStatus, err := c.doJSON(ctx, http.MethodPost, path, body, nil)
	if err != nil {
		return err
	}
	if respStatus != http.StatusOK {
		return fmt.Errorf("%w: ack status %d", agenterrors.ErrServerTransient, respStatus)
	}
	return nil
}

// PushMetrics is best-effort; callers never retry a failure.
func (c *Client) PushMetrics(ctx context.Context, payload map[string]any) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/api/host-agents/metrics", payload, nil)
	return err
}

// PushHealth is best-effort; callers never retry a failure.
func (c *Client) PushHealth(ctx context.Context, payload map[string]any) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/api/host-agents/health", payload, nil)
	return err
}

// NotifyDeploySuccess reports access info for a newly running deployment.
// Best-effort: a missed notification does not corrupt local state.
func (c *Client) NotifyDeploySuccess(ctx context.Context, deploymentID string, payload map[string]any) error {
	path := fmt.Sprintf("/api/deployments/%s/success", deploymentID)
	_, err := c.doJSON(ctx, http.MethodPost, path, payload, nil)
	return err
}

// NotifyDeployTerminated reports a deployment's terminal outcome.
// Best-effort, same contract as NotifyDeploySuccess.
func (c *Client) NotifyDeployTerminated(ctx context.Context, deploymentID, reason string) error {
	path := fmt.Sprintf("/api/deployments/%s/terminated", deploymentID)
	body := map[string]any{"reason": reason}
	_, err := c.doJSON(ctx, http.MethodPost, path, body, nil)
	return err
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", agenterrors.ErrServerTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return resp.StatusCode, fmt.Errorf("%w: server status %d", agenterrors.ErrServerTransient, resp.StatusCode)
	}

	if out != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, fmt.Errorf("read response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return resp.StatusCode, fmt.Errorf("decode response: %w", err)
			}
		}
	}
	return resp.StatusCode, nil
}
