// Package commandloop is the Command Loop (spec.md section 4.6): polls
// the server on a fixed interval, dispatches each command to the
// Deployment Engine in server order, and guarantees exactly one ack per
// command id regardless of dispatch outcome. Grounded on the teacher's
// ticker-based loop shape (agent.go's heartbeatLoop/healthMonitorLoop
// select-on-ctx.Done pattern), generalized to a dispatch table instead of
// the teacher's single hard-coded action.
package commandloop

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/node-agent/internal/model"
)

// CommandSource is the subset of the Server Client the loop depends on.
// A narrow interface, matching control-plane's LoadBalancer pattern, so
// tests can substitute a fake without an HTTP server.
type CommandSource interface {
	PollCommands(ctx context.Context) ([]model.Command, error)
	AckCommand(ctx context.Context, commandID, status string) error
}

// Dispatcher is the subset of the Deployment Engine the loop drives.
type Dispatcher interface {
	Deploy(ctx context.Context, commandID string, payload model.DeployPayload) error
	Terminate(ctx context.Context, deploymentID, reason string) error
}

// Loop polls, dispatches, and acks commands.
type Loop struct {
	server   CommandSource
	engine   Dispatcher
	logger   *zap.Logger
	interval time.Duration
}

// New constructs a Loop.
func New(server CommandSource, eng Dispatcher, logger *zap.Logger, interval time.Duration) *Loop {
	return &Loop{server: server, engine: eng, logger: logger, interval: interval}
}

// Run ticks until ctx is cancelled, swallowing per-iteration errors at
// the loop boundary so one bad poll never stops the loop.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("command loop tick panicked, resuming next tick", zap.Any("recover", r))
		}
	}()

	commands, err := l.server.PollCommands(ctx)
	if err != nil {
		l.logger.Warn("poll commands failed", zap.Error(err))
		return
	}

	for _, cmd := range commands {
		l.dispatch(ctx, cmd)
	}
}

// dispatch handles exactly one command: log, resolve, dispatch, ack on
// every exit path — the ack always runs, even when dispatch fails.
func (l *Loop) dispatch(ctx context.Context, cmd model.Command) {
	l.logger.Info("received command", zap.String("command_id", cmd.CommandID), zap.String("command_type", string(cmd.CommandType)))

	ackStatus := "ok"
	defer func() {
		if err := l.server.AckCommand(ctx, cmd.CommandID, ackStatus); err != nil {
			l.logger.Warn("ack command failed, server will redeliver", zap.String("command_id", cmd.CommandID), zap.Error(err))
		}
	}()

	switch cmd.CommandType {
	case model.CommandDeploy:
		payload, err := decodeDeployPayload(cmd.Payload)
		if err != nil {
			l.logger.Error("invalid deploy payload", zap.String("command_id", cmd.CommandID), zap.Error(err))
			ackStatus = "rejected"
			return
		}
		if err := l.engine.Deploy(ctx, cmd.CommandID, payload); err != nil {
			l.logger.Error("deploy dispatch failed", zap.String("command_id", cmd.CommandID), zap.Error(err))
			ackStatus = "failed"
		}
	case model.CommandTerminate:
		payload, err := decodeTerminatePayload(cmd.Payload)
		if err != nil {
			l.logger.Error("invalid terminate payload", zap.String("command_id", cmd.CommandID), zap.Error(err))
			ackStatus = "rejected"
			return
		}
		reason := payload.Reason
		if reason == "" {
			reason = model.ReasonUser
		}
		if err := l.engine.Terminate(ctx, payload.DeploymentID, reason); err != nil {
			l.logger.Error("terminate dispatch failed", zap.String("command_id", cmd.CommandID), zap.Error(err))
			ackStatus = "failed"
		}
	default:
		l.logger.Warn("unknown command type, acknowledging without action", zap.String("command_id", cmd.CommandID), zap.String("command_type", string(cmd.CommandType)))
	}
}

func decodeDeployPayload(raw map[string]interface{}) (model.DeployPayload, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return model.DeployPayload{}, err
	}
	var p model.DeployPayload
	if err := json.Unmarshal(buf, &p); err != nil {
		return model.DeployPayload{}, err
	}
	return p, nil
}

func decodeTerminatePayload(raw map[string]interface{}) (model.TerminatePayload, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return model.TerminatePayload{}, err
	}
	var p model.TerminatePayload
	if err := json.Unmarshal(buf, &p); err != nil {
		return model.TerminatePayload{}, err
	}
	return p, nil
}
