// Package engine is the Deployment Engine (spec.md section 4.5): the
// per-tenant state machine, grounded on
// docker-model-runner__daemon.go's Serve/cleanupDeployment compensation
// pattern and mannomannX-PayPerPlayHosting's vm_provisioner.go (placeholder
// creation before external calls, explicit cleanup block per failure
// point). A per-deployment-id mutex serializes Deploy against Terminate
// so the two state-machine drivers never race on the same row;
// go.uber.org/multierr aggregates compensation failures so one failing
// inverse action never masks another.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/crosslogic/node-agent/internal/agenterrors"
	"github.com/crosslogic/node-agent/internal/container"
	"github.com/crosslogic/node-agent/internal/idgen"
	"github.com/crosslogic/node-agent/internal/model"
	"github.com/crosslogic/node-agent/internal/store"
)

const slotID = "local" // single GpuSlot per agent process

// Store is the subset of the Local Store the engine depends on.
type Store interface {
	GetDeployment(ctx context.Context, id string) (*model.Deployment, error)
	CreateDeployment(ctx context.Context, slotID string, d *model.Deployment) error
	PatchDeployment(ctx context.Context, id string, patch store.DeploymentPatch) error
	AcquireSlot(ctx context.Context, slotID, deploymentID string) error
	ReleaseSlot(ctx context.Context, slotID string) error
}

// Driver is the subset of the Container Driver the engine depends on.
type Driver interface {
	Pull(ctx context.Context, image string) error
	Run(ctx context.Context, spec container.Spec) (container.RunResult, error)
	Exec(ctx context.Context, containerID string, cmd []string) error
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (container.InspectResult, error)
	PortsListening(ctx context.Context, ports model.PortMap) bool
}

// Notifier is the subset of the Server Client the engine depends on.
type Notifier interface {
	NotifyDeploySuccess(ctx context.Context, deploymentID string, payload map[string]any) error
	NotifyDeployTerminated(ctx context.Context, deploymentID, reason string) error
}

// GPUResetter clears residual VRAM left behind by a just-removed
// container (original_source's cleanup_gpu_resources).
type GPUResetter interface {
	ResetGPU(ctx context.Context)
}

// Engine runs deploy and terminate paths against the one GpuSlot this
// agent owns. At most one deploy and one terminate execute at a time;
// both serialize through the store's atomic AcquireSlot/ReleaseSlot and,
// per deployment id, through locks.
type Engine struct {
	store    Store
	driver   Driver
	server   Notifier
	resetter GPUResetter
	logger   *zap.Logger
	locks    keyedMutex
}

// New constructs an Engine.
func New(st Store, driver Driver, server Notifier, resetter GPUResetter, logger *zap.Logger) *Engine {
	return &Engine{store: st, driver: driver, server: server, resetter: resetter, logger: logger}
}

// keyedMutex hands out a per-key lock so unrelated deployment ids never
// contend, while Deploy and Terminate for the SAME id are forced to run
// one at a time instead of racing against the store's transition gate.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Deploy drives a new tenant through deploying -> running (or failed),
// per spec.md section 4.5. A replayed command id short-circuits onto the
// already-existing deployment instead of re-running the state machine.
func (e *Engine) Deploy(ctx context.Context, commandID string, payload model.DeployPayload) error {
	unlock := e.locks.lock(commandID)
	defer unlock()
	return e.deploy(ctx, commandID, payload)
}

func (e *Engine) deploy(ctx context.Context, id string, payload model.DeployPayload) error {
	// Replay check: if the deployment already exists, this is a no-op
	// (spec.md section 8, "deploy idempotence under replay").
	if existing, err := e.store.GetDeployment(ctx, id); err == nil && existing != nil {
		e.logger.Info("deploy replay short-circuited", zap.String("deployment_id", id))
		return nil
	} else if err != nil && err != agenterrors.ErrNotFound {
		return err
	}

	// Step 1: acquire the GpuSlot.
	if err := e.store.AcquireSlot(ctx, slotID, id); err != nil {
		return err
	}

	// Step 2: persist Deployment in deploying.
	d := &model.Deployment{
		ID:              id,
		TemplateID:      payload.TemplateID,
		Image:           payload.Image,
		OwnerUserID:     payload.UserID,
		StartTime:       time.Now(),
		DurationMinutes: payload.DurationMinutes,
		Status:          model.DeploymentDeploying,
		Environment:     payload.Environment,
		Volumes:         payload.Volumes,
		Command:         payload.Command,
		RestartPolicy:   payload.RestartPolicy,
	}
	if err := e.store.CreateDeployment(ctx, slotID, d); err != nil {
		_ = e.store.ReleaseSlot(ctx, slotID)
		return err
	}

	if err := e.runDeploySteps(ctx, id, payload); err != nil {
		e.compensate(ctx, id, err)
		return err
	}
	return nil
}

func (e *Engine) runDeploySteps(ctx context.Context, id string, payload model.DeployPayload) error {
	// Step 3: pull image.
	if err := e.driver.Pull(ctx, payload.Image); err != nil {
		return fmt.Errorf("%s: %w: %v", model.ReasonPullFailed, agenterrors.ErrRuntimeError, err)
	}

	// Step 4: mint credentials.
	sshUser, err := idgen.SSHUsername()
	if err != nil {
		return err
	}
	sshPass, err := idgen.SSHPassword()
	if err != nil {
		return err
	}
	jupyterToken, err := idgen.JupyterToken()
	if err != nil {
		return err
	}

	// Step 5: run container, capture allocated ports.
	runResult, err := e.driver.Run(ctx, container.Spec{
		DeploymentID: id,
		Image:        payload.Image,
		Ports:        payload.Ports,
		Environment:  payload.Environment,
		Volumes:      payload.Volumes,
		Command:      payload.Command,
	})
	if err != nil {
		return fmt.Errorf("%s: %w: %v", model.ReasonRunFailed, agenterrors.ErrRuntimeError, err)
	}

	// Record the container id immediately so compensation can find it
	// even if a later step fails.
	cid := runResult.ContainerID
	cidPtr := &cid
	if err := e.store.PatchDeployment(ctx, id, store.DeploymentPatch{ContainerID: &cidPtr}); err != nil {
		return err
	}

	// Step 6: configure container. Failures here are warnings unless the
	// subsequent health gate fails.
	if err := e.configure(ctx, runResult.ContainerID, sshUser, sshPass, jupyterToken); err != nil {
		e.logger.Warn("post-start configuration failed, deferring to health gate", zap.String("deployment_id", id), zap.Error(err))
	}

	// Step 7: health gates.
	if err := e.healthGate(ctx, runResult.ContainerID, runResult.Ports); err != nil {
		return fmt.Errorf("%w: %v", agenterrors.ErrHealthGateFailed, err)
	}

	// Step 8: persist running, notify server.
	patch := store.DeploymentPatch{
		Status:       statusPtr(model.DeploymentRunning),
		SSHUsername:  &sshUser,
		SSHPassword:  &sshPass,
		JupyterToken: &jupyterToken,
	}
	if sshPort, ok := runResult.Ports[22]; ok {
		patch.SSHPort = &sshPort
	}
	if err := e.store.PatchDeployment(ctx, id, patch); err != nil {
		return err
	}

	e.notifySuccess(ctx, id, sshUser, sshPass, jupyterToken, runResult.Ports)
	return nil
}

func (e *Engine) configure(ctx context.Context, containerID, sshUser, sshPass, jupyterToken string) error {
	cmds := [][]string{
		{"useradd", "-m", sshUser},
		{"chpasswd"},
		{"service", "ssh", "restart"},
		{"jupyter", "notebook", "--NotebookApp.token=" + jupyterToken, "--no-browser", "--allow-root"},
	}
	var errs error
	for _, cmd := range cmds {
		if err := e.driver.Exec(ctx, containerID, cmd); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (e *Engine) healthGate(ctx context.Context, containerID string, ports model.PortMap) error {
	inspect, err := e.driver.Inspect(ctx, containerID)
	if err != nil {
		return err
	}
	if !inspect.Exists || !inspect.Running {
		return fmt.Errorf("container %s not running", containerID)
	}

	if err := e.driver.Exec(ctx, containerID, []string{"nvidia-smi"}); err != nil {
		return fmt.Errorf("nvidia-smi gate failed inside container: %w", err)
	}

	if !e.driver.PortsListening(ctx, ports) {
		return fmt.Errorf("allocated ports %v are not all listening", ports)
	}
	return nil
}

// compensate runs the inverse actions for a deploy that did not reach
// running: stop+remove any container, mark the deployment failed, and
// release the slot. This path must succeed even if the runtime is
// partially broken, so every step is attempted regardless of earlier
// failures and aggregated with multierr for logging only.
func (e *Engine) compensate(ctx context.Context, id string, cause error) {
	var errs error

	d, err := e.store.GetDeployment(ctx, id)
	if err != nil {
		errs = multierr.Append(errs, err)
	} else if d.ContainerID != nil {
		if err := e.driver.Stop(ctx, *d.ContainerID); err != nil {
			errs = multierr.Append(errs, err)
		}
		if err := e.driver.Remove(ctx, *d.ContainerID); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	reason := cause.Error()
	if err := e.store.PatchDeployment(ctx, id, store.DeploymentPatch{
		Status: statusPtr(model.DeploymentFailed),
		Reason: &reason,
	}); err != nil {
		errs = multierr.Append(errs, err)
	}

	if err := e.store.ReleaseSlot(ctx, slotID); err != nil {
		errs = multierr.Append(errs, err)
	}

	if errs != nil {
		e.logger.Error("compensation encountered errors", zap.String("deployment_id", id), zap.Error(errs))
	}
}

func (e *Engine) notifySuccess(ctx context.Context, id, sshUser, sshPass, jupyterToken string, ports model.PortMap) {
	payload := map[string]any{
		"ports":         ports,
		"ssh_username":  sshUser,
		"ssh_password":  sshPass,
		"jupyter_token": jupyterToken,
	}
	if err := e.server.NotifyDeploySuccess(ctx, id, payload); err != nil {
		e.logger.Warn("notify deploy success failed, server will resync from polls", zap.String("deployment_id", id), zap.Error(err))
	}
}

// Terminate drives a tenant from its current state to terminated, per
// spec.md section 4.5. Idempotent: a terminate on an already-terminal
// deployment is a no-op that still notifies the server.
func (e *Engine) Terminate(ctx context.Context, id, reason string) error {
	unlock := e.locks.lock(id)
	defer unlock()
	return e.terminate(ctx, id, reason)
}

func (e *Engine) terminate(ctx context.Context, id, reason string) error {
	d, err := e.store.GetDeployment(ctx, id)
	if err != nil {
		return err
	}

	if d.Status.IsTerminal() {
		e.notifyTerminated(ctx, id, reason)
		return nil
	}

	if err := e.store.PatchDeployment(ctx, id, store.DeploymentPatch{Status: statusPtr(model.DeploymentTerminating)}); err != nil {
		return err
	}

	if d.ContainerID != nil {
		if err := e.driver.Stop(ctx, *d.ContainerID); err != nil {
			e.logger.Warn("stop failed during terminate, continuing with removal", zap.String("deployment_id", id), zap.Error(err))
		}
		if err := e.driver.Remove(ctx, *d.ContainerID); err != nil {
			e.logger.Warn("remove failed during terminate", zap.String("deployment_id", id), zap.Error(err))
		}
		e.resetter.ResetGPU(ctx)
	}

	if err := e.store.ReleaseSlot(ctx, slotID); err != nil {
		return err
	}

	if err := e.store.PatchDeployment(ctx, id, store.DeploymentPatch{
		Status: statusPtr(model.DeploymentTerminated),
		Reason: &reason,
	}); err != nil {
		return err
	}

	e.notifyTerminated(ctx, id, reason)
	return nil
}

func (e *Engine) notifyTerminated(ctx context.Context, id, reason string) {
	if err := e.server.NotifyDeployTerminated(ctx, id, reason); err != nil {
		e.logger.Warn("notify deploy terminated failed, server will resync", zap.String("deployment_id", id), zap.Error(err))
	}
}

func statusPtr(s model.DeploymentStatus) *model.DeploymentStatus {
	return &s
}
