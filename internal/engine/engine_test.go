package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crosslogic/node-agent/internal/agenterrors"
	"github.com/crosslogic/node-agent/internal/container"
	"github.com/crosslogic/node-agent/internal/model"
	"github.com/crosslogic/node-agent/internal/store"
)

// fakeStore is an in-memory stand-in for the Local Store, enforcing the
// same "only one non-terminal deployment" invariant the real store does
// via AcquireSlot.
type fakeStore struct {
	mu          sync.Mutex
	slotBusy    bool
	slotOwner   string
	deployments map[string]*model.Deployment
}

func newFakeStore() *fakeStore {
	return &fakeStore{deployments: map[string]*model.Deployment{}}
}

func (f *fakeStore) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[id]
	if !ok {
		return nil, agenterrors.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeStore) CreateDeployment(ctx context.Context, slotID string, d *model.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.deployments[d.ID]; ok {
		return agenterrors.ErrAlreadyExists
	}
	cp := *d
	f.deployments[d.ID] = &cp
	return nil
}

// fakeTransitions mirrors store.go's deploymentTransitions gate so this
// double enforces the same terminal-row/invalid-edge rejections the real
// store does; without it no test could ever observe a Deploy racing a
// Terminate into rejecting a patch.
var fakeTransitions = map[model.DeploymentStatus]map[model.DeploymentStatus]bool{
	model.DeploymentDeploying:   {model.DeploymentRunning: true, model.DeploymentTerminating: true, model.DeploymentFailed: true},
	model.DeploymentRunning:     {model.DeploymentTerminating: true},
	model.DeploymentTerminating: {model.DeploymentTerminated: true, model.DeploymentFailed: true},
}

func (f *fakeStore) PatchDeployment(ctx context.Context, id string, patch store.DeploymentPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[id]
	if !ok {
		return agenterrors.ErrNotFound
	}
	if d.Status.IsTerminal() {
		return agenterrors.ErrInvalidTransition
	}
	if patch.Status != nil && *patch.Status != d.Status {
		if !fakeTransitions[d.Status][*patch.Status] {
			return agenterrors.ErrInvalidTransition
		}
	}
	if patch.Status != nil {
		d.Status = *patch.Status
	}
	if patch.Reason != nil {
		d.Reason = *patch.Reason
	}
	if patch.ContainerID != nil {
		d.ContainerID = *patch.ContainerID
	}
	if patch.SSHUsername != nil {
		d.Credentials.SSHUsername = *patch.SSHUsername
	}
	if patch.SSHPassword != nil {
		d.Credentials.SSHPassword = *patch.SSHPassword
	}
	if patch.JupyterToken != nil {
		d.Credentials.JupyterToken = *patch.JupyterToken
	}
	return nil
}

func (f *fakeStore) AcquireSlot(ctx context.Context, slotID, deploymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.slotBusy {
		return agenterrors.ErrResourceBusy
	}
	f.slotBusy = true
	f.slotOwner = deploymentID
	return nil
}

func (f *fakeStore) ReleaseSlot(ctx context.Context, slotID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slotBusy = false
	f.slotOwner = ""
	return nil
}

// fakeDriver is a controllable in-memory container runtime.
type fakeDriver struct {
	mu       sync.Mutex
	pullErr  error
	runErr   error
	execErr  error
	running  map[string]bool
	removed  []string
	nextPort int

	// runBlock, if set, is closed by the test to release a goroutine
	// parked inside Run — used to hold a deploy mid-flight while a
	// concurrent terminate is attempted against the same id.
	runBlock chan struct{}
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{running: map[string]bool{}, nextPort: 30000}
}

func (f *fakeDriver) Pull(ctx context.Context, image string) error { return f.pullErr }

func (f *fakeDriver) Run(ctx context.Context, spec container.Spec) (container.RunResult, error) {
	if f.runBlock != nil {
		<-f.runBlock
	}
	if f.runErr != nil {
		return container.RunResult{}, f.runErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := model.ContainerName(spec.DeploymentID)
	f.running[id] = true
	ports := model.PortMap{}
	for p := range spec.Ports {
		ports[p] = f.nextPort
		f.nextPort++
	}
	return container.RunResult{ContainerID: id, Ports: ports}, nil
}

func (f *fakeDriver) Exec(ctx context.Context, containerID string, cmd []string) error {
	return f.execErr
}

func (f *fakeDriver) Stop(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[containerID] = false
	return nil
}

func (f *fakeDriver) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, containerID)
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeDriver) Inspect(ctx context.Context, containerID string) (container.InspectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, exists := f.running[containerID]
	return container.InspectResult{Exists: exists, Running: exists && running}, nil
}

// PortsListening is stubbed true: this fake never binds real sockets.
func (f *fakeDriver) PortsListening(ctx context.Context, ports model.PortMap) bool {
	return true
}

type fakeNotifier struct {
	successes    []string
	terminations []string
}

func (f *fakeNotifier) NotifyDeploySuccess(ctx context.Context, deploymentID string, payload map[string]any) error {
	f.successes = append(f.successes, deploymentID)
	return nil
}

func (f *fakeNotifier) NotifyDeployTerminated(ctx context.Context, deploymentID, reason string) error {
	f.terminations = append(f.terminations, deploymentID)
	return nil
}

// fakeResetter is a no-op GPUResetter; the VRAM-cleanup logic itself is
// covered by internal/hardware's own tests.
type fakeResetter struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeResetter) ResetGPU(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

func newTestEngine() (*Engine, *fakeStore, *fakeDriver, *fakeNotifier) {
	eng, st, drv, notifier, _ := newTestEngineWithResetter()
	return eng, st, drv, notifier
}

func newTestEngineWithResetter() (*Engine, *fakeStore, *fakeDriver, *fakeNotifier, *fakeResetter) {
	st := newFakeStore()
	drv := newFakeDriver()
	notifier := &fakeNotifier{}
	resetter := &fakeResetter{}
	eng := New(st, drv, notifier, resetter, zap.NewNop())
	return eng, st, drv, notifier, resetter
}

func TestDeployFailsFastWhenSlotBusy(t *testing.T) {
	eng, st, _, _ := newTestEngine()
	st.slotBusy = true

	err := eng.Deploy(context.Background(), "d1", model.DeployPayload{Image: "ubuntu:22.04"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, agenterrors.ErrResourceBusy))
}

func TestDeployReplayIsNoOp(t *testing.T) {
	eng, _, drv, notifier := newTestEngine()
	payload := model.DeployPayload{Image: "ubuntu:22.04", Ports: map[int]string{22: "ssh"}}

	require.NoError(t, eng.Deploy(context.Background(), "d1", payload))
	require.Len(t, notifier.successes, 1)

	// Replay: must short-circuit, not re-run steps.
	require.NoError(t, eng.Deploy(context.Background(), "d1", payload))
	assert.Len(t, notifier.successes, 1, "replay must not notify success a second time")
	assert.Len(t, drv.removed, 0)
}

func TestDeployCompensatesOnPullFailure(t *testing.T) {
	eng, st, drv, notifier := newTestEngine()
	drv.pullErr = errors.New("registry unreachable")

	err := eng.Deploy(context.Background(), "d2", model.DeployPayload{Image: "nonexistent:0"})
	require.Error(t, err)

	d, getErr := st.GetDeployment(context.Background(), "d2")
	require.NoError(t, getErr)
	assert.Equal(t, model.DeploymentFailed, d.Status)
	assert.False(t, st.slotBusy, "slot must be released after compensation")
	assert.Empty(t, notifier.successes)
}

func TestDeployReachesRunningOnHappyPath(t *testing.T) {
	eng, st, _, notifier := newTestEngine()
	payload := model.DeployPayload{Image: "ubuntu:22.04", Ports: map[int]string{22: "ssh"}, DurationMinutes: 30}

	require.NoError(t, eng.Deploy(context.Background(), "d3", payload))

	d, err := st.GetDeployment(context.Background(), "d3")
	require.NoError(t, err)
	assert.Equal(t, model.DeploymentRunning, d.Status)
	assert.NotNil(t, d.ContainerID)
	assert.NotEmpty(t, d.Credentials.SSHUsername)
	assert.Len(t, notifier.successes, 1)
}

func TestTerminateStopsAndReleasesSlot(t *testing.T) {
	eng, st, drv, notifier, resetter := newTestEngineWithResetter()
	payload := model.DeployPayload{Image: "ubuntu:22.04", Ports: map[int]string{22: "ssh"}}
	require.NoError(t, eng.Deploy(context.Background(), "d4", payload))

	require.NoError(t, eng.Terminate(context.Background(), "d4", model.ReasonUser))

	d, err := st.GetDeployment(context.Background(), "d4")
	require.NoError(t, err)
	assert.Equal(t, model.DeploymentTerminated, d.Status)
	assert.False(t, st.slotBusy)
	assert.Contains(t, drv.removed, *d.ContainerID)
	assert.Len(t, notifier.terminations, 1)
	assert.Equal(t, 1, resetter.calls, "terminate must reset the gpu after removing the container")
}

// TestConcurrentDeployAndTerminateSerialize exercises the race a
// short-lived deploy can hit against the duration sweep: a Terminate for
// the same deployment id arriving while Deploy is still mid-flight must
// wait for Deploy to settle instead of racing it and leaking the
// container Deploy just created.
func TestConcurrentDeployAndTerminateSerialize(t *testing.T) {
	eng, st, drv, _, _ := newTestEngineWithResetter()
	release := make(chan struct{})
	drv.runBlock = release

	payload := model.DeployPayload{Image: "ubuntu:22.04", Ports: map[int]string{22: "ssh"}}

	var wg sync.WaitGroup
	wg.Add(1)
	var deployErr error
	go func() {
		defer wg.Done()
		deployErr = eng.Deploy(context.Background(), "d6", payload)
	}()

	// Give Deploy time to acquire the slot, create the row, and block
	// inside Run before the racing terminate is attempted.
	time.Sleep(20 * time.Millisecond)

	terminateDone := make(chan error, 1)
	go func() {
		terminateDone <- eng.Terminate(context.Background(), "d6", model.ReasonDurationExpired)
	}()

	select {
	case <-terminateDone:
		t.Fatal("terminate completed while deploy still held the deployment's lock")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	wg.Wait()
	require.NoError(t, deployErr)
	require.NoError(t, <-terminateDone)

	d, err := st.GetDeployment(context.Background(), "d6")
	require.NoError(t, err)
	assert.Equal(t, model.DeploymentTerminated, d.Status)
	require.NotNil(t, d.ContainerID)
	assert.Contains(t, drv.removed, *d.ContainerID, "deploy's container must be cleanly removed, never leaked")

	drv.mu.Lock()
	stillRunning := drv.running[*d.ContainerID]
	drv.mu.Unlock()
	assert.False(t, stillRunning, "no leaked running container after the race")
}

func TestTerminateOnTerminalIsNoOpButNotifies(t *testing.T) {
	eng, st, _, notifier := newTestEngine()
	payload := model.DeployPayload{Image: "ubuntu:22.04", Ports: map[int]string{22: "ssh"}}
	require.NoError(t, eng.Deploy(context.Background(), "d5", payload))
	require.NoError(t, eng.Terminate(context.Background(), "d5", model.ReasonUser))

	// second terminate on an already-terminal deployment
	require.NoError(t, eng.Terminate(context.Background(), "d5", model.ReasonUser))

	assert.Len(t, notifier.terminations, 2, "idempotent terminate still notifies each call")
	d, err := st.GetDeployment(context.Background(), "d5")
	require.NoError(t, err)
	assert.Equal(t, model.DeploymentTerminated, d.Status)
}
