// Package container is the Container Driver (spec.md section 4.4): a
// thin, synchronous wrapper over containerd, grounded on
// docker-model-runner's daemon.go (container.Manager field, basePort
// 30000, deterministic container naming) with the manager's internals
// rebuilt against the containerd v2 client directly, since that is the
// dependency the pack actually ships (containerd/containerd/v2) rather
// than a docker-engine shim.
//
// Host networking. Tenants run with the host network namespace and
// their own entrypoint is responsible for binding sshd/jupyter to the
// ports this driver reserves and passes in as environment variables;
// there is no NAT layer to configure, which keeps the driver a pure
// lifecycle wrapper instead of a CNI client.
package container

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/containerd/containerd/v2/pkg/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"go.uber.org/zap"

	"github.com/crosslogic/node-agent/internal/agenterrors"
	"github.com/crosslogic/node-agent/internal/model"
)

const (
	signalTERM = syscall.SIGTERM
	signalKILL = syscall.SIGKILL
)

const (
	namespace = "node-agent"

	pullTimeout    = 5 * time.Minute
	runTimeout     = 30 * time.Second
	execTimeout    = 15 * time.Second
	stopTimeout    = 30 * time.Second
	removeTimeout  = 15 * time.Second
	inspectTimeout = 5 * time.Second
)

// Spec describes one tenant container to launch.
type Spec struct {
	DeploymentID string
	Image        string
	Ports        map[int]string // container port -> label, allocated from PortRangeLow..PortRangeHigh
	Environment  map[string]string
	Volumes      map[string]string
	Command      []string
}

// RunResult carries what the runtime assigned.
type RunResult struct {
	ContainerID string
	Ports       model.PortMap // container port -> host port
}

// Driver wraps a containerd client connection.
type Driver struct {
	client        *client.Client
	logger        *zap.Logger
	portRangeLow  int
	portRangeHigh int
}

// New dials the containerd socket.
func New(ctx context.Context, address string, portRangeLow, portRangeHigh int, logger *zap.Logger) (*Driver, error) {
	c, err := client.New(address)
	if err != nil {
		return nil, fmt.Errorf("%w: connect containerd: %v", agenterrors.ErrRuntimeError, err)
	}
	return &Driver{client: c, logger: logger, portRangeLow: portRangeLow, portRangeHigh: portRangeHigh}, nil
}

// Close releases the containerd connection.
func (d *Driver) Close() error {
	return d.client.Close()
}

func (d *Driver) nsCtx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, namespace)
}

// Pull fetches an image, no-op if already cached locally.
func (d *Driver) Pull(ctx context.Context, image string) error {
	ctx, cancel := context.WithTimeout(d.nsCtx(ctx), pullTimeout)
	defer cancel()

	if _, err := d.client.GetImage(ctx, image); err == nil {
		return nil
	}
	if _, err := d.client.Pull(ctx, image); err != nil {
		return fmt.Errorf("%w: pull %s: %v", agenterrors.ErrRuntimeError, image, err)
	}
	return nil
}

// Run creates and starts a detached container, allocating one host port
// per requested container port via bind-and-close pre-reservation — the
// spec.md section 9 design note forbids raw random port picks.
func (d *Driver) Run(ctx context.Context, spec Spec) (RunResult, error) {
	ctx, cancel := context.WithTimeout(d.nsCtx(ctx), runTimeout)
	defer cancel()

	name := model.ContainerName(spec.DeploymentID)

	ports := make(model.PortMap, len(spec.Ports))
	reserved := make([]int, 0, len(spec.Ports))
	for containerPort := range spec.Ports {
		hostPort, err := d.reservePort(reserved)
		if err != nil {
			d.releasePorts(reserved)
			return RunResult{}, fmt.Errorf("%w: reserve host port: %v", agenterrors.ErrRuntimeError, err)
		}
		ports[containerPort] = hostPort
		reserved = append(reserved, hostPort)
	}

	img, err := d.client.GetImage(ctx, spec.Image)
	if err != nil {
		return RunResult{}, fmt.Errorf("%w: image %s not present: %v", agenterrors.ErrRuntimeError, spec.Image, err)
	}

	env := make([]string, 0, len(spec.Environment)+len(ports))
	for k, v := range spec.Environment {
		env = append(env, k+"="+v)
	}
	for containerPort, hostPort := range ports {
		env = append(env, fmt.Sprintf("HOST_PORT_%d=%d", containerPort, hostPort))
	}

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(img),
		oci.WithEnv(env),
		oci.WithHostNamespace(specs.NetworkNamespace),
	}
	if len(spec.Command) > 0 {
		specOpts = append(specOpts, oci.WithProcessArgs(spec.Command...))
	}
	if len(spec.Volumes) > 0 {
		mounts := make([]specs.Mount, 0, len(spec.Volumes))
		for host, containerPath := range spec.Volumes {
			mounts = append(mounts, specMount(host, containerPath))
		}
		specOpts = append(specOpts, oci.WithMounts(mounts))
	}

	c, err := d.client.NewContainer(ctx, name,
		client.WithImage(img),
		client.WithNewSnapshot(name+"-snapshot", img),
		client.WithNewSpec(specOpts...),
	)
	if err != nil {
		return RunResult{}, fmt.Errorf("%w: create container %s: %v", agenterrors.ErrRuntimeError, name, err)
	}

	task, err := c.NewTask(ctx, cio.NewCreator(cio.WithStdio))
	if err != nil {
		_ = c.Delete(ctx, client.WithSnapshotCleanup)
		return RunResult{}, fmt.Errorf("%w: create task for %s: %v", agenterrors.ErrRuntimeError, name, err)
	}

	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		_ = c.Delete(ctx, client.WithSnapshotCleanup)
		return RunResult{}, fmt.Errorf("%w: start task for %s: %v", agenterrors.ErrRuntimeError, name, err)
	}

	return RunResult{ContainerID: c.ID(), Ports: ports}, nil
}

// Exec runs a one-shot command inside a running container, for
// post-start configuration (user creation, ssh restart, jupyter launch).
func (d *Driver) Exec(ctx context.Context, containerID string, cmd []string) error {
	ctx, cancel := context.WithTimeout(d.nsCtx(ctx), execTimeout)
	defer cancel()

	c, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("%w: load container %s: %v", agenterrors.ErrRuntimeError, containerID, err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: load task %s: %v", agenterrors.ErrRuntimeError, containerID, err)
	}

	containerSpec, err := c.Spec(ctx)
	if err != nil {
		return fmt.Errorf("%w: load spec for %s: %v", agenterrors.ErrRuntimeError, containerID, err)
	}
	procSpec := *containerSpec.Process
	procSpec.Args = cmd

	process, err := task.Exec(ctx, "exec-"+randSuffix(), &procSpec, cio.NewCreator(cio.WithStdio))
	if err != nil {
		return fmt.Errorf("%w: exec in %s: %v", agenterrors.ErrRuntimeError, containerID, err)
	}
	defer process.Delete(ctx)

	if err := process.Start(ctx); err != nil {
		return fmt.Errorf("%w: start exec in %s: %v", agenterrors.ErrRuntimeError, containerID, err)
	}
	statusC, err := process.Wait(ctx)
	if err != nil {
		return fmt.Errorf("%w: wait exec in %s: %v", agenterrors.ErrRuntimeError, containerID, err)
	}
	status := <-statusC
	if code, _, err := status.Result(); err != nil || code != 0 {
		return fmt.Errorf("%w: exec in %s exited %d: %v", agenterrors.ErrRuntimeError, containerID, code, err)
	}
	return nil
}

// Stop gracefully stops a container, escalating to kill after the deadline.
func (d *Driver) Stop(ctx context.Context, containerID string) error {
	// The context outlives the graceful deadline so the kill can still run.
	ctx, cancel := context.WithTimeout(d.nsCtx(ctx), 2*stopTimeout)
	defer cancel()

	c, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		// Already gone counts as stopped.
		return nil
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil
	}

	if err := task.Kill(ctx, signalTERM); err != nil {
		return fmt.Errorf("%w: stop %s: %v", agenterrors.ErrRuntimeError, containerID, err)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("%w: wait stop %s: %v", agenterrors.ErrRuntimeError, containerID, err)
	}
	select {
	case <-statusC:
	case <-time.After(stopTimeout):
		if err := task.Kill(ctx, signalKILL); err != nil {
			return fmt.Errorf("%w: kill %s: %v", agenterrors.ErrRuntimeError, containerID, err)
		}
	}
	return nil
}

// Remove deletes a stopped container and its task.
func (d *Driver) Remove(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(d.nsCtx(ctx), removeTimeout)
	defer cancel()

	c, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}
	if task, terr := c.Task(ctx, nil); terr == nil {
		_, _ = task.Delete(ctx)
	}
	if err := c.Delete(ctx, client.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("%w: remove %s: %v", agenterrors.ErrRuntimeError, containerID, err)
	}
	return nil
}

// InspectResult reports whether a container exists and is running.
type InspectResult struct {
	Exists  bool
	Running bool
}

// Inspect reports existence and run state, never swallowing a real error.
func (d *Driver) Inspect(ctx context.Context, containerID string) (InspectResult, error) {
	ctx, cancel := context.WithTimeout(d.nsCtx(ctx), inspectTimeout)
	defer cancel()

	c, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return InspectResult{Exists: false}, nil
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return InspectResult{Exists: true, Running: false}, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return InspectResult{}, fmt.Errorf("%w: inspect %s: %v", agenterrors.ErrRuntimeError, containerID, err)
	}
	return InspectResult{Exists: true, Running: status.Status == client.Running}, nil
}

// reservePort finds a free port in [portRangeLow, portRangeHigh] by
// binding and immediately closing it (pre-reservation), per spec.md
// section 9: never a raw random pick without a local check. Ports in
// taken (already handed out for this container) are skipped.
func (d *Driver) reservePort(taken []int) (int, error) {
nextPort:
	for p := d.portRangeLow; p <= d.portRangeHigh; p++ {
		for _, t := range taken {
			if t == p {
				continue nextPort
			}
		}
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err != nil {
			continue
		}
		l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", d.portRangeLow, d.portRangeHigh)
}

func (d *Driver) releasePorts(ports []int) {
	// Bind-and-close reservations are not held open; nothing to release.
	_ = ports
}

func specMount(host, containerPath string) specs.Mount {
	return specs.Mount{
		Destination: containerPath,
		Type:        "bind",
		Source:      host,
		Options:     []string{"rbind", "rw"},
	}
}

func randSuffix() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// PortsListening reports whether every given host port has something
// bound to it, used by the deploy health gate (spec.md section 4.5 step 7).
func (d *Driver) PortsListening(ctx context.Context, ports model.PortMap) bool {
	for _, hostPort := range ports {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", hostPort), 2*time.Second)
		if err != nil {
			return false
		}
		conn.Close()
	}
	return true
}
