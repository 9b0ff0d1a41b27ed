// Package supervisor is the Supervisor (spec.md section 4.8): owns the
// strictly-ordered startup sequence, spawns the periodic loops and
// command loop under a shared errgroup, and drives graceful shutdown.
// Grounded on the teacher's cmd/main.go (signal.Notify SIGINT/SIGTERM,
// bounded-timeout graceful stop) and agent.go's Start/Stop shape,
// generalized from one hard-coded agent to the full six-loop set, with
// golang.org/x/sync/errgroup replacing the teacher's ad-hoc goroutine +
// stopChan bookkeeping.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"

	"github.com/crosslogic/node-agent/internal/agenterrors"
	"github.com/crosslogic/node-agent/internal/commandloop"
	"github.com/crosslogic/node-agent/internal/config"
	"github.com/crosslogic/node-agent/internal/container"
	"github.com/crosslogic/node-agent/internal/diagnostics"
	"github.com/crosslogic/node-agent/internal/engine"
	"github.com/crosslogic/node-agent/internal/hardware"
	"github.com/crosslogic/node-agent/internal/idgen"
	"github.com/crosslogic/node-agent/internal/loops"
	"github.com/crosslogic/node-agent/internal/model"
	"github.com/crosslogic/node-agent/internal/serverclient"
	"github.com/crosslogic/node-agent/internal/store"
	"github.com/crosslogic/node-agent/internal/store/cache"
)

const slotID = "local"

// Supervisor owns the agent's whole process lifetime.
type Supervisor struct {
	cfg    *config.Config
	logger *zap.Logger

	store  *store.Store
	probe  *hardware.Probe
	driver *container.Driver
	server *serverclient.Client
	engine *engine.Engine
	loops  *loops.Loops
	cmds   *commandloop.Loop
	diag   *diagnostics.Server
}

// New runs the full startup sequence (spec.md section 4.8 steps 1-6) and
// returns a Supervisor ready to Run. Any failure aborts startup.
func New(ctx context.Context, yamlConfigPath string, logger *zap.Logger) (*Supervisor, error) {
	// Step 1: load & validate config.
	cfg, err := config.Load(yamlConfigPath)
	if err != nil {
		return nil, err
	}

	// Step 2: network preflight.
	if err := preflight(cfg); err != nil {
		return nil, err
	}

	// Step 3: open local store (schema init is idempotent inside Open).
	st, err := store.Open(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		return nil, err
	}

	// The redis accelerator is best-effort: it never holds data the store
	// doesn't already have, so a redis outage degrades reads, it does not
	// block startup.
	if c, cerr := cache.New(ctx, cache.Config{Addr: cfg.RedisAddr}); cerr != nil {
		logger.Warn("cache unavailable, serving reads from postgres only", zap.Error(cerr))
	} else {
		st.AttachCache(c)
	}

	// Step 4: resolve agent identity.
	if cfg.AgentID == "" {
		id, err := idgen.AgentID()
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("%w: mint agent id: %v", agenterrors.ErrConfigInvalid, err)
		}
		cfg.AgentID = id
	}

	probe := hardware.NewProbe(logger, "")
	driver, err := container.New(ctx, cfg.ContainerdAddr, cfg.PortRangeLow, cfg.PortRangeHigh, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	serverClient := serverclient.New(cfg.ServerURL, cfg.BearerToken, cfg.AgentID, cfg.CallTimeout, logger)

	// Step 5: resolve GPU identity.
	if err := resolveGPUIdentity(ctx, cfg, st, probe, serverClient, logger); err != nil {
		driver.Close()
		st.Close()
		return nil, err
	}

	eng := engine.New(st, driver, serverClient, probe, logger)

	// Step 6: reconcile orphans.
	if err := reconcileOrphans(ctx, st, driver, logger); err != nil {
		driver.Close()
		st.Close()
		return nil, err
	}

	lp := loops.New(st, probe, serverClient, eng, logger)
	cmdLoop := commandloop.New(serverClient, eng, logger, cfg.Loops.Heartbeat)
	diag := diagnostics.New(cfg.DiagnosticsAddr, st, logger)

	return &Supervisor{
		cfg: cfg, logger: logger,
		store: st, probe: probe, driver: driver, server: serverClient,
		engine: eng, loops: lp, cmds: cmdLoop, diag: diag,
	}, nil
}

// preflight confirms the agent's declared ports are not already locally
// bound. It warns, but never fails, on a public-ip mismatch.
func preflight(cfg *config.Config) error {
	for name, port := range map[string]int{
		"ssh_port":      cfg.SSHPort,
		"rental_port_1": cfg.RentalPort1,
		"rental_port_2": cfg.RentalPort2,
	} {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return fmt.Errorf("%w: %s=%d already bound locally", agenterrors.ErrPortInUse, name, port)
		}
		l.Close()
	}
	return nil
}

// resolveGPUIdentity adopts the store's existing uuid, or registers
// fresh and persists the returned uuid.
func resolveGPUIdentity(ctx context.Context, cfg *config.Config, st *store.Store, probe *hardware.Probe, server *serverclient.Client, logger *zap.Logger) error {
	slot, err := st.GetGPU(ctx, slotID)
	if err != nil && err != agenterrors.ErrNotFound {
		return err
	}

	if slot != nil && slot.UUID != nil && *slot.UUID != "" {
		logger.Info("adopted existing gpu identity", zap.String("uuid", *slot.UUID))
		return nil
	}

	descriptor, err := probe.DescribeGPU(ctx)
	if err != nil {
		return fmt.Errorf("%w: describe gpu: %v", agenterrors.ErrRuntimeError, err)
	}

	network := model.Network{
		PublicIP:    cfg.PublicIP,
		SSHPort:     cfg.SSHPort,
		RentalPort1: cfg.RentalPort1,
		RentalPort2: cfg.RentalPort2,
	}

	result, err := server.Register(ctx, serverclient.RegisterRequest{
		AgentID:    cfg.AgentID,
		Descriptor: descriptor,
		Network:    network,
	})
	if err != nil {
		return err
	}

	uuid := result.GPUUUID
	newSlot := &model.GpuSlot{
		SlotID:     slotID,
		UUID:       &uuid,
		Descriptor: descriptor,
		Network:    network,
		Status:     model.GpuStatusAvailable,
		Healthy:    true,
	}
	if err := st.UpsertGPU(ctx, newSlot); err != nil {
		return err
	}
	logger.Info("registered gpu identity", zap.String("uuid", uuid), zap.Bool("already_registered", result.AlreadyRegistered))
	return nil
}

// reconcileOrphans inspects every non-terminal deployment against the
// container runtime at startup (spec.md section 4.8 step 6).
func reconcileOrphans(ctx context.Context, st *store.Store, driver *container.Driver, logger *zap.Logger) error {
	deployments, err := st.ListNonTerminal(ctx)
	if err != nil {
		return err
	}

	anyRunning := false
	for _, d := range deployments {
		if d.ContainerID == nil {
			markFailed(ctx, st, d.ID, model.ReasonOrphanMissing, logger)
			continue
		}
		inspect, err := driver.Inspect(ctx, *d.ContainerID)
		if err != nil {
			logger.Warn("orphan inspect failed, marking failed", zap.String("deployment_id", d.ID), zap.Error(err))
			markFailed(ctx, st, d.ID, model.ReasonOrphanMissing, logger)
			continue
		}
		switch {
		case inspect.Running:
			logger.Info("re-adopted running orphan deployment", zap.String("deployment_id", d.ID))
			anyRunning = true
		case inspect.Exists:
			_ = driver.Remove(ctx, *d.ContainerID)
			markFailed(ctx, st, d.ID, model.ReasonOrphanStopped, logger)
		default:
			markFailed(ctx, st, d.ID, model.ReasonOrphanMissing, logger)
		}
	}

	if !anyRunning {
		if err := st.ReleaseSlot(ctx, slotID); err != nil {
			return err
		}
	}
	return nil
}

func markFailed(ctx context.Context, st *store.Store, id, reason string, logger *zap.Logger) {
	// The transition gate has no running -> failed edge, so every orphan
	// goes through terminating first.
	terminating := model.DeploymentTerminating
	if err := st.PatchDeployment(ctx, id, store.DeploymentPatch{Status: &terminating}); err != nil {
		logger.Warn("failed to mark orphan deployment terminating", zap.String("deployment_id", id), zap.Error(err))
		return
	}
	status := model.DeploymentFailed
	if err := st.PatchDeployment(ctx, id, store.DeploymentPatch{Status: &status, Reason: &reason}); err != nil {
		logger.Warn("failed to mark orphan deployment failed", zap.String("deployment_id", id), zap.Error(err))
	}
}

// Run spawns the periodic loops, the command loop, and the diagnostics
// server (step 7), then blocks until ctx is cancelled (step 8), draining
// in-flight work by letting the errgroup's goroutines return on their own
// ctx.Done() checks.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { s.loops.Sample(gctx, s.cfg.Loops.Sample); return nil })
	g.Go(func() error { s.loops.Health(gctx, s.cfg.Loops.Health); return nil })
	g.Go(func() error { s.loops.Heartbeat(gctx, s.cfg.Loops.Heartbeat); return nil })
	g.Go(func() error { s.loops.MetricsPush(gctx, s.cfg.Loops.MetricsPush); return nil })
	g.Go(func() error { s.loops.HealthPush(gctx, s.cfg.Loops.HealthPush); return nil })
	g.Go(func() error { s.loops.DurationSweep(gctx, s.cfg.Loops.DurationSweep); return nil })
	g.Go(func() error { s.cmds.Run(gctx); return nil })
	g.Go(func() error { return s.diag.Start() })

	<-gctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = s.diag.Shutdown(shutdownCtx)

	_ = g.Wait()

	s.driver.Close()
	s.store.Close()
	return nil
}

// AgentID returns the agent identity resolved during startup, either
// from configuration or freshly minted.
func (s *Supervisor) AgentID() string {
	return s.cfg.AgentID
}
