// Package loops is the Periodic Loops component (spec.md section 4.7):
// six independent, cooperatively scheduled tasks. Grounded on the
// teacher's agent.go loop shapes (heartbeatLoop/healthMonitorLoop/
// terminationMonitorLoop, each a ticker+select over ctx.Done()), run
// together under golang.org/x/sync/errgroup by the supervisor. Each tick
// recovers its own panic (safeTick), so a panic in one loop never takes
// down its siblings.
package loops

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/node-agent/internal/engine"
	"github.com/crosslogic/node-agent/internal/hardware"
	"github.com/crosslogic/node-agent/internal/model"
	"github.com/crosslogic/node-agent/internal/serverclient"
	"github.com/crosslogic/node-agent/internal/store"
	"github.com/crosslogic/node-agent/internal/sysinfo"
)

const slotID = "local"

// Loops bundles the shared dependencies every periodic loop needs.
type Loops struct {
	store  *store.Store
	probe  *hardware.Probe
	server *serverclient.Client
	engine *engine.Engine
	logger *zap.Logger
}

// New constructs a Loops bundle.
func New(st *store.Store, probe *hardware.Probe, server *serverclient.Client, eng *engine.Engine, logger *zap.Logger) *Loops {
	return &Loops{store: st, probe: probe, server: server, engine: eng, logger: logger}
}

// run is the common ticker+recover scaffold every loop below shares.
func run(ctx context.Context, interval time.Duration, logger *zap.Logger, name string, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			safeTick(logger, name, func() { tick(ctx) })
		}
	}
}

func safeTick(logger *zap.Logger, name string, tick func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("periodic loop tick panicked, resuming next tick", zap.String("loop", name), zap.Any("recover", r))
		}
	}()
	tick()
}

// Sample samples GPU metrics and appends them to gpu_metrics. It passes
// the telemetry values to PatchGPU, but gpu_status has no telemetry
// columns, so the slot row does not hold the current sample; the call
// only refreshes updated_at. It never sets status or
// current_deployment_id.
func (l *Loops) Sample(ctx context.Context, interval time.Duration) {
	run(ctx, interval, l.logger, "sample", func(ctx context.Context) {
		sample, err := l.probe.SampleMetrics(ctx)
		if err != nil {
			l.logger.Warn("sample metrics failed", zap.Error(err))
			return
		}
		sample.SlotID = slotID
		if err := l.store.AppendMetric(ctx, sample); err != nil {
			l.logger.Warn("append metric failed", zap.Error(err))
			return
		}
		if err := l.store.PatchGPU(ctx, slotID, store.GpuPatch{
			GPUUtilPercent: sample.GPUUtilPercent,
			VRAMUsedMiB:    sample.VRAMUsedMiB,
			TempC:          sample.TempC,
			PowerW:         sample.PowerW,
			FanPercent:     sample.FanPercent,
		}); err != nil {
			l.logger.Warn("patch gpu telemetry failed", zap.Error(err))
		}
	})
}

// Health runs the health probe, appends the record, and patches the
// healthy/last_health_check/consecutive_failures triplet.
func (l *Loops) Health(ctx context.Context, interval time.Duration) {
	run(ctx, interval, l.logger, "health", func(ctx context.Context) {
		rec, err := l.probe.CheckHealth(ctx)
		if err != nil {
			l.logger.Warn("check health failed", zap.Error(err))
			return
		}
		rec.SlotID = slotID
		if err := l.store.AppendHealth(ctx, rec); err != nil {
			l.logger.Warn("append health failed", zap.Error(err))
		}

		slot, err := l.store.GetGPU(ctx, slotID)
		if err != nil {
			l.logger.Warn("load gpu for health patch failed", zap.Error(err))
			return
		}

		healthy := rec.Overall == model.HealthHealthy
		failures := slot.ConsecutiveFailures
		if healthy {
			failures = 0
		} else {
			failures++
		}
		now := rec.Timestamp
		if err := l.store.PatchGPU(ctx, slotID, store.GpuPatch{
			Healthy:             &healthy,
			ConsecutiveFailures: &failures,
			LastHealthCheck:     &now,
		}); err != nil {
			l.logger.Warn("patch gpu health failed", zap.Error(err))
		}
	})
}

// Heartbeat reports liveness; failure is logged, status does not change.
func (l *Loops) Heartbeat(ctx context.Context, interval time.Duration) {
	run(ctx, interval, l.logger, "heartbeat", func(ctx context.Context) {
		if err := l.server.Heartbeat(ctx); err != nil {
			l.logger.Warn("heartbeat failed", zap.Error(err))
		}
	})
}

// MetricsPush combines the latest sample with a system snapshot and
// pushes it. Best-effort, no retry.
func (l *Loops) MetricsPush(ctx context.Context, interval time.Duration) {
	run(ctx, interval, l.logger, "metrics_push", func(ctx context.Context) {
		sample, err := l.probe.SampleMetrics(ctx)
		if err != nil {
			l.logger.Warn("sample for metrics push failed", zap.Error(err))
			return
		}
		snap := sysinfo.Snapshot()
		payload := map[string]any{
			"gpu_util_percent": sample.GPUUtilPercent,
			"vram_used_mib":    sample.VRAMUsedMiB,
			"temp_c":           sample.TempC,
			"power_w":          sample.PowerW,
			"fan_percent":      sample.FanPercent,
			"cpu_percent":      snap.CPUPercent,
			"ram_used_mib":     snap.RAMUsedMiB,
			"disk_used_mib":    snap.DiskUsedMiB,
			"uptime_seconds":   snap.UptimeSeconds,
		}
		if err := l.server.PushMetrics(ctx, payload); err != nil {
			l.logger.Warn("push metrics failed", zap.Error(err))
		}
	})
}

// HealthPush pushes the current health plus the derived performance
// scores (never persisted, computed fresh on each push).
func (l *Loops) HealthPush(ctx context.Context, interval time.Duration) {
	run(ctx, interval, l.logger, "health_push", func(ctx context.Context) {
		rec, err := l.probe.CheckHealth(ctx)
		if err != nil {
			l.logger.Warn("check health for push failed", zap.Error(err))
			return
		}
		sample, err := l.probe.SampleMetrics(ctx)
		if err != nil {
			l.logger.Warn("sample for health push failed", zap.Error(err))
			return
		}

		payload := map[string]any{
			"overall":            rec.Overall,
			"driver_responsive":  rec.DriverResponsive,
			"temperature_ok":     rec.TemperatureOK,
			"power_ok":           rec.PowerOK,
			"no_ecc_errors":      rec.NoECCErrors,
			"fan_operational":    rec.FanOperational,
			"error_count":        rec.ErrorCount,
			"gpu_performance":    GPUPerformance(sample, rec),
			"system_stability":   SystemStability(rec),
		}
		if err := l.server.PushHealth(ctx, payload); err != nil {
			l.logger.Warn("push health failed", zap.Error(err))
		}
	})
}

// DurationSweep terminates every expired deployment via the engine.
func (l *Loops) DurationSweep(ctx context.Context, interval time.Duration) {
	run(ctx, interval, l.logger, "duration_sweep", func(ctx context.Context) {
		expired, err := l.store.ListExpired(ctx, time.Now())
		if err != nil {
			l.logger.Warn("list expired failed", zap.Error(err))
			return
		}
		for _, d := range expired {
			if err := l.engine.Terminate(ctx, d.ID, model.ReasonDurationExpired); err != nil {
				l.logger.Warn("sweep terminate failed", zap.String("deployment_id", d.ID), zap.Error(err))
			}
		}
	})
}

// clamp restricts v to [0, 100].
func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// GPUPerformance implements spec.md section 4.7's scoring formula:
// 100 − 2·max(0, temp−80) − 10·(temp>85) − 20·(fan_not_operational),
// clamped to [0,100].
func GPUPerformance(sample model.MetricSample, health model.HealthRecord) float64 {
	score := 100.0
	if sample.TempC != nil {
		over := *sample.TempC - 80.0
		if over > 0 {
			score -= 2 * over
		}
		if *sample.TempC > 85.0 {
			score -= 10
		}
	}
	if !health.FanOperational {
		score -= 20
	}
	return clamp(score)
}

// SystemStability implements spec.md section 4.7's scoring formula:
// 100 − 15·error_count − (30 if unhealthy else 15 if warning else 0),
// clamped to [0,100].
func SystemStability(health model.HealthRecord) float64 {
	score := 100.0 - 15.0*float64(health.ErrorCount)
	switch health.Overall {
	case model.HealthUnhealthy:
		score -= 30
	case model.HealthWarning:
		score -= 15
	}
	return clamp(score)
}
