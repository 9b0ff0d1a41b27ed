// Package hardware wraps the nvidia-smi vendor tool behind three pure
// snapshots, matching spec.md section 4.1. Every call is bounded by a
// hard timeout and tolerates "N/A"/"[N/A]" fields as present-but-unknown
// rather than failing the call.
package hardware

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/node-agent/internal/model"
)

const (
	describeTimeout = 10 * time.Second
	sampleTimeout   = 5 * time.Second
	healthTimeout   = 2 * time.Second
	resetTimeout    = 30 * time.Second
	resetSettle     = 5 * time.Second

	temperatureNormalC = 85.0
	powerNormalW       = 500.0

	// residualVRAMMiB is the memory.used threshold above which a GPU is
	// considered to still be holding a prior tenant's allocation.
	residualVRAMMiB = 100
)

// Probe shells out to nvidia-smi for GPU identity, metrics, and health.
type Probe struct {
	logger  *zap.Logger
	nvidiaSmi string
}

// NewProbe constructs a Probe. binPath defaults to "nvidia-smi" (resolved
// via PATH) when empty.
func NewProbe(logger *zap.Logger, binPath string) *Probe {
	if binPath == "" {
		binPath = "nvidia-smi"
	}
	return &Probe{logger: logger, nvidiaSmi: binPath}
}

func (p *Probe) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.nvidiaSmi, args...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("nvidia-smi %v: %w", args, err)
	}
	return string(out), nil
}

// DescribeGPU returns the hardware identity of GPU index 0 (the only GPU
// this agent manages per spec.md's one-GPU-per-slot assumption).
func (p *Probe) DescribeGPU(ctx context.Context) (model.HardwareDescriptor, error) {
	out, err := p.run(ctx, describeTimeout, "--query-gpu=name,driver_version,compute_cap,memory.total", "--format=csv,noheader,nounits")
	if err != nil {
		return model.HardwareDescriptor{}, err
	}
	fields := splitCSVLine(out)
	if len(fields) < 4 {
		return model.HardwareDescriptor{}, fmt.Errorf("unexpected nvidia-smi describe output: %q", out)
	}
	return model.HardwareDescriptor{
		Name:              nullableString(fields[0]),
		Driver:            nullableString(fields[1]),
		ComputeCapability: nullableString(fields[2]),
		TotalVRAMMiB:      parseInt64Field(fields[3]),
	}, nil
}

// SampleMetrics returns a point-in-time MetricSample for the GPU.
func (p *Probe) SampleMetrics(ctx context.Context) (model.MetricSample, error) {
	out, err := p.run(ctx, sampleTimeout, "--query-gpu=utilization.gpu,memory.used,memory.total,temperature.gpu,power.draw,fan.speed", "--format=csv,noheader,nounits")
	if err != nil {
		return model.MetricSample{}, err
	}
	fields := splitCSVLine(out)
	if len(fields) < 6 {
		return model.MetricSample{}, fmt.Errorf("unexpected nvidia-smi sample output: %q", out)
	}
	return model.MetricSample{
		GPUUtilPercent: parseFloatField(fields[0]),
		VRAMUsedMiB:    parseInt64Field(fields[1]),
		VRAMTotalMiB:   parseInt64Field(fields[2]),
		TempC:          parseFloatField(fields[3]),
		PowerW:         parseFloatField(fields[4]),
		FanPercent:     parseFloatField(fields[5]),
		Timestamp:      time.Now(),
	}, nil
}

// CheckHealth runs the per-check health probes and grades the result.
// 0 failing checks = healthy, 1-2 = warning, >=3 = unhealthy.
func (p *Probe) CheckHealth(ctx context.Context) (model.HealthRecord, error) {
	rec := model.HealthRecord{Timestamp: time.Now()}

	out, err := p.run(ctx, healthTimeout, "--query-gpu=temperature.gpu,power.draw,ecc.errors.corrected.volatile.total,fan.speed", "--format=csv,noheader,nounits")
	if err != nil {
		rec.DriverResponsive = false
		rec.ErrorCount++
		msg := err.Error()
		rec.ErrorMessage = &msg
		rec.Overall = grade(4)
		return rec, nil
	}
	rec.DriverResponsive = true

	fields := splitCSVLine(out)
	failing := 0

	if len(fields) > 0 {
		if temp := parseFloatField(fields[0]); temp != nil {
			rec.TemperatureOK = *temp < temperatureNormalC
		} else {
			rec.TemperatureOK = true // unknown counts as not-failing
		}
	}
	if !rec.TemperatureOK {
		failing++
	}

	if len(fields) > 1 {
		if power := parseFloatField(fields[1]); power != nil {
			rec.PowerOK = *power < powerNormalW
		} else {
			rec.PowerOK = true
		}
	}
	if !rec.PowerOK {
		failing++
	}

	if len(fields) > 2 {
		if ecc := parseInt64Field(fields[2]); ecc != nil {
			rec.NoECCErrors = *ecc == 0
		} else {
			// probe unsupported counts as healthy, per spec.md 4.1
			rec.NoECCErrors = true
		}
	} else {
		rec.NoECCErrors = true
	}
	if !rec.NoECCErrors {
		failing++
	}

	// fan_operational = any real reading, including 0 RPM for passive
	// cooling; N/A (no sensor) or a missing field is not a reading and
	// counts as failing.
	rec.FanOperational = len(fields) > 3 && !isNA(fields[3])
	if !rec.FanOperational {
		failing++
	}

	rec.ErrorCount = failing
	rec.Overall = grade(failing)
	return rec, nil
}

// ResetGPU clears residual VRAM left behind by a just-terminated
// container. It checks memory.used and only issues nvidia-smi
// --gpu-reset when more than residualVRAMMiB is still allocated,
// settling for resetSettle afterward so the next tenant sees a clean
// device. Never returns an error for the reset itself failing or being
// unnecessary; termination must proceed regardless of GPU cleanup
// outcome.
func (p *Probe) ResetGPU(ctx context.Context) {
	out, err := p.run(ctx, sampleTimeout, "--query-gpu=memory.used", "--format=csv,noheader,nounits")
	if err != nil {
		p.logger.Warn("gpu cleanup: query residual vram failed", zap.Error(err))
		return
	}

	fields := splitCSVLine(out)
	if len(fields) == 0 {
		return
	}
	used := parseInt64Field(fields[0])
	if used == nil || *used <= residualVRAMMiB {
		return
	}

	p.logger.Warn("gpu memory not fully released, resetting", zap.Int64("memory_used_mib", *used))
	if _, err := p.run(ctx, resetTimeout, "--gpu-reset"); err != nil {
		p.logger.Warn("gpu cleanup: reset failed", zap.Error(err))
		return
	}

	select {
	case <-time.After(resetSettle):
	case <-ctx.Done():
	}
}

func grade(failing int) model.HealthOverall {
	switch {
	case failing == 0:
		return model.HealthHealthy
	case failing <= 2:
		return model.HealthWarning
	default:
		return model.HealthUnhealthy
	}
}

// splitCSVLine splits the first line of nvidia-smi's CSV output into
// trimmed fields.
func splitCSVLine(out string) []string {
	scanner := bufio.NewScanner(strings.NewReader(out))
	if !scanner.Scan() {
		return nil
	}
	raw := strings.Split(scanner.Text(), ",")
	fields := make([]string, len(raw))
	for i, f := range raw {
		fields[i] = strings.TrimSpace(f)
	}
	return fields
}

// nullableString returns "" for N/A markers, the raw value otherwise.
func nullableString(v string) string {
	if isNA(v) {
		return ""
	}
	return v
}

func isNA(v string) bool {
	return v == "N/A" || v == "[N/A]" || v == ""
}

func parseInt64Field(v string) *int64 {
	if isNA(v) {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func parseFloatField(v string) *float64 {
	if isNA(v) {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}
