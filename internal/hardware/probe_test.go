package hardware

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crosslogic/node-agent/internal/model"
)

// fakeNvidiaSmi writes an executable shell script standing in for
// nvidia-smi: every invocation prints output, regardless of args, which
// is all CheckHealth/ResetGPU's fixed query order needs.
func fakeNvidiaSmi(t *testing.T, output string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nvidia-smi")
	script := "#!/bin/sh\ncat <<'EOF'\n" + output + "\nEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestSplitCSVLine(t *testing.T) {
	fields := splitCSVLine("NVIDIA A100, 535.104.05, 8.0, 40960\n")
	require.Len(t, fields, 4)
	assert.Equal(t, "NVIDIA A100", fields[0])
	assert.Equal(t, "535.104.05", fields[1])
	assert.Equal(t, "8.0", fields[2])
	assert.Equal(t, "40960", fields[3])
}

func TestNullableStringToleratesNA(t *testing.T) {
	assert.Equal(t, "", nullableString("N/A"))
	assert.Equal(t, "", nullableString("[N/A]"))
	assert.Equal(t, "NVIDIA A100", nullableString("NVIDIA A100"))
}

func TestParseInt64FieldNA(t *testing.T) {
	assert.Nil(t, parseInt64Field("N/A"))
	v := parseInt64Field("40960")
	require.NotNil(t, v)
	assert.EqualValues(t, 40960, *v)
}

func TestParseFloatFieldNA(t *testing.T) {
	assert.Nil(t, parseFloatField("[N/A]"))
	v := parseFloatField("72.5")
	require.NotNil(t, v)
	assert.InDelta(t, 72.5, *v, 0.001)
}

func TestGradeThresholds(t *testing.T) {
	assert.Equal(t, model.HealthHealthy, grade(0))
	assert.Equal(t, model.HealthWarning, grade(1))
	assert.Equal(t, model.HealthWarning, grade(2))
	assert.Equal(t, model.HealthUnhealthy, grade(3))
	assert.Equal(t, model.HealthUnhealthy, grade(5))
}

func TestCheckHealthAllNormal(t *testing.T) {
	p := NewProbe(zap.NewNop(), fakeNvidiaSmi(t, "65, 120.5, 0, 2300"))
	rec, err := p.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.DriverResponsive)
	assert.True(t, rec.TemperatureOK)
	assert.True(t, rec.PowerOK)
	assert.True(t, rec.NoECCErrors)
	assert.True(t, rec.FanOperational)
	assert.Equal(t, model.HealthHealthy, rec.Overall)
}

func TestCheckHealthFanNATreatedAsFailing(t *testing.T) {
	// A passive-cooled GPU reporting a literal 0 RPM is healthy; one
	// reporting no sensor at all ("N/A") is a missing reading, not a
	// valid zero, so it still counts as failing.
	p := NewProbe(zap.NewNop(), fakeNvidiaSmi(t, "65, 120.5, 0, N/A"))
	rec, err := p.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.False(t, rec.FanOperational)

	p2 := NewProbe(zap.NewNop(), fakeNvidiaSmi(t, "65, 120.5, 0, 0"))
	rec2, err := p2.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.True(t, rec2.FanOperational)
}

func TestCheckHealthUnresponsiveDriver(t *testing.T) {
	p := NewProbe(zap.NewNop(), filepath.Join(t.TempDir(), "missing-nvidia-smi"))
	rec, err := p.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.False(t, rec.DriverResponsive)
	assert.Equal(t, model.HealthUnhealthy, rec.Overall)
}

func TestResetGPUSkipsBelowThreshold(t *testing.T) {
	path := fakeNvidiaSmi(t, "50")
	p := NewProbe(zap.NewNop(), path)
	p.ResetGPU(context.Background())
}

func TestResetGPUResetsAboveThreshold(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises the full post-reset settle delay")
	}
	path := fakeNvidiaSmi(t, "4096")
	p := NewProbe(zap.NewNop(), path)
	p.ResetGPU(context.Background())
}
