package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslogic/node-agent/internal/agenterrors"
)

func validConfig() Config {
	cfg := defaults()
	cfg.ServerURL = "https://control-plane.example.com"
	cfg.BearerToken = "a-real-token"
	cfg.PublicIP = "203.0.113.5"
	cfg.SSHPort = 22022
	cfg.RentalPort1 = 40001
	cfg.RentalPort2 = 40002
	return cfg
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, validate(&cfg))
}

func TestValidateRejectsPlaceholderToken(t *testing.T) {
	cfg := validConfig()
	cfg.BearerToken = "your-api-key-here"
	err := validate(&cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, agenterrors.ErrConfigInvalid))
}

func TestValidateRejectsPlaceholderIP(t *testing.T) {
	cfg := validConfig()
	cfg.PublicIP = "123.45.67.89"
	err := validate(&cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, agenterrors.ErrConfigInvalid))
}

func TestValidateRejectsMalformedIP(t *testing.T) {
	cfg := validConfig()
	cfg.PublicIP = "not-an-ip"
	err := validate(&cfg)
	require.Error(t, err)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := validConfig()
	cfg.SSHPort = 0
	err := validate(&cfg)
	require.Error(t, err)
}

func TestValidateRejectsNonPositiveInterval(t *testing.T) {
	cfg := validConfig()
	cfg.Loops.Sample = 0
	err := validate(&cfg)
	require.Error(t, err)
}

func TestGetEnvAsDurationFallsBackOnGarbage(t *testing.T) {
	t.Setenv("TEST_DURATION_FIELD", "not-a-duration")
	got := getEnvAsDuration("TEST_DURATION_FIELD", 5*time.Second)
	assert.Equal(t, 5*time.Second, got)
}

func TestGetEnvAsIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("TEST_INT_FIELD", "not-an-int")
	got := getEnvAsInt("TEST_INT_FIELD", 7)
	assert.Equal(t, 7, got)
}
