// Package config loads and validates the node agent's configuration.
// It follows control-plane's internal/config pattern (plain structs,
// hand-rolled env parsing with defaults) and layers an optional YAML
// file underneath the environment so operators can check one in; env
// vars always win, matching the precedence the teacher's getEnv helpers
// already imply.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crosslogic/node-agent/internal/agenterrors"
)

// LoopIntervals holds the tick period for each of the six periodic loops.
type LoopIntervals struct {
	Sample       time.Duration `yaml:"sample"`
	Health       time.Duration `yaml:"health"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
	MetricsPush  time.Duration `yaml:"metrics_push"`
	HealthPush   time.Duration `yaml:"health_push"`
	DurationSweep time.Duration `yaml:"duration_sweep"`
}

// Config is the agent's full configuration.
type Config struct {
	AgentID         string        `yaml:"agent_id"`
	ServerURL       string        `yaml:"server_url"`
	BearerToken     string        `yaml:"bearer_token"`
	PublicIP        string        `yaml:"public_ip"`
	SSHPort         int           `yaml:"ssh_port"`
	RentalPort1     int           `yaml:"rental_port_1"`
	RentalPort2     int           `yaml:"rental_port_2"`
	Loops           LoopIntervals `yaml:"loops"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	DatabaseDSN     string        `yaml:"database_dsn"`
	RedisAddr       string        `yaml:"redis_addr"`
	DiagnosticsAddr string        `yaml:"diagnostics_addr"`
	ContainerdAddr  string        `yaml:"containerd_addr"`
	PortRangeLow    int           `yaml:"port_range_low"`
	PortRangeHigh   int           `yaml:"port_range_high"`
}

func defaults() Config {
	return Config{
		ServerURL:   "",
		CallTimeout: 10 * time.Second,
		Loops: LoopIntervals{
			Sample:        15 * time.Second,
			Health:        30 * time.Second,
			Heartbeat:     10 * time.Second,
			MetricsPush:   20 * time.Second,
			HealthPush:    30 * time.Second,
			DurationSweep: 30 * time.Second,
		},
		DatabaseDSN:     "",
		RedisAddr:       "localhost:6379",
		DiagnosticsAddr: ":9100",
		ContainerdAddr:  "/run/containerd/containerd.sock",
		PortRangeLow:    30000,
		PortRangeHigh:   39999,
	}
}

// placeholder values the spec explicitly fails validation on.
var placeholderAPIKeys = map[string]bool{
	"your-api-key-here": true,
	"":                  true,
}

var placeholderIPs = map[string]bool{
	"123.45.67.89": true,
	"":             true,
}

// Load builds a Config from an optional YAML file overlaid with
// environment variables, then validates it.
func Load(yamlPath string) (*Config, error) {
	cfg := defaults()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if uerr := yaml.Unmarshal(data, &cfg); uerr != nil {
				return nil, fmt.Errorf("%w: parsing %s: %v", agenterrors.ErrConfigInvalid, yamlPath, uerr)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: reading %s: %v", agenterrors.ErrConfigInvalid, yamlPath, err)
		}
	}

	overlayEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overlayEnv(cfg *Config) {
	cfg.AgentID = getEnv("AGENT_ID", cfg.AgentID)
	cfg.ServerURL = getEnv("CONTROL_PLANE_URL", cfg.ServerURL)
	cfg.BearerToken = getEnv("AGENT_BEARER_TOKEN", cfg.BearerToken)
	cfg.PublicIP = getEnv("PUBLIC_IP", cfg.PublicIP)
	cfg.SSHPort = getEnvAsInt("SSH_PORT", cfg.SSHPort)
	cfg.RentalPort1 = getEnvAsInt("RENTAL_PORT_1", cfg.RentalPort1)
	cfg.RentalPort2 = getEnvAsInt("RENTAL_PORT_2", cfg.RentalPort2)
	cfg.CallTimeout = getEnvAsDuration("CALL_TIMEOUT", cfg.CallTimeout)
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.DiagnosticsAddr = getEnv("DIAGNOSTICS_ADDR", cfg.DiagnosticsAddr)
	cfg.ContainerdAddr = getEnv("CONTAINERD_ADDR", cfg.ContainerdAddr)
	cfg.PortRangeLow = getEnvAsInt("PORT_RANGE_LOW", cfg.PortRangeLow)
	cfg.PortRangeHigh = getEnvAsInt("PORT_RANGE_HIGH", cfg.PortRangeHigh)

	cfg.Loops.Sample = getEnvAsDuration("LOOP_SAMPLE_INTERVAL", cfg.Loops.Sample)
	cfg.Loops.Health = getEnvAsDuration("LOOP_HEALTH_INTERVAL", cfg.Loops.Health)
	cfg.Loops.Heartbeat = getEnvAsDuration("LOOP_HEARTBEAT_INTERVAL", cfg.Loops.Heartbeat)
	cfg.Loops.MetricsPush = getEnvAsDuration("LOOP_METRICS_PUSH_INTERVAL", cfg.Loops.MetricsPush)
	cfg.Loops.HealthPush = getEnvAsDuration("LOOP_HEALTH_PUSH_INTERVAL", cfg.Loops.HealthPush)
	cfg.Loops.DurationSweep = getEnvAsDuration("LOOP_DURATION_SWEEP_INTERVAL", cfg.Loops.DurationSweep)
}

// validate checks the required fields spec.md section 8.1 demands, and
// rejects the placeholder values the spec names explicitly.
func validate(cfg *Config) error {
	if cfg.ServerURL == "" {
		return fmt.Errorf("%w: server url is required", agenterrors.ErrConfigInvalid)
	}
	if placeholderAPIKeys[cfg.BearerToken] {
		return fmt.Errorf("%w: bearer token missing or placeholder", agenterrors.ErrConfigInvalid)
	}
	if placeholderIPs[cfg.PublicIP] {
		return fmt.Errorf("%w: public ip missing or placeholder", agenterrors.ErrConfigInvalid)
	}
	if net.ParseIP(cfg.PublicIP) == nil {
		return fmt.Errorf("%w: public ip %q is not a valid IP", agenterrors.ErrConfigInvalid, cfg.PublicIP)
	}
	for name, port := range map[string]int{
		"ssh_port":      cfg.SSHPort,
		"rental_port_1": cfg.RentalPort1,
		"rental_port_2": cfg.RentalPort2,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%w: %s=%d is not a valid port", agenterrors.ErrConfigInvalid, name, port)
		}
	}
	for name, d := range map[string]time.Duration{
		"sample":         cfg.Loops.Sample,
		"health":         cfg.Loops.Health,
		"heartbeat":      cfg.Loops.Heartbeat,
		"metrics_push":   cfg.Loops.MetricsPush,
		"health_push":    cfg.Loops.HealthPush,
		"duration_sweep": cfg.Loops.DurationSweep,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: loop interval %s must be positive", agenterrors.ErrConfigInvalid, name)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return parsed
}
