// Package metrics exposes the agent's own local Prometheus
// instrumentation, grounded on control-plane/pkg/metrics/metrics.go's
// promauto gauge pattern.
//
// The collectors are registered and served on /metrics, but no other
// package in this module sets them, so they report their zero values.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GPUUtilPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "node_agent",
		Name:      "gpu_util_percent",
		Help:      "Last sampled GPU utilization percentage.",
	})

	GPUTempCelsius = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "node_agent",
		Name:      "gpu_temp_celsius",
		Help:      "Last sampled GPU temperature in Celsius.",
	})

	GPUPowerWatts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "node_agent",
		Name:      "gpu_power_watts",
		Help:      "Last sampled GPU power draw in watts.",
	})

	GPUPerformanceScore = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "node_agent",
		Name:      "gpu_performance_score",
		Help:      "Derived gpu_performance score in [0,100].",
	})

	SystemStabilityScore = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "node_agent",
		Name:      "system_stability_score",
		Help:      "Derived system_stability score in [0,100].",
	})

	ConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "node_agent",
		Name:      "gpu_consecutive_failures",
		Help:      "Consecutive failed health checks since the last healthy sample.",
	})

	GpuStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "node_agent",
		Name:      "gpu_status",
		Help:      "1 for the GpuSlot's current status, 0 otherwise, labeled by status value.",
	}, []string{"status"})

	DeploymentsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "node_agent",
		Name:      "deployments_active",
		Help:      "1 if a non-terminal deployment currently holds the GpuSlot.",
	})

	CommandsAcked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "node_agent",
		Name:      "commands_acked_total",
		Help:      "Count of acknowledged commands, labeled by outcome.",
	}, []string{"outcome"})

	DeployCompensations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "node_agent",
		Name:      "deploy_compensations_total",
		Help:      "Count of deploy attempts that ran the compensation path.",
	})
)

// UpdateGpuStatus sets the single active status label to 1 and every
// other known status to 0.
func UpdateGpuStatus(current string) {
	for _, s := range []string{"available", "busy", "quarantined", "offline"} {
		if s == current {
			GpuStatus.WithLabelValues(s).Set(1)
		} else {
			GpuStatus.WithLabelValues(s).Set(0)
		}
	}
}
