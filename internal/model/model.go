// Package model holds the agent's durable data shapes: the singleton
// GpuSlot, the Deployment (tenant) state machine's row shape, and the
// append-only telemetry records. These mirror spec section 3 exactly;
// the store package is the only thing allowed to mutate them.
package model

import "time"

// GpuStatus is the GpuSlot's coarse availability state.
type GpuStatus string

const (
	GpuStatusAvailable   GpuStatus = "available"
	GpuStatusBusy        GpuStatus = "busy"
	GpuStatusQuarantined GpuStatus = "quarantined"
	GpuStatusOffline     GpuStatus = "offline"
)

// DeploymentStatus is a tenant's lifecycle state.
//
// deploying -> running -> terminating -> {terminated, failed}
// deploying -> failed (compensated failure before reaching running)
type DeploymentStatus string

const (
	DeploymentDeploying   DeploymentStatus = "deploying"
	DeploymentRunning     DeploymentStatus = "running"
	DeploymentTerminating DeploymentStatus = "terminating"
	DeploymentTerminated  DeploymentStatus = "terminated"
	DeploymentFailed      DeploymentStatus = "failed"
)

// IsTerminal reports whether a DeploymentStatus is write-once final.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentTerminated || s == DeploymentFailed
}

// Reason values recorded alongside a terminal Deployment. "completed" in
// spec.md prose corresponds to Reason=duration_expired on a Terminated
// deployment (see SPEC_FULL.md open question #2).
const (
	ReasonUser            = "user_requested"
	ReasonDurationExpired = "duration_expired"
	ReasonOrphanMissing   = "orphan_missing"
	ReasonOrphanStopped   = "orphan_stopped"
	ReasonPullFailed      = "image_pull_failed"
	ReasonRunFailed       = "container_run_failed"
	ReasonConfigureFailed = "container_configure_failed"
	ReasonHealthGate      = "health_gate_failed"
)

// HardwareDescriptor is a point-in-time snapshot of the GPU identity.
type HardwareDescriptor struct {
	Name              string
	Driver            string
	ComputeCapability string
	TotalVRAMMiB      *int64
}

// Network is the host's public-facing binding.
type Network struct {
	PublicIP    string
	SSHPort     int
	RentalPort1 int
	RentalPort2 int
}

// GpuSlot is the singleton GPU resource this agent owns.
type GpuSlot struct {
	SlotID              string
	UUID                *string
	Descriptor          HardwareDescriptor
	Network             Network
	Status              GpuStatus
	Healthy             bool
	ConsecutiveFailures int
	LastHealthCheck      time.Time
	CurrentDeploymentID *string
	UpdatedAt           time.Time
}

// Busy reports the invariant GpuSlot.status=busy <=> current_deployment_id != none.
func (g *GpuSlot) Busy() bool {
	return g.Status == GpuStatusBusy && g.CurrentDeploymentID != nil
}

// PortMap is the runtime-allocated host port for each requested
// container port, keyed by container-side port.
type PortMap map[int]int

// Credentials are the minted tenant-access secrets. The agent never
// encrypts these at rest (spec Non-goal: credential security relies on
// TLS-in-transit only).
type Credentials struct {
	SSHUsername  string
	SSHPassword  string
	JupyterToken string
}

// Deployment is one container tenant bound to the GpuSlot.
type Deployment struct {
	ID                 string // == originating command_id
	TemplateID         string
	Image              string
	OwnerUserID        string
	StartTime          time.Time
	DurationMinutes    int
	ContainerID         *string
	Ports              PortMap
	Credentials        Credentials
	Status             DeploymentStatus
	Reason             string
	Environment        map[string]string
	Volumes            map[string]string
	RequestedPorts     map[int]string
	Command            []string
	RestartPolicy      string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Expired reports whether the deployment's time budget has elapsed.
func (d *Deployment) Expired(now time.Time) bool {
	deadline := d.StartTime.Add(time.Duration(d.DurationMinutes) * time.Minute)
	return !now.Before(deadline)
}

// MetricSample is one append-only telemetry point.
type MetricSample struct {
	SlotID          string
	DeploymentID    *string
	GPUUtilPercent  *float64
	VRAMUsedMiB     *int64
	VRAMTotalMiB    *int64
	TempC           *float64
	PowerW          *float64
	FanPercent      *float64
	ContainerStatus *string
	UptimeSeconds   *int64
	Timestamp       time.Time
}

// HealthOverall is the coarse grade computed from per-check booleans.
type HealthOverall string

const (
	HealthHealthy   HealthOverall = "healthy"
	HealthWarning   HealthOverall = "warning"
	HealthUnhealthy HealthOverall = "unhealthy"
)

// HealthRecord is one append-only health-check point.
type HealthRecord struct {
	SlotID           string
	Overall          HealthOverall
	DriverResponsive bool
	TemperatureOK    bool
	PowerOK          bool
	NoECCErrors      bool
	FanOperational   bool
	ErrorCount       int
	ErrorMessage     *string
	Timestamp        time.Time
}

// CommandType enumerates the server-issued command kinds.
type CommandType string

const (
	CommandDeploy    CommandType = "deploy"
	CommandTerminate CommandType = "terminate"
)

// Command is one unit of work pulled from the server.
type Command struct {
	CommandID   string
	CommandType CommandType
	Payload     map[string]interface{}
}

// DeployPayload is the typed decoding of a deploy Command's payload.
type DeployPayload struct {
	Image           string            `json:"image"`
	ContainerName   string            `json:"container_name"`
	TemplateID      string            `json:"template_id"`
	DurationMinutes int               `json:"duration_minutes"`
	UserID          string            `json:"user_id"`
	Ports           map[int]string    `json:"ports"`
	Environment     map[string]string `json:"environment"`
	Volumes         map[string]string `json:"volumes"`
	Command         []string          `json:"command,omitempty"`
	RestartPolicy   string            `json:"restart_policy,omitempty"`
}

// TerminatePayload is the typed decoding of a terminate Command's payload.
type TerminatePayload struct {
	DeploymentID string `json:"deployment_id"`
	Reason       string `json:"reason,omitempty"`
}

// ContainerName is the deterministic name the Container Driver uses,
// preventing duplicate launches for the same deployment id.
func ContainerName(deploymentID string) string {
	return "deployment-" + deploymentID
}
