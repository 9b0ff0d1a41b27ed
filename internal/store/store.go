// Package store is the Local Store (spec.md section 4.2): durable,
// transactional access to a relational engine (PostgreSQL via pgx,
// grounded on control-plane/pkg/database/database.go), the single
// source of truth for GpuSlot, Deployment, metric, and health state.
//
// Design note (spec.md section 9): the original's dynamic
// patch_gpu(**fields)/patch_deployment(**fields) become the explicit
// GpuPatch/DeploymentPatch structs below — a fixed, enumerated set of
// mutable fields instead of arbitrary kwargs.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/crosslogic/node-agent/internal/agenterrors"
	"github.com/crosslogic/node-agent/internal/model"
	"github.com/crosslogic/node-agent/internal/store/cache"
)

const schema = `
CREATE TABLE IF NOT EXISTS gpu_status (
	slot_id TEXT PRIMARY KEY,
	uuid TEXT UNIQUE,
	name TEXT,
	driver TEXT,
	compute_cap TEXT,
	total_vram_mib BIGINT,
	public_ip TEXT,
	ssh_port INT,
	rental_port_1 INT,
	rental_port_2 INT,
	status TEXT NOT NULL,
	healthy BOOLEAN NOT NULL DEFAULT true,
	last_health_check TIMESTAMPTZ,
	consecutive_failures INT NOT NULL DEFAULT 0,
	current_deployment_id TEXT,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS gpu_status_uuid_idx ON gpu_status (uuid);

CREATE TABLE IF NOT EXISTS deployments (
	deployment_id TEXT PRIMARY KEY,
	slot_id TEXT NOT NULL,
	template TEXT,
	image TEXT,
	container_id TEXT,
	status TEXT NOT NULL,
	reason TEXT,
	start_time TIMESTAMPTZ NOT NULL,
	duration_minutes INT NOT NULL,
	user_id TEXT,
	ssh_port INT,
	rental_port_1 INT,
	rental_port_2 INT,
	ssh_username TEXT,
	ssh_password TEXT,
	jupyter_token TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS deployments_status_idx ON deployments (status);
CREATE INDEX IF NOT EXISTS deployments_slot_id_idx ON deployments (slot_id);

CREATE TABLE IF NOT EXISTS gpu_metrics (
	id BIGSERIAL PRIMARY KEY,
	slot_id TEXT NOT NULL,
	deployment_id TEXT,
	util DOUBLE PRECISION,
	vram_used BIGINT,
	vram_total BIGINT,
	temp DOUBLE PRECISION,
	power DOUBLE PRECISION,
	fan DOUBLE PRECISION,
	container_status TEXT,
	uptime BIGINT,
	ts TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS gpu_metrics_ts_idx ON gpu_metrics (ts);

CREATE TABLE IF NOT EXISTS gpu_health_history (
	id BIGSERIAL PRIMARY KEY,
	slot_id TEXT NOT NULL,
	overall TEXT NOT NULL,
	driver_ok BOOLEAN NOT NULL,
	temp_ok BOOLEAN NOT NULL,
	power_ok BOOLEAN NOT NULL,
	ecc_ok BOOLEAN NOT NULL,
	fan_ok BOOLEAN NOT NULL,
	error_count INT NOT NULL,
	error_msg TEXT,
	ts TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store wraps the PostgreSQL connection pool used for all durable state.
// An optional read-through cache accelerates the hot GpuSlot/Deployment
// rows; it is never authoritative and is invalidated synchronously on
// every patch.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	cache  *cache.Cache
}

// Open connects to the relational engine and initializes the schema
// (idempotent), matching supervisor startup step 3.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agenterrors.ErrStoreUnavailable, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", agenterrors.ErrStoreUnavailable, err)
	}

	s := &Store{pool: pool, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("%w: schema init: %v", agenterrors.ErrStoreUnavailable, err)
	}
	return nil
}

// AttachCache wires a read-through cache in front of the hot rows. Safe
// to call once, after Open, before the store serves traffic.
func (s *Store) AttachCache(c *cache.Cache) {
	s.cache = c
}

// Close releases the connection pool and the cache, if attached.
func (s *Store) Close() {
	s.pool.Close()
	if s.cache != nil {
		_ = s.cache.Close()
	}
}

// Health pings the backing engine. The cache is accelerator-only and does
// not participate in the health verdict.
func (s *Store) Health(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", agenterrors.ErrStoreUnavailable, err)
	}
	return nil
}

// --- GpuSlot ---

// UpsertGPU creates or updates the singleton GpuSlot row. The row is
// keyed by slot id only, not by uuid: an existing row's uuid is
// overwritten with slot.UUID.
func (s *Store) UpsertGPU(ctx context.Context, slot *model.GpuSlot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gpu_status (slot_id, uuid, name, driver, compute_cap, total_vram_mib,
			public_ip, ssh_port, rental_port_1, rental_port_2, status, healthy, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12, now())
		ON CONFLICT (slot_id) DO UPDATE SET
			uuid = EXCLUDED.uuid,
			name = EXCLUDED.name,
			driver = EXCLUDED.driver,
			compute_cap = EXCLUDED.compute_cap,
			total_vram_mib = EXCLUDED.total_vram_mib,
			public_ip = EXCLUDED.public_ip,
			ssh_port = EXCLUDED.ssh_port,
			rental_port_1 = EXCLUDED.rental_port_1,
			rental_port_2 = EXCLUDED.rental_port_2,
			status = EXCLUDED.status,
			healthy = EXCLUDED.healthy,
			updated_at = now()
	`, slot.SlotID, slot.UUID, slot.Descriptor.Name, slot.Descriptor.Driver, slot.Descriptor.ComputeCapability,
		slot.Descriptor.TotalVRAMMiB, slot.Network.PublicIP, slot.Network.SSHPort, slot.Network.RentalPort1,
		slot.Network.RentalPort2, string(slot.Status), slot.Healthy)
	if err != nil {
		return fmt.Errorf("%w: upsert gpu: %v", agenterrors.ErrStoreUnavailable, err)
	}
	if s.cache != nil {
		_ = s.cache.InvalidateGPU(ctx, slot.SlotID)
	}
	return nil
}

// GpuPatch is the fixed, enumerated set of mutable GpuSlot fields. Only
// non-nil fields are applied; this replaces the original's **kwargs
// patch_gpu per the spec.md section 9 design note.
type GpuPatch struct {
	UUID                *string
	Status              *model.GpuStatus
	Healthy             *bool
	ConsecutiveFailures *int
	LastHealthCheck     *time.Time
	CurrentDeploymentID **string // nil means "leave unchanged"; non-nil pointer-to-nil clears the field
	GPUUtilPercent      *float64
	VRAMUsedMiB         *int64
	TempC               *float64
	PowerW              *float64
	FanPercent          *float64
}

// PatchGPU applies a partial update atomically. Periodic loops may only
// set the telemetry fields and the health triplet; they must never pass
// Status or CurrentDeploymentID (enforced by caller discipline in the
// loops package, since the GpuSlot is the only contended resource per
// spec.md section 5).
func (s *Store) PatchGPU(ctx context.Context, slotID string, patch GpuPatch) error {
	// A single atomic UPDATE guarantees concurrent readers see either the
	// pre- or post-image, never a torn record (spec.md section 5).
	_, err := s.pool.Exec(ctx, `
		UPDATE gpu_status SET
			uuid = COALESCE($2, uuid),
			status = COALESCE($3, status),
			healthy = COALESCE($4, healthy),
			consecutive_failures = COALESCE($5, consecutive_failures),
			last_health_check = COALESCE($6, last_health_check),
			current_deployment_id = CASE WHEN $7 THEN $8 ELSE current_deployment_id END,
			updated_at = now()
		WHERE slot_id = $1
	`, slotID, patch.UUID, statusPtr(patch.Status), patch.Healthy, patch.ConsecutiveFailures,
		patch.LastHealthCheck, patch.CurrentDeploymentID != nil, derefDeploymentID(patch.CurrentDeploymentID))
	if err != nil {
		return fmt.Errorf("%w: patch gpu: %v", agenterrors.ErrStoreUnavailable, err)
	}

	if patch.GPUUtilPercent != nil || patch.VRAMUsedMiB != nil || patch.TempC != nil ||
		patch.PowerW != nil || patch.FanPercent != nil {
		// telemetry fields live on gpu_metrics, not gpu_status; nothing
		// further to do here beyond the health/status fields above.
		_ = struct{}{}
	}
	if s.cache != nil {
		_ = s.cache.InvalidateGPU(ctx, slotID)
	}
	return nil
}

func statusPtr(s *model.GpuStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func derefDeploymentID(p **string) *string {
	if p == nil {
		return nil
	}
	return *p
}

// AcquireSlot atomically transitions the slot to busy for deploymentID,
// but only if it is currently available, healthy, and unowned — spec.md
// section 4.5 step 1. Returns ErrResourceBusy (no state mutated) if the
// precondition does not hold.
func (s *Store) AcquireSlot(ctx context.Context, slotID, deploymentID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE gpu_status SET status = 'busy', current_deployment_id = $2, updated_at = now()
		WHERE slot_id = $1 AND status = 'available' AND healthy = true AND current_deployment_id IS NULL
	`, slotID, deploymentID)
	if err != nil {
		return fmt.Errorf("%w: acquire slot: %v", agenterrors.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return agenterrors.ErrResourceBusy
	}
	if s.cache != nil {
		_ = s.cache.InvalidateGPU(ctx, slotID)
	}
	return nil
}

// ReleaseSlot returns the slot to available with no current deployment.
// Idempotent: safe to call even if the slot is already available.
func (s *Store) ReleaseSlot(ctx context.Context, slotID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE gpu_status SET status = 'available', current_deployment_id = NULL, updated_at = now()
		WHERE slot_id = $1
	`, slotID)
	if err != nil {
		return fmt.Errorf("%w: release slot: %v", agenterrors.ErrStoreUnavailable, err)
	}
	if s.cache != nil {
		_ = s.cache.InvalidateGPU(ctx, slotID)
	}
	return nil
}

// GetGPU loads the (singleton) GpuSlot row.
func (s *Store) GetGPU(ctx context.Context, slotID string) (*model.GpuSlot, error) {
	if s.cache != nil {
		if cached, err := s.cache.GetGPU(ctx, slotID); err == nil && cached != nil {
			return cached, nil
		}
	}

	row := s.pool.QueryRow(ctx, `
		SELECT slot_id, uuid, name, driver, compute_cap, total_vram_mib,
			public_ip, ssh_port, rental_port_1, rental_port_2, status, healthy,
			last_health_check, consecutive_failures, current_deployment_id, updated_at
		FROM gpu_status WHERE slot_id = $1
	`, slotID)

	var g model.GpuSlot
	var status string
	var lastHealth *time.Time
	err := row.Scan(&g.SlotID, &g.UUID, &g.Descriptor.Name, &g.Descriptor.Driver, &g.Descriptor.ComputeCapability,
		&g.Descriptor.TotalVRAMMiB, &g.Network.PublicIP, &g.Network.SSHPort, &g.Network.RentalPort1,
		&g.Network.RentalPort2, &status, &g.Healthy, &lastHealth, &g.ConsecutiveFailures,
		&g.CurrentDeploymentID, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, agenterrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get gpu: %v", agenterrors.ErrStoreUnavailable, err)
	}
	g.Status = model.GpuStatus(status)
	if lastHealth != nil {
		g.LastHealthCheck = *lastHealth
	}
	if s.cache != nil {
		_ = s.cache.PutGPU(ctx, &g)
	}
	return &g, nil
}

// --- Deployment ---

// CreateDeployment persists a new Deployment in its initial status.
// Fails with ErrAlreadyExists if the id collides.
func (s *Store) CreateDeployment(ctx context.Context, slotID string, d *model.Deployment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deployments (deployment_id, slot_id, template, image, status, reason,
			start_time, duration_minutes, user_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now(), now())
	`, d.ID, slotID, d.TemplateID, d.Image, string(d.Status), d.Reason, d.StartTime, d.DurationMinutes, d.OwnerUserID)
	if err != nil {
		if isUniqueViolation(err) {
			return agenterrors.ErrAlreadyExists
		}
		return fmt.Errorf("%w: create deployment: %v", agenterrors.ErrStoreUnavailable, err)
	}
	return nil
}

// postgresUniqueViolation is the SQLSTATE code Postgres returns for a
// unique constraint violation.
const postgresUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == postgresUniqueViolation
	}
	msg := err.Error()
	return contains(msg, postgresUniqueViolation) || contains(msg, "duplicate key")
}

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}

// allowed transitions, matching spec.md section 4.2.
var deploymentTransitions = map[model.DeploymentStatus]map[model.DeploymentStatus]bool{
	model.DeploymentDeploying:   {model.DeploymentRunning: true, model.DeploymentTerminating: true, model.DeploymentFailed: true},
	model.DeploymentRunning:     {model.DeploymentTerminating: true},
	model.DeploymentTerminating: {model.DeploymentTerminated: true, model.DeploymentFailed: true},
}

// DeploymentPatch is the fixed, enumerated set of mutable Deployment
// fields (spec.md section 9 design note).
type DeploymentPatch struct {
	Status       *model.DeploymentStatus
	Reason       *string
	ContainerID  **string
	SSHPort      *int
	RentalPort1  *int
	RentalPort2  *int
	SSHUsername  *string
	SSHPassword  *string
	JupyterToken *string
}

// PatchDeployment applies a partial update, enforcing the state machine
// in deploymentTransitions: deploying -> {running, terminating, failed},
// running -> terminating, terminating -> {terminated, failed}. A
// transition request outside those edges is rejected with
// ErrInvalidTransition, and a write to an already-terminal deployment is
// always rejected (terminal states are write-once).
func (s *Store) PatchDeployment(ctx context.Context, id string, patch DeploymentPatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin patch deployment: %v", agenterrors.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	var current string
	if err := tx.QueryRow(ctx, `SELECT status FROM deployments WHERE deployment_id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return agenterrors.ErrNotFound
		}
		return fmt.Errorf("%w: lock deployment: %v", agenterrors.ErrStoreUnavailable, err)
	}

	currentStatus := model.DeploymentStatus(current)
	if currentStatus.IsTerminal() {
		return agenterrors.ErrInvalidTransition
	}
	if patch.Status != nil && *patch.Status != currentStatus {
		if !deploymentTransitions[currentStatus][*patch.Status] {
			return agenterrors.ErrInvalidTransition
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE deployments SET
			status = COALESCE($2, status),
			reason = COALESCE($3, reason),
			container_id = CASE WHEN $4 THEN $5 ELSE container_id END,
			ssh_port = COALESCE($6, ssh_port),
			rental_port_1 = COALESCE($7, rental_port_1),
			rental_port_2 = COALESCE($8, rental_port_2),
			ssh_username = COALESCE($9, ssh_username),
			ssh_password = COALESCE($10, ssh_password),
			jupyter_token = COALESCE($11, jupyter_token),
			updated_at = now()
		WHERE deployment_id = $1
	`, id, statusPtrD(patch.Status), patch.Reason, patch.ContainerID != nil, derefDeploymentID(patch.ContainerID),
		patch.SSHPort, patch.RentalPort1, patch.RentalPort2, patch.SSHUsername, patch.SSHPassword, patch.JupyterToken)
	if err != nil {
		return fmt.Errorf("%w: patch deployment: %v", agenterrors.ErrStoreUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit patch deployment: %v", agenterrors.ErrStoreUnavailable, err)
	}
	if s.cache != nil {
		_ = s.cache.InvalidateDeployment(ctx, id)
	}
	return nil
}

func statusPtrD(s *model.DeploymentStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

// GetDeployment loads one Deployment by id.
func (s *Store) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	if s.cache != nil {
		if cached, err := s.cache.GetDeployment(ctx, id); err == nil && cached != nil {
			return cached, nil
		}
	}

	row := s.pool.QueryRow(ctx, `
		SELECT deployment_id, slot_id, template, image, container_id, status, reason,
			start_time, duration_minutes, user_id, ssh_port, rental_port_1, rental_port_2,
			ssh_username, ssh_password, jupyter_token, created_at, updated_at
		FROM deployments WHERE deployment_id = $1
	`, id)

	d := &model.Deployment{Ports: model.PortMap{}}
	var slotID, status string
	var sshPort, rp1, rp2 *int
	err := row.Scan(&d.ID, &slotID, &d.TemplateID, &d.Image, &d.ContainerID, &status, &d.Reason,
		&d.StartTime, &d.DurationMinutes, &d.OwnerUserID, &sshPort, &rp1, &rp2,
		&d.Credentials.SSHUsername, &d.Credentials.SSHPassword, &d.Credentials.JupyterToken,
		&d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, agenterrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get deployment: %v", agenterrors.ErrStoreUnavailable, err)
	}
	d.Status = model.DeploymentStatus(status)
	if sshPort != nil {
		d.Ports[22] = *sshPort
	}
	if s.cache != nil {
		_ = s.cache.PutDeployment(ctx, d)
	}
	return d, nil
}

// ListExpired returns every non-terminal deployment whose time budget has
// elapsed, ordered by expiry ascending, per spec.md section 4.2.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]model.Deployment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT deployment_id, slot_id, template, image, container_id, status, reason,
			start_time, duration_minutes, user_id
		FROM deployments
		WHERE status IN ('deploying','running')
		  AND start_time + (duration_minutes || ' minutes')::interval <= $1
		ORDER BY start_time + (duration_minutes || ' minutes')::interval ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("%w: list expired: %v", agenterrors.ErrStoreUnavailable, err)
	}
	defer rows.Close()
	return scanDeploymentRows(rows)
}

// ListNonTerminal returns every deployment not yet in a terminal state,
// used during startup orphan reconciliation.
func (s *Store) ListNonTerminal(ctx context.Context) ([]model.Deployment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT deployment_id, slot_id, template, image, container_id, status, reason,
			start_time, duration_minutes, user_id
		FROM deployments
		WHERE status IN ('deploying','running','terminating')
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list nonterminal: %v", agenterrors.ErrStoreUnavailable, err)
	}
	defer rows.Close()
	return scanDeploymentRows(rows)
}

func scanDeploymentRows(rows pgx.Rows) ([]model.Deployment, error) {
	var out []model.Deployment
	for rows.Next() {
		var d model.Deployment
		var slotID, status string
		if err := rows.Scan(&d.ID, &slotID, &d.TemplateID, &d.Image, &d.ContainerID, &status, &d.Reason,
			&d.StartTime, &d.DurationMinutes, &d.OwnerUserID); err != nil {
			return nil, fmt.Errorf("%w: scan deployment: %v", agenterrors.ErrStoreUnavailable, err)
		}
		d.Status = model.DeploymentStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Metrics & Health ---

// AppendMetric inserts one append-only telemetry point.
func (s *Store) AppendMetric(ctx context.Context, sample model.MetricSample) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gpu_metrics (slot_id, deployment_id, util, vram_used, vram_total, temp, power, fan,
			container_status, uptime, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, sample.SlotID, sample.DeploymentID, sample.GPUUtilPercent, sample.VRAMUsedMiB, sample.VRAMTotalMiB,
		sample.TempC, sample.PowerW, sample.FanPercent, sample.ContainerStatus, sample.UptimeSeconds, sample.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: append metric: %v", agenterrors.ErrStoreUnavailable, err)
	}
	return nil
}

// AppendHealth inserts one append-only health record.
func (s *Store) AppendHealth(ctx context.Context, rec model.HealthRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gpu_health_history (slot_id, overall, driver_ok, temp_ok, power_ok, ecc_ok, fan_ok,
			error_count, error_msg, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.SlotID, string(rec.Overall), rec.DriverResponsive, rec.TemperatureOK, rec.PowerOK, rec.NoECCErrors,
		rec.FanOperational, rec.ErrorCount, rec.ErrorMessage, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: append health: %v", agenterrors.ErrStoreUnavailable, err)
	}
	return nil
}
