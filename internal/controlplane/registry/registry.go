package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no instance matches the given key.
var ErrNotFound = errors.New("instance not found")

// ErrStaleStatus is returned when a compare-and-swap status update lost
// against a concurrent writer.
var ErrStaleStatus = errors.New("instance status changed concurrently")

// Registry provides CRUD operations for instance records, plan entitlements,
// and the processed-event journal, backed by SQLite.
type Registry struct {
	db *sql.DB
}

// NewRegistry opens (or creates) the control-plane database in dir.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "instances.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &Registry{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS instances (
		id                  TEXT PRIMARY KEY,
		account_id          TEXT NOT NULL DEFAULT '',
		subscription_id     TEXT NOT NULL DEFAULT '',
		plan_name           TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL DEFAULT 'creating',
		billing_status      TEXT NOT NULL DEFAULT 'pending_payment',
		provisioning_status TEXT NOT NULL DEFAULT 'pending',
		cpu_milli           INTEGER NOT NULL DEFAULT 0,
		memory_bytes        INTEGER NOT NULL DEFAULT 0,
		storage_bytes       INTEGER NOT NULL DEFAULT 0,
		container_id        TEXT NOT NULL DEFAULT '',
		data_dir            TEXT NOT NULL DEFAULT '',
		endpoint            TEXT NOT NULL DEFAULT '',
		update_blocked      INTEGER NOT NULL DEFAULT 0,
		error_message       TEXT NOT NULL DEFAULT '',
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL,
		started_at          INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);
	CREATE INDEX IF NOT EXISTS idx_instances_billing_status ON instances(billing_status);
	CREATE INDEX IF NOT EXISTS idx_instances_subscription_id ON instances(subscription_id);

	CREATE TABLE IF NOT EXISTS plan_entitlements (
		plan_name      TEXT NOT NULL,
		effective_date INTEGER NOT NULL,
		cpu_milli      INTEGER NOT NULL,
		memory_bytes   INTEGER NOT NULL,
		storage_bytes  INTEGER NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL,
		UNIQUE(plan_name, effective_date)
	);

	CREATE TABLE IF NOT EXISTS processed_events (
		event_id    TEXT PRIMARY KEY,
		received_at INTEGER NOT NULL
	);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init registry schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (r *Registry) Ping() error {
	return r.db.Ping()
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const instanceColumns = `
	id, account_id, subscription_id, plan_name,
	status, billing_status, provisioning_status,
	cpu_milli, memory_bytes, storage_bytes,
	container_id, data_dir, endpoint,
	update_blocked, error_message,
	created_at, updated_at, started_at`

// CreateInstance inserts a new instance record.
func (r *Registry) CreateInstance(inst *Instance) error {
	if inst == nil {
		return fmt.Errorf("instance is nil")
	}
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO instances (
			id, account_id, subscription_id, plan_name,
			status, billing_status, provisioning_status,
			cpu_milli, memory_bytes, storage_bytes,
			container_id, data_dir, endpoint,
			update_blocked, error_message,
			created_at, updated_at, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.AccountID, inst.SubscriptionID, inst.PlanName,
		string(inst.Status), string(inst.BillingStatus), string(inst.Provisioning),
		inst.CPUMilli, inst.MemoryBytes, inst.StorageBytes,
		inst.ContainerID, inst.DataDir, inst.Endpoint,
		boolToInt(inst.UpdateBlocked), inst.ErrorMessage,
		inst.CreatedAt.Unix(), inst.UpdatedAt.Unix(), nullableTimeUnix(inst.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID. A missing record returns
// (nil, nil).
func (r *Registry) GetInstance(id string) (*Instance, error) {
	row := r.db.QueryRow(`SELECT`+instanceColumns+` FROM instances WHERE id = ?`, id)
	return scanInstance(row)
}

// GetBySubscriptionID retrieves the instance linked to a billing subscription.
func (r *Registry) GetBySubscriptionID(subscriptionID string) (*Instance, error) {
	row := r.db.QueryRow(`SELECT`+instanceColumns+` FROM instances WHERE subscription_id = ?`, subscriptionID)
	return scanInstance(row)
}

// ListInstances returns all instances, newest first.
func (r *Registry) ListInstances() ([]*Instance, error) {
	rows, err := r.db.Query(`SELECT` + instanceColumns + ` FROM instances ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

// ListByStatus returns all instances matching the given lifecycle status.
func (r *Registry) ListByStatus(status Status) ([]*Instance, error) {
	rows, err := r.db.Query(`SELECT`+instanceColumns+` FROM instances WHERE status = ? ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list instances by status: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

// ListByBillingStatus returns all instances matching the given billing status.
func (r *Registry) ListByBillingStatus(status BillingStatus) ([]*Instance, error) {
	rows, err := r.db.Query(`SELECT`+instanceColumns+` FROM instances WHERE billing_status = ? ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list instances by billing status: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

// ListActive returns all non-terminated instances.
func (r *Registry) ListActive() ([]*Instance, error) {
	rows, err := r.db.Query(`SELECT`+instanceColumns+` FROM instances WHERE status != ? ORDER BY created_at DESC`, string(StatusTerminated))
	if err != nil {
		return nil, fmt.Errorf("list active instances: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

// CountByStatus returns a map of lifecycle status -> count.
func (r *Registry) CountByStatus() (map[Status]int, error) {
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM instances GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count instances by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

// CASStatus atomically moves an instance from prev to next lifecycle status.
// It returns ErrStaleStatus when the current status no longer matches prev,
// and ErrNotFound when the instance does not exist. This is the only write
// path for the status column.
func (r *Registry) CASStatus(id string, prev, next Status) error {
	res, err := r.db.Exec(`UPDATE instances SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(next), time.Now().UTC().Unix(), id, string(prev))
	if err != nil {
		return fmt.Errorf("cas instance status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 1 {
		return nil
	}
	inst, err := r.GetInstance(id)
	if err != nil {
		return err
	}
	if inst == nil {
		return ErrNotFound
	}
	return fmt.Errorf("%w: have %s, expected %s", ErrStaleStatus, inst.Status, prev)
}

// SetBillingStatus updates the billing axis only.
func (r *Registry) SetBillingStatus(id string, status BillingStatus) error {
	return r.execOne(`UPDATE instances SET billing_status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Unix(), id)
}

// SetProvisioningStatus updates the provisioning axis only.
func (r *Registry) SetProvisioningStatus(id string, status ProvisioningStatus) error {
	return r.execOne(`UPDATE instances SET provisioning_status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Unix(), id)
}

// SetPlan updates the plan reference.
func (r *Registry) SetPlan(id, planName string) error {
	return r.execOne(`UPDATE instances SET plan_name = ?, updated_at = ? WHERE id = ?`,
		planName, time.Now().UTC().Unix(), id)
}

// SetAllocation persists the observed resource allocation.
func (r *Registry) SetAllocation(id string, cpuMilli, memoryBytes, storageBytes int64) error {
	return r.execOne(`UPDATE instances SET cpu_milli = ?, memory_bytes = ?, storage_bytes = ?, updated_at = ? WHERE id = ?`,
		cpuMilli, memoryBytes, storageBytes, time.Now().UTC().Unix(), id)
}

// SetInfra records the container handle and endpoint assigned at provisioning.
func (r *Registry) SetInfra(id, containerID, dataDir, endpoint string) error {
	return r.execOne(`UPDATE instances SET container_id = ?, data_dir = ?, endpoint = ?, updated_at = ? WHERE id = ?`,
		containerID, dataDir, endpoint, time.Now().UTC().Unix(), id)
}

// SetErrorMessage attaches a human-readable failure message.
func (r *Registry) SetErrorMessage(id, msg string) error {
	return r.execOne(`UPDATE instances SET error_message = ?, updated_at = ? WHERE id = ?`,
		msg, time.Now().UTC().Unix(), id)
}

// SetUpdateBlocked marks the instance as requiring operator recreation before
// further resource patches.
func (r *Registry) SetUpdateBlocked(id string, blocked bool) error {
	return r.execOne(`UPDATE instances SET update_blocked = ?, updated_at = ? WHERE id = ?`,
		boolToInt(blocked), time.Now().UTC().Unix(), id)
}

// LinkSubscription attaches the billing subscription to an instance.
func (r *Registry) LinkSubscription(id, subscriptionID string) error {
	return r.execOne(`UPDATE instances SET subscription_id = ?, updated_at = ? WHERE id = ?`,
		subscriptionID, time.Now().UTC().Unix(), id)
}

// MarkStarted records when the instance first reached running.
func (r *Registry) MarkStarted(id string, ts time.Time) error {
	return r.execOne(`UPDATE instances SET started_at = ?, updated_at = ? WHERE id = ?`,
		ts.UTC().Unix(), time.Now().UTC().Unix(), id)
}

// DeleteInstance removes an instance record. Used by provisioning rollback;
// normal teardown marks the instance terminated instead.
func (r *Registry) DeleteInstance(id string) error {
	return r.execOne(`DELETE FROM instances WHERE id = ?`, id)
}

func (r *Registry) execOne(query string, args ...any) error {
	res, err := r.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateEntitlement inserts a new entitlement row. Rows are immutable once
// created; a duplicate (plan_name, effective_date) pair is rejected by the
// unique constraint.
func (r *Registry) CreateEntitlement(e *Entitlement) error {
	if e == nil {
		return fmt.Errorf("entitlement is nil")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(`
		INSERT INTO plan_entitlements (plan_name, effective_date, cpu_milli, memory_bytes, storage_bytes, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.PlanName, e.EffectiveDate.UTC().Unix(), e.CPUMilli, e.MemoryBytes, e.StorageBytes, e.Description, e.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create entitlement: %w", err)
	}
	return nil
}

// LatestEntitlements returns all rows for plan sharing the maximal effective
// date that is not after asOf. More than one row signals a broken uniqueness
// invariant; the resolver refuses to guess between them.
func (r *Registry) LatestEntitlements(planName string, asOf time.Time) ([]*Entitlement, error) {
	rows, err := r.db.Query(`
		SELECT plan_name, effective_date, cpu_milli, memory_bytes, storage_bytes, description, created_at
		FROM plan_entitlements
		WHERE plan_name = ? AND effective_date <= ?
		  AND effective_date = (
			SELECT MAX(effective_date) FROM plan_entitlements
			WHERE plan_name = ? AND effective_date <= ?
		  )`,
		planName, asOf.UTC().Unix(), planName, asOf.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("lookup entitlements: %w", err)
	}
	defer rows.Close()

	var out []*Entitlement
	for rows.Next() {
		var e Entitlement
		var effective, created int64
		if err := rows.Scan(&e.PlanName, &effective, &e.CPUMilli, &e.MemoryBytes, &e.StorageBytes, &e.Description, &created); err != nil {
			return nil, fmt.Errorf("scan entitlement: %w", err)
		}
		e.EffectiveDate = time.Unix(effective, 0).UTC()
		e.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

// MarkEventProcessed records a billing event ID and reports whether this was
// the first delivery. Duplicate deliveries return false.
func (r *Registry) MarkEventProcessed(eventID string) (bool, error) {
	res, err := r.db.Exec(`INSERT OR IGNORE INTO processed_events (event_id, received_at) VALUES (?, ?)`,
		eventID, time.Now().UTC().Unix())
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

// UnmarkEventProcessed releases a journaled event ID so a redelivery of the
// same event is processed again. Used when applying the event's effects
// failed after the ID was journaled.
func (r *Registry) UnmarkEventProcessed(eventID string) error {
	if _, err := r.db.Exec(`DELETE FROM processed_events WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("unmark event processed: %w", err)
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(s scanner) (*Instance, error) {
	var inst Instance
	var status, billing, provisioning string
	var blocked int
	var createdAt, updatedAt int64
	var startedAt sql.NullInt64

	err := s.Scan(
		&inst.ID, &inst.AccountID, &inst.SubscriptionID, &inst.PlanName,
		&status, &billing, &provisioning,
		&inst.CPUMilli, &inst.MemoryBytes, &inst.StorageBytes,
		&inst.ContainerID, &inst.DataDir, &inst.Endpoint,
		&blocked, &inst.ErrorMessage,
		&createdAt, &updatedAt, &startedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan instance: %w", err)
	}

	inst.Status = Status(status)
	inst.BillingStatus = BillingStatus(billing)
	inst.Provisioning = ProvisioningStatus(provisioning)
	inst.UpdateBlocked = blocked != 0
	inst.CreatedAt = time.Unix(createdAt, 0).UTC()
	inst.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if startedAt.Valid {
		ts := time.Unix(startedAt.Int64, 0).UTC()
		inst.StartedAt = &ts
	}
	return &inst, nil
}

func scanInstances(rows *sql.Rows) ([]*Instance, error) {
	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
