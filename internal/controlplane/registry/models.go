package registry

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// Status is the canonical lifecycle status of an instance. It is one of three
// orthogonal state axes; billing and provisioning status live in their own
// fields and are never inferred from this one.
type Status string

const (
	StatusCreating    Status = "creating"
	StatusStarting    Status = "starting"
	StatusRunning     Status = "running"
	StatusStopping    Status = "stopping"
	StatusStopped     Status = "stopped"
	StatusRestarting  Status = "restarting"
	StatusUpdating    Status = "updating"
	StatusSuspended   Status = "suspended"
	StatusMaintenance Status = "maintenance"
	StatusError       Status = "error"
	StatusTerminated  Status = "terminated"
)

// IsTransient reports whether the status is a user-action transient state that
// infrastructure confirmation will complete.
func (s Status) IsTransient() bool {
	switch s {
	case StatusStarting, StatusStopping, StatusRestarting:
		return true
	}
	return false
}

// TransientTarget returns the status an infrastructure observation must report
// to complete a transient state.
func (s Status) TransientTarget() (Status, bool) {
	switch s {
	case StatusStarting, StatusRestarting:
		return StatusRunning, true
	case StatusStopping:
		return StatusStopped, true
	}
	return "", false
}

// IsOverride reports whether the status is a billing/admin override that
// infrastructure observations must never clear.
func (s Status) IsOverride() bool {
	switch s {
	case StatusSuspended, StatusMaintenance, StatusUpdating:
		return true
	}
	return false
}

// BillingStatus is the billing axis of instance state.
type BillingStatus string

const (
	BillingPendingPayment  BillingStatus = "pending_payment"
	BillingTrial           BillingStatus = "trial"
	BillingPaid            BillingStatus = "paid"
	BillingSuspended       BillingStatus = "suspended"
	BillingPaymentRequired BillingStatus = "payment_required"
)

// ProvisioningStatus is the provisioning axis of instance state.
type ProvisioningStatus string

const (
	ProvisioningPending   ProvisioningStatus = "pending"
	ProvisioningInFlight  ProvisioningStatus = "provisioning"
	ProvisioningCompleted ProvisioningStatus = "completed"
	ProvisioningFailed    ProvisioningStatus = "failed"
)

// Instance is the central record: one tenant's Odoo instance.
type Instance struct {
	ID             string             `json:"id"`
	AccountID      string             `json:"account_id"`
	SubscriptionID string             `json:"subscription_id"`
	PlanName       string             `json:"plan_name"`
	Status         Status             `json:"status"`
	BillingStatus  BillingStatus      `json:"billing_status"`
	Provisioning   ProvisioningStatus `json:"provisioning_status"`

	CPUMilli     int64 `json:"cpu_milli"`
	MemoryBytes  int64 `json:"memory_bytes"`
	StorageBytes int64 `json:"storage_bytes"`

	ContainerID string `json:"container_id"`
	DataDir     string `json:"data_dir"`
	Endpoint    string `json:"endpoint"`

	UpdateBlocked bool   `json:"update_blocked"`
	ErrorMessage  string `json:"error_message,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Entitlement is one versioned resource-policy row for a plan. Rows are
// append-only: resolving a plan at time T picks the latest row whose effective
// date is not after T.
type Entitlement struct {
	PlanName      string    `json:"plan_name"`
	EffectiveDate time.Time `json:"effective_date"`
	CPUMilli      int64     `json:"cpu_milli"`
	MemoryBytes   int64     `json:"memory_bytes"`
	StorageBytes  int64     `json:"storage_bytes"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"created_at"`
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// GenerateInstanceID returns an instance ID of the form "i-" followed by 10
// random Crockford base32 characters (50 bits of entropy).
func GenerateInstanceID() (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("i-")
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}
