package resource

import (
	"context"
	"errors"
)

// ErrUpdateIncompatible marks a live resource patch that the runtime rejected
// because the container was created with an incompatible limit representation.
// It is fatal for the instance until an operator recreates the container; the
// reconciler must not retry it.
var ErrUpdateIncompatible = errors.New("live resource update incompatible with container limit representation")

// Ref identifies one provisioned instance to a resource client.
type Ref struct {
	InstanceID  string
	ContainerID string
	DataDir     string
}

// RuntimeState is the coarse container state reported by the runtime.
type RuntimeState string

const (
	StateRunning RuntimeState = "running"
	StateStopped RuntimeState = "stopped"
	StateMissing RuntimeState = "missing"
)

// Spec describes a container to create for an instance.
type Spec struct {
	InstanceID string
	Hostname   string
	DataDir    string
	Allocation Allocation
}

// Client translates a desired (cpu, memory, storage) tuple into calls against
// the container runtime and the storage quota mechanism. Implementations must
// use one consistent CPU-limit representation for both creation and update.
type Client interface {
	// Observed returns the live limits currently applied to the instance.
	Observed(ctx context.Context, ref Ref) (Allocation, error)

	// ApplyCPUMemory patches CPU and memory limits on the running container
	// without stopping or recreating it.
	ApplyCPUMemory(ctx context.Context, ref Ref, desired Allocation) error

	// ApplyStorageQuota patches the storage quota for the instance data dir.
	ApplyStorageQuota(ctx context.Context, ref Ref, desired Allocation) error

	Create(ctx context.Context, spec Spec) (Ref, error)
	Start(ctx context.Context, ref Ref) error
	Stop(ctx context.Context, ref Ref) error
	Remove(ctx context.Context, ref Ref) error

	// State reports the runtime state for infrastructure observation.
	State(ctx context.Context, ref Ref) (RuntimeState, error)
}

// QuotaStore is the storage-quota side of a resource client. The CephFS
// implementation sets extended attributes on the instance data directory.
type QuotaStore interface {
	SetQuota(path string, bytes int64) error
	Quota(path string) (int64, error)
}
