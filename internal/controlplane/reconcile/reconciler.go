package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/erplane/erplane/internal/controlplane/cpmetrics"
	"github.com/erplane/erplane/internal/controlplane/entitlement"
	"github.com/erplane/erplane/internal/controlplane/lifecycle"
	"github.com/erplane/erplane/internal/controlplane/notify"
	"github.com/erplane/erplane/internal/controlplane/registry"
	"github.com/erplane/erplane/internal/controlplane/resource"
)

// SuspendPolicy decides what happens to a suspended instance's resources.
type SuspendPolicy string

const (
	// PolicyPark patches the instance down to a minimal parked allocation.
	PolicyPark SuspendPolicy = "park"
	// PolicyStop stops the container outright.
	PolicyStop SuspendPolicy = "stop"
)

// Action summarizes what a reconciliation pass did.
type Action string

const (
	ActionNone    Action = "none"
	ActionPatched Action = "patched"
	ActionParked  Action = "parked"
	ActionStopped Action = "stopped"
	ActionStarted Action = "started"
)

// Result reports the outcome of one reconciliation pass.
type Result struct {
	Action         Action
	Desired        resource.Allocation
	Observed       resource.Allocation
	CPUPatched     bool
	StoragePatched bool
}

// Store is the registry subset the reconciler persists through. Allocation
// and provisioning status writes go only through here.
type Store interface {
	GetInstance(id string) (*registry.Instance, error)
	SetAllocation(id string, cpuMilli, memoryBytes, storageBytes int64) error
	SetProvisioningStatus(id string, status registry.ProvisioningStatus) error
	SetUpdateBlocked(id string, blocked bool) error
	SetErrorMessage(id, msg string) error
}

// Config holds reconciler policy.
type Config struct {
	SuspendPolicy    SuspendPolicy
	ParkedAllocation resource.Allocation
	CallTimeout      time.Duration
}

// Reconciler compares the allocation an instance is entitled to against what
// the infrastructure is actually enforcing, and applies the minimal
// corrective action: a limit patch, or starting or stopping the container
// when the runtime disagrees with the lifecycle status. Passes are
// idempotent and deduplicated per instance:
// concurrent triggers for the same ID share one in-flight pass.
type Reconciler struct {
	store        Store
	entitlements *entitlement.Resolver
	resources    resource.Client
	notifier     notify.Notifier
	cfg          Config
	group        singleflight.Group
	now          func() time.Time
}

// New creates a Reconciler.
func New(store Store, entitlements *entitlement.Resolver, resources resource.Client, notifier notify.Notifier, cfg Config) *Reconciler {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.SuspendPolicy == "" {
		cfg.SuspendPolicy = PolicyPark
	}
	return &Reconciler{
		store:        store,
		entitlements: entitlements,
		resources:    resources,
		notifier:     notifier,
		cfg:          cfg,
		now:          time.Now,
	}
}

// Reconcile runs one pass for the instance. Concurrent calls for the same ID
// collapse to a single pass whose result all callers share.
func (r *Reconciler) Reconcile(ctx context.Context, instanceID string) (*Result, error) {
	start := time.Now()
	v, err, _ := r.group.Do(instanceID, func() (any, error) {
		return r.reconcile(ctx, instanceID)
	})
	cpmetrics.ReconcileDuration.Observe(time.Since(start).Seconds())

	res, _ := v.(*Result)
	if err != nil {
		cpmetrics.ReconcileTotal.WithLabelValues("error").Inc()
		return res, err
	}
	cpmetrics.ReconcileTotal.WithLabelValues(string(res.Action)).Inc()
	return res, nil
}

func (r *Reconciler) reconcile(ctx context.Context, instanceID string) (*Result, error) {
	inst, err := r.store.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("%w: %s", lifecycle.ErrUnknownInstance, instanceID)
	}
	if inst.Status == registry.StatusTerminated || inst.ContainerID == "" {
		return &Result{Action: ActionNone}, nil
	}
	if inst.UpdateBlocked {
		return nil, fmt.Errorf("instance %s requires recreation: %w", instanceID, resource.ErrUpdateIncompatible)
	}

	ref := resource.Ref{InstanceID: inst.ID, ContainerID: inst.ContainerID, DataDir: inst.DataDir}
	suspended := inst.BillingStatus == registry.BillingSuspended

	state, err := r.state(ctx, ref)
	if err != nil {
		r.markFailed(inst.ID, fmt.Sprintf("read container state: %v", err))
		return nil, err
	}

	if suspended && r.cfg.SuspendPolicy == PolicyStop {
		return r.parkByStopping(ctx, inst, ref, state)
	}

	// A running instance whose runtime is down gets started back up: payment
	// recovery under the stop policy flips the status to running, but only a
	// corrective start brings the workload back.
	started := false
	if !suspended && inst.Status == registry.StatusRunning && state != resource.StateRunning {
		if err := r.start(ctx, ref); err != nil {
			r.markFailed(inst.ID, fmt.Sprintf("start container: %v", err))
			return nil, err
		}
		started = true
		state = resource.StateRunning
		log.Info().Str("instance_id", inst.ID).Msg("Reconcile: started instance whose runtime was down")
	}

	// With no runtime object there is nothing to patch limits on; backends
	// that delete the pod on stop report a cleanly stopped instance this way.
	if state == resource.StateMissing {
		return &Result{Action: ActionNone}, nil
	}

	var desired resource.Allocation
	if suspended {
		desired = r.cfg.ParkedAllocation
	} else {
		desired, err = r.entitlements.Resolve(inst.PlanName, r.now().UTC())
		if err != nil {
			// Fatal for this attempt; the instance keeps its prior state and
			// an operator sorts out the plan data.
			log.Error().Err(err).
				Str("instance_id", inst.ID).
				Str("plan", inst.PlanName).
				Msg("Reconcile: entitlement resolution failed")
			return nil, err
		}
	}

	observed, err := r.observed(ctx, ref)
	if err != nil {
		r.markFailed(inst.ID, fmt.Sprintf("read observed allocation: %v", err))
		return nil, err
	}

	// Parking throttles compute only; the data and its quota stay put.
	if suspended && desired.StorageBytes == 0 {
		desired.StorageBytes = observed.StorageBytes
	}

	result := &Result{Desired: desired, Observed: observed}

	if observed.Equal(desired) {
		result.Action = ActionNone
		if started {
			result.Action = ActionStarted
		}
		if inst.Provisioning == registry.ProvisioningFailed {
			r.markCompleted(inst.ID)
		}
		return result, nil
	}

	needCPU := observed.CPUMilli != desired.CPUMilli || observed.MemoryBytes != desired.MemoryBytes
	needStorage := observed.StorageBytes != desired.StorageBytes

	// Applied tracks what actually landed so a partial failure persists the
	// true mixed state instead of pretending either side won.
	applied := observed

	if needCPU {
		if err := r.applyCPUMemory(ctx, ref, desired); err != nil {
			cpmetrics.PatchFailuresTotal.WithLabelValues("cpu_memory").Inc()
			if errors.Is(err, resource.ErrUpdateIncompatible) {
				r.blockUpdates(inst.ID, err)
				return result, err
			}
			r.markFailed(inst.ID, fmt.Sprintf("cpu/memory patch: %v", err))
			return result, err
		}
		applied.CPUMilli = desired.CPUMilli
		applied.MemoryBytes = desired.MemoryBytes
		result.CPUPatched = true
	}

	if needStorage {
		if err := r.applyStorageQuota(ctx, ref, desired); err != nil {
			cpmetrics.PatchFailuresTotal.WithLabelValues("storage").Inc()
			// The cpu/memory patch is not rolled back; record the partial
			// state explicitly so the next sweep closes the gap.
			r.persistAllocation(inst.ID, applied)
			r.markFailed(inst.ID, fmt.Sprintf("storage quota patch: %v", err))
			return result, err
		}
		applied.StorageBytes = desired.StorageBytes
		result.StoragePatched = true
	}

	r.persistAllocation(inst.ID, applied)
	r.markCompleted(inst.ID)

	if suspended {
		result.Action = ActionParked
	} else {
		result.Action = ActionPatched
		r.notifier.Notify(inst.ID, notify.KindPlanChanged)
	}

	log.Info().
		Str("instance_id", inst.ID).
		Str("action", string(result.Action)).
		Str("desired", desired.String()).
		Str("observed", observed.String()).
		Bool("cpu_patched", result.CPUPatched).
		Bool("storage_patched", result.StoragePatched).
		Msg("Reconciliation applied")

	return result, nil
}

func (r *Reconciler) parkByStopping(ctx context.Context, inst *registry.Instance, ref resource.Ref, state resource.RuntimeState) (*Result, error) {
	if state != resource.StateRunning {
		return &Result{Action: ActionNone}, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	if err := r.resources.Stop(callCtx, ref); err != nil {
		r.markFailed(inst.ID, fmt.Sprintf("stop suspended container: %v", err))
		return nil, err
	}
	log.Info().Str("instance_id", inst.ID).Msg("Suspended instance container stopped")
	return &Result{Action: ActionStopped}, nil
}

func (r *Reconciler) state(ctx context.Context, ref resource.Ref) (resource.RuntimeState, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return r.resources.State(callCtx, ref)
}

func (r *Reconciler) start(ctx context.Context, ref resource.Ref) error {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return r.resources.Start(callCtx, ref)
}

func (r *Reconciler) observed(ctx context.Context, ref resource.Ref) (resource.Allocation, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return r.resources.Observed(callCtx, ref)
}

func (r *Reconciler) applyCPUMemory(ctx context.Context, ref resource.Ref, desired resource.Allocation) error {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return r.resources.ApplyCPUMemory(callCtx, ref, desired)
}

func (r *Reconciler) applyStorageQuota(ctx context.Context, ref resource.Ref, desired resource.Allocation) error {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return r.resources.ApplyStorageQuota(callCtx, ref, desired)
}

func (r *Reconciler) persistAllocation(id string, a resource.Allocation) {
	if err := r.store.SetAllocation(id, a.CPUMilli, a.MemoryBytes, a.StorageBytes); err != nil {
		log.Error().Err(err).Str("instance_id", id).Msg("Reconcile: failed to persist allocation")
	}
}

func (r *Reconciler) markFailed(id, msg string) {
	if err := r.store.SetProvisioningStatus(id, registry.ProvisioningFailed); err != nil {
		log.Error().Err(err).Str("instance_id", id).Msg("Reconcile: failed to mark provisioning failed")
	}
	if err := r.store.SetErrorMessage(id, msg); err != nil {
		log.Error().Err(err).Str("instance_id", id).Msg("Reconcile: failed to record error message")
	}
}

func (r *Reconciler) markCompleted(id string) {
	if err := r.store.SetProvisioningStatus(id, registry.ProvisioningCompleted); err != nil {
		log.Error().Err(err).Str("instance_id", id).Msg("Reconcile: failed to mark provisioning completed")
	}
	if err := r.store.SetErrorMessage(id, ""); err != nil {
		log.Error().Err(err).Str("instance_id", id).Msg("Reconcile: failed to clear error message")
	}
}

func (r *Reconciler) blockUpdates(id string, cause error) {
	log.Error().Err(cause).
		Str("instance_id", id).
		Msg("Live resource update incompatible; instance blocked until recreation")
	if err := r.store.SetUpdateBlocked(id, true); err != nil {
		log.Error().Err(err).Str("instance_id", id).Msg("Reconcile: failed to block updates")
	}
	r.markFailed(id, cause.Error())
}
