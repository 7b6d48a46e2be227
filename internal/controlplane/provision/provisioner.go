// Package provision orchestrates end-to-end instance creation: registry
// record, data directory, container, and the wait for first readiness.
package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erplane/erplane/internal/controlplane/cpmetrics"
	"github.com/erplane/erplane/internal/controlplane/entitlement"
	"github.com/erplane/erplane/internal/controlplane/lifecycle"
	"github.com/erplane/erplane/internal/controlplane/notify"
	"github.com/erplane/erplane/internal/controlplane/registry"
	"github.com/erplane/erplane/internal/controlplane/resource"
)

// Store is the registry subset the provisioner uses. Lifecycle status writes
// go through the state machine, not here.
type Store interface {
	CreateInstance(inst *registry.Instance) error
	GetInstance(id string) (*registry.Instance, error)
	SetProvisioningStatus(id string, status registry.ProvisioningStatus) error
	SetInfra(id, containerID, dataDir, endpoint string) error
	SetErrorMessage(id, msg string) error
	DeleteInstance(id string) error
}

// Request carries everything needed to provision one instance.
type Request struct {
	AccountID      string
	SubscriptionID string
	PlanName       string
}

// Provisioner creates instances: registry record first, then data dir and
// container, and finally the transition to running once the runtime reports
// the container up.
type Provisioner struct {
	store    Store
	machine  *lifecycle.Machine
	resolver *entitlement.Resolver
	client   resource.Client
	notifier notify.Notifier

	dataRoot   string
	baseDomain string

	readyPollInterval time.Duration
	readyTimeout      time.Duration

	now func() time.Time
}

// Config holds provisioner tunables.
type Config struct {
	// DataRoot is the directory under which per-instance data dirs live.
	DataRoot string
	// BaseDomain forms the instance endpoint: <id>.<BaseDomain>.
	BaseDomain string
	// ReadyPollInterval is how often the runtime state is polled while
	// waiting for the new container. Default 2s.
	ReadyPollInterval time.Duration
	// ReadyTimeout bounds the readiness wait. Default 60s.
	ReadyTimeout time.Duration
}

// New creates a Provisioner.
func New(store Store, machine *lifecycle.Machine, resolver *entitlement.Resolver, client resource.Client, notifier notify.Notifier, cfg Config) *Provisioner {
	if cfg.ReadyPollInterval <= 0 {
		cfg.ReadyPollInterval = 2 * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 60 * time.Second
	}
	return &Provisioner{
		store:             store,
		machine:           machine,
		resolver:          resolver,
		client:            client,
		notifier:          notifier,
		dataRoot:          cfg.DataRoot,
		baseDomain:        strings.TrimSpace(cfg.BaseDomain),
		readyPollInterval: cfg.ReadyPollInterval,
		readyTimeout:      cfg.ReadyTimeout,
		now:               time.Now,
	}
}

type cleanupState struct {
	instanceID    string
	dataDir       string
	ref           resource.Ref
	recordCreated bool
}

// Provision creates a new instance for the request's plan and waits until it
// is serving. On failure everything already created is rolled back and the
// error is returned.
func (p *Provisioner) Provision(ctx context.Context, req Request) (inst *registry.Instance, err error) {
	var cleanup cleanupState
	defer func() {
		if err != nil {
			cpmetrics.ProvisioningTotal.WithLabelValues("failure").Inc()
			p.rollback(cleanup)
		}
	}()

	alloc, err := p.resolver.Resolve(req.PlanName, p.now())
	if err != nil {
		return nil, fmt.Errorf("resolve entitlement for plan %s: %w", req.PlanName, err)
	}

	id, err := registry.GenerateInstanceID()
	if err != nil {
		return nil, err
	}
	cleanup.instanceID = id

	inst = &registry.Instance{
		ID:             id,
		AccountID:      req.AccountID,
		SubscriptionID: req.SubscriptionID,
		PlanName:       req.PlanName,
		Status:         registry.StatusCreating,
		BillingStatus:  registry.BillingPendingPayment,
		Provisioning:   registry.ProvisioningInFlight,
		CPUMilli:       alloc.CPUMilli,
		MemoryBytes:    alloc.MemoryBytes,
		StorageBytes:   alloc.StorageBytes,
	}
	if err := p.store.CreateInstance(inst); err != nil {
		return nil, fmt.Errorf("create instance record: %w", err)
	}
	cleanup.recordCreated = true

	dataDir := filepath.Join(p.dataRoot, id)
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	cleanup.dataDir = dataDir

	hostname := id
	if p.baseDomain != "" {
		hostname = id + "." + p.baseDomain
	}
	ref, err := p.client.Create(ctx, resource.Spec{
		InstanceID: id,
		Hostname:   hostname,
		DataDir:    dataDir,
		Allocation: alloc,
	})
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	cleanup.ref = ref

	endpoint := ""
	if p.baseDomain != "" {
		endpoint = "https://" + hostname
	}
	if err := p.store.SetInfra(id, ref.ContainerID, dataDir, endpoint); err != nil {
		return nil, fmt.Errorf("record infrastructure: %w", err)
	}

	if !p.waitReady(ctx, ref) {
		return nil, fmt.Errorf("instance %s did not become ready within %s", id, p.readyTimeout)
	}

	// The observed readiness completes creating through the machine, which
	// also records the start time. A status that moved underneath us (a
	// suspension mid-provision) rejects the transition and rolls back.
	if _, _, err := p.machine.Apply(ctx, id, lifecycle.SourceObservation, registry.StatusRunning); err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	if err := p.store.SetProvisioningStatus(id, registry.ProvisioningCompleted); err != nil {
		return nil, fmt.Errorf("mark provisioning completed: %w", err)
	}

	cpmetrics.ProvisioningTotal.WithLabelValues("success").Inc()
	p.notifier.Notify(id, notify.KindProvisioned)
	log.Info().
		Str("instance_id", id).
		Str("plan", req.PlanName).
		Str("container_id", ref.ContainerID).
		Str("endpoint", endpoint).
		Msg("Instance provisioned")

	return p.store.GetInstance(id)
}

// waitReady polls the runtime until the container reports running.
func (p *Provisioner) waitReady(ctx context.Context, ref resource.Ref) bool {
	ticker := time.NewTicker(p.readyPollInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(p.readyTimeout)
	defer deadline.Stop()

	for {
		state, err := p.client.State(ctx, ref)
		if err == nil && state == resource.StateRunning {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}

// rollback removes whatever a failed provisioning attempt left behind.
func (p *Provisioner) rollback(state cleanupState) {
	// Fresh context so cleanup still runs if the request context was canceled.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if state.ref.ContainerID != "" {
		if err := p.client.Remove(ctx, state.ref); err != nil {
			log.Warn().Err(err).
				Str("instance_id", state.instanceID).
				Str("container_id", state.ref.ContainerID).
				Msg("Provisioning rollback: failed to remove container")
		}
	}
	if state.recordCreated && state.instanceID != "" {
		if err := p.store.DeleteInstance(state.instanceID); err != nil {
			log.Warn().Err(err).
				Str("instance_id", state.instanceID).
				Msg("Provisioning rollback: failed to delete instance record")
		}
	}
	if state.dataDir != "" {
		if err := os.RemoveAll(state.dataDir); err != nil {
			log.Warn().Err(err).
				Str("instance_id", state.instanceID).
				Str("data_dir", state.dataDir).
				Msg("Provisioning rollback: failed to remove data directory")
		}
	}
}

// Deprovision tears down a terminated instance's container. The data
// directory is kept for retention; a separate cleanup removes it later.
func (p *Provisioner) Deprovision(ctx context.Context, inst *registry.Instance) error {
	if inst.ContainerID == "" {
		return nil
	}
	ref := resource.Ref{InstanceID: inst.ID, ContainerID: inst.ContainerID, DataDir: inst.DataDir}
	if err := p.client.Stop(ctx, ref); err != nil {
		log.Warn().Err(err).Str("instance_id", inst.ID).Msg("Deprovision: stop failed, removing anyway")
	}
	if err := p.client.Remove(ctx, ref); err != nil {
		return fmt.Errorf("remove container for %s: %w", inst.ID, err)
	}
	if err := p.store.SetInfra(inst.ID, "", inst.DataDir, ""); err != nil {
		return fmt.Errorf("clear infrastructure for %s: %w", inst.ID, err)
	}
	return nil
}
