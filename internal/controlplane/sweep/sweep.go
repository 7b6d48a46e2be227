// Package sweep holds the control plane's periodic background jobs: the
// reconciliation sweep, the payment grace enforcer, the stuck-provisioning
// cleanup, and the runtime observer.
package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erplane/erplane/internal/controlplane/lifecycle"
	"github.com/erplane/erplane/internal/controlplane/reconcile"
	"github.com/erplane/erplane/internal/controlplane/registry"
)

// Store is the registry subset the sweep jobs use.
type Store interface {
	ListActive() ([]*registry.Instance, error)
	ListByBillingStatus(status registry.BillingStatus) ([]*registry.Instance, error)
	ListByStatus(status registry.Status) ([]*registry.Instance, error)
	SetBillingStatus(id string, status registry.BillingStatus) error
	SetProvisioningStatus(id string, status registry.ProvisioningStatus) error
	SetErrorMessage(id, msg string) error
}

// Reconciler triggers a reconciliation pass for one instance.
type Reconciler interface {
	Reconcile(ctx context.Context, instanceID string) (*reconcile.Result, error)
}

// ReconcileSweep periodically reconciles every active instance so drift and
// transient patch failures self-heal without a triggering event.
type ReconcileSweep struct {
	store      Store
	reconciler Reconciler
	interval   time.Duration
}

// NewReconcileSweep creates a reconciliation sweep with the given interval.
func NewReconcileSweep(store Store, reconciler Reconciler, interval time.Duration) *ReconcileSweep {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ReconcileSweep{store: store, reconciler: reconciler, interval: interval}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (s *ReconcileSweep) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("Reconciliation sweep started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Reconciliation sweep stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *ReconcileSweep) sweep(ctx context.Context) {
	instances, err := s.store.ListActive()
	if err != nil {
		log.Error().Err(err).Msg("Reconciliation sweep: failed to list active instances")
		return
	}

	for _, inst := range instances {
		if ctx.Err() != nil {
			return
		}
		if inst == nil || inst.UpdateBlocked {
			continue
		}
		if _, err := s.reconciler.Reconcile(ctx, inst.ID); err != nil {
			log.Warn().Err(err).Str("instance_id", inst.ID).Msg("Reconciliation sweep: instance failed")
		}
	}
}

// GraceEnforcer suspends instances that have been in payment_required for
// longer than the grace window.
type GraceEnforcer struct {
	store      Store
	machine    *lifecycle.Machine
	reconciler Reconciler

	interval  time.Duration
	graceDays int
	now       func() time.Time
}

// NewGraceEnforcer creates a GraceEnforcer.
func NewGraceEnforcer(store Store, machine *lifecycle.Machine, reconciler Reconciler, interval time.Duration, graceDays int) *GraceEnforcer {
	if interval <= 0 {
		interval = time.Hour
	}
	if graceDays <= 0 {
		graceDays = 14
	}
	return &GraceEnforcer{
		store:      store,
		machine:    machine,
		reconciler: reconciler,
		interval:   interval,
		graceDays:  graceDays,
		now:        time.Now,
	}
}

// Run starts the enforcement loop. It blocks until ctx is cancelled.
func (g *GraceEnforcer) Run(ctx context.Context) {
	log.Info().Int("grace_days", g.graceDays).Msg("Grace period enforcer started")

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Grace period enforcer stopped")
			return
		case <-ticker.C:
			g.enforce(ctx)
		}
	}
}

func (g *GraceEnforcer) enforce(ctx context.Context) {
	instances, err := g.store.ListByBillingStatus(registry.BillingPaymentRequired)
	if err != nil {
		log.Error().Err(err).Msg("Grace enforcer: failed to list instances awaiting payment")
		return
	}

	cutoff := g.now().UTC().Add(-time.Duration(g.graceDays) * 24 * time.Hour)

	for _, inst := range instances {
		if ctx.Err() != nil {
			return
		}
		if inst == nil || inst.Status == registry.StatusSuspended || inst.Status == registry.StatusTerminated {
			continue
		}
		// updated_at moved when billing flipped to payment_required, so it
		// marks the start of the grace window.
		if inst.UpdatedAt.After(cutoff) {
			continue
		}

		log.Warn().
			Str("instance_id", inst.ID).
			Str("account_id", inst.AccountID).
			Int("grace_days_exceeded", g.graceDays).
			Msg("Grace period expired, suspending instance")

		if _, _, err := g.machine.Apply(ctx, inst.ID, lifecycle.SourceBilling, registry.StatusSuspended); err != nil {
			log.Error().Err(err).Str("instance_id", inst.ID).Msg("Grace enforcer: failed to suspend instance")
			continue
		}
		if err := g.store.SetBillingStatus(inst.ID, registry.BillingSuspended); err != nil {
			log.Error().Err(err).Str("instance_id", inst.ID).Msg("Grace enforcer: failed to update billing status")
			continue
		}
		if _, err := g.reconciler.Reconcile(ctx, inst.ID); err != nil {
			log.Warn().Err(err).Str("instance_id", inst.ID).Msg("Grace enforcer: reconcile after suspend failed")
		}
	}
}

// StuckProvisioningCleanup marks instances stuck in creating for longer than
// the provisioning timeout as failed.
type StuckProvisioningCleanup struct {
	store    Store
	machine  *lifecycle.Machine
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// NewStuckProvisioningCleanup creates a cleanup job.
func NewStuckProvisioningCleanup(store Store, machine *lifecycle.Machine, interval, timeout time.Duration) *StuckProvisioningCleanup {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &StuckProvisioningCleanup{
		store:    store,
		machine:  machine,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Run starts the cleanup loop. It blocks until ctx is cancelled.
func (s *StuckProvisioningCleanup) Run(ctx context.Context) {
	log.Info().Msg("Stuck provisioning cleanup started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Stuck provisioning cleanup stopped")
			return
		case <-ticker.C:
			s.cleanup(ctx)
		}
	}
}

func (s *StuckProvisioningCleanup) cleanup(ctx context.Context) {
	instances, err := s.store.ListByStatus(registry.StatusCreating)
	if err != nil {
		log.Error().Err(err).Msg("Stuck provisioning cleanup: failed to list creating instances")
		return
	}

	cutoff := s.now().UTC().Add(-s.timeout)

	for _, inst := range instances {
		if ctx.Err() != nil {
			return
		}
		if inst == nil || inst.CreatedAt.After(cutoff) {
			continue
		}

		log.Warn().
			Str("instance_id", inst.ID).
			Str("account_id", inst.AccountID).
			Dur("stuck_duration", s.now().Sub(inst.CreatedAt)).
			Msg("Instance stuck in creating, transitioning to error")

		if _, _, err := s.machine.Apply(ctx, inst.ID, lifecycle.SourceAdmin, registry.StatusError); err != nil {
			log.Error().Err(err).Str("instance_id", inst.ID).Msg("Stuck provisioning cleanup: failed to mark error")
			continue
		}
		if err := s.store.SetProvisioningStatus(inst.ID, registry.ProvisioningFailed); err != nil {
			log.Error().Err(err).Str("instance_id", inst.ID).Msg("Stuck provisioning cleanup: failed to mark provisioning failed")
		}
		if err := s.store.SetErrorMessage(inst.ID, "provisioning timed out"); err != nil {
			log.Error().Err(err).Str("instance_id", inst.ID).Msg("Stuck provisioning cleanup: failed to record error message")
		}
	}
}
