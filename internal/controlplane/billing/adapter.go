package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/erplane/erplane/internal/controlplane/lifecycle"
	"github.com/erplane/erplane/internal/controlplane/notify"
	"github.com/erplane/erplane/internal/controlplane/reconcile"
	"github.com/erplane/erplane/internal/controlplane/registry"
)

// ErrInstanceNotFound is returned when no instance is linked to the event's
// subscription. Callers log it and move on: the mapping may legitimately not
// exist yet.
var ErrInstanceNotFound = errors.New("no instance for subscription")

// Store is the registry subset the adapter uses.
type Store interface {
	GetBySubscriptionID(subscriptionID string) (*registry.Instance, error)
	MarkEventProcessed(eventID string) (bool, error)
	UnmarkEventProcessed(eventID string) error
	SetBillingStatus(id string, status registry.BillingStatus) error
	SetPlan(id, planName string) error
}

// Reconciler triggers a reconciliation pass after a billing-driven change.
type Reconciler interface {
	Reconcile(ctx context.Context, instanceID string) (*reconcile.Result, error)
}

// Adapter normalizes inbound billing notifications into state-machine
// transitions and reconciliation triggers.
type Adapter struct {
	store      Store
	machine    *lifecycle.Machine
	reconciler Reconciler
	notifier   notify.Notifier

	// terminateOnCancel picks terminated over suspended for cancellations.
	terminateOnCancel bool
}

// NewAdapter creates a billing event adapter.
func NewAdapter(store Store, machine *lifecycle.Machine, reconciler Reconciler, notifier notify.Notifier, terminateOnCancel bool) *Adapter {
	return &Adapter{
		store:             store,
		machine:           machine,
		reconciler:        reconciler,
		notifier:          notifier,
		terminateOnCancel: terminateOnCancel,
	}
}

// Handle processes one billing event. It is idempotent under at-least-once
// delivery: duplicates are dropped on the event ID, and an event whose effects
// failed to land releases its journal entry so the redelivery is applied.
func (a *Adapter) Handle(ctx context.Context, ev *Event) error {
	if ev.Finality != FinalityEffective {
		log.Debug().
			Str("event_id", ev.EventID).
			Str("type", string(ev.Type)).
			Str("finality", string(ev.Finality)).
			Msg("Billing event ignored (not final)")
		return nil
	}
	if ev.Type == EventUnknown {
		log.Info().
			Str("event_id", ev.EventID).
			Str("raw_type", ev.RawType).
			Msg("Billing event ignored (unhandled type)")
		return nil
	}

	first, err := a.store.MarkEventProcessed(ev.EventID)
	if err != nil {
		return fmt.Errorf("record billing event %s: %w", ev.EventID, err)
	}
	if !first {
		log.Info().Str("event_id", ev.EventID).Msg("Billing event ignored (duplicate delivery)")
		return nil
	}

	if err := a.apply(ctx, ev); err != nil {
		// The event's effects did not land. Release the journal entry so
		// the redelivery the error provokes is processed instead of being
		// dropped as a duplicate.
		if uerr := a.store.UnmarkEventProcessed(ev.EventID); uerr != nil {
			log.Error().Err(uerr).
				Str("event_id", ev.EventID).
				Msg("Failed to release billing event journal entry")
		}
		return err
	}
	return nil
}

func (a *Adapter) apply(ctx context.Context, ev *Event) error {
	inst, err := a.store.GetBySubscriptionID(ev.SubscriptionID)
	if err != nil {
		return fmt.Errorf("lookup instance for subscription %s: %w", ev.SubscriptionID, err)
	}
	if inst == nil {
		log.Warn().
			Str("event_id", ev.EventID).
			Str("subscription_id", ev.SubscriptionID).
			Str("type", string(ev.Type)).
			Err(ErrInstanceNotFound).
			Msg("Billing event dropped")
		return nil
	}

	switch ev.Type {
	case EventSubscriptionCreation:
		return a.handleCreation(ctx, inst, ev)
	case EventSubscriptionPhase:
		return a.handlePhase(ctx, inst, ev)
	case EventSubscriptionChange:
		return a.handleChange(ctx, inst, ev)
	case EventSubscriptionCancel:
		return a.handleCancel(ctx, inst, ev)
	case EventPaymentFailed:
		return a.handlePaymentFailed(inst, ev)
	case EventPaymentSuccess:
		return a.handlePaymentSuccess(ctx, inst, ev)
	}
	return nil
}

func (a *Adapter) handleCreation(ctx context.Context, inst *registry.Instance, ev *Event) error {
	status := registry.BillingPaid
	if ev.Payload.Phase == PhaseTrial {
		status = registry.BillingTrial
	}
	if err := a.store.SetBillingStatus(inst.ID, status); err != nil {
		return fmt.Errorf("set billing status for %s: %w", inst.ID, err)
	}
	a.triggerReconcile(ctx, inst.ID, ev)
	return nil
}

func (a *Adapter) handlePhase(ctx context.Context, inst *registry.Instance, ev *Event) error {
	// Phase changes mark trial expiry: TRIAL keeps the trial status, any
	// later phase means the subscription is now billable.
	status := registry.BillingPaid
	if ev.Payload.Phase == PhaseTrial {
		status = registry.BillingTrial
	}
	if err := a.store.SetBillingStatus(inst.ID, status); err != nil {
		return fmt.Errorf("set billing status for %s: %w", inst.ID, err)
	}
	a.triggerReconcile(ctx, inst.ID, ev)
	return nil
}

func (a *Adapter) handleChange(ctx context.Context, inst *registry.Instance, ev *Event) error {
	plan := strings.TrimSpace(ev.Payload.PlanName)
	if plan == "" {
		log.Warn().
			Str("event_id", ev.EventID).
			Str("instance_id", inst.ID).
			Msg("Subscription change without plan name, skipped")
		return nil
	}
	if plan != inst.PlanName {
		if err := a.store.SetPlan(inst.ID, plan); err != nil {
			return fmt.Errorf("update plan for %s: %w", inst.ID, err)
		}
		log.Info().
			Str("instance_id", inst.ID).
			Str("old_plan", inst.PlanName).
			Str("new_plan", plan).
			Msg("Instance plan updated from billing event")
	}
	a.triggerReconcile(ctx, inst.ID, ev)
	return nil
}

func (a *Adapter) handleCancel(ctx context.Context, inst *registry.Instance, ev *Event) error {
	target := registry.StatusSuspended
	kind := notify.KindSuspended
	if a.terminateOnCancel {
		target = registry.StatusTerminated
		kind = notify.KindTerminated
	}

	if _, _, err := a.machine.Apply(ctx, inst.ID, lifecycle.SourceBilling, target); err != nil {
		return fmt.Errorf("apply cancellation for %s: %w", inst.ID, err)
	}
	if err := a.store.SetBillingStatus(inst.ID, registry.BillingSuspended); err != nil {
		return fmt.Errorf("set billing status for %s: %w", inst.ID, err)
	}
	a.notifier.Notify(inst.ID, kind)
	a.triggerReconcile(ctx, inst.ID, ev)
	return nil
}

func (a *Adapter) handlePaymentFailed(inst *registry.Instance, ev *Event) error {
	if err := a.store.SetBillingStatus(inst.ID, registry.BillingPaymentRequired); err != nil {
		return fmt.Errorf("set billing status for %s: %w", inst.ID, err)
	}
	log.Warn().
		Str("instance_id", inst.ID).
		Str("event_id", ev.EventID).
		Msg("Payment failed, grace period started")
	a.notifier.Notify(inst.ID, notify.KindPaymentRequired)
	return nil
}

func (a *Adapter) handlePaymentSuccess(ctx context.Context, inst *registry.Instance, ev *Event) error {
	if err := a.store.SetBillingStatus(inst.ID, registry.BillingPaid); err != nil {
		return fmt.Errorf("set billing status for %s: %w", inst.ID, err)
	}
	if inst.Status == registry.StatusSuspended {
		if _, _, err := a.machine.Apply(ctx, inst.ID, lifecycle.SourceBilling, registry.StatusRunning); err != nil {
			return fmt.Errorf("reactivate %s: %w", inst.ID, err)
		}
		a.notifier.Notify(inst.ID, notify.KindReactivated)
	}
	a.triggerReconcile(ctx, inst.ID, ev)
	return nil
}

// triggerReconcile runs the post-event reconciliation. Transient failures
// are not retried inline; the periodic sweep picks them up, which keeps
// webhook handling fast.
func (a *Adapter) triggerReconcile(ctx context.Context, instanceID string, ev *Event) {
	if _, err := a.reconciler.Reconcile(ctx, instanceID); err != nil {
		log.Warn().Err(err).
			Str("instance_id", instanceID).
			Str("event_id", ev.EventID).
			Msg("Post-event reconciliation failed, deferring to sweep")
	}
}
