package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erplane/erplane/internal/controlplane/lifecycle"
	"github.com/erplane/erplane/internal/controlplane/registry"
	"github.com/erplane/erplane/internal/controlplane/resource"
)

// Observer polls the runtime for each active instance and feeds what it sees
// into the state machine as low-priority observations. Transient states
// complete through it; crashes surface as error.
type Observer struct {
	store    Store
	machine  *lifecycle.Machine
	client   resource.Client
	interval time.Duration
}

// NewObserver creates a runtime observer with the given poll interval.
func NewObserver(store Store, machine *lifecycle.Machine, client resource.Client, interval time.Duration) *Observer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Observer{store: store, machine: machine, client: client, interval: interval}
}

// Run starts the observation loop. It blocks until ctx is cancelled.
func (o *Observer) Run(ctx context.Context) {
	log.Info().Dur("interval", o.interval).Msg("Runtime observer started")

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Runtime observer stopped")
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

func (o *Observer) poll(ctx context.Context) {
	instances, err := o.store.ListActive()
	if err != nil {
		log.Error().Err(err).Msg("Runtime observer: failed to list active instances")
		return
	}

	for _, inst := range instances {
		if ctx.Err() != nil {
			return
		}
		if inst == nil || inst.ContainerID == "" {
			continue
		}
		o.observeOne(ctx, inst)
	}
}

func (o *Observer) observeOne(ctx context.Context, inst *registry.Instance) {
	ref := resource.Ref{InstanceID: inst.ID, ContainerID: inst.ContainerID, DataDir: inst.DataDir}
	state, err := o.client.State(ctx, ref)
	if err != nil {
		log.Warn().Err(err).Str("instance_id", inst.ID).Msg("Runtime observer: state query failed")
		return
	}

	observed := mapRuntimeState(state)
	if state == resource.StateMissing {
		switch inst.Status {
		case registry.StatusStopped:
			// Backends that delete the pod on stop keep no runtime object
			// for a cleanly stopped instance. Not a crash.
			return
		case registry.StatusStopping:
			observed = registry.StatusStopped
		}
	}
	changed, err := o.machine.Observe(ctx, inst.ID, observed)
	if err != nil {
		log.Error().Err(err).Str("instance_id", inst.ID).Msg("Runtime observer: failed to apply observation")
		return
	}
	if changed {
		log.Info().
			Str("instance_id", inst.ID).
			Str("runtime_state", string(state)).
			Str("status", string(observed)).
			Msg("Instance status updated from runtime observation")
	}
}

// mapRuntimeState folds runtime states into lifecycle statuses. A missing
// container means the instance crashed or was removed out of band, unless
// the instance was already on its way to stopped.
func mapRuntimeState(state resource.RuntimeState) registry.Status {
	switch state {
	case resource.StateRunning:
		return registry.StatusRunning
	case resource.StateStopped:
		return registry.StatusStopped
	default:
		return registry.StatusError
	}
}
