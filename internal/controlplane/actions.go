package controlplane

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erplane/erplane/internal/controlplane/lifecycle"
	"github.com/erplane/erplane/internal/controlplane/registry"
	"github.com/erplane/erplane/internal/controlplane/resource"
)

// actionTimeout bounds the runtime calls behind a user action.
const actionTimeout = 2 * time.Minute

// Executor runs user start/stop/restart actions. The transition into the
// transient state happens synchronously so the caller sees it immediately;
// the runtime work completes in the background and lands through the state
// machine as an observation.
type Executor struct {
	store   *registry.Registry
	machine *lifecycle.Machine
	client  resource.Client
}

// NewExecutor creates an action executor.
func NewExecutor(store *registry.Registry, machine *lifecycle.Machine, client resource.Client) *Executor {
	return &Executor{store: store, machine: machine, client: client}
}

// Start moves the instance to starting and boots its container.
func (e *Executor) Start(ctx context.Context, id string) error {
	inst, err := e.begin(ctx, id, registry.StatusStarting)
	if err != nil {
		return err
	}
	go e.run(id, registry.StatusRunning, func(ctx context.Context, ref resource.Ref) error {
		return e.client.Start(ctx, ref)
	}, inst)
	return nil
}

// Stop moves the instance to stopping and halts its container.
func (e *Executor) Stop(ctx context.Context, id string) error {
	inst, err := e.begin(ctx, id, registry.StatusStopping)
	if err != nil {
		return err
	}
	go e.run(id, registry.StatusStopped, func(ctx context.Context, ref resource.Ref) error {
		return e.client.Stop(ctx, ref)
	}, inst)
	return nil
}

// Restart moves the instance to restarting and bounces its container.
func (e *Executor) Restart(ctx context.Context, id string) error {
	inst, err := e.begin(ctx, id, registry.StatusRestarting)
	if err != nil {
		return err
	}
	go e.run(id, registry.StatusRunning, func(ctx context.Context, ref resource.Ref) error {
		if err := e.client.Stop(ctx, ref); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
		return e.client.Start(ctx, ref)
	}, inst)
	return nil
}

func (e *Executor) begin(ctx context.Context, id string, transient registry.Status) (*registry.Instance, error) {
	inst, err := e.store.GetInstance(id)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("%w: %s", lifecycle.ErrUnknownInstance, id)
	}
	if inst.ContainerID == "" {
		return nil, fmt.Errorf("instance %s has no container", id)
	}
	if _, _, err := e.machine.Apply(ctx, id, lifecycle.SourceUser, transient); err != nil {
		return nil, err
	}
	return inst, nil
}

// run performs the runtime call and completes the transient state with an
// observation, or fails it into error.
func (e *Executor) run(id string, target registry.Status, op func(context.Context, resource.Ref) error, inst *registry.Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	ref := resource.Ref{InstanceID: inst.ID, ContainerID: inst.ContainerID, DataDir: inst.DataDir}
	if err := op(ctx, ref); err != nil {
		log.Error().Err(err).Str("instance_id", id).Str("target", string(target)).Msg("Instance action failed")
		if _, _, applyErr := e.machine.Apply(ctx, id, lifecycle.SourceUser, registry.StatusError); applyErr != nil {
			log.Error().Err(applyErr).Str("instance_id", id).Msg("Failed to mark instance errored")
		}
		if setErr := e.store.SetErrorMessage(id, err.Error()); setErr != nil {
			log.Error().Err(setErr).Str("instance_id", id).Msg("Failed to record error message")
		}
		return
	}

	if _, err := e.machine.Observe(ctx, id, target); err != nil {
		log.Error().Err(err).Str("instance_id", id).Str("target", string(target)).Msg("Failed to complete instance action")
	}
}
