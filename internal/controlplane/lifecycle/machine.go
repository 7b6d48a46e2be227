package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/erplane/erplane/internal/controlplane/cpmetrics"
	"github.com/erplane/erplane/internal/controlplane/registry"
)

// ErrInvalidTransition is returned when a transition source lacks the
// priority to override the instance's current status, or the target is not
// reachable from it.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// ErrUnknownInstance is returned when the instance does not exist.
var ErrUnknownInstance = errors.New("unknown instance")

// Source identifies who is requesting a transition. Higher values always win
// over lower ones: an infrastructure observation must never overwrite a
// user- or billing-initiated transition that is still in flight.
type Source int

const (
	SourceObservation Source = iota
	SourceBilling
	SourceAdmin
	SourceUser
)

func (s Source) String() string {
	switch s {
	case SourceObservation:
		return "observation"
	case SourceBilling:
		return "billing"
	case SourceAdmin:
		return "admin"
	case SourceUser:
		return "user"
	}
	return "unknown"
}

// Store is the registry subset the state machine writes through. CASStatus is
// the only write path for the lifecycle status column.
type Store interface {
	GetInstance(id string) (*registry.Instance, error)
	CASStatus(id string, prev, next registry.Status) error
	MarkStarted(id string, ts time.Time) error
}

// Machine is the single authority for lifecycle-status transitions. All three
// transition sources and the reconciler funnel through Apply, which holds a
// per-instance lock around the read-modify-write so no transition is applied
// against a stale previous status.
type Machine struct {
	store Store
	locks *keyedLocks
	now   func() time.Time
}

// NewMachine creates a state machine over the given store.
func NewMachine(store Store) *Machine {
	return &Machine{
		store: store,
		locks: newKeyedLocks(),
		now:   time.Now,
	}
}

// Apply atomically transitions the instance to target on behalf of source.
// It returns the previous and new status for audit and event emission. A
// target equal to the current status is an idempotent no-op.
func (m *Machine) Apply(ctx context.Context, id string, source Source, target registry.Status) (prev, next registry.Status, err error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	release := m.locks.acquire(id)
	defer release()

	inst, err := m.store.GetInstance(id)
	if err != nil {
		return "", "", err
	}
	if inst == nil {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}

	cur := inst.Status
	if cur == target {
		return cur, cur, nil
	}
	if !allowed(cur, source, target) {
		return cur, cur, fmt.Errorf("%w: %s may not move %s from %s to %s",
			ErrInvalidTransition, source, id, cur, target)
	}

	if err := m.store.CASStatus(id, cur, target); err != nil {
		return cur, cur, fmt.Errorf("apply transition for %s: %w", id, err)
	}

	if target == registry.StatusRunning {
		if err := m.store.MarkStarted(id, m.now().UTC()); err != nil {
			log.Warn().Err(err).Str("instance_id", id).Msg("Failed to record start time")
		}
	}

	cpmetrics.TransitionsTotal.WithLabelValues(source.String(), string(cur), string(target)).Inc()
	log.Info().
		Str("audit_id", ulid.Make().String()).
		Str("instance_id", id).
		Str("source", source.String()).
		Str("from", string(cur)).
		Str("to", string(target)).
		Msg("Lifecycle transition applied")

	return cur, target, nil
}

// Observe feeds a polled infrastructure state into the machine as the
// lowest-priority source. Priority rejections are benign here: an observation
// racing an in-flight user or billing transition is simply dropped.
func (m *Machine) Observe(ctx context.Context, id string, observed registry.Status) (changed bool, err error) {
	prev, next, err := m.Apply(ctx, id, SourceObservation, observed)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}
	return prev != next, nil
}

// allowed encodes the transition legality table. terminated is terminal for
// every source.
func allowed(cur registry.Status, source Source, target registry.Status) bool {
	if cur == registry.StatusTerminated {
		return false
	}

	switch source {
	case SourceUser:
		switch target {
		case registry.StatusStarting:
			return cur == registry.StatusStopped || cur == registry.StatusError
		case registry.StatusStopping:
			return cur == registry.StatusRunning || cur == registry.StatusError
		case registry.StatusRestarting:
			return cur == registry.StatusRunning
		case registry.StatusError:
			// A failed start/stop/restart surfaces as error, never as a
			// silent revert to the prior state.
			return cur.IsTransient()
		}
		return false

	case SourceBilling:
		switch target {
		case registry.StatusSuspended, registry.StatusTerminated:
			return true
		case registry.StatusRunning, registry.StatusStopped:
			// Reactivation after suspension.
			return cur == registry.StatusSuspended
		}
		return false

	case SourceAdmin:
		switch target {
		case registry.StatusMaintenance, registry.StatusUpdating, registry.StatusTerminated, registry.StatusError:
			return true
		case registry.StatusRunning, registry.StatusStopped:
			return cur.IsOverride() || cur == registry.StatusError
		}
		return false

	case SourceObservation:
		if t, ok := cur.TransientTarget(); ok {
			// Only the confirmation of the in-flight command completes a
			// transient state; anything else is a stale poll.
			return target == t
		}
		if cur.IsOverride() {
			return false
		}
		switch cur {
		case registry.StatusCreating:
			return target == registry.StatusRunning || target == registry.StatusError
		case registry.StatusRunning:
			return target == registry.StatusStopped || target == registry.StatusError
		case registry.StatusStopped:
			return target == registry.StatusRunning || target == registry.StatusError
		case registry.StatusError:
			return target == registry.StatusRunning || target == registry.StatusStopped
		}
		return false
	}
	return false
}
