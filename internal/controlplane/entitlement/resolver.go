package entitlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/erplane/erplane/internal/controlplane/registry"
	"github.com/erplane/erplane/internal/controlplane/resource"
)

// ErrNoEntitlementFound is returned when no entitlement row for the plan is
// effective at the queried time.
var ErrNoEntitlementFound = errors.New("no entitlement found")

// ErrAmbiguousEntitlement is returned when two rows share the maximal
// effective date. The uniqueness constraint should prevent this; when it
// happens anyway, the resolver refuses to guess.
var ErrAmbiguousEntitlement = errors.New("ambiguous entitlement")

// Store is the read-only entitlement lookup the resolver runs on.
type Store interface {
	LatestEntitlements(planName string, asOf time.Time) ([]*registry.Entitlement, error)
}

// Resolver maps (plan, as-of time) to the resource entitlement effective at
// that time. Resolution is deterministic: the same inputs always yield the
// same row.
type Resolver struct {
	store Store
}

// NewResolver creates a Resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the allocation granted by planName as of asOf.
func (r *Resolver) Resolve(planName string, asOf time.Time) (resource.Allocation, error) {
	rows, err := r.store.LatestEntitlements(planName, asOf)
	if err != nil {
		return resource.Allocation{}, fmt.Errorf("resolve entitlement for %s: %w", planName, err)
	}
	switch len(rows) {
	case 0:
		return resource.Allocation{}, fmt.Errorf("%w: plan %s as of %s", ErrNoEntitlementFound, planName, asOf.UTC().Format(time.RFC3339))
	case 1:
		e := rows[0]
		return resource.Allocation{
			CPUMilli:     e.CPUMilli,
			MemoryBytes:  e.MemoryBytes,
			StorageBytes: e.StorageBytes,
		}, nil
	default:
		return resource.Allocation{}, fmt.Errorf("%w: plan %s has %d rows effective %s",
			ErrAmbiguousEntitlement, planName, len(rows), rows[0].EffectiveDate.Format(time.RFC3339))
	}
}
