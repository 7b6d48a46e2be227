package entitlement

import (
	"errors"
	"testing"
	"time"

	"github.com/erplane/erplane/internal/controlplane/registry"
)

type fakeStore struct {
	rows []*registry.Entitlement
	err  error
}

func (s *fakeStore) LatestEntitlements(planName string, asOf time.Time) ([]*registry.Entitlement, error) {
	return s.rows, s.err
}

func TestResolve(t *testing.T) {
	resolver := NewResolver(&fakeStore{rows: []*registry.Entitlement{{
		PlanName:     "standard",
		CPUMilli:     1000,
		MemoryBytes:  2 << 30,
		StorageBytes: 10 << 30,
	}}})

	alloc, err := resolver.Resolve("standard", time.Now())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if alloc.CPUMilli != 1000 || alloc.MemoryBytes != 2<<30 || alloc.StorageBytes != 10<<30 {
		t.Errorf("Resolve = %+v", alloc)
	}
}

func TestResolveNoEntitlement(t *testing.T) {
	resolver := NewResolver(&fakeStore{})
	_, err := resolver.Resolve("unknown", time.Now())
	if !errors.Is(err, ErrNoEntitlementFound) {
		t.Fatalf("expected ErrNoEntitlementFound, got %v", err)
	}
}

func TestResolveAmbiguous(t *testing.T) {
	resolver := NewResolver(&fakeStore{rows: []*registry.Entitlement{
		{PlanName: "standard", CPUMilli: 1000},
		{PlanName: "standard", CPUMilli: 2000},
	}})
	_, err := resolver.Resolve("standard", time.Now())
	if !errors.Is(err, ErrAmbiguousEntitlement) {
		t.Fatalf("expected ErrAmbiguousEntitlement, got %v", err)
	}
}

func TestResolveStoreError(t *testing.T) {
	boom := errors.New("db gone")
	resolver := NewResolver(&fakeStore{err: boom})
	_, err := resolver.Resolve("standard", time.Now())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

// Resolution against the real registry: versions apply from their effective
// date forward, and resolving twice at the same instant is deterministic.
func TestResolveAgainstRegistry(t *testing.T) {
	reg, err := registry.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, e := range []*registry.Entitlement{
		{PlanName: "standard", EffectiveDate: jan, CPUMilli: 1000, MemoryBytes: 2 << 30, StorageBytes: 10 << 30},
		{PlanName: "standard", EffectiveDate: jun, CPUMilli: 2000, MemoryBytes: 4 << 30, StorageBytes: 20 << 30},
	} {
		if err := reg.CreateEntitlement(e); err != nil {
			t.Fatal(err)
		}
	}

	resolver := NewResolver(reg)

	before, err := resolver.Resolve("standard", jun.Add(-time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if before.CPUMilli != 1000 {
		t.Errorf("before cutover: %+v", before)
	}

	after, err := resolver.Resolve("standard", jun)
	if err != nil {
		t.Fatal(err)
	}
	if after.CPUMilli != 2000 {
		t.Errorf("at cutover: %+v", after)
	}

	again, err := resolver.Resolve("standard", jun)
	if err != nil {
		t.Fatal(err)
	}
	if again != after {
		t.Errorf("resolution not deterministic: %+v vs %+v", again, after)
	}
}
