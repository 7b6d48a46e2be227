package registry

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func testInstance(id string) *Instance {
	return &Instance{
		ID:             id,
		AccountID:      "acct-1",
		SubscriptionID: "sub-" + id,
		PlanName:       "standard",
		Status:         StatusCreating,
		BillingStatus:  BillingPendingPayment,
		Provisioning:   ProvisioningInFlight,
		CPUMilli:       1000,
		MemoryBytes:    2 * 1024 * 1024 * 1024,
		StorageBytes:   10 * 1024 * 1024 * 1024,
	}
}

func TestGenerateInstanceID(t *testing.T) {
	id, err := GenerateInstanceID()
	if err != nil {
		t.Fatalf("GenerateInstanceID: %v", err)
	}
	if !strings.HasPrefix(id, "i-") {
		t.Errorf("expected prefix i-, got %q", id)
	}
	if len(id) != 12 { // "i-" + 10 chars
		t.Errorf("expected length 12, got %d (%q)", len(id), id)
	}

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateInstanceID()
		if err != nil {
			t.Fatal(err)
		}
		if seen[id] {
			t.Fatalf("duplicate instance ID: %s", id)
		}
		seen[id] = true
	}
}

func TestInstanceCRUD(t *testing.T) {
	reg := newTestRegistry(t)

	inst := testInstance("i-TEST000001")
	if err := reg.CreateInstance(inst); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if inst.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}

	got, err := reg.GetInstance("i-TEST000001")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got == nil {
		t.Fatal("expected instance, got nil")
	}
	if got.PlanName != "standard" || got.CPUMilli != 1000 {
		t.Errorf("unexpected record: plan=%s cpu=%d", got.PlanName, got.CPUMilli)
	}
	if got.Status != StatusCreating || got.BillingStatus != BillingPendingPayment {
		t.Errorf("unexpected statuses: %s / %s", got.Status, got.BillingStatus)
	}
	if got.StartedAt != nil {
		t.Error("StartedAt should be nil before first start")
	}

	bySub, err := reg.GetBySubscriptionID("sub-i-TEST000001")
	if err != nil {
		t.Fatalf("GetBySubscriptionID: %v", err)
	}
	if bySub == nil || bySub.ID != inst.ID {
		t.Errorf("subscription lookup returned %+v", bySub)
	}

	missing, err := reg.GetInstance("i-NOPE000000")
	if err != nil {
		t.Fatalf("GetInstance missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing instance, got %+v", missing)
	}
}

func TestCASStatus(t *testing.T) {
	reg := newTestRegistry(t)
	inst := testInstance("i-CAS0000001")
	if err := reg.CreateInstance(inst); err != nil {
		t.Fatal(err)
	}

	if err := reg.CASStatus(inst.ID, StatusCreating, StatusRunning); err != nil {
		t.Fatalf("CASStatus: %v", err)
	}

	// Stale previous status must fail with ErrStaleStatus.
	err := reg.CASStatus(inst.ID, StatusCreating, StatusStopped)
	if !errors.Is(err, ErrStaleStatus) {
		t.Errorf("expected ErrStaleStatus, got %v", err)
	}

	// Unknown instance must fail with ErrNotFound.
	err = reg.CASStatus("i-MISSING001", StatusRunning, StatusStopped)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	got, err := reg.GetInstance(inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
}

func TestSetters(t *testing.T) {
	reg := newTestRegistry(t)
	inst := testInstance("i-SET0000001")
	if err := reg.CreateInstance(inst); err != nil {
		t.Fatal(err)
	}

	if err := reg.SetBillingStatus(inst.ID, BillingPaid); err != nil {
		t.Fatalf("SetBillingStatus: %v", err)
	}
	if err := reg.SetProvisioningStatus(inst.ID, ProvisioningCompleted); err != nil {
		t.Fatalf("SetProvisioningStatus: %v", err)
	}
	if err := reg.SetPlan(inst.ID, "premium"); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}
	if err := reg.SetAllocation(inst.ID, 2000, 4<<30, 20<<30); err != nil {
		t.Fatalf("SetAllocation: %v", err)
	}
	if err := reg.SetInfra(inst.ID, "cid123", "/data/instances/i-SET0000001", "https://i-SET0000001.example.com"); err != nil {
		t.Fatalf("SetInfra: %v", err)
	}
	if err := reg.SetUpdateBlocked(inst.ID, true); err != nil {
		t.Fatalf("SetUpdateBlocked: %v", err)
	}
	if err := reg.SetErrorMessage(inst.ID, "boom"); err != nil {
		t.Fatalf("SetErrorMessage: %v", err)
	}
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := reg.MarkStarted(inst.ID, started); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}

	got, err := reg.GetInstance(inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.BillingStatus != BillingPaid || got.Provisioning != ProvisioningCompleted {
		t.Errorf("statuses: %s / %s", got.BillingStatus, got.Provisioning)
	}
	if got.PlanName != "premium" || got.CPUMilli != 2000 || got.MemoryBytes != 4<<30 || got.StorageBytes != 20<<30 {
		t.Errorf("allocation not persisted: %+v", got)
	}
	if got.ContainerID != "cid123" || !got.UpdateBlocked || got.ErrorMessage != "boom" {
		t.Errorf("infra/flags not persisted: %+v", got)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}

	// Setters on an unknown instance report ErrNotFound.
	if err := reg.SetPlan("i-MISSING001", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteInstance(t *testing.T) {
	reg := newTestRegistry(t)
	inst := testInstance("i-DEL0000001")
	if err := reg.CreateInstance(inst); err != nil {
		t.Fatal(err)
	}
	if err := reg.DeleteInstance(inst.ID); err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}
	got, err := reg.GetInstance(inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("instance still present after delete: %+v", got)
	}
	if err := reg.DeleteInstance(inst.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestLists(t *testing.T) {
	reg := newTestRegistry(t)

	a := testInstance("i-LIST000001")
	b := testInstance("i-LIST000002")
	b.SubscriptionID = "sub-b"
	c := testInstance("i-LIST000003")
	c.SubscriptionID = "sub-c"
	for _, inst := range []*Instance{a, b, c} {
		if err := reg.CreateInstance(inst); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.CASStatus(b.ID, StatusCreating, StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := reg.CASStatus(c.ID, StatusCreating, StatusTerminated); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetBillingStatus(b.ID, BillingPaymentRequired); err != nil {
		t.Fatal(err)
	}

	all, err := reg.ListInstances()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("ListInstances = %d, want 3", len(all))
	}

	running, err := reg.ListByStatus(StatusRunning)
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 || running[0].ID != b.ID {
		t.Errorf("ListByStatus(running) = %+v", running)
	}

	due, err := reg.ListByBillingStatus(BillingPaymentRequired)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != b.ID {
		t.Errorf("ListByBillingStatus = %+v", due)
	}

	active, err := reg.ListActive()
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Errorf("ListActive = %d, want 2 (terminated excluded)", len(active))
	}

	counts, err := reg.CountByStatus()
	if err != nil {
		t.Fatal(err)
	}
	if counts[StatusCreating] != 1 || counts[StatusRunning] != 1 || counts[StatusTerminated] != 1 {
		t.Errorf("CountByStatus = %+v", counts)
	}
}

func TestEntitlements(t *testing.T) {
	reg := newTestRegistry(t)

	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	if err := reg.CreateEntitlement(&Entitlement{
		PlanName: "standard", EffectiveDate: jan,
		CPUMilli: 1000, MemoryBytes: 2 << 30, StorageBytes: 10 << 30,
	}); err != nil {
		t.Fatalf("CreateEntitlement: %v", err)
	}
	if err := reg.CreateEntitlement(&Entitlement{
		PlanName: "standard", EffectiveDate: jun,
		CPUMilli: 2000, MemoryBytes: 4 << 30, StorageBytes: 20 << 30,
	}); err != nil {
		t.Fatalf("CreateEntitlement second version: %v", err)
	}

	// Duplicate (plan, effective_date) must be rejected.
	if err := reg.CreateEntitlement(&Entitlement{
		PlanName: "standard", EffectiveDate: jun,
		CPUMilli: 1, MemoryBytes: 1, StorageBytes: 1,
	}); err == nil {
		t.Error("expected unique constraint violation")
	}

	// Before the June row takes effect, January wins.
	rows, err := reg.LatestEntitlements("standard", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].CPUMilli != 1000 {
		t.Errorf("as of March: %+v", rows)
	}

	// After June, the newer row wins.
	rows, err = reg.LatestEntitlements("standard", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].CPUMilli != 2000 {
		t.Errorf("as of August: %+v", rows)
	}

	// Exactly at the effective instant the row applies.
	rows, err = reg.LatestEntitlements("standard", jun)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].CPUMilli != 2000 {
		t.Errorf("as of effective instant: %+v", rows)
	}

	// Before any row exists there is nothing to resolve.
	rows, err = reg.LatestEntitlements("standard", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no rows before first effective date, got %+v", rows)
	}

	// Unknown plan resolves to nothing.
	rows, err = reg.LatestEntitlements("missing", jun)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no rows for unknown plan, got %+v", rows)
	}
}

func TestMarkEventProcessed(t *testing.T) {
	reg := newTestRegistry(t)

	first, err := reg.MarkEventProcessed("evt-1")
	if err != nil {
		t.Fatalf("MarkEventProcessed: %v", err)
	}
	if !first {
		t.Error("first delivery should report true")
	}

	again, err := reg.MarkEventProcessed("evt-1")
	if err != nil {
		t.Fatalf("MarkEventProcessed duplicate: %v", err)
	}
	if again {
		t.Error("duplicate delivery should report false")
	}

	other, err := reg.MarkEventProcessed("evt-2")
	if err != nil {
		t.Fatal(err)
	}
	if !other {
		t.Error("distinct event ID should report true")
	}
}

func TestUnmarkEventProcessed(t *testing.T) {
	reg := newTestRegistry(t)

	if _, err := reg.MarkEventProcessed("evt-1"); err != nil {
		t.Fatalf("MarkEventProcessed: %v", err)
	}
	if err := reg.UnmarkEventProcessed("evt-1"); err != nil {
		t.Fatalf("UnmarkEventProcessed: %v", err)
	}

	first, err := reg.MarkEventProcessed("evt-1")
	if err != nil {
		t.Fatal(err)
	}
	if !first {
		t.Error("released event ID should be journaled again as a first delivery")
	}

	// Releasing an ID that was never journaled is a no-op.
	if err := reg.UnmarkEventProcessed("evt-9"); err != nil {
		t.Errorf("UnmarkEventProcessed unknown ID: %v", err)
	}
}
