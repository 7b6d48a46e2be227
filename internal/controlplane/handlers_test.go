package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/erplane/erplane/internal/controlplane/billing"
	"github.com/erplane/erplane/internal/controlplane/entitlement"
	"github.com/erplane/erplane/internal/controlplane/lifecycle"
	"github.com/erplane/erplane/internal/controlplane/notify"
	"github.com/erplane/erplane/internal/controlplane/provision"
	"github.com/erplane/erplane/internal/controlplane/reconcile"
	"github.com/erplane/erplane/internal/controlplane/registry"
	"github.com/erplane/erplane/internal/controlplane/resource"
	"github.com/erplane/erplane/internal/logging"
)

// blockingClient reports running and parks lifecycle calls on a gate so
// action handlers can be observed in their transient state.
type blockingClient struct {
	gate chan struct{}
}

func newBlockingClient() *blockingClient {
	return &blockingClient{gate: make(chan struct{})}
}

func (c *blockingClient) release() { close(c.gate) }

func (c *blockingClient) Create(ctx context.Context, spec resource.Spec) (resource.Ref, error) {
	return resource.Ref{InstanceID: spec.InstanceID, ContainerID: "cid-" + spec.InstanceID, DataDir: spec.DataDir}, nil
}

func (c *blockingClient) Observed(ctx context.Context, ref resource.Ref) (resource.Allocation, error) {
	return resource.Allocation{}, nil
}

func (c *blockingClient) ApplyCPUMemory(ctx context.Context, ref resource.Ref, d resource.Allocation) error {
	return nil
}

func (c *blockingClient) ApplyStorageQuota(ctx context.Context, ref resource.Ref, d resource.Allocation) error {
	return nil
}

func (c *blockingClient) Start(ctx context.Context, ref resource.Ref) error {
	<-c.gate
	return nil
}

func (c *blockingClient) Stop(ctx context.Context, ref resource.Ref) error {
	<-c.gate
	return nil
}

func (c *blockingClient) Remove(ctx context.Context, ref resource.Ref) error { return nil }

func (c *blockingClient) State(ctx context.Context, ref resource.Ref) (resource.RuntimeState, error) {
	return resource.StateRunning, nil
}

type fakeReconciler struct {
	ids []string
}

func (f *fakeReconciler) Reconcile(ctx context.Context, instanceID string) (*reconcile.Result, error) {
	f.ids = append(f.ids, instanceID)
	return &reconcile.Result{Action: reconcile.ActionNone}, nil
}

type testEnv struct {
	handler http.Handler
	reg     *registry.Registry
	machine *lifecycle.Machine
	client  *blockingClient
	rec     *fakeReconciler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.NewRegistry(filepath.Join(dir, "registry"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	if err := reg.CreateEntitlement(&registry.Entitlement{
		PlanName:      "standard",
		CPUMilli:      1000,
		MemoryBytes:   2 << 30,
		StorageBytes:  10 << 30,
		EffectiveDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("seed entitlement: %v", err)
	}

	client := newBlockingClient()
	t.Cleanup(client.release)
	machine := lifecycle.NewMachine(reg)
	rec := &fakeReconciler{}
	notifier := notify.NewLogNotifier()
	provisioner := provision.New(reg, machine, entitlement.NewResolver(reg), client, notifier, provision.Config{
		DataRoot:          filepath.Join(dir, "instances"),
		ReadyPollInterval: time.Millisecond,
		ReadyTimeout:      time.Second,
	})
	adapter := billing.NewAdapter(reg, machine, rec, notifier, false)

	cfg := &Config{AdminKey: "test-admin-key"}
	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:      cfg,
		Registry:    reg,
		Machine:     machine,
		Reconciler:  rec,
		Provisioner: provisioner,
		Executor:    NewExecutor(reg, machine, client),
		Billing:     billing.NewWebhookHandler(adapter),
		Version:     "test",
	})
	return &testEnv{handler: RequestIDMiddleware(mux), reg: reg, machine: machine, client: client, rec: rec}
}

func (e *testEnv) seedRunning(t *testing.T) *registry.Instance {
	t.Helper()
	id, err := registry.GenerateInstanceID()
	if err != nil {
		t.Fatalf("generate id: %v", err)
	}
	inst := &registry.Instance{
		ID:            id,
		AccountID:     "acct-1",
		PlanName:      "standard",
		Status:        registry.StatusRunning,
		BillingStatus: registry.BillingPaid,
		Provisioning:  registry.ProvisioningCompleted,
		CPUMilli:      1000,
		MemoryBytes:   2 << 30,
		StorageBytes:  10 << 30,
	}
	if err := e.reg.CreateInstance(inst); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if err := e.reg.SetInfra(id, "cid-"+id, "/data/"+id, ""); err != nil {
		t.Fatalf("set infra: %v", err)
	}
	return inst
}

func (e *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

var adminHeader = map[string]string{"X-Admin-Key": "test-admin-key"}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodGet, "/api/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestGetInstance(t *testing.T) {
	env := newTestEnv(t)
	inst := env.seedRunning(t)

	w := env.do(http.MethodGet, "/api/instances/"+inst.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got registry.Instance
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != inst.ID || got.Status != registry.StatusRunning {
		t.Errorf("got %s/%s", got.ID, got.Status)
	}
}

func TestGetInstanceNotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodGet, "/api/instances/i-nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListInstancesEmpty(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodGet, "/api/instances", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %q, want empty array", w.Body.String())
	}
}

func TestCreateInstanceRequiresAdminKey(t *testing.T) {
	env := newTestEnv(t)
	body := `{"account_id":"acct-1","plan_name":"standard"}`

	w := env.do(http.MethodPost, "/api/instances", body, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status without key = %d, want 401", w.Code)
	}

	w = env.do(http.MethodPost, "/api/instances", body, map[string]string{"X-Admin-Key": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status with wrong key = %d, want 401", w.Code)
	}
}

func TestCreateInstanceBearerTokenAccepted(t *testing.T) {
	env := newTestEnv(t)
	body := `{"account_id":"acct-1","plan_name":"standard"}`
	w := env.do(http.MethodPost, "/api/instances", body, map[string]string{
		"Authorization": "Bearer test-admin-key",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var got registry.Instance
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != registry.StatusRunning || got.PlanName != "standard" {
		t.Errorf("instance = %s/%s", got.Status, got.PlanName)
	}
}

func TestCreateInstanceValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/instances", `{"plan_name":"standard"}`, adminHeader)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing account_id: status = %d, want 400", w.Code)
	}

	w = env.do(http.MethodPost, "/api/instances", `{not json`, adminHeader)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", w.Code)
	}
}

func TestInstanceActionStop(t *testing.T) {
	env := newTestEnv(t)
	inst := env.seedRunning(t)

	w := env.do(http.MethodPost, "/api/instances/"+inst.ID+"/stop", "", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var got registry.Instance
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// The runtime call is still parked on the gate, so the transient state
	// is what the caller sees.
	if got.Status != registry.StatusStopping {
		t.Errorf("status = %s, want stopping", got.Status)
	}
}

func TestInstanceActionConflict(t *testing.T) {
	env := newTestEnv(t)
	inst := env.seedRunning(t)
	if _, _, err := env.machine.Apply(context.Background(), inst.ID, lifecycle.SourceBilling, registry.StatusSuspended); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	// User actions cannot lift a billing suspension.
	w := env.do(http.MethodPost, "/api/instances/"+inst.ID+"/start", "", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409: %s", w.Code, w.Body.String())
	}
}

func TestInstanceActionUnknown(t *testing.T) {
	env := newTestEnv(t)
	inst := env.seedRunning(t)

	w := env.do(http.MethodPost, "/api/instances/"+inst.ID+"/reboot", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	w = env.do(http.MethodPost, "/api/instances/i-nope/stop", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestAdminTransition(t *testing.T) {
	env := newTestEnv(t)
	inst := env.seedRunning(t)

	w := env.do(http.MethodPost, "/api/admin/instances/"+inst.ID+"/transition",
		`{"status":"maintenance"}`, adminHeader)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["previous"] != "running" || body["status"] != "maintenance" {
		t.Errorf("body = %v", body)
	}

	got, err := env.reg.GetInstance(inst.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != registry.StatusMaintenance {
		t.Errorf("status = %s", got.Status)
	}
}

func TestAdminReconcile(t *testing.T) {
	env := newTestEnv(t)
	inst := env.seedRunning(t)

	w := env.do(http.MethodPost, "/api/admin/instances/"+inst.ID+"/reconcile", "", adminHeader)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(env.rec.ids) != 1 || env.rec.ids[0] != inst.ID {
		t.Errorf("reconciled = %v", env.rec.ids)
	}
}

func TestCreateEntitlement(t *testing.T) {
	env := newTestEnv(t)

	body := `{"plan_name":"premium","cpu_milli":2000,"memory_bytes":4294967296,"storage_bytes":21474836480}`
	w := env.do(http.MethodPost, "/api/admin/entitlements", body, adminHeader)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	w = env.do(http.MethodPost, "/api/admin/entitlements",
		`{"plan_name":"premium","cpu_milli":0,"memory_bytes":1,"storage_bytes":1}`, adminHeader)
	if w.Code != http.StatusBadRequest {
		t.Errorf("non-positive cpu: status = %d, want 400", w.Code)
	}
}

func TestBillingWebhookRoute(t *testing.T) {
	env := newTestEnv(t)
	inst := env.seedRunning(t)
	if err := env.reg.LinkSubscription(inst.ID, "sub-1"); err != nil {
		t.Fatalf("link: %v", err)
	}

	body := `{
		"event_id": "evt-1",
		"event_type": "SUBSCRIPTION_CHANGE",
		"action_finality": "effective",
		"subscription_id": "sub-1",
		"payload": {"plan_name": "premium"}
	}`
	w := env.do(http.MethodPost, "/webhooks/billing", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	got, err := env.reg.GetInstance(inst.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PlanName != "premium" {
		t.Errorf("plan = %s, want premium", got.PlanName)
	}
}

func TestMetricsRequireAdminKey(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(http.MethodGet, "/metrics", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if w := env.do(http.MethodGet, "/metrics", "", adminHeader); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestRequestIDMiddlewareGenerates(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.RequestID(r.Context())
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Error("no request ID on the handler context")
	}
	if got := w.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("response header = %q, context = %q", got, seen)
	}
}

func TestRequestIDMiddlewareKeepsCallerID(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodGet, "/api/health", "", map[string]string{"X-Request-ID": "req-42"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", got)
	}
}

func TestAdminKeyMiddlewareEmptyKeyAlwaysRejects(t *testing.T) {
	h := AdminKeyMiddleware("", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Admin-Key", "")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 when no key is configured", w.Code)
	}
}
