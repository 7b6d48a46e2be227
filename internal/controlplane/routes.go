package controlplane

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/erplane/erplane/internal/controlplane/billing"
	"github.com/erplane/erplane/internal/controlplane/lifecycle"
	"github.com/erplane/erplane/internal/controlplane/provision"
	"github.com/erplane/erplane/internal/controlplane/reconcile"
	"github.com/erplane/erplane/internal/controlplane/registry"
)

// Reconciler triggers a reconciliation pass for one instance.
type Reconciler interface {
	Reconcile(ctx context.Context, instanceID string) (*reconcile.Result, error)
}

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config      *Config
	Registry    *registry.Registry
	Machine     *lifecycle.Machine
	Reconciler  Reconciler
	Provisioner *provision.Provisioner
	Executor    *Executor
	Billing     *billing.WebhookHandler
	Version     string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return AdminKeyMiddleware(deps.Config.AdminKey, next)
	}

	// Unauthenticated liveness probe.
	mux.HandleFunc("GET /api/health", HandleHealth(deps.Registry, deps.Version))

	// Metrics are private.
	mux.Handle("GET /metrics", adminAuth(promhttp.Handler()))

	// Billing webhook.
	mux.Handle("POST /webhooks/billing", deps.Billing)

	// Instance surface.
	mux.HandleFunc("GET /api/instances", HandleListInstances(deps.Registry))
	mux.HandleFunc("GET /api/instances/{instance_id}", HandleGetInstance(deps.Registry))
	mux.Handle("POST /api/instances", adminAuth(HandleCreateInstance(deps.Provisioner)))
	mux.HandleFunc("POST /api/instances/{instance_id}/{action}", HandleInstanceAction(deps.Registry, deps.Executor))

	// Admin surface.
	mux.Handle("POST /api/admin/instances/{instance_id}/transition", adminAuth(HandleAdminTransition(deps.Machine)))
	mux.Handle("POST /api/admin/instances/{instance_id}/reconcile", adminAuth(HandleReconcileInstance(deps.Reconciler)))
	mux.Handle("POST /api/admin/entitlements", adminAuth(HandleCreateEntitlement(deps.Registry)))
}
