package controlplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erplane/erplane/internal/controlplane/lifecycle"
	"github.com/erplane/erplane/internal/controlplane/provision"
	"github.com/erplane/erplane/internal/controlplane/registry"
	"github.com/erplane/erplane/internal/logging"
)

const maxBodySize = 1024 * 1024 // 1 MiB

func encodeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return err
	}
	return nil
}

// HandleHealth reports liveness plus registry reachability.
// Route: GET /api/health
func HandleHealth(reg *registry.Registry, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if err := reg.Ping(); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		encodeErr := json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"version": version,
		})
		if encodeErr != nil {
			log.Error().Err(encodeErr).Msg("Failed to encode health response")
		}
	}
}

// HandleListInstances lists all instances.
// Route: GET /api/instances
func HandleListInstances(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instances, err := reg.ListInstances()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if instances == nil {
			instances = []*registry.Instance{}
		}
		encodeJSON(w, instances)
	}
}

// HandleGetInstance returns one instance.
// Route: GET /api/instances/{instance_id}
func HandleGetInstance(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.PathValue("instance_id"))
		if id == "" {
			http.Error(w, "missing instance_id", http.StatusBadRequest)
			return
		}
		inst, err := reg.GetInstance(id)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if inst == nil {
			http.Error(w, "instance not found", http.StatusNotFound)
			return
		}
		encodeJSON(w, inst)
	}
}

type createInstanceRequest struct {
	AccountID      string `json:"account_id"`
	SubscriptionID string `json:"subscription_id"`
	PlanName       string `json:"plan_name"`
}

// HandleCreateInstance provisions a new instance synchronously.
// Route: POST /api/instances
func HandleCreateInstance(provisioner *provision.Provisioner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createInstanceRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return
		}
		req.AccountID = strings.TrimSpace(req.AccountID)
		req.PlanName = strings.TrimSpace(req.PlanName)
		if req.AccountID == "" || req.PlanName == "" {
			http.Error(w, "account_id and plan_name are required", http.StatusBadRequest)
			return
		}

		inst, err := provisioner.Provision(r.Context(), provision.Request{
			AccountID:      req.AccountID,
			SubscriptionID: strings.TrimSpace(req.SubscriptionID),
			PlanName:       req.PlanName,
		})
		if err != nil {
			log.Error().Err(err).Str("account_id", req.AccountID).Msg("Instance provisioning failed")
			http.Error(w, "provisioning failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		if err := json.NewEncoder(w).Encode(inst); err != nil {
			log.Error().Err(err).Msg("Failed to encode instance response")
		}
	}
}

// HandleInstanceAction runs a user lifecycle action (start, stop, restart).
// The action is accepted once the transient transition lands; completion is
// asynchronous.
// Route: POST /api/instances/{instance_id}/{action}
func HandleInstanceAction(reg *registry.Registry, executor *Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.PathValue("instance_id"))
		action := strings.TrimSpace(r.PathValue("action"))
		if id == "" || action == "" {
			http.Error(w, "missing instance_id or action", http.StatusBadRequest)
			return
		}

		var err error
		switch action {
		case "start":
			err = executor.Start(r.Context(), id)
		case "stop":
			err = executor.Stop(r.Context(), id)
		case "restart":
			err = executor.Restart(r.Context(), id)
		default:
			http.Error(w, fmt.Sprintf("unknown action %q", action), http.StatusBadRequest)
			return
		}
		if err != nil {
			writeActionError(w, id, action, err)
			return
		}

		inst, err := reg.GetInstance(id)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(inst); err != nil {
			log.Error().Err(err).Msg("Failed to encode instance response")
		}
	}
}

func writeActionError(w http.ResponseWriter, id, action string, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, lifecycle.ErrUnknownInstance):
		http.Error(w, "instance not found", http.StatusNotFound)
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, registry.ErrStaleStatus):
		http.Error(w, "instance status changed, retry", http.StatusConflict)
	default:
		log.Error().Err(err).Str("instance_id", id).Str("action", action).Msg("Instance action failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

type adminTransitionRequest struct {
	Status string `json:"status"`
}

// HandleAdminTransition applies an admin lifecycle transition (suspend for
// maintenance, resume, terminate, force-error).
// Route: POST /api/admin/instances/{instance_id}/transition
func HandleAdminTransition(machine *lifecycle.Machine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.PathValue("instance_id"))
		if id == "" {
			http.Error(w, "missing instance_id", http.StatusBadRequest)
			return
		}
		var req adminTransitionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return
		}
		target := registry.Status(strings.TrimSpace(req.Status))
		if target == "" {
			http.Error(w, "status is required", http.StatusBadRequest)
			return
		}

		prev, next, err := machine.Apply(r.Context(), id, lifecycle.SourceAdmin, target)
		if err != nil {
			writeActionError(w, id, "admin_transition", err)
			return
		}
		encodeJSON(w, map[string]string{
			"instance_id": id,
			"previous":    string(prev),
			"status":      string(next),
		})
	}
}

// HandleReconcileInstance forces a reconciliation pass for one instance.
// Route: POST /api/admin/instances/{instance_id}/reconcile
func HandleReconcileInstance(reconciler Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.PathValue("instance_id"))
		if id == "" {
			http.Error(w, "missing instance_id", http.StatusBadRequest)
			return
		}
		result, err := reconciler.Reconcile(r.Context(), id)
		if err != nil {
			writeActionError(w, id, "reconcile", err)
			return
		}
		encodeJSON(w, result)
	}
}

type createEntitlementRequest struct {
	PlanName      string    `json:"plan_name"`
	EffectiveDate time.Time `json:"effective_date"`
	CPUMilli      int64     `json:"cpu_milli"`
	MemoryBytes   int64     `json:"memory_bytes"`
	StorageBytes  int64     `json:"storage_bytes"`
	Description   string    `json:"description"`
}

// HandleCreateEntitlement appends a new entitlement version for a plan.
// Route: POST /api/admin/entitlements
func HandleCreateEntitlement(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createEntitlementRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return
		}
		req.PlanName = strings.TrimSpace(req.PlanName)
		if req.PlanName == "" {
			http.Error(w, "plan_name is required", http.StatusBadRequest)
			return
		}
		if req.CPUMilli <= 0 || req.MemoryBytes <= 0 || req.StorageBytes <= 0 {
			http.Error(w, "cpu_milli, memory_bytes and storage_bytes must be positive", http.StatusBadRequest)
			return
		}
		if req.EffectiveDate.IsZero() {
			req.EffectiveDate = time.Now().UTC()
		}

		ent := &registry.Entitlement{
			PlanName:      req.PlanName,
			EffectiveDate: req.EffectiveDate,
			CPUMilli:      req.CPUMilli,
			MemoryBytes:   req.MemoryBytes,
			StorageBytes:  req.StorageBytes,
			Description:   strings.TrimSpace(req.Description),
		}
		if err := reg.CreateEntitlement(ent); err != nil {
			log.Error().Err(err).Str("plan", req.PlanName).Msg("Failed to create entitlement")
			http.Error(w, "failed to create entitlement", http.StatusConflict)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		if err := json.NewEncoder(w).Encode(ent); err != nil {
			log.Error().Err(err).Msg("Failed to encode entitlement response")
		}
	}
}

// RequestIDMiddleware tags every request with an ID for log correlation. A
// caller-supplied X-Request-ID is kept; otherwise one is generated. The ID is
// stored on the request context and echoed in the response header.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, requestID := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminKeyMiddleware rejects requests without the configured admin key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if adminKey == "" || key != adminKey {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "unauthorized",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
