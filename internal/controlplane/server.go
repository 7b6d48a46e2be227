package controlplane

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erplane/erplane/internal/controlplane/billing"
	"github.com/erplane/erplane/internal/controlplane/entitlement"
	"github.com/erplane/erplane/internal/controlplane/lifecycle"
	"github.com/erplane/erplane/internal/controlplane/notify"
	"github.com/erplane/erplane/internal/controlplane/provision"
	"github.com/erplane/erplane/internal/controlplane/reconcile"
	"github.com/erplane/erplane/internal/controlplane/registry"
	"github.com/erplane/erplane/internal/controlplane/resource"
	"github.com/erplane/erplane/internal/controlplane/sweep"
	"github.com/erplane/erplane/internal/logging"
)

// Run starts the control plane HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "control-plane",
	})

	log.Info().Str("version", version).Msg("Starting erplane control plane")

	if err := os.MkdirAll(cfg.InstancesDir(), 0o755); err != nil {
		return fmt.Errorf("create instances dir: %w", err)
	}
	if err := os.MkdirAll(cfg.RegistryDir(), 0o755); err != nil {
		return fmt.Errorf("create control-plane dir: %w", err)
	}

	reg, err := registry.NewRegistry(cfg.RegistryDir())
	if err != nil {
		return fmt.Errorf("open instance registry: %w", err)
	}
	defer reg.Close()

	client, cleanup, err := buildResourceClient(cfg)
	if err != nil {
		return fmt.Errorf("init %s backend: %w", cfg.Backend, err)
	}
	defer cleanup()

	machine := lifecycle.NewMachine(reg)
	resolver := entitlement.NewResolver(reg)
	notifier := notify.NewAsync(notify.NewLogNotifier())

	reconciler := reconcile.New(reg, resolver, client, notifier, reconcile.Config{
		SuspendPolicy:    cfg.SuspendPolicy,
		ParkedAllocation: cfg.ParkedAllocation(),
		CallTimeout:      cfg.CallTimeout,
	})

	adapter := billing.NewAdapter(reg, machine, reconciler, notifier, cfg.CancelTerminates)

	provisioner := provision.New(reg, machine, resolver, client, notifier, provision.Config{
		DataRoot:     cfg.InstancesDir(),
		BaseDomain:   cfg.BaseDomain,
		ReadyTimeout: cfg.ProvisioningTimeout,
	})

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:      cfg,
		Registry:    reg,
		Machine:     machine,
		Reconciler:  reconciler,
		Provisioner: provisioner,
		Executor:    NewExecutor(reg, machine, client),
		Billing:     billing.NewWebhookHandler(adapter),
		Version:     version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           RequestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Derived context for background goroutines.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go sweep.NewReconcileSweep(reg, reconciler, cfg.ReconcileInterval).Run(ctx)
	go sweep.NewObserver(reg, machine, client, cfg.ObserveInterval).Run(ctx)
	go sweep.NewGraceEnforcer(reg, machine, reconciler, cfg.GraceCheckInterval, cfg.GraceDays).Run(ctx)
	go sweep.NewStuckProvisioningCleanup(reg, machine, cfg.StuckCheckInterval, cfg.ProvisioningTimeout).Run(ctx)
	go runInstanceStateMetrics(ctx, reg)

	go func() {
		log.Info().Str("addr", addr).Msg("Control plane listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Control plane stopped")
	return nil
}

// buildResourceClient constructs the runtime backend named by the config.
func buildResourceClient(cfg *Config) (resource.Client, func(), error) {
	switch cfg.Backend {
	case BackendKubernetes:
		client, err := resource.NewKubernetesClient(resource.KubernetesConfig{
			Namespace:      cfg.Namespace,
			Image:          cfg.OdooImage,
			KubeconfigPath: cfg.Kubeconfig,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, func() {}, nil
	default:
		client, err := resource.NewDockerClient(resource.DockerConfig{
			Image:      cfg.OdooImage,
			Network:    cfg.DockerNetwork,
			BaseDomain: cfg.BaseDomain,
		}, resource.NewCephQuota())
		if err != nil {
			return nil, nil, err
		}
		return client, func() {
			if err := client.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close docker client")
			}
		}, nil
	}
}
