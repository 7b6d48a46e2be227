// Package controlplane wires the instance registry, state machine,
// reconciler, billing adapter, and background sweeps into one HTTP service.
package controlplane

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/erplane/erplane/internal/controlplane/reconcile"
	"github.com/erplane/erplane/internal/controlplane/resource"
)

// Backend selects the container runtime implementation.
type Backend string

const (
	BackendDocker     Backend = "docker"
	BackendKubernetes Backend = "kubernetes"
)

// Config holds all configuration for the control plane.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	AdminKey    string

	Backend       Backend
	OdooImage     string
	DockerNetwork string
	BaseDomain    string
	Kubeconfig    string
	Namespace     string

	SuspendPolicy    reconcile.SuspendPolicy
	CancelTerminates bool
	ParkedCPUMilli   int64
	ParkedMemory     int64

	GraceDays           int
	ReconcileInterval   time.Duration
	ObserveInterval     time.Duration
	GraceCheckInterval  time.Duration
	StuckCheckInterval  time.Duration
	ProvisioningTimeout time.Duration
	CallTimeout         time.Duration

	LogLevel  string
	LogFormat string
}

// InstancesDir returns the directory where per-instance data is stored.
func (c *Config) InstancesDir() string {
	return filepath.Join(c.DataDir, "instances")
}

// RegistryDir returns the directory for the control plane's own data.
func (c *Config) RegistryDir() string {
	return filepath.Join(c.DataDir, "control-plane")
}

// ParkedAllocation returns the compute floor applied to suspended instances.
// Storage is zero: parking never touches the data quota.
func (c *Config) ParkedAllocation() resource.Allocation {
	return resource.Allocation{CPUMilli: c.ParkedCPUMilli, MemoryBytes: c.ParkedMemory}
}

// LoadConfig loads control plane configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("ERPLANE_PORT", 8443)
	if err != nil {
		return nil, err
	}
	graceDays, err := envOrDefaultInt("ERPLANE_GRACE_DAYS", 14)
	if err != nil {
		return nil, err
	}
	parkedCPU, err := envOrDefaultInt64("ERPLANE_PARKED_CPU_MILLI", 100)
	if err != nil {
		return nil, err
	}
	parkedMem, err := envOrDefaultInt64("ERPLANE_PARKED_MEMORY", 256*1024*1024)
	if err != nil {
		return nil, err
	}

	reconcileInterval, err := envOrDefaultDuration("ERPLANE_RECONCILE_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	observeInterval, err := envOrDefaultDuration("ERPLANE_OBSERVE_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	graceInterval, err := envOrDefaultDuration("ERPLANE_GRACE_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}
	stuckInterval, err := envOrDefaultDuration("ERPLANE_STUCK_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	provisionTimeout, err := envOrDefaultDuration("ERPLANE_PROVISION_TIMEOUT", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	callTimeout, err := envOrDefaultDuration("ERPLANE_RUNTIME_CALL_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:     envOrDefault("ERPLANE_DATA_DIR", "/data"),
		BindAddress: envOrDefault("ERPLANE_BIND_ADDRESS", "0.0.0.0"),
		Port:        port,
		AdminKey:    strings.TrimSpace(os.Getenv("ERPLANE_ADMIN_KEY")),

		Backend:       Backend(envOrDefault("ERPLANE_BACKEND", string(BackendDocker))),
		OdooImage:     envOrDefault("ERPLANE_ODOO_IMAGE", "odoo:17"),
		DockerNetwork: envOrDefault("ERPLANE_DOCKER_NETWORK", "erplane"),
		BaseDomain:    strings.TrimSpace(os.Getenv("ERPLANE_BASE_DOMAIN")),
		Kubeconfig:    strings.TrimSpace(os.Getenv("ERPLANE_KUBECONFIG")),
		Namespace:     envOrDefault("ERPLANE_NAMESPACE", "erplane"),

		SuspendPolicy:    reconcile.SuspendPolicy(envOrDefault("ERPLANE_SUSPEND_POLICY", string(reconcile.PolicyPark))),
		CancelTerminates: envBool("ERPLANE_CANCEL_TERMINATES"),
		ParkedCPUMilli:   parkedCPU,
		ParkedMemory:     parkedMem,

		GraceDays:           graceDays,
		ReconcileInterval:   reconcileInterval,
		ObserveInterval:     observeInterval,
		GraceCheckInterval:  graceInterval,
		StuckCheckInterval:  stuckInterval,
		ProvisioningTimeout: provisionTimeout,
		CallTimeout:         callTimeout,

		LogLevel:  envOrDefault("ERPLANE_LOG_LEVEL", "info"),
		LogFormat: envOrDefault("ERPLANE_LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate control plane config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("ERPLANE_PORT must be between 1 and 65535, got %d", c.Port)
	}
	switch c.Backend {
	case BackendDocker, BackendKubernetes:
	default:
		return fmt.Errorf("ERPLANE_BACKEND must be %q or %q, got %q", BackendDocker, BackendKubernetes, c.Backend)
	}
	switch c.SuspendPolicy {
	case reconcile.PolicyPark, reconcile.PolicyStop:
	default:
		return fmt.Errorf("ERPLANE_SUSPEND_POLICY must be %q or %q, got %q", reconcile.PolicyPark, reconcile.PolicyStop, c.SuspendPolicy)
	}
	if c.ParkedCPUMilli <= 0 || c.ParkedMemory <= 0 {
		return fmt.Errorf("parked allocation must be positive, got cpu=%d memory=%d", c.ParkedCPUMilli, c.ParkedMemory)
	}
	if c.GraceDays <= 0 {
		return fmt.Errorf("ERPLANE_GRACE_DAYS must be greater than 0, got %d", c.GraceDays)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultInt64(key string, fallback int64) (int64, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
