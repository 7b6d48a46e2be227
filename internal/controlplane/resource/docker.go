package resource

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"
)

const odooContainerPort = 8069

// dockerAPI is the subset of the Docker client used by the adapter.
// Narrowed so tests can substitute a fake daemon.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerUpdate(ctx context.Context, containerID string, updateConfig container.UpdateConfig) (container.UpdateResponse, error)
}

// DockerConfig holds Docker adapter settings.
type DockerConfig struct {
	Image      string
	Network    string
	BaseDomain string
}

// DockerClient runs instances as Docker containers. CPU limits are encoded as
// NanoCPUs at creation and at every subsequent update; mixing NanoCPUs with a
// period/quota encoding makes the daemon reject live updates, which surfaces
// as ErrUpdateIncompatible.
type DockerClient struct {
	cli    dockerAPI
	quotas QuotaStore
	cfg    DockerConfig
	closer func() error
}

// NewDockerClient connects to the local Docker daemon.
func NewDockerClient(cfg DockerConfig, quotas QuotaStore) (*DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerClient{cli: cli, quotas: quotas, cfg: cfg, closer: cli.Close}, nil
}

// Close closes the Docker client.
func (d *DockerClient) Close() error {
	if d.closer != nil {
		return d.closer()
	}
	return nil
}

func nanoCPUs(a Allocation) int64 {
	return a.CPUMilli * 1_000_000
}

func dockerResources(a Allocation) container.Resources {
	return container.Resources{
		NanoCPUs:   nanoCPUs(a),
		Memory:     a.MemoryBytes,
		MemorySwap: a.MemoryBytes * 2,
	}
}

// Create creates and starts an instance container with the requested limits
// applied, and sets the initial storage quota on the data directory.
func (d *DockerClient) Create(ctx context.Context, spec Spec) (Ref, error) {
	containerName := "odoo-" + spec.InstanceID
	labels := map[string]string{
		"erplane.managed":     "true",
		"erplane.instance_id": spec.InstanceID,
	}
	if d.cfg.BaseDomain != "" {
		for k, v := range TraefikLabels(spec.InstanceID, d.cfg.BaseDomain, odooContainerPort) {
			labels[k] = v
		}
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:    d.cfg.Image,
			Hostname: spec.Hostname,
			Labels:   labels,
			Env: []string{
				"ODOO_RC=/etc/odoo/odoo.conf",
			},
		},
		&container.HostConfig{
			RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
			Resources:     dockerResources(spec.Allocation),
			Mounts: []mount.Mount{
				{
					Type:   mount.TypeBind,
					Source: spec.DataDir,
					Target: "/var/lib/odoo",
				},
			},
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				d.cfg.Network: {},
			},
		},
		nil, // platform
		containerName,
	)
	if err != nil {
		return Ref{}, fmt.Errorf("create container for %s: %w", spec.InstanceID, err)
	}

	ref := Ref{InstanceID: spec.InstanceID, ContainerID: resp.ID, DataDir: spec.DataDir}

	if spec.Allocation.StorageBytes > 0 {
		if err := d.quotas.SetQuota(spec.DataDir, spec.Allocation.StorageBytes); err != nil {
			return ref, fmt.Errorf("set initial storage quota for %s: %w", spec.InstanceID, err)
		}
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return ref, fmt.Errorf("start container for %s: %w", spec.InstanceID, err)
	}

	log.Info().
		Str("instance_id", spec.InstanceID).
		Str("container_id", shortID(resp.ID)).
		Str("container_name", containerName).
		Str("allocation", spec.Allocation.String()).
		Msg("Instance container started")

	return ref, nil
}

// Observed reads the live limits from the container and the storage quota
// from the data directory.
func (d *DockerClient) Observed(ctx context.Context, ref Ref) (Allocation, error) {
	inspect, err := d.cli.ContainerInspect(ctx, ref.ContainerID)
	if err != nil {
		return Allocation{}, fmt.Errorf("inspect container %s: %w", shortID(ref.ContainerID), err)
	}

	var obs Allocation
	if inspect.HostConfig != nil {
		obs.CPUMilli = inspect.HostConfig.NanoCPUs / 1_000_000
		obs.MemoryBytes = inspect.HostConfig.Memory
	}

	storage, err := d.quotas.Quota(ref.DataDir)
	if err != nil {
		return obs, fmt.Errorf("read storage quota for %s: %w", ref.InstanceID, err)
	}
	obs.StorageBytes = storage
	return obs, nil
}

// ApplyCPUMemory live-patches CPU and memory limits through the daemon's
// update endpoint. The container keeps running throughout.
func (d *DockerClient) ApplyCPUMemory(ctx context.Context, ref Ref, desired Allocation) error {
	inspect, err := d.cli.ContainerInspect(ctx, ref.ContainerID)
	if err != nil {
		return fmt.Errorf("inspect container %s: %w", shortID(ref.ContainerID), err)
	}
	if hc := inspect.HostConfig; hc != nil {
		if hc.NanoCPUs == 0 && (hc.CPUQuota != 0 || hc.CPUPeriod != 0 || hc.CPUShares != 0) {
			return fmt.Errorf("container %s uses a period/quota cpu encoding: %w",
				shortID(ref.ContainerID), ErrUpdateIncompatible)
		}
	}

	_, err = d.cli.ContainerUpdate(ctx, ref.ContainerID, container.UpdateConfig{
		Resources: dockerResources(desired),
	})
	if err != nil {
		if isConflictingOptions(err) {
			return fmt.Errorf("update container %s: %v: %w", shortID(ref.ContainerID), err, ErrUpdateIncompatible)
		}
		return fmt.Errorf("update container %s: %w", shortID(ref.ContainerID), err)
	}

	log.Info().
		Str("instance_id", ref.InstanceID).
		Str("container_id", shortID(ref.ContainerID)).
		Int64("cpu_milli", desired.CPUMilli).
		Int64("memory_bytes", desired.MemoryBytes).
		Msg("Live cpu/memory patch applied")
	return nil
}

// ApplyStorageQuota patches the storage quota on the instance data dir.
func (d *DockerClient) ApplyStorageQuota(ctx context.Context, ref Ref, desired Allocation) error {
	if err := d.quotas.SetQuota(ref.DataDir, desired.StorageBytes); err != nil {
		return fmt.Errorf("patch storage quota for %s: %w", ref.InstanceID, err)
	}
	log.Info().
		Str("instance_id", ref.InstanceID).
		Int64("storage_bytes", desired.StorageBytes).
		Msg("Storage quota patch applied")
	return nil
}

// Start starts a stopped instance container.
func (d *DockerClient) Start(ctx context.Context, ref Ref) error {
	return d.cli.ContainerStart(ctx, ref.ContainerID, container.StartOptions{})
}

// Stop stops an instance container gracefully.
func (d *DockerClient) Stop(ctx context.Context, ref Ref) error {
	timeout := 30
	return d.cli.ContainerStop(ctx, ref.ContainerID, container.StopOptions{Timeout: &timeout})
}

// Remove force-removes an instance container.
func (d *DockerClient) Remove(ctx context.Context, ref Ref) error {
	return d.cli.ContainerRemove(ctx, ref.ContainerID, container.RemoveOptions{Force: true})
}

// State reports the coarse runtime state for the observation sweep.
func (d *DockerClient) State(ctx context.Context, ref Ref) (RuntimeState, error) {
	inspect, err := d.cli.ContainerInspect(ctx, ref.ContainerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StateMissing, nil
		}
		return "", fmt.Errorf("inspect container %s: %w", shortID(ref.ContainerID), err)
	}
	if inspect.State != nil && inspect.State.Running {
		return StateRunning, nil
	}
	return StateStopped, nil
}

// isConflictingOptions matches the daemon error returned when an update mixes
// CPU limit encodings ("Conflicting options: Nano CPUs and CPU Period").
func isConflictingOptions(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "conflicting options")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
