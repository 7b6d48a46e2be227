package controlplane

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erplane/erplane/internal/controlplane/cpmetrics"
	"github.com/erplane/erplane/internal/controlplane/registry"
)

const stateMetricsInterval = 30 * time.Second

func runInstanceStateMetrics(ctx context.Context, reg *registry.Registry) {
	ticker := time.NewTicker(stateMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateInstanceStateGauges(reg)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateInstanceStateGauges(reg)
		}
	}
}

func updateInstanceStateGauges(reg *registry.Registry) {
	counts, err := reg.CountByStatus()
	if err != nil {
		log.Error().Err(err).Msg("Failed to update instance state metrics")
		return
	}

	known := []registry.Status{
		registry.StatusCreating,
		registry.StatusStarting,
		registry.StatusRunning,
		registry.StatusStopping,
		registry.StatusStopped,
		registry.StatusRestarting,
		registry.StatusUpdating,
		registry.StatusSuspended,
		registry.StatusMaintenance,
		registry.StatusError,
		registry.StatusTerminated,
	}

	seen := make(map[registry.Status]struct{}, len(counts))

	// Ensure a stable label set for known statuses.
	for _, status := range known {
		seen[status] = struct{}{}
		cpmetrics.InstancesByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	// Bounded by DB content; anything unexpected still gets reported.
	for status, c := range counts {
		if _, ok := seen[status]; ok {
			continue
		}
		cpmetrics.InstancesByStatus.WithLabelValues(string(status)).Set(float64(c))
	}
}
