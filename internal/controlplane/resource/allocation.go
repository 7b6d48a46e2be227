package resource

import (
	"fmt"
	"math"
	"strconv"

	"github.com/docker/go-units"
)

// Allocation is the abstract resource triple granted to one instance.
// CPU is carried as millicores so equality checks stay exact; the encoding
// into a runtime-specific representation happens in the client adapters only.
type Allocation struct {
	CPUMilli     int64
	MemoryBytes  int64
	StorageBytes int64
}

// Equal reports whether two allocations are identical in all three dimensions.
func (a Allocation) Equal(b Allocation) bool {
	return a.CPUMilli == b.CPUMilli && a.MemoryBytes == b.MemoryBytes && a.StorageBytes == b.StorageBytes
}

// IsZero reports whether no limit is set in any dimension.
func (a Allocation) IsZero() bool {
	return a.CPUMilli == 0 && a.MemoryBytes == 0 && a.StorageBytes == 0
}

// CPUCores returns the CPU limit in cores.
func (a Allocation) CPUCores() float64 {
	return float64(a.CPUMilli) / 1000
}

func (a Allocation) String() string {
	return fmt.Sprintf("%dm cpu / %s mem / %s storage",
		a.CPUMilli,
		units.BytesSize(float64(a.MemoryBytes)),
		units.BytesSize(float64(a.StorageBytes)))
}

// ParseAllocation builds an Allocation from human-readable limits: CPU in
// cores ("1.5"), memory and storage as size strings ("2G", "512M").
func ParseAllocation(cpu, memory, storage string) (Allocation, error) {
	cores, err := strconv.ParseFloat(cpu, 64)
	if err != nil {
		return Allocation{}, fmt.Errorf("parse cpu limit %q: %w", cpu, err)
	}
	if cores <= 0 || math.IsNaN(cores) || math.IsInf(cores, 0) {
		return Allocation{}, fmt.Errorf("cpu limit %q must be a positive number of cores", cpu)
	}
	memBytes, err := units.RAMInBytes(memory)
	if err != nil {
		return Allocation{}, fmt.Errorf("parse memory limit %q: %w", memory, err)
	}
	storageBytes, err := units.RAMInBytes(storage)
	if err != nil {
		return Allocation{}, fmt.Errorf("parse storage limit %q: %w", storage, err)
	}
	return Allocation{
		CPUMilli:     int64(math.Round(cores * 1000)),
		MemoryBytes:  memBytes,
		StorageBytes: storageBytes,
	}, nil
}
