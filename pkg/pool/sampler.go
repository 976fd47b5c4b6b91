package pool

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Usage is one resource sample
type Usage struct {
	MemoryPercent float64
	MemoryUsedGB  float64
	MemoryTotalGB float64
	CPUPercent    float64
}

// Sampler reports current resource usage. The governor only ever sees this
// interface; tests inject synthetic pressure.
type Sampler interface {
	Sample() (Usage, error)
}

// SystemSampler reads real memory and CPU usage via gopsutil
type SystemSampler struct{}

// NewSystemSampler creates the production sampler
func NewSystemSampler() *SystemSampler {
	return &SystemSampler{}
}

const bytesPerGB = 1 << 30

// Sample reads current system memory and CPU usage
func (s *SystemSampler) Sample() (Usage, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to sample memory: %w", err)
	}

	// Non-blocking CPU read: percentage since the previous call.
	cpuPcts, err := cpu.Percent(0, false)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to sample cpu: %w", err)
	}
	cpuPct := 0.0
	if len(cpuPcts) > 0 {
		cpuPct = cpuPcts[0]
	}

	return Usage{
		MemoryPercent: vm.UsedPercent,
		MemoryUsedGB:  float64(vm.Used) / bytesPerGB,
		MemoryTotalGB: float64(vm.Total) / bytesPerGB,
		CPUPercent:    cpuPct,
	}, nil
}
