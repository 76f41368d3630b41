package service

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/vidgallery/api/internal/model"
)

const degradedPercent = 90

// HealthService samples host telemetry
type HealthService struct{}

func NewHealthService() *HealthService {
	return &HealthService{}
}

// Check never fails; a metric that cannot be read is reported as 0.
func (h *HealthService) Check(ctx context.Context) model.SystemHealth {
	health := model.SystemHealth{
		Status:     "healthy",
		Goroutines: runtime.NumGoroutine(),
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		health.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		health.MemPercent = vm.UsedPercent
	}

	if health.CPUPercent >= degradedPercent || health.MemPercent >= degradedPercent {
		health.Status = "degraded"
	}
	return health
}
