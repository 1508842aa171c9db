package api

import (
	"os"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"
)

// HostStats is a point-in-time process/host resource snapshot, surfaced
// alongside ReadinessResponse so operators can correlate benchmark state
// with host pressure (SPEC_FULL.md §B, gopsutil/v3).
type HostStats struct {
	OpenFDs       int32   `json:"open_fds"`
	DataDirFreeGB float64 `json:"data_dir_free_gb"`
	DataDirUsePct float64 `json:"data_dir_use_pct"`
}

// CollectHostStats samples open file descriptors for this process and
// free space on dataDir's filesystem. Errors are swallowed into zero
// values: a host-stats failure must never fail a health check.
func CollectHostStats(dataDir string) HostStats {
	var stats HostStats

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if n, err := p.NumFDs(); err == nil {
			stats.OpenFDs = n
		}
	}

	if usage, err := disk.Usage(dataDir); err == nil {
		stats.DataDirFreeGB = float64(usage.Free) / (1 << 30)
		stats.DataDirUsePct = usage.UsedPercent
	}

	return stats
}
