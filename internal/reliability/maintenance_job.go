// Package reliability keeps the SQLite databases healthy and backed up.
package reliability

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/aristath/fundwatch/internal/database"
)

// Disk space thresholds in bytes
const (
	criticalFreeBytes = 500 * 1024 * 1024
	lowFreeBytes      = 5 * 1024 * 1024 * 1024
)

// DiskUsageFunc reports free bytes on the filesystem holding path
type DiskUsageFunc func(path string) (uint64, error)

func gopsutilFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// MaintenanceJob runs the integrity check and a WAL checkpoint on every database,
// then checks free disk space in the data directory.
type MaintenanceJob struct {
	databases map[string]*database.DB
	dataDir   string
	diskFree  DiskUsageFunc
	log       zerolog.Logger
}

// NewMaintenanceJob creates a new database maintenance job
func NewMaintenanceJob(databases map[string]*database.DB, dataDir string, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		databases: databases,
		dataDir:   dataDir,
		diskFree:  gopsutilFree,
		log:       log.With().Str("job", "database_maintenance").Logger(),
	}
}

// Name returns the job name for scheduling and logging
func (j *MaintenanceJob) Name() string {
	return "database_maintenance"
}

// Run checks and checkpoints all databases. A failed integrity check or critically
// low disk space fails the run; a failed checkpoint is only logged.
func (j *MaintenanceJob) Run(ctx context.Context) (string, error) {
	names := make([]string, 0, len(j.databases))
	for name := range j.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	var unhealthy []string
	checkpointed := 0
	for _, name := range names {
		db := j.databases[name]

		if err := db.HealthCheck(ctx); err != nil {
			j.log.Error().Err(err).Str("database", name).Msg("Integrity check failed")
			unhealthy = append(unhealthy, name)
			continue
		}

		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		} else {
			checkpointed++
		}

		if stats, err := db.GetStats(); err == nil {
			j.log.Debug().
				Str("database", name).
				Int64("size_bytes", stats.SizeBytes).
				Int64("wal_bytes", stats.WALSizeBytes).
				Int64("freelist_pages", stats.FreelistCount).
				Msg("Database stats")
		}
	}

	if len(unhealthy) > 0 {
		return "", fmt.Errorf("integrity check failed for %s", strings.Join(unhealthy, ", "))
	}

	free, err := j.diskFree(j.dataDir)
	if err != nil {
		j.log.Warn().Err(err).Msg("Failed to read disk usage")
	} else {
		freeGB := float64(free) / 1e9
		switch {
		case free < criticalFreeBytes:
			j.log.Error().Float64("free_gb", freeGB).Msg("CRITICAL: Insufficient disk space")
			return "", fmt.Errorf("only %.2f GB free in %s", freeGB, j.dataDir)
		case free < lowFreeBytes:
			j.log.Warn().Float64("free_gb", freeGB).Msg("Disk space running low")
		}
	}

	return fmt.Sprintf("checked %d databases, %d checkpointed", len(names), checkpointed), nil
}
