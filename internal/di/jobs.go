// Package di provides dependency injection for scheduler jobs.
package di

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/rs/zerolog"

	"github.com/aristath/fundwatch/internal/clientdata"
	"github.com/aristath/fundwatch/internal/clients/objectstore"
	"github.com/aristath/fundwatch/internal/config"
	"github.com/aristath/fundwatch/internal/reliability"
	"github.com/aristath/fundwatch/internal/scheduler"
)

type jobRegistration struct {
	job      scheduler.Job
	schedule string
}

// RegisterJobs creates every job and registers it with the scheduler on its policy schedule.
// Returns JobInstances for manual triggering and tests.
func RegisterJobs(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	if container == nil || container.Scheduler == nil {
		return nil, fmt.Errorf("container is not initialized")
	}

	instances := &JobInstances{}
	schedule := cfg.Policy.Schedule
	policy := cfg.Policy

	// ==========================================
	// Pipeline: detection, then analysis
	// ==========================================
	detect := scheduler.NewDetectChangesJob(
		container.FundRepo,
		container.HoldingsClient,
		container.SnapshotRepo,
		container.Detector,
		container.QueueRepo,
		container.RetryRepo,
	)
	detect.SetLogger(log)
	detect.SetEventEmitter(container.EventManager)
	detect.SetSkipCache(container.SkipCache)
	container.RetryProcessor.Register(detect.Name(), detect.RetryHandler())
	instances.DetectChanges = detect

	batch := scheduler.NewAnalysisBatchJob(container.QueueRepo, container.AnalysisService, scheduler.BatchConfig{
		Budget:       policy.Batch.Budget,
		ItemBudget:   policy.Batch.ItemBudget,
		BacklogLimit: policy.Batch.BacklogLimit,
		MaxAttempts:  policy.Batch.MaxAttempts,
	})
	batch.SetLogger(log)
	batch.SetEventEmitter(container.EventManager)
	instances.AnalysisBatch = batch

	// ==========================================
	// Housekeeping
	// ==========================================
	retryPass := scheduler.NewRetryPassJob(container.RetryProcessor)
	retryPass.SetLogger(log)
	instances.RetryPass = retryPass

	watchdog := scheduler.NewStaleTaskWatchdogJob(container.QueueRepo, container.RetryRepo, policy.Queue.StaleAfter)
	watchdog.SetLogger(log)
	instances.StaleWatchdog = watchdog

	cleanup := scheduler.NewHistoryCleanupJob(container.History, container.RetryRepo, container.QueueRepo, policy.History.RetentionDays)
	cleanup.SetLogger(log)
	instances.HistoryCleanup = cleanup

	instances.ClientDataCleanup = clientdata.NewCleanupJob(container.ClientDataRepo, log)
	instances.Maintenance = reliability.NewMaintenanceJob(container.Databases(), cfg.DataDir, log)

	// ==========================================
	// Backups (optional)
	// ==========================================
	if cfg.BackupEnabled {
		client, err := objectstore.NewClient(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to create backup client: %w", err)
		}
		service := reliability.NewBackupService(
			container.Databases(),
			manager.NewUploader(client),
			client,
			cfg.S3.Bucket, cfg.S3.BackupPrefix, cfg.DataDir,
			log,
		)
		instances.Backup = reliability.NewBackupJob(service, cfg.BackupRetentionDays)
	}

	registrations := []jobRegistration{
		{detect, schedule.DetectChanges},
		{batch, schedule.AnalysisBatch},
		{retryPass, schedule.RetryPass},
		{watchdog, schedule.StaleWatchdog},
		{cleanup, schedule.HistoryCleanup},
		{instances.ClientDataCleanup, schedule.ClientDataCleanup},
		{instances.Maintenance, schedule.Maintenance},
	}
	if instances.Backup != nil {
		registrations = append(registrations, jobRegistration{instances.Backup, schedule.Backup})
	}

	for _, r := range registrations {
		if err := container.Scheduler.AddJob(r.schedule, r.job); err != nil {
			return nil, fmt.Errorf("failed to register job %s: %w", r.job.Name(), err)
		}
	}

	log.Info().Int("jobs", len(registrations)).Msg("Jobs registered")
	return instances, nil
}
