// Package di provides dependency injection for repositories, clients and services.
package di

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fundwatch/internal/analysis"
	"github.com/aristath/fundwatch/internal/artifacts"
	"github.com/aristath/fundwatch/internal/clientdata"
	"github.com/aristath/fundwatch/internal/clients/holdings"
	"github.com/aristath/fundwatch/internal/clients/inference"
	"github.com/aristath/fundwatch/internal/clients/objectstore"
	"github.com/aristath/fundwatch/internal/config"
	"github.com/aristath/fundwatch/internal/domain"
	"github.com/aristath/fundwatch/internal/events"
	"github.com/aristath/fundwatch/internal/modules/changes"
	holdingsrepo "github.com/aristath/fundwatch/internal/modules/holdings"
	"github.com/aristath/fundwatch/internal/queue"
	"github.com/aristath/fundwatch/internal/retry"
	"github.com/aristath/fundwatch/internal/scheduler"
	"github.com/aristath/fundwatch/internal/work"
)

// skipCacheTTL bounds how long a detected snapshot is remembered. A re-fetch for the same
// fund and date that matches it is not stored or diffed again.
const skipCacheTTL = 24 * time.Hour

// InitializeRepositories creates the data access layer over the open databases
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	container.FundRepo = holdingsrepo.NewFundRepository(container.HoldingsDB.Conn(), log)
	container.SnapshotRepo = holdingsrepo.NewSnapshotRepository(container.HoldingsDB.Conn(), log)
	container.ChangeRepo = holdingsrepo.NewChangeRepository(container.HoldingsDB.Conn(), log)
	container.QueueRepo = queue.NewRepository(container.QueueDB.Conn(), log)
	container.RetryRepo = retry.NewRepository(container.JobsDB.Conn(), log)
	container.History = scheduler.NewHistory(container.JobsDB.Conn(), scheduler.DefaultRunningStaleAfter, log)
	container.ClientDataRepo = clientdata.NewRepository(container.ClientDataDB.Conn())

	log.Info().Msg("Repositories initialized")
	return nil
}

// InitializeServices creates clients, the artifact store and the pipeline services
func InitializeServices(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}
	policy := cfg.Policy

	// Events
	container.EventBus = events.NewBus(log)
	container.EventManager = events.NewManager(container.EventBus, log)

	// Clients
	container.HoldingsClient = holdings.NewClient(
		cfg.HoldingsProviderURL, cfg.HoldingsProviderAPIKey, cfg.HoldingsPageSize,
		container.ClientDataRepo, log,
	)
	container.InferenceClient = inference.NewClient(cfg.InferenceURL, cfg.InferenceAPIKey, cfg.InferenceTimeout, log)
	if cfg.HoldingsProviderURL == "" {
		log.Warn().Msg("HOLDINGS_PROVIDER_URL not set - change detection will fail until configured")
	}
	if cfg.InferenceURL == "" {
		log.Warn().Msg("INFERENCE_URL not set - analysis tasks will fail until configured")
	}

	store, err := newArtifactStore(ctx, container, cfg, log)
	if err != nil {
		return err
	}
	container.ArtifactStore = store

	// Change detection. The detector invalidates the detection job's skip cache whenever it
	// rewrites a changeset.
	container.SkipCache = work.NewSkipCache(skipCacheTTL)
	container.Detector = changes.NewDetector(
		container.SnapshotRepo,
		container.ChangeRepo,
		container.SkipCache,
		changes.Thresholds{
			MinShareChange:   policy.Thresholds.MinShareChange,
			MinPercentChange: policy.Thresholds.MinPercentChange,
			ExcludedHoldings: policy.Thresholds.ExcludedHoldings,
			ExcludedPatterns: policy.Thresholds.ExcludedPatterns,
		},
		changes.NoisePolicy{
			MinEntries:       policy.Noise.MinEntries,
			ModeFrequency:    policy.Noise.ModeFrequency,
			MaxModeMagnitude: policy.Noise.MaxModeMagnitude,
		},
		log,
	)

	// Analysis
	container.AnalysisService = analysis.NewService(container.ChangeRepo, container.InferenceClient, container.ArtifactStore, log)
	container.AnalysisService.SetEventEmitter(container.EventManager)

	// Retries yield to the jobs in the contention set
	container.RetryProcessor = retry.NewProcessor(container.RetryRepo, container.History, retry.ProcessorConfig{
		ContentionSet: policy.Retry.ContentionSet,
		MaxRetries:    policy.Retry.MaxRetries,
		MaxAgeDays:    policy.Retry.MaxAgeDays,
		Limit:         policy.Retry.Limit,
	}, log)
	container.RetryProcessor.SetEventEmitter(container.EventManager)

	// Guard and scheduler
	container.Guard = scheduler.NewGuard(container.History, container.EventManager, log)
	container.Scheduler = scheduler.New(container.Guard, log)

	log.Info().Str("artifact_backend", cfg.ArtifactBackend).Msg("Services initialized")
	return nil
}

// newArtifactStore selects the artifact backend
func newArtifactStore(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) (domain.ArtifactStore, error) {
	switch cfg.ArtifactBackend {
	case "", "sqlite":
		return artifacts.NewSQLiteStore(container.QueueDB.Conn(), log), nil
	case "s3":
		client, err := objectstore.NewClient(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return artifacts.NewS3Store(client, cfg.S3.Bucket, cfg.S3.ArtifactPrefix, log), nil
	default:
		return nil, fmt.Errorf("unknown artifact backend: %q", cfg.ArtifactBackend)
	}
}
