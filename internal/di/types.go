/**
 * Package di provides dependency injection type definitions.
 *
 * Container holds every long-lived instance of the pipeline. It is built by Wire()
 * and handed to the HTTP server and the entry point.
 */
package di

import (
	"github.com/aristath/fundwatch/internal/analysis"
	"github.com/aristath/fundwatch/internal/clientdata"
	"github.com/aristath/fundwatch/internal/clients/holdings"
	"github.com/aristath/fundwatch/internal/clients/inference"
	"github.com/aristath/fundwatch/internal/database"
	"github.com/aristath/fundwatch/internal/domain"
	"github.com/aristath/fundwatch/internal/events"
	"github.com/aristath/fundwatch/internal/modules/changes"
	holdingsrepo "github.com/aristath/fundwatch/internal/modules/holdings"
	"github.com/aristath/fundwatch/internal/queue"
	"github.com/aristath/fundwatch/internal/retry"
	"github.com/aristath/fundwatch/internal/scheduler"
	"github.com/aristath/fundwatch/internal/work"
)

/**
 * Container holds all dependencies for the application.
 *
 * Architecture:
 * - Databases: holdings (funds, snapshots, changes), queue (tasks, artifacts),
 *   jobs (execution history, retries), client_data (provider response cache)
 * - Clients: holdings provider and inference engine
 * - Repositories: data access per database
 * - Services: change detection, analysis, retry processing
 * - Scheduler: guarded cron jobs
 */
type Container struct {
	// Databases
	HoldingsDB   *database.DB // Funds, holding snapshots, change ledger
	QueueDB      *database.DB // Analysis queue and SQLite artifacts
	JobsDB       *database.DB // Job execution history and retry entries
	ClientDataDB *database.DB // Provider response cache

	// Clients
	HoldingsClient  *holdings.Client
	InferenceClient *inference.Client

	// Repositories
	FundRepo       *holdingsrepo.FundRepository
	SnapshotRepo   *holdingsrepo.SnapshotRepository
	ChangeRepo     *holdingsrepo.ChangeRepository
	QueueRepo      *queue.Repository
	RetryRepo      *retry.Repository
	ClientDataRepo *clientdata.Repository
	History        *scheduler.History
	ArtifactStore  domain.ArtifactStore

	// Services
	SkipCache       *work.SkipCache
	Detector        *changes.Detector
	AnalysisService *analysis.Service
	RetryProcessor  *retry.Processor

	// Events
	EventBus     *events.Bus
	EventManager *events.Manager

	// Scheduling
	Guard     *scheduler.Guard
	Scheduler *scheduler.Scheduler
}

// Databases returns the open databases keyed by name
func (c *Container) Databases() map[string]*database.DB {
	dbs := make(map[string]*database.DB, 4)
	for name, db := range map[string]*database.DB{
		database.NameHoldings:   c.HoldingsDB,
		database.NameQueue:      c.QueueDB,
		database.NameJobs:       c.JobsDB,
		database.NameClientData: c.ClientDataDB,
	} {
		if db != nil {
			dbs[name] = db
		}
	}
	return dbs
}

// Close closes every open database
func (c *Container) Close() {
	for _, db := range c.Databases() {
		db.Close()
	}
}

// JobInstances holds the registered jobs for manual triggering and tests
type JobInstances struct {
	DetectChanges     *scheduler.DetectChangesJob
	AnalysisBatch     *scheduler.AnalysisBatchJob
	RetryPass         *scheduler.RetryPassJob
	StaleWatchdog     *scheduler.StaleTaskWatchdogJob
	HistoryCleanup    *scheduler.HistoryCleanupJob
	ClientDataCleanup scheduler.Job
	Maintenance       scheduler.Job
	Backup            scheduler.Job // nil unless backups are enabled
}
