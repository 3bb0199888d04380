// Package di provides dependency injection for database connections.
package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/fundwatch/internal/config"
	"github.com/aristath/fundwatch/internal/database"
)

// databaseLayout lists the databases in open order with their PRAGMA profile
var databaseLayout = []struct {
	name    string
	profile database.DatabaseProfile
}{
	{database.NameHoldings, database.ProfileLedger},  // change ledger is the system of record
	{database.NameQueue, database.ProfileStandard},   // tasks and artifacts
	{database.NameJobs, database.ProfileStandard},    // execution history and retries
	{database.NameClientData, database.ProfileCache}, // provider response cache
}

// InitializeDatabases opens all 4 databases and applies their schemas
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	for _, entry := range databaseLayout {
		db, err := database.New(database.Config{
			Path:    cfg.DatabasePath(entry.name),
			Profile: entry.profile,
			Name:    entry.name,
		})
		if err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to initialize %s database: %w", entry.name, err)
		}

		switch entry.name {
		case database.NameHoldings:
			container.HoldingsDB = db
		case database.NameQueue:
			container.QueueDB = db
		case database.NameJobs:
			container.JobsDB = db
		case database.NameClientData:
			container.ClientDataDB = db
		}

		if err := db.Migrate(); err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to apply schema to %s: %w", entry.name, err)
		}
	}

	log.Info().Int("databases", len(databaseLayout)).Msg("All databases initialized and schemas applied")

	return container, nil
}
