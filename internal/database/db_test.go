package database_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fundwatch/internal/database"
	testingpkg "github.com/aristath/fundwatch/internal/testing"
)

func tableNames(t *testing.T, db *sql.DB) []string {
	t.Helper()
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`)
	require.NoError(t, err)
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	return names
}

func TestSchemas_ApplyOnBothDrivers(t *testing.T) {
	expected := map[string][]string{
		database.NameHoldings:   {"funds", "holding_changes", "holding_snapshots"},
		database.NameQueue:      {"analysis_artifacts", "analysis_queue"},
		database.NameJobs:       {"job_executions", "retry_entries"},
		database.NameClientData: {"provider_holdings"},
	}

	for name, tables := range expected {
		t.Run(name, func(t *testing.T) {
			mem := testingpkg.NewMemoryDB(t, name)
			assert.Subset(t, tableNames(t, mem), tables)

			db, cleanup := testingpkg.NewTestDB(t, name)
			defer cleanup()
			assert.Subset(t, tableNames(t, db.Conn()), tables)
		})
	}
}

func TestSchema_Unknown(t *testing.T) {
	_, err := database.Schema("nope")
	assert.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, database.NameHoldings)
	defer cleanup()

	_, err := db.Conn().Exec(`INSERT INTO funds (fund_id, created_at, updated_at) VALUES ('ARKK', 1, 1)`)
	require.NoError(t, err)

	require.NoError(t, db.Migrate())

	var n int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM funds`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestWithTransaction(t *testing.T) {
	conn := testingpkg.NewMemoryDB(t, database.NameHoldings)
	count := func() int {
		var n int
		require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM funds`).Scan(&n))
		return n
	}
	insert := func(tx *sql.Tx, id string) error {
		_, err := tx.Exec(`INSERT INTO funds (fund_id, created_at, updated_at) VALUES (?, 1, 1)`, id)
		return err
	}

	require.NoError(t, database.WithTransaction(conn, func(tx *sql.Tx) error {
		return insert(tx, "ARKK")
	}))
	assert.Equal(t, 1, count())

	boom := errors.New("boom")
	err := database.WithTransaction(conn, func(tx *sql.Tx) error {
		require.NoError(t, insert(tx, "ARKG"))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, count(), "rolled back on error")

	err = database.WithTransaction(conn, func(tx *sql.Tx) error {
		require.NoError(t, insert(tx, "ARKX"))
		panic("bad state")
	})
	assert.ErrorContains(t, err, "panic in transaction")
	assert.Equal(t, 1, count(), "rolled back on panic")

	assert.Error(t, database.WithTransaction(nil, func(*sql.Tx) error { return nil }))
}

func TestMaintenanceHelpers(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, database.NameJobs)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, db.QuickCheck(ctx))
	require.NoError(t, db.HealthCheck(ctx))

	require.NoError(t, db.WALCheckpoint(""))
	require.NoError(t, db.WALCheckpoint("PASSIVE"))
	assert.Error(t, db.WALCheckpoint("EVERYTHING"))

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Positive(t, stats.PageCount)
	assert.Positive(t, stats.PageSize)
}

func TestVacuumInto(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, database.NameHoldings)
	defer cleanup()

	_, err := db.Conn().Exec(`INSERT INTO funds (fund_id, created_at, updated_at) VALUES ('ARKK', 1, 1)`)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "copy", "holdings.db")
	require.NoError(t, db.VacuumInto(dest))

	copied, err := database.New(database.Config{Path: dest, Profile: database.ProfileStandard, Name: database.NameHoldings})
	require.NoError(t, err)
	defer copied.Close()

	var id string
	require.NoError(t, copied.Conn().QueryRow(`SELECT fund_id FROM funds`).Scan(&id))
	assert.Equal(t, "ARKK", id)
}
