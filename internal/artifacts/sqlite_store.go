// Package artifacts persists analysis artifacts.
package artifacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/fundwatch/internal/domain"
)

// SQLiteStore keeps artifacts as msgpack payloads in queue.db
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSQLiteStore creates a new SQLite artifact store
func NewSQLiteStore(db *sql.DB, log zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{
		db:  db,
		log: log.With().Str("repo", "artifacts").Logger(),
	}
}

// Save upserts the artifact by id
func (s *SQLiteStore) Save(ctx context.Context, artifact *domain.Artifact) error {
	if artifact.ID == "" {
		return fmt.Errorf("artifact id is required")
	}

	payload, err := msgpack.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to encode artifact %s: %w", artifact.ID, err)
	}

	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_artifacts (artifact_id, analysis_type, target_key, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(artifact_id) DO UPDATE SET
			analysis_type = excluded.analysis_type,
			target_key = excluded.target_key,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, artifact.ID, artifact.AnalysisType, artifact.TargetKey, payload, now, now)
	if err != nil {
		return fmt.Errorf("failed to save artifact %s: %w", artifact.ID, err)
	}
	return nil
}

// Get returns an artifact by id
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Artifact, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM analysis_artifacts WHERE artifact_id = ?", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrArtifactNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact %s: %w", id, err)
	}
	return decode(payload)
}

// List returns the newest artifacts of an analysis type
func (s *SQLiteStore) List(ctx context.Context, analysisType string, limit int) ([]domain.Artifact, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM analysis_artifacts
		WHERE analysis_type = ?
		ORDER BY updated_at DESC, artifact_id ASC
		LIMIT ?
	`, analysisType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var out []domain.Artifact
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		a, err := decode(payload)
		if err != nil {
			s.log.Warn().Err(err).Msg("Skipping undecodable artifact")
			continue
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func decode(payload []byte) (*domain.Artifact, error) {
	var a domain.Artifact
	if err := msgpack.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	return &a, nil
}
