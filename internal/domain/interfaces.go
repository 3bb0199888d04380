package domain

import (
	"context"
	"errors"
)

// ErrArtifactNotFound is returned by ArtifactStore.Get when no artifact exists for the id
var ErrArtifactNotFound = errors.New("artifact not found")

// HoldingsProvider fetches the holdings of a fund for a date.
// Implementations must return the complete set or an error, never a page-limited subset.
type HoldingsProvider interface {
	FetchHoldings(ctx context.Context, fundID, date string) (*ProviderSnapshot, error)
}

// InferenceClient analyzes a formatted changeset description.
// A result is either complete or an error is returned; partial results are never returned.
type InferenceClient interface {
	Analyze(ctx context.Context, fundID, changesetText string) (*AnalysisResult, error)
}

// ArtifactStore persists analysis artifacts.
// Save with an existing ID overwrites it, so repeated analysis of a target never duplicates.
type ArtifactStore interface {
	Save(ctx context.Context, artifact *Artifact) error
	Get(ctx context.Context, id string) (*Artifact, error)
}
