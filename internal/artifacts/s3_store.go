package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/aristath/fundwatch/internal/domain"
)

// S3API is the subset of the S3 client used by S3Store
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store keeps artifacts as JSON objects. The object key derives from the artifact id,
// so saving the same artifact again overwrites it.
type S3Store struct {
	client S3API
	bucket string
	prefix string
	log    zerolog.Logger
}

// NewS3Store creates a new S3 artifact store
func NewS3Store(client S3API, bucket, prefix string, log zerolog.Logger) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
		log:    log.With().Str("repo", "s3_artifacts").Logger(),
	}
}

// ObjectKey returns the object key of an artifact id
func (s *S3Store) ObjectKey(id string) string {
	return path.Join(s.prefix, id+".json")
}

// Save writes the artifact object
func (s *S3Store) Save(ctx context.Context, artifact *domain.Artifact) error {
	if artifact.ID == "" {
		return fmt.Errorf("artifact id is required")
	}

	body, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to encode artifact %s: %w", artifact.ID, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.ObjectKey(artifact.ID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"analysis-type": artifact.AnalysisType,
			"target-key":    artifact.TargetKey,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload artifact %s: %w", artifact.ID, err)
	}

	s.log.Debug().Str("artifact", artifact.ID).Str("key", s.ObjectKey(artifact.ID)).Msg("Artifact uploaded")
	return nil
}

// Get reads an artifact object
func (s *S3Store) Get(ctx context.Context, id string) (*domain.Artifact, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.ObjectKey(id)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", domain.ErrArtifactNotFound, id)
		}
		return nil, fmt.Errorf("failed to download artifact %s: %w", id, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", id, err)
	}

	var a domain.Artifact
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s: %w", id, err)
	}
	return &a, nil
}
