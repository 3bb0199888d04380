package artifacts

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fundwatch/internal/database"
	"github.com/aristath/fundwatch/internal/domain"
	testingpkg "github.com/aristath/fundwatch/internal/testing"
)

func sampleArtifact(sentiment string) *domain.Artifact {
	return &domain.Artifact{
		CreatedAt:    time.Date(2024, 3, 4, 18, 30, 0, 0, time.UTC),
		ID:           "0d6c0c8e-0000-5000-8000-000000000001",
		AnalysisType: "holdings_analysis",
		TargetKey:    "fund_date/ARKK/2024-03-04",
		FundID:       "ARKK",
		Date:         "2024-03-04",
		ChangeCount:  3,
		Result: domain.AnalysisResult{
			Sentiment:    sentiment,
			Summary:      "Rotating into C",
			NotableItems: []string{"C new position"},
			Score:        0.4,
		},
	}
}

func TestSQLiteStore_SaveGetOverwrite(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, database.NameQueue)
	defer cleanup()
	store := NewSQLiteStore(db.Conn(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleArtifact("bullish")))
	require.NoError(t, store.Save(ctx, sampleArtifact("neutral")))

	got, err := store.Get(ctx, sampleArtifact("").ID)
	require.NoError(t, err)
	assert.Equal(t, "neutral", got.Result.Sentiment)
	assert.Equal(t, []string{"C new position"}, got.Result.NotableItems)
	assert.Equal(t, 3, got.ChangeCount)
	assert.True(t, got.CreatedAt.Equal(sampleArtifact("").CreatedAt))

	list, err := store.List(ctx, "holdings_analysis", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1, "same id never duplicates")

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrArtifactNotFound)

	assert.Error(t, store.Save(ctx, &domain.Artifact{}))
}

type fakeS3 struct {
	objects map[string][]byte
	puts    int
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts++
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func TestS3Store_DeterministicKeyOverwrites(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{}}
	store := NewS3Store(client, "fundwatch", "artifacts", zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleArtifact("bullish")))
	require.NoError(t, store.Save(ctx, sampleArtifact("bearish")))

	assert.Equal(t, 2, client.puts)
	assert.Len(t, client.objects, 1)
	assert.Contains(t, client.objects, "fundwatch/artifacts/0d6c0c8e-0000-5000-8000-000000000001.json")

	got, err := store.Get(ctx, sampleArtifact("").ID)
	require.NoError(t, err)
	assert.Equal(t, "bearish", got.Result.Sentiment)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrArtifactNotFound)
}
