package embedder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadeql/sync-engine/internal/resilience"
)

type fakeProvider struct {
	calls    int
	failN    int
	lastSize int
}

func (f *fakeProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	f.lastSize = len(texts)
	if f.calls <= f.failN {
		return nil, errors.New("provider unavailable")
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestEmbedBatchChunks(t *testing.T) {
	fp := &fakeProvider{}
	e := New(fp, 2, nil, fastRetry(), nil)

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
	assert.Equal(t, 2, fp.calls) // ceil(3/2) chunks
}

func TestEmbedBatchRetriesTransientFailure(t *testing.T) {
	fp := &fakeProvider{failN: 1}
	e := New(fp, 10, nil, fastRetry(), nil)

	vecs, err := e.EmbedBatch(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
}

func TestEmbedSingle(t *testing.T) {
	fp := &fakeProvider{}
	e := New(fp, 10, nil, fastRetry(), nil)

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vec)
}
