// Package embedder wraps the text-embedding provider behind the same
// circuit-breaker/retry discipline the teacher applies to its external
// price and oracle adapters (infrastructure/resilience), batched per spec
// §4.3's embedder batch size.
package embedder

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cascadeql/sync-engine/internal/cqerrors"
	"github.com/cascadeql/sync-engine/internal/metrics"
	"github.com/cascadeql/sync-engine/internal/resilience"
)

// Provider is the minimal contract a concrete embedding backend implements.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder adds batching, retry, and circuit-breaker protection on top of
// a raw Provider.
type Embedder struct {
	provider  Provider
	batchSize int
	breaker   *resilience.CircuitBreaker
	retry     resilience.RetryConfig
	log       *logrus.Entry
}

// New builds an Embedder. batchSize defaults to 96 (spec §6
// EMBEDDER_BATCH_SIZE default).
func New(provider Provider, batchSize int, breaker *resilience.CircuitBreaker, retry resilience.RetryConfig, log *logrus.Entry) *Embedder {
	if batchSize <= 0 {
		batchSize = 96
	}
	return &Embedder{provider: provider, batchSize: batchSize, breaker: breaker, retry: retry, log: log}
}

// Embed produces a single embedding vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, cqerrors.Internal("embedder returned no vectors", nil)
	}
	return vecs[0], nil
}

// EmbedBatch chunks texts into batchSize-sized groups, retrying each
// chunk with backoff and routing persistent failures through the circuit
// breaker, per spec §4.3/§5.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var all [][]float32
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		chunk := texts[start:end]

		vecs, err := e.callChunk(ctx, chunk)
		if err != nil {
			return all, err
		}
		all = append(all, vecs...)
	}
	return all, nil
}

func (e *Embedder) callChunk(ctx context.Context, chunk []string) ([][]float32, error) {
	start := time.Now()
	var vecs [][]float32

	run := func() error {
		var innerErr error
		vecs, innerErr = e.provider.EmbedBatch(ctx, chunk)
		return innerErr
	}

	var err error
	if e.breaker != nil {
		err = e.breaker.Execute(ctx, func() error {
			return resilience.Retry(ctx, e.retry, run)
		})
	} else {
		err = resilience.Retry(ctx, e.retry, run)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ObserveAdapterCall("embedder.embed_batch", outcome, time.Since(start))

	if err == resilience.ErrCircuitOpen {
		return nil, cqerrors.CircuitOpen("embedder")
	}
	if err != nil {
		return nil, cqerrors.SinkError("embedding batch failed", err)
	}
	if len(vecs) != len(chunk) {
		return nil, cqerrors.Internal("embedder returned mismatched vector count", nil)
	}
	return vecs, nil
}
