package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cascadeql/sync-engine/internal/cache"
	"github.com/cascadeql/sync-engine/internal/cascade"
	"github.com/cascadeql/sync-engine/internal/config"
	"github.com/cascadeql/sync-engine/internal/dlq"
	"github.com/cascadeql/sync-engine/internal/embedder"
	"github.com/cascadeql/sync-engine/internal/exportstore"
	"github.com/cascadeql/sync-engine/internal/extractor"
	"github.com/cascadeql/sync-engine/internal/graphstore"
	"github.com/cascadeql/sync-engine/internal/query"
	"github.com/cascadeql/sync-engine/internal/resilience"
	"github.com/cascadeql/sync-engine/internal/schema"
	"github.com/cascadeql/sync-engine/internal/syncstate"
	"github.com/cascadeql/sync-engine/internal/transformer"
	"github.com/cascadeql/sync-engine/internal/upstream"
	"github.com/cascadeql/sync-engine/internal/validator"
	"github.com/cascadeql/sync-engine/internal/vectorsink"
	"github.com/cascadeql/sync-engine/internal/vectorsink/httpsink"
	"github.com/cascadeql/sync-engine/internal/vectorsink/memsink"
)

// application bundles the wired cores so the cobra command tree and the
// RPC server (cmd/cascadectl-server, not built here) can both depend on a
// single assembled graph rather than each reaching into config directly.
type application struct {
	coordinator *cascade.Coordinator
	registry    *schema.Registry
	validator   *validator.Validator
	queryEngine *query.Engine

	sink      vectorsink.Sink
	graph     *graphstore.Store
	syncState *syncstate.Store
	dlqQueue  *dlq.Queue
}

// wireApp constructs every collaborator from cfg, the way the teacher's
// cmd/*/main.go builds its service graph by hand rather than through a
// DI container: one function, explicit order, constructor injection
// throughout (spec §9's no-global-singletons requirement).
func wireApp(cfg *config.Config, log *logrus.Entry) (*application, error) {
	ctx := context.Background()

	upstreamClient, err := upstream.NewClient(ctx, upstream.Config{
		DSN:             cfg.Upstream.URL,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("wire upstream client: %w", err)
	}

	registry, err := loadRegistry(ctx, upstreamClient, cfg)
	if err != nil {
		return nil, fmt.Errorf("wire schema registry: %w", err)
	}

	breaker := resilience.New(resilience.DefaultConfig())

	ext := extractor.New(upstreamClient, 10, breaker, log.WithField("component", "extractor"))

	retryCfg := resilience.RetryConfig{
		MaxAttempts:  cfg.Cascade.MaxRetries,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
	}
	emb := embedder.New(
		embedder.NewHTTPProvider(cfg.Vector.Endpoint, cfg.Embedder.APIKey),
		cfg.Embedder.BatchSize,
		breaker,
		retryCfg,
		log.WithField("component", "embedder"),
	)

	sink := buildSink(cfg)

	graph := graphstore.New(sink, registry)

	syncState, err := syncstate.Open("data/syncstate.json")
	if err != nil {
		return nil, fmt.Errorf("wire sync state: %w", err)
	}

	dlqQueue, err := dlq.Open("data/dlq.jsonl")
	if err != nil {
		return nil, fmt.Errorf("wire dlq: %w", err)
	}

	templates, err := transformer.BuildFromRegistry(registry, nil)
	if err != nil {
		return nil, fmt.Errorf("wire narrative templates: %w", err)
	}

	coord := cascade.New(cascade.Deps{
		Registry:        registry,
		Templates:       templates,
		Extractor:       ext,
		Embedder:        emb,
		Sink:            sink,
		Graph:           graph,
		SyncState:       syncState,
		DLQ:             dlqQueue,
		ModelIDs:        registry,
		ParallelWorkers: cfg.Cascade.ParallelWorkers,
		MaxDepth:        cfg.Cascade.MaxDepth,
		BatchSize:       cfg.Cascade.BatchSize,
		MaxRetries:      cfg.Cascade.MaxRetries,
		Log:             log.WithField("component", "cascade"),
	})

	val := validator.New(registry, sink, graph, coord)

	graphCache := cache.NewCache(cache.CacheConfig{
		DefaultTTL: time.Duration(cfg.Cache.TTLMs) * time.Millisecond,
		MaxSize:    cfg.Cache.MaxEntries,
	})
	exportDir := cfg.Export.LocalDir
	if exportDir == "" {
		exportDir = "exports"
	}
	exporter, err := exportstore.NewLocalStore(exportDir)
	if err != nil {
		return nil, fmt.Errorf("wire export store: %w", err)
	}

	queryEngine := query.New(registry, sink, graph).
		WithCache(graphCache, time.Duration(cfg.Cache.GraphCacheTTLMs)*time.Millisecond).
		WithExporter(exporter)

	return &application{
		coordinator: coord,
		registry:    registry,
		validator:   val,
		queryEngine: queryEngine,
		sink:        sink,
		graph:       graph,
		syncState:   syncState,
		dlqQueue:    dlqQueue,
	}, nil
}

// loadRegistry introspects the upstream database's information_schema.
// A future iteration may cache this to disk (spec's schema sync is
// explicitly allowed to run independently of every query), but reloading
// on each process start keeps the registry always consistent with the
// live database.
func loadRegistry(ctx context.Context, client *upstream.Client, cfg *config.Config) (*schema.Registry, error) {
	return schema.LoadFromPostgres(ctx, client.DB(), nil)
}

// buildSink picks the vector sink implementation. An HTTP-reachable
// vector database is used whenever an endpoint is configured; otherwise
// the in-process memsink stands in, which is only suitable for local
// development and tests.
func buildSink(cfg *config.Config) vectorsink.Sink {
	if cfg.Vector.Endpoint == "" {
		return memsink.New()
	}
	return httpsink.New(cfg.Vector.Endpoint, "cascadeql_points", cfg.Vector.APIKey)
}
