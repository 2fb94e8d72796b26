package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/medlit/medlit/internal/chunker"
	"github.com/medlit/medlit/internal/config"
	"github.com/medlit/medlit/internal/embed"
	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/health"
	"github.com/medlit/medlit/internal/jobs"
	"github.com/medlit/medlit/internal/limiter"
	"github.com/medlit/medlit/internal/logging"
	"github.com/medlit/medlit/internal/pipeline"
	"github.com/medlit/medlit/internal/pubmed"
	"github.com/medlit/medlit/internal/quality"
	"github.com/medlit/medlit/internal/retrieval"
	"github.com/medlit/medlit/internal/store"
	"github.com/medlit/medlit/internal/store/postgres"
	"github.com/medlit/medlit/internal/store/sqlite"
	"github.com/medlit/medlit/internal/syncer"
	"github.com/medlit/medlit/internal/tool"
	"github.com/medlit/medlit/internal/vector"
	"github.com/medlit/medlit/internal/vector/local"
)

// app holds the wired service graph for one process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store  store.Store
	index  vector.Store
	dict   *retrieval.ClinicalDictionary
	pipe   *pipeline.Pipeline
	search *retrieval.Service
	// One breaker per external dependency.
	sourceBreaker *errors.CircuitBreaker
	indexBreaker  *errors.CircuitBreaker
	dbBreaker     *errors.CircuitBreaker
	syncer        *syncer.Syncer
	registry      *tool.Registry
	invoker       *tool.Invoker
	queue         *jobs.Queue
	pool          *jobs.Pool
	health        *health.Checker

	closers []func()
}

// newApp loads configuration and wires every component. Call close
// when done.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger, logCleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, logCleanup)

	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	a.sourceBreaker = a.newBreaker(pubmed.SourceName)
	a.indexBreaker = a.newBreaker("vector_store")
	a.dbBreaker = a.newBreaker("database")

	rawStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	st := store.Guarded(rawStore, a.dbBreaker)
	a.store = st
	a.closers = append(a.closers, func() { _ = st.Close() })

	embedder, err := buildEmbedder(cfg.Vector)
	if err != nil {
		return err
	}

	localIndex, err := local.New(local.Options{
		Dir:      cfg.Vector.Dir,
		Alpha:    cfg.Vector.Alpha,
		Embedder: embedder,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	index := vector.Guarded(localIndex, a.indexBreaker)
	a.index = index
	a.closers = append(a.closers, func() { _ = index.Close() })

	a.dict = retrieval.NewClinicalDictionary()
	if cfg.Clinical.TermsPath != "" {
		if err := a.dict.LoadTerms(cfg.Clinical.TermsPath); err != nil {
			return err
		}
		if cfg.Clinical.Watch {
			if err := a.dict.Watch(cfg.Clinical.TermsPath, a.logger); err != nil {
				return err
			}
		}
	}
	a.closers = append(a.closers, func() { _ = a.dict.Close() })

	ck := chunker.New(chunker.Config{
		Version:       cfg.Chunker.Version,
		TargetTokens:  cfg.Chunker.TargetTokens,
		HardMaxTokens: cfg.Chunker.HardMaxTokens,
		OverlapTokens: cfg.Chunker.OverlapTokens,
	})

	a.pipe = pipeline.New(pipeline.Options{
		Normalizers: []pubmed.Normalizer{pubmed.NewNormalizer()},
		Quality:     quality.NewRegistry(quality.NewPubmedScorer()),
		Chunker:     ck,
		Documents:   st,
		Index:       index,
		Logger:      a.logger,
	})

	a.search = retrieval.NewService(retrieval.Options{
		Index:        index,
		Documents:    st,
		Dictionary:   a.dict,
		Chunker:      ck,
		Alpha:        cfg.Vector.Alpha,
		Breaker:      a.indexBreaker,
		CacheEnabled: cfg.Search.CacheEnabled,
		CacheTTL:     cfg.Search.CacheTTL,
		CacheSize:    cfg.Search.CacheSize,
		Logger:       a.logger,
	})

	fetchers := map[string]pubmed.Fetcher{}
	if cfg.Sync.SpoolDir != "" {
		fetchers[pubmed.SourceName] = pubmed.NewFileFetcher(cfg.Sync.SpoolDir)
	}
	a.syncer = syncer.New(syncer.Options{
		Fetchers:     fetchers,
		Pipeline:     a.pipe,
		Watermarks:   st,
		Breaker:      a.sourceBreaker,
		IndexBreaker: a.indexBreaker,
		Overlap:      cfg.Sync.Overlap,
		Logger:       a.logger,
	})

	a.registry = tool.NewRegistry()
	tool.RegisterAll(a.registry, a.search, a.syncer, st)

	lim := limiter.New(cfg.Limits.Global, cfg.Limits.PerTool)
	a.invoker = tool.NewInvoker(a.registry, lim, a.logger)
	a.queue = jobs.NewQueue(st, a.registry, cfg.Jobs.IdempotencyWindow, cfg.Jobs.MaxRetries)
	a.pool = jobs.NewPool(jobs.Options{
		Store:            st,
		Registry:         a.registry,
		Workers:          cfg.Jobs.Workers,
		PollInterval:     cfg.Jobs.PollInterval,
		ProgressInterval: cfg.Jobs.ProgressInterval,
		Logger:           a.logger,
	})

	a.health = health.NewChecker([]health.Probe{
		{Name: "store", Check: st.Ping},
		{Name: "index", Check: index.Ready},
		{Name: "source_breaker", Check: breakerProbe(a.sourceBreaker)},
	}, 0, 0)

	return nil
}

// newBreaker builds one dependency breaker from the shared tuning.
func (a *app) newBreaker(name string) *errors.CircuitBreaker {
	cfg := a.cfg.Breaker
	return errors.NewCircuitBreaker(name,
		errors.WithFailureThreshold(cfg.FailureThreshold),
		errors.WithErrorRate(cfg.ErrorRate, cfg.MinSamples),
		errors.WithWindow(cfg.Window),
		errors.WithOpenTimeout(cfg.OpenTimeout),
		errors.WithMaxOpenTimeout(cfg.MaxOpenTimeout),
		errors.WithStateChange(func(name string, from, to errors.State) {
			a.logger.Warn("breaker state changed",
				"dependency", name, "from", from.String(), "to", to.String())
		}),
	)
}

// breakerProbe adapts a breaker's state to a readiness check.
func breakerProbe(cb *errors.CircuitBreaker) func(context.Context) error {
	return func(context.Context) error {
		if cb.State() == errors.StateOpen {
			return errors.New(errors.CodeUnavailable,
				cb.Name()+" circuit breaker is open")
		}
		return nil
	}
}

// close releases resources in reverse wiring order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		return sqlite.Open(cfg.DSN)
	case "postgres":
		return postgres.Open(ctx, cfg.DSN, cfg.MaxConns)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func buildEmbedder(cfg config.VectorConfig) (embed.Embedder, error) {
	switch strings.ToLower(cfg.Embedder) {
	case "remote":
		return embed.NewRemoteEmbedder(embed.RemoteConfig{
			Endpoint:   cfg.RemoteEndpoint,
			Dimensions: cfg.Dimensions,
		})
	default:
		return embed.NewStaticEmbedder(), nil
	}
}
