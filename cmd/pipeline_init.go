package main

import (
	"context"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/extract-cli/internal/audit"
	"github.com/sells-group/extract-cli/internal/cache"
	"github.com/sells-group/extract-cli/internal/config"
	"github.com/sells-group/extract-cli/internal/cost"
	"github.com/sells-group/extract-cli/internal/model"
	"github.com/sells-group/extract-cli/internal/pipeline"
	"github.com/sells-group/extract-cli/internal/registry"
	"github.com/sells-group/extract-cli/internal/resilience"
	"github.com/sells-group/extract-cli/internal/store"
	"github.com/sells-group/extract-cli/internal/tier"
	anthropicpkg "github.com/sells-group/extract-cli/pkg/anthropic"
	"github.com/sells-group/extract-cli/pkg/ollama"
)

// pipelineEnv holds everything the run, batch and serve commands share.
type pipelineEnv struct {
	Store    store.Store
	Fields   *model.FieldRegistry
	Cache    *cache.Manager
	Guard    *cost.Guard
	Table    cost.Table
	Breakers *resilience.ServiceBreakers
	Metrics  *prometheus.Registry
	Audit    *audit.StoreSink
	Pipeline *pipeline.Pipeline
	Batch    *pipeline.Batch

	closers []io.Closer
}

// Close flushes pending audit records and releases resources.
func (pe *pipelineEnv) Close() {
	if pe.Audit != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := pe.Audit.Flush(ctx); err != nil {
			zap.L().Warn("flush audit records", zap.Error(err))
		}
		cancel()
	}
	for i := len(pe.closers) - 1; i >= 0; i-- {
		_ = pe.closers[i].Close()
	}
}

// initStore opens the configured store and applies migrations.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "extract.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initCacheBackend returns the configured cache backend and, for redis, the
// client to close.
func initCacheBackend(ctx context.Context, c *config.Config, st store.Store) (cache.Backend, io.Closer, error) {
	switch c.Cache.Backend {
	case "memory":
		return cache.NewMemoryBackend(), nil, nil
	case "redis":
		rb := cache.NewRedisBackend(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		}, c.Redis.Prefix)
		if err := rb.Ping(ctx); err != nil {
			_ = rb.Close()
			return nil, nil, eris.Wrap(err, "connect redis cache")
		}
		return rb, rb, nil
	case "store", "":
		if st == nil {
			return nil, nil, eris.New("store cache backend requires a store")
		}
		return cache.NewStoreBackend(st), nil, nil
	default:
		return nil, nil, eris.Errorf("unsupported cache backend: %s", c.Cache.Backend)
	}
}

// buildDispatch creates one backend per configured tier. Hosted tiers need
// an Anthropic key; the local tier needs ollama.enabled.
func buildDispatch(c *config.Config, table cost.Table, breakers *resilience.ServiceBreakers, aiClient anthropicpkg.Client, localClient ollama.Client) tier.Dispatch {
	retry := resilience.FromRetryConfig(c.Retry)
	timeout := time.Duration(c.Pipeline.CallTimeoutSecs) * time.Second
	calc := cost.NewCalculator(cost.RatesFromConfig(c.Pricing))

	inference := func(t model.Tier, inf tier.Inferer, rps float64) tier.Backend {
		var limiter *rate.Limiter
		if rps > 0 {
			limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
		return tier.NewInference(inf, tier.InferenceConfig{
			Tier:        t,
			CallTimeout: timeout,
			Retry:       retry,
			Limiter:     limiter,
			Breaker:     breakers.Get(t.String()),
			CallCost:    table.Cost(t),
			Calibration: c.Pipeline.ConfidenceCalibration[t.String()],
		})
	}

	d := tier.Dispatch{model.TierDeterministic: tier.NewDeterministic()}
	if localClient != nil {
		d[model.TierLocal] = inference(model.TierLocal, tier.NewLocalInferer(localClient), c.Ollama.RateLimitRPS)
	}
	if aiClient != nil {
		maxTokens := int64(c.Anthropic.MaxTokens)
		// Hosted tiers share the account rate limit, so each gets half.
		rps := c.Anthropic.RateLimitRPS / 2
		d[model.TierCheap] = inference(model.TierCheap,
			tier.NewClaudeInferer(aiClient, c.Anthropic.CheapModel, maxTokens, calc), rps)
		d[model.TierExpensive] = inference(model.TierExpensive,
			tier.NewClaudeInferer(aiClient, c.Anthropic.ExpensiveModel, maxTokens, calc), rps)
	}
	return d
}

// initPipeline wires the store, cache, tier backends, audit sinks and cost
// guard for the given command mode. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	fields, err := registry.LoadSchemaFile(cfg.Schema.Path,
		registry.WithDefaultConfidenceThreshold(cfg.Pipeline.DefaultConfidenceThreshold))
	if err != nil {
		return nil, eris.Wrap(err, "load schema")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Store: st, Fields: fields, closers: []io.Closer{st}}

	backend, closer, err := initCacheBackend(ctx, cfg, st)
	if err != nil {
		env.Close()
		return nil, err
	}
	if closer != nil {
		env.closers = append(env.closers, closer)
	}
	env.Cache = cache.NewManager(backend, fields.Version, fields.PolicyVersion)

	env.Metrics = prometheus.NewRegistry()
	env.Audit = audit.NewStoreSink(st, 0)
	sink := audit.Multi{audit.LogSink{}, env.Audit, audit.NewMetrics(env.Metrics)}

	var aiClient anthropicpkg.Client
	if cfg.Anthropic.Key != "" {
		aiClient = anthropicpkg.NewClient(cfg.Anthropic.Key)
	}
	var localClient ollama.Client
	if cfg.Ollama.Enabled {
		localClient, err = ollama.NewClient(cfg.Ollama.ServerURL, cfg.Ollama.Model)
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "init ollama client")
		}
	}

	env.Table = cost.TableFromConfig(cfg.Pricing.Tiers)
	env.Guard = cost.NewGuard(cfg.Cost.ConfirmCeilingUSD, cfg.Cost.HardCeilingUSD)
	env.Breakers = resilience.NewServiceBreakers(resilience.FromCircuitConfig(cfg.Circuit))
	dispatch := buildDispatch(cfg, env.Table, env.Breakers, aiClient, localClient).Audited(sink)

	zap.L().Info("pipeline initialized",
		zap.Int("schema_version", fields.Version),
		zap.Int("fields", len(fields.Fields)),
		zap.Int("tiers", len(dispatch)),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("store_driver", cfg.Store.Driver),
	)

	controller := pipeline.NewController(fields, dispatch, env.Cache, env.Guard, cfg.Pipeline.FieldConcurrency)
	validator := pipeline.NewValidator(fields, cfg.Pipeline.AcceptThreshold, cfg.Pipeline.QuoteSimilarity)
	loop := pipeline.NewLoop(fields, controller, validator, env.Cache, env.Guard, sink, pipeline.LoopConfig{
		MaxIterations:       cfg.Pipeline.MaxIterations,
		QualityAuditPenalty: cfg.Pipeline.QualityAuditPenalty,
	})
	env.Pipeline = pipeline.New(loop, st)

	dlqBackoff := resilience.DefaultDLQBackoff()
	if cfg.Batch.DeadLetterBackoffSecs > 0 {
		dlqBackoff.InitialBackoff = time.Duration(cfg.Batch.DeadLetterBackoffSecs) * time.Second
	}
	throttle := pipeline.NewThrottle(cfg.Batch.MaxConcurrentDocuments, cfg.Batch.MemoryHighWaterPct, pipeline.SystemPressure)
	env.Batch = pipeline.NewBatch(env.Pipeline, fields, env.Table, env.Guard, throttle, sink, pipeline.BatchConfig{
		MaxConcurrentDocuments: cfg.Batch.MaxConcurrentDocuments,
		SampleInterval:         time.Duration(cfg.Batch.SampleIntervalMs) * time.Millisecond,
		EscalationProbability:  cfg.Cost.EscalationProbability,
		DeadLetterMaxRetries:   cfg.Batch.DeadLetterMaxRetries,
		DeadLetterBackoff:      dlqBackoff,
	}).WithDeadLetters(st)
	return env, nil
}
