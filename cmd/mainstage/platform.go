package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"goa.design/pulse/rmap"

	"github.com/pomandi/mainstage/activities"
	"github.com/pomandi/mainstage/agents/feedpublisher"
	"github.com/pomandi/mainstage/agents/invoicematcher"
	"github.com/pomandi/mainstage/config"
	"github.com/pomandi/mainstage/engine"
	"github.com/pomandi/mainstage/graph"
	"github.com/pomandi/mainstage/httpapi"
	"github.com/pomandi/mainstage/memory"
	"github.com/pomandi/mainstage/memory/cache"
	"github.com/pomandi/mainstage/memory/embed"
	"github.com/pomandi/mainstage/memory/store"
	"github.com/pomandi/mainstage/model"
	"github.com/pomandi/mainstage/model/anthropic"
	"github.com/pomandi/mainstage/model/bedrock"
	"github.com/pomandi/mainstage/model/openaichat"
	"github.com/pomandi/mainstage/reports"
	"github.com/pomandi/mainstage/telemetry"
)

// embedBudgetMap is the replicated map worker processes share their
// embedding token budget through when Redis is configured.
const embedBudgetMap = "mainstage:embed-budget"

// platform bundles the dependencies worker and serve share: store, cache,
// embeddings, memory, model client and report sink.
type platform struct {
	cfg     *config.Config
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	store   *store.PG
	cache   cache.Cache
	limiter *embed.AdaptiveLimiter
	memory  *memory.Manager
	model   model.Client
	reports reports.Sink

	closers []func()
}

// buildPlatform connects every backend the configuration names. Callers own
// the result and must release it with close.
func buildPlatform(ctx context.Context, cfg *config.Config) (*platform, error) {
	p := &platform{
		cfg:     cfg,
		logger:  telemetry.NewClueLogger(),
		metrics: telemetry.NewOTELMetrics(),
		tracer:  telemetry.NewOTELTracer(),
	}
	if err := p.build(ctx); err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

func (p *platform) build(ctx context.Context) error {
	cfg := p.cfg

	pg, err := store.NewPG(ctx, store.PGConfig{
		DSN:             cfg.Credentials.DatabaseURL,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		Logger:          p.logger,
		Metrics:         p.metrics,
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	p.store = pg
	p.closers = append(p.closers, func() { _ = pg.Close() })

	// Redis backs both the cache tier and the cross-process embedding
	// budget. Without it the process falls back to a local LRU and a
	// process-local budget.
	var budget *rmap.Map
	if cfg.Credentials.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Credentials.RedisAddr,
			Password: cfg.Credentials.RedisPassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		p.closers = append(p.closers, func() { _ = rdb.Close() })
		p.cache = cache.NewRedisFromClient(rdb)

		budget, err = rmap.Join(ctx, embedBudgetMap, rdb)
		if err != nil {
			return fmt.Errorf("join embed budget map: %w", err)
		}
		p.closers = append(p.closers, func() { budget.Close() })
	} else {
		lru, err := cache.NewLRU(cfg.Cache.ByteBudget)
		if err != nil {
			return err
		}
		p.cache = lru
		p.logger.Info(ctx, "no redis configured, using in-process cache",
			"byte_budget", cfg.Cache.ByteBudget)
	}

	provider, err := embed.NewOpenAI(embed.Options{
		APIKey:     cfg.Credentials.OpenAIKey,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Logger:     p.logger,
		Metrics:    p.metrics,
	})
	if err != nil {
		return err
	}
	p.limiter = embed.NewAdaptiveLimiter(ctx, budget, cfg.Embedding.Model,
		float64(cfg.Embedding.InitialTPM), float64(cfg.Embedding.MaxTPM), cfg.Embedding.MaxConcurrent)

	mgr, err := memory.New(memory.Config{
		Store:    pg,
		Provider: p.limiter.Middleware()(provider),
		Cache:    p.cache,
		Logger:   p.logger,
		Metrics:  p.metrics,
	})
	if err != nil {
		return err
	}
	if err := mgr.EnsureCollections(ctx); err != nil {
		return fmt.Errorf("ensure collections: %w", err)
	}
	p.memory = mgr

	p.model, err = newModelClient(ctx, cfg)
	if err != nil {
		return err
	}

	p.reports, err = p.newReportSink(ctx)
	if err != nil {
		return err
	}
	return nil
}

// newModelClient selects the completion client the configuration names.
// Load has already validated the provider and its credential.
func newModelClient(ctx context.Context, cfg *config.Config) (model.Client, error) {
	switch cfg.Model.Provider {
	case config.ProviderAnthropic:
		return anthropic.NewFromAPIKey(cfg.Credentials.AnthropicKey, cfg.Model.Name)
	case config.ProviderBedrock:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Storage.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return bedrock.New(bedrock.Options{
			Runtime:      bedrockruntime.NewFromConfig(awsCfg),
			DefaultModel: cfg.Model.Name,
		})
	default:
		return openaichat.NewFromAPIKey(cfg.Credentials.OpenAIKey, cfg.Model.Name)
	}
}

// newReportSink connects the Mongo report sink when MONGODB_URI is set and
// falls back to the discarding sink otherwise.
func (p *platform) newReportSink(ctx context.Context) (reports.Sink, error) {
	uri := p.cfg.Credentials.MongoURI
	if uri == "" {
		p.logger.Info(ctx, "no mongo configured, reports are discarded")
		return reports.NopSink{}, nil
	}
	mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	p.closers = append(p.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mc.Disconnect(ctx)
	})
	return reports.NewMongo(reports.MongoOptions{
		Client:     mc,
		Database:   p.cfg.Reports.Database,
		Collection: p.cfg.Reports.Collection,
	})
}

// close releases every backend in reverse construction order.
func (p *platform) close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}

func temporalClientOptions(cfg *config.Config) *client.Options {
	return &client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	}
}

// newEngine builds the Temporal engine with the platform's telemetry. All
// subcommands leave worker startup to an explicit Worker().Start() call.
func newEngine(cfg *config.Config, p *platform) (*engine.Engine, error) {
	return engine.New(engine.Options{
		ClientOptions: temporalClientOptions(cfg),
		WorkerOptions: engine.WorkerOptions{
			TaskQueue: cfg.Temporal.TaskQueue,
			Options: worker.Options{
				MaxConcurrentActivityExecutionSize:     cfg.Worker.MaxConcurrentActivities,
				MaxConcurrentWorkflowTaskExecutionSize: cfg.Worker.MaxConcurrentWorkflowTasks,
			},
		},
		DisableWorkerAutoStart: true,
		Logger:                 p.logger,
		Metrics:                p.metrics,
		Tracer:                 p.tracer,
	})
}

// graphRegistry compiles both agent graphs against the platform's memory
// and model client.
func graphRegistry(p *platform) (*graph.Registry, error) {
	reg := graph.NewRegistry()

	matcher, err := invoicematcher.NewGraph(invoicematcher.Deps{
		Memory: p.memory,
		Logger: p.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := graph.Register(reg, matcher, func() *invoicematcher.MatchState {
		return &invoicematcher.MatchState{}
	}); err != nil {
		return nil, err
	}

	publisher, err := feedpublisher.NewGraph(feedpublisher.Deps{
		Memory: p.memory,
		Model:  p.model,
		Logger: p.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := graph.Register(reg, publisher, func() *feedpublisher.PublishState {
		return &feedpublisher.PublishState{}
	}); err != nil {
		return nil, err
	}
	return reg, nil
}

// registerActivities wires every activity the workflows call onto the
// engine's worker.
func registerActivities(ctx context.Context, eng *engine.Engine, p *platform, cfg *config.Config) error {
	reg, err := graphRegistry(p)
	if err != nil {
		return err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Storage.Region))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	acts := []interface{ Register(activities.Registrar) error }{
		activities.NewMemoryActivities(p.memory, p.logger),
		activities.NewGraphActivities(reg),
		activities.NewStorageActivities(s3.NewFromConfig(awsCfg), cfg.Storage.Bucket, p.logger),
		activities.NewSocialActivities(dryRunPoster{logger: p.logger}, p.memory, p.logger),
		activities.NewReportActivities(p.reports),
		activities.NewAdsActivities(unconfiguredAds{logger: p.logger}),
	}
	for _, a := range acts {
		if err := a.Register(eng); err != nil {
			return err
		}
	}
	return nil
}

// actors lists the external collaborators the status endpoint probes.
func (p *platform) actors(eng *engine.Engine) []httpapi.Actor {
	actors := []httpapi.Actor{
		{Name: "temporal", Check: eng.Health},
		{Name: "vector_store", Check: p.store.Ping},
		{Name: "cache", Check: func(ctx context.Context) error {
			_, err := p.cache.Stats(ctx)
			return err
		}},
		{Name: "embeddings", Check: func(context.Context) error {
			if p.limiter.Saturated() {
				return errors.New("token budget at floor after provider rate limiting")
			}
			return nil
		}},
		{Name: "memory", Check: func(ctx context.Context) error {
			_, err := p.memory.Stats(ctx)
			return err
		}},
	}
	if sink, ok := p.reports.(*reports.MongoSink); ok {
		actors = append(actors, httpapi.Actor{Name: "reports", Check: sink.Ping})
	}
	return actors
}

// dryRunPoster acknowledges social posts without calling any platform.
// Deliveries are logged with a synthetic id so the pipeline runs end to end
// before platform credentials are provisioned.
type dryRunPoster struct {
	logger telemetry.Logger
}

func (d dryRunPoster) Post(ctx context.Context, post activities.SocialPost) (activities.SocialReceipt, error) {
	id := "dry-run-" + uuid.NewString()
	d.logger.Info(ctx, "dry-run social post",
		"platform", post.Platform,
		"brand", post.Brand,
		"post_id", id,
		"characters", len(post.Content))
	return activities.SocialReceipt{PostID: id, PublishedAt: time.Now().UTC()}, nil
}

// unconfiguredAds reports no campaigns. The daily report completes empty
// until an ads platform integration is wired in.
type unconfiguredAds struct {
	logger telemetry.Logger
}

func (u unconfiguredAds) FetchMetrics(ctx context.Context, date string) ([]activities.AdMetric, error) {
	u.logger.Warn(ctx, "no ads provider configured", "date", date)
	return nil, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(out))
	return err
}
