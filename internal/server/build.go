package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/admission"
	"github.com/JakeFAU/listing-archiver/internal/api"
	"github.com/JakeFAU/listing-archiver/internal/archiver"
	"github.com/JakeFAU/listing-archiver/internal/clock/system"
	"github.com/JakeFAU/listing-archiver/internal/config"
	"github.com/JakeFAU/listing-archiver/internal/events"
	"github.com/JakeFAU/listing-archiver/internal/hash/sha256"
	"github.com/JakeFAU/listing-archiver/internal/id/uuid"
	"github.com/JakeFAU/listing-archiver/internal/ledger"
	"github.com/JakeFAU/listing-archiver/internal/lock"
	"github.com/JakeFAU/listing-archiver/internal/logging"
	"github.com/JakeFAU/listing-archiver/internal/metadata"
	"github.com/JakeFAU/listing-archiver/internal/metrics"
	"github.com/JakeFAU/listing-archiver/internal/pipeline"
	"github.com/JakeFAU/listing-archiver/internal/publisher"
	kafkapublisher "github.com/JakeFAU/listing-archiver/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/listing-archiver/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/listing-archiver/internal/publisher/pubsub"
	"github.com/JakeFAU/listing-archiver/internal/queue"
	"github.com/JakeFAU/listing-archiver/internal/renderer"
	"github.com/JakeFAU/listing-archiver/internal/renderer/headless"
	"github.com/JakeFAU/listing-archiver/internal/renderer/static"
	"github.com/JakeFAU/listing-archiver/internal/session"
	"github.com/JakeFAU/listing-archiver/internal/state"
	"github.com/JakeFAU/listing-archiver/internal/storage"
	gcsstorage "github.com/JakeFAU/listing-archiver/internal/storage/gcs"
	localstorage "github.com/JakeFAU/listing-archiver/internal/storage/local"
	memorystorage "github.com/JakeFAU/listing-archiver/internal/storage/memory"
	pgstore "github.com/JakeFAU/listing-archiver/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/listing-archiver/internal/storage/sqlite"
	"github.com/JakeFAU/listing-archiver/internal/telemetry"
	"github.com/JakeFAU/listing-archiver/internal/tenant"
)

// memoryPublisherLimit bounds the in-process event log.
const memoryPublisherLimit = 1024

// Build creates the application's dependencies. The returned App owns every
// client it opened; call Close (or Run) to release them.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development, logging.WithLevel(cfg.Logging.Level))
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{
		cfg:          cfg,
		logger:       logger,
		pipelineDone: make(chan struct{}),
	}
	built := false
	defer func() {
		if !built {
			app.closeInfrastructure()
			app.closeObservability(ctx)
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracer = tp

	logger.Info("building application dependencies")
	client, err := state.NewClient(ctx, stateConfig(cfg))
	if err != nil {
		return nil, err
	}
	app.redis = client

	clock := system.New()
	locks := lock.New(client, cfg.LockTTL(), clock)
	queues := queue.NewManager(client, cfg.Queue.Capacity)
	pool := tenant.NewPool(client)
	app.limits = tenant.NewLimits(cfg.Tenants.DefaultCrawlerLimit, cfg.Tenants.Limits)
	recent := ledger.New(client, cfg.Ledger.Capacity)

	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	mirror, err := app.setupMirror(ctx)
	if err != nil {
		return nil, err
	}
	render, err := app.setupRenderer()
	if err != nil {
		return nil, err
	}
	pub, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	app.captured = make(chan archiver.CapturedPayload, cfg.Pipeline.Buffer)
	app.registry = session.NewRegistry(session.Deps{
		Renderer:    render,
		Locks:       locks,
		Captured:    app.captured,
		Screenshots: storage.NewScreenshotStore(blobs, clock, cfg.Storage.Prefix),
		IDs:         uuid.New(),
		Development: cfg.Logging.Development,
		Logger:      logger.Named("session"),
	})
	app.controller = admission.New(locks, queues, pool, app.limits, app.registry, admission.Config{
		Options:       archiver.RenderOptions{Screenshot: cfg.Renderer.Screenshot, Timeout: cfg.NavTimeout()},
		ResumeTimeout: cfg.ResumeTimeout(),
	}, logger.Named("admission"))
	app.registry.SetOnIdle(app.controller.HandleIdle)

	app.pipeline = pipeline.New(
		client,
		storage.NewPageStore(blobs, sha256.New(), clock, cfg.Storage.Prefix),
		metadata.New(),
		recent,
		mirror,
		pub,
		clock,
		pipeline.Config{Workers: cfg.Pipeline.Workers, Topic: cfg.Publisher.Topic},
		logger.Named("pipeline"),
	)
	app.pipeline.SetReleaser(app.controller)

	deps := api.Deps{
		Admission: app.controller,
		Archives:  app.pipeline,
		Recent:    recent,
		Tenants: tenantView{
			pool:     pool,
			limits:   app.limits,
			queue:    queues,
			sessions: app.registry,
		},
		Ready: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	}
	if app.hub != nil {
		deps.Events = app.hub
	}
	app.apiServer = api.NewServer(deps, cfg, logger.Named("api"))

	logger.Info("application built",
		zap.String("renderer", cfg.Renderer.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("database", cfg.Database.Driver),
		zap.Strings("publishers", cfg.PublisherBackends()),
		zap.Bool("stream", cfg.Publisher.Stream),
	)
	built = true
	return app, nil
}

func stateConfig(cfg config.Config) state.Config {
	return state.Config{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		DialTimeout: cfg.DialTimeout(),
	}
}

func (a *App) track(name string, c closerFunc) {
	a.closers = append(a.closers, namedCloser{name: name, Closer: c})
}

func (a *App) setupStorage(ctx context.Context) (archiver.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket:       a.cfg.Storage.Bucket,
			CacheControl: a.cfg.Storage.CacheControl,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs storage init failed: %w", err)
		}
		a.track("gcs", store.Close)
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local storage init failed: %w", err)
		}
		return store, nil
	default:
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupMirror(ctx context.Context) (archiver.ArchiveMirror, error) {
	var (
		mirror archiver.ArchiveMirror
		err    error
	)
	switch a.cfg.Database.Driver {
	case "postgres":
		mirror, err = pgstore.NewArchiveStore(ctx, pgstore.Config{
			DSN:      a.cfg.Database.DSN,
			Table:    a.cfg.Database.Table,
			MaxConns: a.cfg.Database.MaxConns,
		})
	case "sqlite":
		mirror, err = sqlitestore.NewArchiveStore(ctx, a.cfg.Database.DSN)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s mirror init failed: %w", a.cfg.Database.Driver, err)
	}
	a.track(a.cfg.Database.Driver, mirror.Close)
	return mirror, nil
}

func (a *App) setupRenderer() (archiver.Renderer, error) {
	rcfg := a.cfg.Renderer
	var base archiver.Renderer
	switch rcfg.Backend {
	case "colly":
		base = static.New(static.Config{UserAgent: rcfg.UserAgent, Timeout: a.cfg.NavTimeout()})
	default:
		r, err := headless.New(headless.Config{
			MaxParallel:       rcfg.MaxParallel,
			UserAgent:         rcfg.UserAgent,
			NavigationTimeout: a.cfg.NavTimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("headless renderer init failed: %w", err)
		}
		a.track("chromedp", func() error {
			r.Close()
			return nil
		})
		base = r
	}
	limiter := renderer.NewLimiter(renderer.LimiterConfig{
		DefaultRPS:   rcfg.DomainQPS,
		DefaultBurst: rcfg.DomainBurst,
	})
	// Every retry attempt waits its turn on the domain limiter.
	return renderer.WithRetry(renderer.WithRateLimit(base, limiter), rcfg.MaxRetries, a.logger.Named("renderer")), nil
}

func (a *App) setupPublisher(ctx context.Context) (archiver.Publisher, error) {
	var targets []archiver.Publisher
	for _, backend := range a.cfg.PublisherBackends() {
		switch backend {
		case "pubsub":
			p, err := gcppublisher.Open(ctx, gcppublisher.Config{
				ProjectID: a.cfg.Publisher.ProjectID,
				Topic:     a.cfg.Publisher.Topic,
			})
			if err != nil {
				return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
			}
			a.track("pubsub", p.Close)
			targets = append(targets, p)
		case "kafka":
			p, err := kafkapublisher.New(kafkapublisher.Config{
				Brokers: a.cfg.Publisher.KafkaBrokers,
				Topic:   a.cfg.Publisher.Topic,
			})
			if err != nil {
				return nil, fmt.Errorf("kafka publisher init failed: %w", err)
			}
			a.track("kafka", p.Close)
			targets = append(targets, p)
		case "memory":
			targets = append(targets, memorypublisher.NewBounded(memoryPublisherLimit))
		default:
			return nil, fmt.Errorf("unknown publisher backend %q", backend)
		}
	}
	if a.cfg.Publisher.Stream {
		a.hub = events.NewHub(a.logger.Named("events"))
		a.track("events", a.hub.Close)
		targets = append(targets, a.hub)
	}
	if len(targets) == 0 {
		return nil, nil
	}
	return publisher.NewFanout(a.logger.Named("publisher"), targets...), nil
}
