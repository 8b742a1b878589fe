package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"example.com/eventchain/indexer/config"
	"example.com/eventchain/indexer/internal/api"
	"example.com/eventchain/indexer/internal/cache"
	"example.com/eventchain/indexer/internal/database"
	"example.com/eventchain/indexer/internal/events"
	"example.com/eventchain/indexer/internal/felt"
	"example.com/eventchain/indexer/internal/indexer"
	"example.com/eventchain/indexer/internal/messaging"
	"example.com/eventchain/indexer/internal/metrics"
	"example.com/eventchain/indexer/internal/projector"
	"example.com/eventchain/indexer/internal/repositories"
	"example.com/eventchain/indexer/internal/repositories/memory"
	"example.com/eventchain/indexer/internal/search"
	"example.com/eventchain/indexer/internal/stream"
	"example.com/eventchain/indexer/internal/tracing"
)

var dryRun bool

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Run the chain event indexer",
	Long: `Subscribe to the finalized event stream and project every contract event
into the store. Progress is checkpointed after each batch, so a restart resumes
where the last run stopped.`,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVar(&dryRun, "dry-run", false, "project into an in-memory store instead of the database")
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	decoder, err := buildDecoder(cfg.Stream)
	if err != nil {
		return err
	}
	contract, err := felt.FromHex(cfg.Stream.ContractAddress)
	if err != nil {
		return errors.Wrap(err, "invalid stream.contract_address")
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metricsCollector := metrics.NewMetrics()

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = &tracing.Tracer{}
	}
	defer tracer.Close()

	var (
		db          *gorm.DB
		redisCache  *cache.RedisCache
		gateway     repositories.Gateway
		checkpoints repositories.CheckpointStore
		opts        = []projector.Option{projector.WithMetrics(metricsCollector)}
	)
	if dryRun {
		log.Warn().Msg("Dry run: projecting into memory, nothing is persisted")
		store := memory.NewStore()
		gateway, checkpoints = store, store
	} else {
		db, err = database.Connect(cfg.DB, metricsCollector)
		if err != nil {
			return err
		}
		defer database.Close(db)
		gateway = repositories.NewGormGateway(db)
		checkpoints = repositories.NewCheckpointRepository(db)

		observers, c, closeObservers := initObservers(cfg, contract, &opts)
		redisCache = c
		defer closeObservers()
		opts = append(opts, projector.WithObservers(observers...))
	}

	dialer := &stream.WebsocketDialer{
		URL:         cfg.Stream.URL,
		Token:       cfg.Stream.Token,
		ReadLimit:   cfg.Stream.MaxMessageBytes,
		ReadTimeout: cfg.Stream.ReadTimeout,
	}
	client := stream.NewClient(dialer, stream.Options{
		BatchSize:            cfg.Stream.BatchSize,
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		BackoffInitial:       cfg.Stream.BackoffInitial,
		BackoffMax:           cfg.Stream.BackoffMax,
		Metrics:              metricsCollector,
	})

	ix := indexer.New(
		indexer.Config{Stream: cfg.Stream.Name, ContractAddress: contract, StartBlock: cfg.Stream.StartBlock},
		indexer.StreamOpener(client),
		decoder,
		projector.New(gateway, opts...),
		checkpoints,
		indexer.WithMetrics(metricsCollector),
		indexer.WithTracer(tracer),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// the other workers only live as long as the indexer
		defer cancel()
		return ix.Run(gctx)
	})

	if cfg.Server.Enabled {
		server := api.NewServer(cfg.Server, metricsCollector, ix, tracer)
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			return server.Shutdown(context.Background())
		})
	}

	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.StatusInterval),
			gocron.NewTask(func() {
				reportStatus(gctx, ix, db, redisCache, metricsCollector)
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()
		<-gctx.Done()
		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Indexer halted")
		return err
	}

	log.Info().Msg("Indexer shut down gracefully")
	return nil
}

// buildDecoder applies the configured event key overrides
func buildDecoder(cfg config.StreamConfig) (*events.Decoder, error) {
	overrides := make(map[events.Kind]felt.Felt, len(cfg.EventKeys))
	for name, hex := range cfg.EventKeys {
		kind, ok := events.ParseKind(name)
		if !ok {
			return nil, errors.Errorf("stream.event_keys: unknown event %q", name)
		}
		key, err := felt.FromHex(hex)
		if err != nil {
			return nil, errors.Wrapf(err, "stream.event_keys.%s", name)
		}
		overrides[kind] = key
	}
	return events.NewDecoder(overrides), nil
}

// initObservers connects the optional side outputs. A side output that
// cannot be reached is logged and left out.
func initObservers(cfg config.Config, contract felt.Felt, opts *[]projector.Option) ([]projector.Observer, *cache.RedisCache, func()) {
	var (
		observers  []projector.Observer
		redisCache *cache.RedisCache
		closers    []func() error
	)

	if cfg.Redis.Enabled {
		c, err := cache.NewRedisCache(cfg.Redis, cache.Namespace(cfg.Stream.Name, contract.Hex()))
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		} else {
			redisCache = c
			*opts = append(*opts, projector.WithCache(redisCache))
			closers = append(closers, redisCache.Close)
		}
	}

	if cfg.Elastic.Enabled {
		elasticClient, err := search.NewElasticClient(cfg.Elastic)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search projection")
		} else {
			observers = append(observers, elasticClient)
		}
	}

	if cfg.Azure.Enabled {
		publisher, err := messaging.NewPublisher(cfg.Azure)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Azure Service Bus, continuing without notifications")
		} else {
			observers = append(observers, publisher)
			closers = append(closers, publisher.Close)
		}
	}

	return observers, redisCache, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn().Err(err).Msg("Failed to close side output")
			}
		}
	}
}

// reportStatus refreshes the health checks and logs progress
func reportStatus(ctx context.Context, ix *indexer.Indexer, db *gorm.DB, redisCache *cache.RedisCache, m *metrics.Metrics) {
	status := ix.Status()
	streaming := status.State == stream.StateStreaming.String()
	m.SetHealth("stream", streaming)

	if db != nil {
		err := repositories.Ping(ctx, db)
		m.SetHealth("database", err == nil)
		if err != nil {
			log.Error().Err(err).Msg("Database health check failed")
		}
	}

	if redisCache != nil && redisCache.Enabled() {
		err := redisCache.Ping(ctx)
		m.SetHealth("redis", err == nil)
		if err != nil {
			log.Warn().Err(err).Msg("Redis health check failed")
		}
	}

	ev := log.Info().
		Str("state", status.State).
		Uint64("batches", status.Batches).
		Uint64("applied", status.Applied).
		Uint64("already_applied", status.AlreadyApplied).
		Uint64("missing_reference", status.Missing).
		Uint64("skipped", status.Skipped)
	if status.Cursor != nil {
		ev = ev.Uint64("cursor", status.Cursor.OrderKey)
	}
	ev.Msg("Indexer status")
}
