package engine

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/riskgraph/app/engine/types"
	"github.com/canopy-network/riskgraph/pkg/archive"
	"github.com/canopy-network/riskgraph/pkg/cache"
	"github.com/canopy-network/riskgraph/pkg/cache/badgerstore"
	"github.com/canopy-network/riskgraph/pkg/cache/redisstore"
	"github.com/canopy-network/riskgraph/pkg/db/clickhouse"
	"github.com/canopy-network/riskgraph/pkg/engine"
	"github.com/canopy-network/riskgraph/pkg/function"
	"github.com/canopy-network/riskgraph/pkg/function/builtin"
	"github.com/canopy-network/riskgraph/pkg/livedata"
	"github.com/canopy-network/riskgraph/pkg/livedata/redisfeed"
	"github.com/canopy-network/riskgraph/pkg/logging"
	"github.com/canopy-network/riskgraph/pkg/redis"
	"github.com/canopy-network/riskgraph/pkg/refdata"
	"github.com/canopy-network/riskgraph/pkg/utils"
	"github.com/canopy-network/riskgraph/pkg/value"
	"github.com/canopy-network/riskgraph/pkg/view"
	"go.uber.org/zap"
)

// Initialize wires the engine service from the environment.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	app := &types.App{Logger: logger}

	var feed livedata.Feed
	if utils.EnvBool("REDIS_ENABLED", false) {
		app.Redis, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Fatal("Unable to connect to Redis", zap.Error(err))
		}
		app.Closers = append(app.Closers, app.Redis.Close)
		feed, err = redisfeed.New(app.Redis, redisfeed.ConfigFromEnv(logger))
		if err != nil {
			logger.Fatal("Unable to create Redis tick feed", zap.Error(err))
		}
	} else {
		logger.Info("Redis disabled - using the in-process simulated feed")
		app.Simulated = livedata.NewSimulatedFeed(0)
		feed = app.Simulated
	}

	rules, err := livedata.RuleSetsFromEnv()
	if err != nil {
		logger.Fatal("Invalid normalization rule sets", zap.Error(err))
	}
	app.LiveData = livedata.NewServer(feed,
		livedata.WithLogger(logger.Named("livedata")),
		livedata.WithRuleSets(rules),
	)

	var cycleOpts []engine.CycleOption
	if utils.EnvBool("CLICKHOUSE_ENABLED", false) {
		ch, err := clickhouse.New(ctx, logger, clickhouse.ConfigFromEnv())
		if err != nil {
			logger.Fatal("Unable to connect to ClickHouse", zap.Error(err))
		}
		app.ClickHouse = &ch
		app.Closers = append(app.Closers, app.ClickHouse.Close)
		app.Archive = archive.New(app.ClickHouse, logger.Named("archive"))
		if err := app.Archive.InitSchema(ctx); err != nil {
			logger.Fatal("Unable to initialize archive schema", zap.Error(err))
		}
		cycleOpts = append(cycleOpts, engine.WithArchiver(app.Archive))
	}

	app.RefData, err = newRefDataCache(app, logger)
	if err != nil {
		logger.Fatal("Unable to initialize reference data cache", zap.Error(err))
	}
	app.RefDataFields = utils.EnvList("REFDATA_FIELDS", []string{"currency"})

	parallelism := utils.EnvInt("ENGINE_PARALLELISM", runtime.NumCPU())
	pool := pond.NewPool(parallelism, pond.WithQueueSize(utils.EnvInt("ENGINE_QUEUE_SIZE", 1024)))
	compiler := view.NewCompiler(
		function.NewResolver(builtin.Repository()),
		livedata.AnyOf(
			livedata.NewFieldAvailability(utils.EnvList("LIVEDATA_FIELDS", []string{
				value.MarketPrice, builtin.ModelPrice, builtin.ModifiedDuration,
			})),
			app.LiveData,
		),
		view.WithLogger(logger.Named("compiler")),
		view.WithPool(pool),
		view.WithPreferMarketData(utils.EnvBool("ENGINE_PREFER_MARKET_DATA", false)),
	)

	cycleOpts = append(cycleOpts,
		engine.WithCycleLogger(logger.Named("cycle")),
		engine.WithSnapshotTimeout(utils.EnvDuration("SNAPSHOT_TIMEOUT", engine.DefaultSnapshotTimeout)),
		engine.WithCyclePool(pool),
	)
	app.Engine = engine.New(compiler, app.LiveData, engine.NewCycle(cycleOpts...), logger)

	return app
}

// newRefDataCache builds the escalating cache in front of the reference
// data service: an in-memory layer over the configured backing store.
func newRefDataCache(app *types.App, logger *zap.Logger) (*cache.Cache, error) {
	opts := refdata.OptsFromEnv()
	if len(opts.Endpoints) == 0 {
		logger.Info("Reference data disabled - portfolios must carry their own security attributes")
		return nil, nil
	}
	provider := cache.Provider(refdata.NewHTTPProvider(refdata.NewHTTPClient(opts), logger.Named("refdata")))

	ttl := utils.EnvDuration("CACHE_TTL", 24*time.Hour)
	switch backend := utils.Env("CACHE_BACKEND", "memory"); backend {
	case "memory":
	case "badger":
		store, err := badgerstore.Open(utils.Env("CACHE_DIR", "./data/cache"), ttl)
		if err != nil {
			return nil, err
		}
		app.Closers = append(app.Closers, store.Close)
		provider = cache.New("badger", store, provider, logger.Named("cache"))
	case "redis":
		if app.Redis == nil {
			return nil, fmt.Errorf("CACHE_BACKEND=redis requires REDIS_ENABLED")
		}
		store := redisstore.New(app.Redis.Raw(), utils.Env("CACHE_REDIS_PREFIX", redisstore.DefaultPrefix), ttl)
		provider = cache.New("redis", store, provider, logger.Named("cache"))
	default:
		return nil, fmt.Errorf("unknown CACHE_BACKEND %q", backend)
	}
	return cache.New("memory", cache.NewMemoryStore(ttl), provider, logger.Named("cache")), nil
}
