package livedata

import (
	"context"
	"time"

	"github.com/canopy-network/riskgraph/app/livedata/types"
	"github.com/canopy-network/riskgraph/pkg/livedata"
	"github.com/canopy-network/riskgraph/pkg/livedata/redisfeed"
	"github.com/canopy-network/riskgraph/pkg/logging"
	"github.com/canopy-network/riskgraph/pkg/redis"
	"github.com/canopy-network/riskgraph/pkg/utils"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Initialize wires the live data service from the environment.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	app := &types.App{
		Logger:              logger,
		CronSpec:            utils.Env("SWEEP_CRON", "*/15 * * * * *"),
		SubscriptionTimeout: utils.EnvDuration("SUBSCRIPTION_TIMEOUT", 5*time.Minute),
	}

	var (
		feed livedata.Feed
		opts = []livedata.Option{livedata.WithLogger(logger.Named("livedata"))}
	)
	if utils.EnvBool("REDIS_ENABLED", false) {
		app.Redis, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Fatal("Unable to connect to Redis", zap.Error(err))
		}
		feed, err = redisfeed.New(app.Redis, redisfeed.ConfigFromEnv(logger))
		if err != nil {
			logger.Fatal("Unable to create Redis tick feed", zap.Error(err))
		}
		opts = append(opts, livedata.WithTickListener(PublishTicks(app.Redis, logger)))
	} else {
		logger.Info("Redis disabled - using the in-process simulated feed, /ws is unavailable")
		app.Simulated = livedata.NewSimulatedFeed(0)
		feed = app.Simulated
	}

	rules, err := livedata.RuleSetsFromEnv()
	if err != nil {
		logger.Fatal("Invalid normalization rule sets", zap.Error(err))
	}
	opts = append(opts, livedata.WithRuleSets(rules))
	if id := utils.Env("LIVEDATA_DEFAULT_RULESET", ""); id != "" {
		opts = append(opts, livedata.WithDefaultRuleSet(id))
	}
	app.LiveData = livedata.NewServer(feed, opts...)

	if err := app.SetupScheduler(ctx, cron.DefaultLogger); err != nil {
		logger.Fatal("Unable to schedule the subscription sweep", zap.Error(err))
	}

	return app
}

// PublishTicks forwards applied ticks to Redis pub/sub for the websocket
// stream.
func PublishTicks(client *redis.Client, logger *zap.Logger) livedata.TickListener {
	return func(ctx context.Context, key livedata.Key, fields map[string]any) {
		payload, err := json.Marshal(types.TickEvent{
			ExternalID: key.ExternalID,
			RuleSet:    key.RuleSet,
			Fields:     fields,
			At:         time.Now().UTC(),
		})
		if err != nil {
			logger.Warn("Failed to encode tick event", zap.String("key", key.String()), zap.Error(err))
			return
		}
		client.Publish(ctx, types.TickChannel(key.ExternalID), payload)
	}
}
