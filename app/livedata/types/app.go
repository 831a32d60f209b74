package types

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/canopy-network/riskgraph/pkg/livedata"
	"github.com/canopy-network/riskgraph/pkg/redis"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type App struct {
	LiveData *livedata.Server
	// Simulated is set when the service runs without Redis.
	Simulated *livedata.SimulatedFeed
	Redis     *redis.Client

	// Cron expires idle non-persistent subscriptions every CronSpec tick.
	Cron                *cron.Cron
	CronSpec            string
	SubscriptionTimeout time.Duration

	Logger *zap.Logger
	Server *http.Server
}

// SetupScheduler registers the subscription sweep.
func (a *App) SetupScheduler(ctx context.Context, logger cron.Logger) error {
	// Seconds field, optional
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger)))

	_, err := a.Cron.AddFunc(a.CronSpec, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, 25*time.Second)
		defer cancel()
		a.Sweep(rctx)
	})
	return err
}

// Sweep ends the non-persistent subscriptions nobody heartbeated within
// SubscriptionTimeout.
func (a *App) Sweep(ctx context.Context) {
	expired, err := a.LiveData.ExpireStale(ctx, a.SubscriptionTimeout)
	if err != nil {
		a.Logger.Warn("Subscription sweep failed", zap.Error(err))
	}
	if len(expired) > 0 {
		a.Logger.Info("Expired idle subscriptions", zap.Int("count", len(expired)))
	}
}

// Start runs the feed, the sweep and the HTTP server until ctx is done.
func (a *App) Start(ctx context.Context) {
	a.Cron.Start()
	a.Logger.Info("Cron started", zap.String("cronSpec", a.CronSpec))

	go func() {
		if err := a.LiveData.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("Live data feed stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("Server stopped", zap.Error(err))
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	<-a.Cron.Stop().Done()
	_ = a.Server.Shutdown(shutdownCtx)
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	a.Logger.Info("さようなら!")
}
