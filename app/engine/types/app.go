package types

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/canopy-network/riskgraph/pkg/archive"
	"github.com/canopy-network/riskgraph/pkg/cache"
	"github.com/canopy-network/riskgraph/pkg/db/clickhouse"
	"github.com/canopy-network/riskgraph/pkg/engine"
	"github.com/canopy-network/riskgraph/pkg/livedata"
	"github.com/canopy-network/riskgraph/pkg/redis"
	"go.uber.org/zap"
)

type App struct {
	Engine   *engine.Engine
	LiveData *livedata.Server
	// Simulated is set when ticks are published in process instead of read
	// from Redis.
	Simulated *livedata.SimulatedFeed
	// RefData fills security attributes missing from submitted portfolios.
	// Nil when no reference data source is configured.
	RefData       *cache.Cache
	RefDataFields []string
	// Archive is nil when ClickHouse is disabled.
	Archive    *archive.Store
	ClickHouse *clickhouse.Client
	Redis      *redis.Client
	// Closers run on shutdown after the server stops.
	Closers []func() error

	Logger *zap.Logger
	Server *http.Server
}

// Start runs the live data feed and the HTTP server until ctx is done.
func (a *App) Start(ctx context.Context) {
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

	_ = a.Server.Shutdown(shutdownCtx)
	if err := a.Engine.Close(shutdownCtx); err != nil {
		a.Logger.Error("Failed to release view subscriptions", zap.Error(err))
	}
	for _, c := range a.Closers {
		if err := c(); err != nil {
			a.Logger.Error("Failed to close resource", zap.Error(err))
		}
	}
	a.Logger.Info("さようなら!")
}
