package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/truong965/zalo-clone-sub001/internal/search/cache"
	"github.com/truong965/zalo-clone-sub001/internal/search/dispatch"
	"github.com/truong965/zalo-clone-sub001/internal/search/ingest"
	"github.com/truong965/zalo-clone-sub001/internal/search/notify"
	"github.com/truong965/zalo-clone-sub001/internal/search/rank"
	"github.com/truong965/zalo-clone-sub001/internal/search/registry"
	"github.com/truong965/zalo-clone-sub001/internal/search/scopesync"
	"github.com/truong965/zalo-clone-sub001/internal/search/service"
	"github.com/truong965/zalo-clone-sub001/internal/search/store"
	"github.com/truong965/zalo-clone-sub001/pkg/config"
	"github.com/truong965/zalo-clone-sub001/pkg/health"
	"github.com/truong965/zalo-clone-sub001/pkg/kafka"
	"github.com/truong965/zalo-clone-sub001/pkg/logger"
	"github.com/truong965/zalo-clone-sub001/pkg/metrics"
	"github.com/truong965/zalo-clone-sub001/pkg/postgres"
	pkgredis "github.com/truong965/zalo-clone-sub001/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting search subscription engine",
		"port", cfg.Server.Port,
		"instance_id", cfg.Sync.InstanceID,
	)

	m := metrics.New()

	pg, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pg.Close()
	searchStore := store.New(pg)

	// Redis backs the result cache, the idempotency fast path, and the
	// cross-instance bus. The engine degrades to local-only, best-effort
	// operation without it.
	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, degrading to local-only operation", "error", err)
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	var cacheStore cache.Store
	var fastDedupe ingest.FastStore
	if redisClient != nil {
		cacheStore = redisClient
		fastDedupe = redisClient
	}
	resultCache := cache.New(cacheStore, cfg.Cache)

	notifier := notify.NewLogNotifier()
	reg := registry.New(cfg.Registry, m, func(userID, connectionID, keyword string) {
		notifier.SubscriptionExpired(context.Background(), connectionID, notify.SubscriptionExpired{Keyword: keyword})
	})
	defer reg.Close()

	dispatcher := dispatch.New(notifier, cfg.Dispatch.FlushWindow, m)
	defer dispatcher.Close()

	var broadcaster *scopesync.Broadcaster
	if redisClient != nil {
		broadcaster = scopesync.NewBroadcaster(redisClient, cfg.Sync.Channel, cfg.Sync.InstanceID, m)
	}

	scorer := rank.New(cfg.Ranking)
	svc := service.New(cfg.Ranking, reg, resultCache, searchStore, scorer, broadcaster, m)

	gate := ingest.NewGate(fastDedupe, searchStore, cfg.Cache.DedupeTTL)
	deadLetter := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DeadLetter)
	defer deadLetter.Close()
	pipeline := ingest.New(gate, resultCache, reg, dispatcher, svc, notifier, deadLetter, m)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.ChatEvents, pipeline.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Start(ctx)
	})
	if redisClient != nil {
		listener := scopesync.NewListener(redisClient, cfg.Sync.Channel, cfg.Sync.InstanceID, reg, m)
		g.Go(func() error {
			return listener.Start(ctx)
		})
	}

	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := pg.DB.PingContext(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if redisClient == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		if err := redisClient.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("registry", func(ctx context.Context) health.ComponentHealth {
		return health.ComponentHealth{
			Status:  health.StatusUp,
			Message: fmt.Sprintf("%d live subscriptions", reg.Count()),
		}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	g.Go(func() error {
		slog.Info("health server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	var metricsShutdown func(context.Context) error
	if cfg.Metrics.Enabled {
		metricsShutdown = metrics.StartServer(cfg.Metrics.Port)
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("engine terminated", "error", err)
	}
	if metricsShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		metricsShutdown(shutdownCtx)
		cancel()
	}
	slog.Info("shutdown complete")
}
