package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/p2p-escrow/trade-engine/internal/api/http"
	"github.com/p2p-escrow/trade-engine/internal/application/delivery"
	appDispute "github.com/p2p-escrow/trade-engine/internal/application/dispute"
	"github.com/p2p-escrow/trade-engine/internal/application/fanout"
	"github.com/p2p-escrow/trade-engine/internal/application/lifecycle"
	"github.com/p2p-escrow/trade-engine/internal/clock"
	"github.com/p2p-escrow/trade-engine/internal/config"
	"github.com/p2p-escrow/trade-engine/internal/domain/dispute"
	"github.com/p2p-escrow/trade-engine/internal/domain/event"
	"github.com/p2p-escrow/trade-engine/internal/domain/trade"
	"github.com/p2p-escrow/trade-engine/internal/infrastructure/authz"
	"github.com/p2p-escrow/trade-engine/internal/infrastructure/bus"
	"github.com/p2p-escrow/trade-engine/internal/infrastructure/kafka"
	"github.com/p2p-escrow/trade-engine/internal/infrastructure/memory"
	"github.com/p2p-escrow/trade-engine/internal/infrastructure/metrics"
	"github.com/p2p-escrow/trade-engine/internal/infrastructure/postgres"
	"github.com/p2p-escrow/trade-engine/internal/migrations"
)

type stores struct {
	trades   trade.Repository
	disputes dispute.Repository
	authz    dispute.Authorizer
	health   httpapi.HealthFunc
	close    func()
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatalf("store error: %v", err)
	}
	defer st.close()

	// event bus
	var (
		eventBus event.Bus
		kafkaBus *kafka.Bus
		closeBus func()
	)
	switch cfg.BusDriver {
	case config.BusKafka:
		host, _ := os.Hostname()
		kafkaBus = kafka.NewBus(kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID + "-" + host,
		}, logger)
		eventBus = kafkaBus
		closeBus = func() {
			if err := kafkaBus.Close(); err != nil {
				logger.Error().Err(err).Msg("kafka bus close failed")
			}
		}
	default:
		mem := bus.NewMemory(0)
		eventBus = mem
		closeBus = mem.Close
	}

	// services
	m := metrics.New()
	clk := clock.NewSystem()
	publisher := delivery.NewPublisher(eventBus, cfg.PublishTimeout, m, logger)
	disputeSvc := appDispute.NewService(st.disputes, st.trades, publisher, st.authz, clk, m, logger)
	tradeSvc := lifecycle.NewService(st.trades, publisher, disputeSvc, st.authz, clk, m, logger)
	fanoutSvc := fanout.NewService(eventBus, clk, cfg.NotifyDisplayTimeout, m, logger)

	apiServer := httpapi.NewServer(tradeSvc, disputeSvc, fanoutSvc, m.Handler(), st.health, logger)

	// WriteTimeout stays zero so notification streams are not cut; plain
	// routes are bounded by the router's timeout middleware.
	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ServerAddr).Str("store", cfg.StoreDriver).Str("bus", cfg.BusDriver).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if kafkaBus != nil {
		g.Go(func() error {
			return kafkaBus.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		// Ending sessions first lets open streams return before Shutdown waits on them.
		fanoutSvc.Close()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(ctxShutdown)
		closeBus()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
	}
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.StoreDriver == config.StoreMemory {
		return &stores{
			trades:   memory.NewTradeStore(),
			disputes: memory.NewDisputeStore(),
			authz:    authz.NewStatic(cfg.Arbitrators),
			close:    func() {},
		}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	var migrationsFS fs.FS = migrations.FS
	if cfg.MigrationsDir != "" {
		migrationsFS = os.DirFS(cfg.MigrationsDir)
	}
	if err := postgres.RunMigrations(ctx, pool, migrationsFS); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	arbitrators := postgres.NewArbitratorRepository(pool)
	if err := arbitrators.Grant(ctx, cfg.Arbitrators...); err != nil {
		pool.Close()
		return nil, fmt.Errorf("seed arbitrators: %w", err)
	}
	tradeRepo := postgres.NewTradeRepository(pool)
	return &stores{
		trades:   tradeRepo,
		disputes: postgres.NewDisputeRepository(pool, tradeRepo),
		authz:    arbitrators,
		health:   pool.Ping,
		close:    pool.Close,
	}, nil
}
