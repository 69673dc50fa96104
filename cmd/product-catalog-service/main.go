// Package main boots the Product Catalog Service HTTP server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/product-catalog-service/internal/config"
	"github.com/fairyhunter13/product-catalog-service/internal/events"
	"github.com/fairyhunter13/product-catalog-service/internal/events/natsbus"
	"github.com/fairyhunter13/product-catalog-service/internal/events/rabbitmq"
	httpapi "github.com/fairyhunter13/product-catalog-service/internal/http"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
	"github.com/fairyhunter13/product-catalog-service/internal/outbox"
	"github.com/fairyhunter13/product-catalog-service/internal/repository"
	"github.com/fairyhunter13/product-catalog-service/internal/service"
	"github.com/fairyhunter13/product-catalog-service/internal/store"
	"github.com/fairyhunter13/product-catalog-service/internal/store/postgres"
)

// closers run in reverse order on exit.
type closers []func()

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func main() {
	cfg := config.Load()
	obs.InitLogger(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		obs.Logger.Error("config_invalid", "error", err)
		os.Exit(2)
	}
	obs.Logger.Info("service_starting",
		"store_backend", cfg.StoreBackend,
		"code_uniqueness", cfg.CodeUniqueness,
		"event_broker", cfg.EventBroker,
		"event_delivery", cfg.EventDelivery,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cleanup closers
	defer func() { cleanup.run() }()

	var (
		table store.Table
		ready func(context.Context) error
		db    *postgres.DB
	)
	switch cfg.StoreBackend {
	case config.StorePostgres:
		var err error
		db, err = postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			obs.Logger.Error("postgres_connect_failed", "error", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, db.Close)
		if err := db.Migrate(ctx); err != nil {
			obs.Logger.Error("postgres_migrate_failed", "error", err)
			cleanup.run()
			os.Exit(1)
		}
		table = postgres.NewTable(db)
		ready = db.Ready
	default:
		table = store.NewMemory()
	}

	opts := []repository.Option{repository.WithPageSize(cfg.ListPageSize)}
	if cfg.CodeUniqueness == config.UniquenessClaim {
		reg, ok := table.(store.CodeRegistry)
		if !ok {
			obs.Logger.Error("claim_strategy_unsupported", "store_backend", cfg.StoreBackend)
			cleanup.run()
			os.Exit(2)
		}
		opts = append(opts, repository.WithClaims(reg))
	}
	repo := repository.New(table, opts...)

	var broker events.Channel
	switch cfg.EventBroker {
	case config.BrokerNATS:
		nc, err := natsbus.Dial(cfg.NATSURL)
		if err != nil {
			obs.Logger.Error("nats_connect_failed", "error", err)
			cleanup.run()
			os.Exit(1)
		}
		cleanup = append(cleanup, nc.Close)
		broker = nc
	case config.BrokerRabbitMQ:
		rc, err := rabbitmq.Dial(ctx, cfg.RabbitMQURL)
		if err != nil {
			obs.Logger.Error("rabbitmq_connect_failed", "error", err)
			cleanup.run()
			os.Exit(1)
		}
		cleanup = append(cleanup, rc.Close)
		broker = rc
	default:
		broker = events.NewRecorder()
	}

	var relay *outbox.Relay
	channel := broker
	if cfg.EventDelivery == config.DeliveryOutbox {
		var ob outbox.Store
		if db != nil {
			ob = postgres.NewOutboxStore(db, cfg.OutboxLease)
		} else {
			ob = outbox.NewMemoryStore()
		}
		relay = outbox.NewRelay(cfg, ob, broker)
		channel = outbox.NewChannel(ob, relay.Wake)
		relay.Start(ctx)
	}

	pub := events.NewPublisher(channel, cfg.EventsTopic)
	svc := service.New(repo, pub, cfg.ActorEmail)
	app := httpapi.NewApp(cfg, svc, relay, ready)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(app),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		obs.Logger.Info("http_listen", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Logger.Error("http_server_error", "error", err)
			cleanup.run()
			os.Exit(1)
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigc
	obs.Logger.Info("shutdown_signal", "signal", s.String())

	app.StartShutdown()

	ctxSrv, cancelSrv := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSrv()
	if err := srv.Shutdown(ctxSrv); err != nil {
		obs.Logger.Error("http_shutdown_error", "error", err)
	}

	if relay != nil {
		st := relay.Metrics(context.Background())
		obs.Logger.Info("shutdown_drain_begin", "backlog_size", st.Pending, "dead_entries", st.Dead, "worker_count", st.Workers)
		ctxDrain, cancelDrain := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if relay.DrainUntil(ctxDrain) {
			obs.Logger.Info("shutdown_drain_complete")
		} else {
			obs.Logger.Warn("shutdown_drain_timeout")
		}
		cancelDrain()
		relay.Stop()
	}
	obs.Logger.Info("service_stopped")
}
