package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/bigicee/atendimento-ver-conversas/config"
	"github.com/bigicee/atendimento-ver-conversas/internal/adapters/evolution"
	"github.com/bigicee/atendimento-ver-conversas/internal/archive"
	"github.com/bigicee/atendimento-ver-conversas/internal/db"
	"github.com/bigicee/atendimento-ver-conversas/internal/decoder"
	"github.com/bigicee/atendimento-ver-conversas/internal/handlers"
	"github.com/bigicee/atendimento-ver-conversas/internal/notify"
	"github.com/bigicee/atendimento-ver-conversas/internal/services"
	"github.com/bigicee/atendimento-ver-conversas/internal/store"
	"github.com/bigicee/atendimento-ver-conversas/pkg/httputil"
	"github.com/bigicee/atendimento-ver-conversas/pkg/logger"
)

func main() {
	pair := flag.Bool("pair", false, "print the instance pairing QR code to the terminal and exit")
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	evo := evolution.NewClient(evolution.Config{
		BaseURL:  cfg.EvolutionBaseURL,
		APIKey:   cfg.EvolutionAPIKey,
		Instance: cfg.EvolutionInstance,
		Timeout:  cfg.ProviderTimeout,
	})

	if *pair {
		if err := printPairingCode(evo, cfg.ProviderTimeout); err != nil {
			log.Fatal().Err(err).Msg("Pairing failed")
		}
		return
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize store")
	}

	dispatcher, closeSinks := newDispatcher(cfg)
	defer closeSinks()

	var (
		offloader services.MediaOffloader
		archiver  services.PayloadArchiver
	)
	if cfg.S3Enabled {
		arc, err := archive.New(archive.Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
			PublicURL: cfg.S3PublicURL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize S3 archive")
		}
		offloader, archiver = arc, arc
	}

	placeholders := decoder.PlaceholdersFor(cfg.PlaceholderLocale)
	dec := decoder.New(placeholders)

	engine, err := services.NewEngine(st, dispatcher, offloader)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize ingestion engine")
	}
	audit := services.NewAuditLogger(st, archiver)
	sender := services.NewSender(st, engine, evo, audit, placeholders, cfg.DefaultCountryCode)
	groups := services.NewGroupNames(evo)
	reconciler := services.NewReconciler(evo, engine, st, dec, groups)

	scheduler, err := services.NewSyncScheduler(reconciler, cfg.SyncSchedule, cfg.SyncAccounts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize sync scheduler")
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Webhook:     handlers.NewEvolutionHandler(engine, audit, dec, groups, cfg.WebhookToken),
		API:         handlers.NewAPI(st, engine, sender, reconciler, dispatcher),
		Pairer:      evo,
		WebhookPath: cfg.WebhookPath,
		APIToken:    cfg.APIToken,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Msgf("Server starting on port %s...", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	if scheduler != nil {
		scheduler.Start()
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if scheduler != nil {
			scheduler.Stop(shutdownCtx)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		return
	}
	log.Info().Msg("Server stopped")
}

// loadConfig reads the environment (and .env) and then configures the logger from it.
func loadConfig() (*config.Config, error) {
	log.Info().Msg("Loading configuration...")
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger.InitLogger(cfg.LogFormat, cfg.LogLevel)
	return cfg, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseDriver == "memory" {
		log.Warn().Msg("Using in-memory store, data is lost on restart")
		return store.NewMemory(), nil
	}

	log.Info().Str("driver", cfg.DatabaseDriver).Msg("Initializing database...")
	gdb, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("Running database migrations...")
	if err := db.Migrate(gdb); err != nil {
		return nil, err
	}
	return store.NewGorm(gdb, db.SQLXDriverName(cfg.DatabaseDriver))
}

// newDispatcher builds the change feed from the configured sinks.
func newDispatcher(cfg *config.Config) (*notify.Dispatcher, func()) {
	var sinks []notify.Sink
	closeFn := func() {}

	rabbit, err := notify.DialRabbit(notify.RabbitConfig{
		URL:            cfg.RabbitMQURL,
		Queue:          cfg.RabbitMQQueue,
		QueuePrefix:    cfg.RabbitMQQueuePrefix,
		SpecificEvents: cfg.AMQPSpecificEvents,
	})
	if err != nil {
		log.Error().Err(err).Msg("Could not connect to RabbitMQ, continuing without it")
	} else if rabbit != nil {
		sinks = append(sinks, rabbit)
		closeFn = func() {
			if err := rabbit.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close RabbitMQ connection")
			}
		}
	}

	if cfg.ForwardWebhookURL != "" {
		client := httputil.WithRetries(httputil.NewDefaultRestyClient("", 10*time.Second), 2)
		sinks = append(sinks, notify.NewWebhookSink(client, cfg.ForwardWebhookURL))
		log.Info().Str("url", cfg.ForwardWebhookURL).Msg("Forward webhook enabled")
	}

	return notify.NewDispatcher(sinks...), closeFn
}

func printPairingCode(evo *evolution.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	resp, err := evo.Connect(ctx)
	if err != nil {
		return err
	}
	if resp.Code == "" {
		return handlers.ErrNoPairingCode
	}
	qrterminal.GenerateHalfBlock(resp.Code, qrterminal.L, os.Stdout)
	if resp.PairingCode != "" {
		fmt.Printf("Pairing code: %s\n", resp.PairingCode)
	}
	return nil
}
