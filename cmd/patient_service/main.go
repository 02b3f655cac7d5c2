package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"patient_service/internal/auth"
	"patient_service/internal/config"
	"patient_service/internal/events"
	"patient_service/internal/handler"
	"patient_service/internal/service"
	"patient_service/internal/storage"

	"github.com/gin-gonic/gin"
)

func main() {
	//PARSE ARGS
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the yaml config file")

	flag.Parse()
	if configPath == "" {
		log.Fatal("failed get config path from flags")
	}

	cfg := config.MustLoadConfig(configPath)

	//INIT LOGGER
	lgr := setupLogger(cfg.Env)
	lgr.Info("starting patient service", slog.String("env", cfg.Env), slog.String("db_driver", cfg.DB.Driver))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	//INIT DB
	st, err := setupStorage(ctx, cfg, lgr)
	if err != nil {
		lgr.Error("failed to init storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	//INIT EVENTS
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Kafka.Enabled {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, lgr)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			lgr.Warn("failed to close event publisher", slog.Any("error", err))
		}
	}()

	//INIT SERVICE
	tokens := auth.NewTokenIssuer(auth.TokenConfig{
		AccessSecret:  cfg.Auth.AccessSecret,
		RefreshSecret: cfg.Auth.RefreshSecret,
		AccessTTL:     cfg.Auth.AccessTTL,
		RefreshTTL:    cfg.Auth.RefreshTTL,
	})
	srvc := service.NewService(
		st,
		auth.NewPasswordHasher(cfg.Auth.BcryptCost),
		tokens,
		publisher,
		service.Config{MinPasswordLength: cfg.Auth.MinPasswordLength},
		lgr,
	)

	//INIT SERVER
	if cfg.Env == config.EnvProd {
		gin.SetMode(gin.ReleaseMode)
	}

	h := handler.NewHandler(srvc, st, handler.Config{
		CookieName:       cfg.Auth.CookieName,
		CookiePath:       cfg.Auth.CookiePath,
		LogoutCookiePath: cfg.Auth.LogoutCookiePath,
		CookieSecure:     cfg.Auth.CookieSecure,
		RefreshTTL:       cfg.Auth.RefreshTTL,
		Development:      cfg.IsDevelopment(),
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		StaticDir:        cfg.StaticDir,
	}, lgr)

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      h.InitRoutes(),
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	go func() {
		lgr.Info("http server listening", slog.String("address", srv.Addr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lgr.Error("http server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	lgr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPServer.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lgr.Error("graceful shutdown failed", slog.Any("error", err))
	}

	lgr.Info("stopped")
}

func setupStorage(ctx context.Context, cfg *config.Config, lgr *slog.Logger) (storage.Storage, error) {
	switch cfg.DB.Driver {
	case config.DriverPostgres:
		if err := storage.Migrate(ctx, cfg.DB.DbURL); err != nil {
			return nil, err
		}
		lgr.Info("postgres migrations applied")

		return storage.NewPostgresStorage(ctx, cfg.DB.DbURL, cfg.DB.QueryTimeout)
	case config.DriverMongo:
		return storage.NewMongoStorage(ctx, cfg.DB.DbURL, cfg.DB.Name, cfg.DB.QueryTimeout)
	default:
		lgr.Warn("using in-memory storage; data is lost on restart")

		return storage.NewMemoryStorage(), nil
	}
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case config.EnvLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case config.EnvDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	default:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}
	return log
}
