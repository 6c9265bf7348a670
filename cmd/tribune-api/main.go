package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tribune/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tribune/backend/internal/config"
	"github.com/MarcoPoloResearchLab/tribune/backend/internal/consensus"
	"github.com/MarcoPoloResearchLab/tribune/backend/internal/database"
	"github.com/MarcoPoloResearchLab/tribune/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/tribune/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/tribune/backend/internal/scanner"
	"github.com/MarcoPoloResearchLab/tribune/backend/internal/server"
	"github.com/MarcoPoloResearchLab/tribune/backend/internal/users"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tribune-api",
		Short: "Tribune weighted proposal consensus service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "Publish every project whose drafts qualify, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context())
		},
	})

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "PostgreSQL connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Duration("scan-interval", defaults.GetDuration("scanner.interval"), "Interval between publish scans")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "scanner.interval", "scan-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type runtime struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	registry *prometheus.Registry
	metrics  *metrics.Recorder
	realtime *server.RealtimeDispatcher
	engine   *consensus.Service
}

func newRuntime() (*runtime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		return nil, err
	}

	fieldRegistry, err := appConfig.Registry()
	if err != nil {
		return nil, err
	}

	realtime := server.NewRealtimeDispatcher()
	engine, err := consensus.NewService(consensus.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: consensus.NewUUIDProvider(),
		Logger:     logger,
		Registry:   fieldRegistry,
		Rules:      appConfig.Rules,
		Metrics:    recorder,
		Sink:       realtime,
	})
	if err != nil {
		return nil, err
	}

	return &runtime{
		config:   appConfig,
		logger:   logger,
		db:       db,
		registry: registry,
		metrics:  recorder,
		realtime: realtime,
		engine:   engine,
	}, nil
}

func (r *runtime) close() {
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = r.logger.Sync()
}

func runServer(ctx context.Context) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(rt.config.SessionSecret),
		Issuer:        rt.config.SessionIssuer,
		CookieName:    rt.config.SessionCookie,
	})
	if err != nil {
		return err
	}

	identities, err := users.NewService(users.ServiceConfig{
		Database: rt.db,
		Profiles: rt.engine,
		Logger:   rt.logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessions,
		Users:          identities,
		Engine:         rt.engine,
		Realtime:       rt.realtime,
		Metrics:        rt.metrics,
		Gatherer:       rt.registry,
		AllowedOrigins: rt.config.AllowedOrigins,
		Logger:         rt.logger,
	})
	if err != nil {
		return err
	}

	publishScanner, err := scanner.New(scanner.Config{
		Publisher: rt.engine,
		Interval:  rt.config.ScanInterval,
		Metrics:   rt.metrics,
		Logger:    rt.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    rt.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		rt.logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return publishScanner.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func runScan(ctx context.Context) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := rt.engine.ScanPendingProjects(signalCtx)
	if err != nil {
		return err
	}
	rt.logger.Info("publish scan finished",
		zap.Int("examined", result.Examined),
		zap.Strings("published", result.Published),
		zap.Int("failed", len(result.Failures)))
	return nil
}
