package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jscharber/coursemirror/internal/api"
	"github.com/jscharber/coursemirror/internal/database"
	"github.com/jscharber/coursemirror/internal/server"
	"github.com/jscharber/coursemirror/pkg/auth"
	"github.com/jscharber/coursemirror/pkg/config"
	"github.com/jscharber/coursemirror/pkg/connectors/dropbox"
	"github.com/jscharber/coursemirror/pkg/connectors/googledrive"
	"github.com/jscharber/coursemirror/pkg/connectors/sharepoint"
	"github.com/jscharber/coursemirror/pkg/explorer"
	"github.com/jscharber/coursemirror/pkg/health"
	"github.com/jscharber/coursemirror/pkg/logger"
	"github.com/jscharber/coursemirror/pkg/storage"
	"github.com/jscharber/coursemirror/pkg/storage/credentials"
	"github.com/jscharber/coursemirror/pkg/storage/encryption"
	"github.com/jscharber/coursemirror/pkg/sync"
	"github.com/jscharber/coursemirror/pkg/tracing"
)

const envPrefix = "COURSEMIRROR"

var version = "dev"

func main() {
	var (
		configFile     = flag.String("config", "", "Path to configuration file")
		generateConfig = flag.String("generate-config", "", "Generate example configuration file at specified path")
		validateConfig = flag.Bool("validate-config", false, "Validate configuration and exit")
		logLevel       = flag.String("log-level", "", "Log level override")
		showVersion    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("coursemirror server %s\n", version)
		os.Exit(0)
	}

	loader := config.NewLoader(envPrefix)

	if *generateConfig != "" {
		if err := config.ValidateConfigPath(*generateConfig); err != nil {
			log.Fatalf("Invalid config path: %v", err)
		}
		if err := loader.WriteExample(*generateConfig, server.GetDefaultConfig()); err != nil {
			log.Fatalf("Failed to generate config file: %v", err)
		}
		fmt.Printf("Example configuration file generated at: %s\n", *generateConfig)
		os.Exit(0)
	}

	cfg, err := loadConfig(loader, *configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if *validateConfig {
		if err := cfg.Validate(); err != nil {
			fmt.Printf("Configuration validation failed:\n%v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration validation passed successfully.")
		os.Exit(0)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := run(cfg, loader, *configFile); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func run(cfg *server.Config, loader *config.Loader, configFile string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg.Logging.Version = version
	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer appLogger.Sync()

	// Sync log
	var (
		ring      logger.SyncLog
		redisRing *logger.RedisRing
	)
	switch cfg.SyncLog.Backend {
	case server.SyncLogRedis:
		redisRing, err = logger.NewRedisRing(cfg.SyncLog.Redis, cfg.SyncLog.Capacity)
		if err != nil {
			return fmt.Errorf("failed to open sync log: %w", err)
		}
		defer redisRing.Close()
		ring = redisRing
	default:
		ring = logger.NewMemoryRing(cfg.SyncLog.Capacity)
	}
	ringCore := logger.NewRingCore(ring, logger.ParseLevel(cfg.SyncLog.Level))
	syncLogger := appLogger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, ringCore)
	}))

	// Tracing
	cfg.Tracing.ServiceVersion = version
	tracer, err := tracing.NewService(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	// Database
	appLogger.Info("Connecting to database",
		zap.String("driver", cfg.Database.Driver),
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Database),
	)
	db, err := database.New(cfg.Database, database.WithLogger(appLogger))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.Connect(connectCtx); err != nil {
		return err
	}
	// database.New migrates when AutoMigrate is set
	if !cfg.Database.AutoMigrate {
		if err := db.Migrator().Validate(connectCtx); err != nil {
			appLogger.Error("Schema is not up to date; run cmd/migrate -command migrate or set DB_AUTO_MIGRATE=true", zap.Error(err))
			return err
		}
	}

	// Credentials
	envelope, err := encryption.NewEnvelope(cfg.EncryptionConfig(), appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize credential encryption: %w", err)
	}
	store := credentials.NewStore(db.Settings, envelope, credentials.WithLogger(syncLogger))

	// Connectors
	registry := storage.NewConnectorRegistry()
	for _, conn := range []storage.Connector{
		googledrive.NewGoogleDriveConnector(cfg.Providers.GoogleDrive, store, syncLogger),
		dropbox.NewDropboxConnector(cfg.Providers.Dropbox, store, syncLogger),
		sharepoint.NewSharePointConnector(cfg.Providers.SharePoint, store, syncLogger),
	} {
		if err := registry.Register(conn); err != nil {
			return fmt.Errorf("failed to register connector: %w", err)
		}
	}

	// Sync
	engine := sync.NewEngine(db.Entities, db.Mappings, db.Settings, store, registry, sync.WithEngineLogger(syncLogger))
	scheduler := sync.NewScheduler(engine, syncLogger, cfg.Sync.RunTimeout)
	if err := applyGeneral(ctx, db, scheduler, cfg); err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		scheduler.Stop(stopCtx)
	}()

	states, err := auth.NewStateManager(cfg.StateConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize oauth state: %w", err)
	}

	manager := sync.NewManager(sync.ManagerConfig{
		Engine:      engine,
		Scheduler:   scheduler,
		Registry:    registry,
		Credentials: store,
		Settings:    db.Settings,
		Mappings:    db.Mappings,
		States:      states,
		SyncLog:     ring,
		Logger:      syncLogger,
	})

	// Reload the file on change and re-apply the stored sync settings, which
	// another instance sharing the database may have changed
	if configFile != "" {
		watcher, err := config.NewWatcher(configFile, time.Second, func() error {
			reloaded, err := loadConfig(loader, configFile)
			if err != nil {
				return err
			}
			if err := reloaded.Validate(); err != nil {
				return err
			}
			return applyGeneral(ctx, db, scheduler, reloaded)
		}, appLogger)
		if err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
		defer watcher.Stop()
	}

	// Health
	checker := health.NewHealthChecker(10 * time.Second)
	checker.AddChecker(health.DatabaseChecker("database", db.HealthCheck))
	checker.AddChecker(health.ProvidersChecker(registry, store))
	if redisRing != nil {
		checker.AddChecker(health.PingChecker("sync_log", redisRing.Ping))
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	srv, err := server.New(cfg, server.Dependencies{
		Controller: api.NewSyncController(manager, explorer.NewService(registry, appLogger), db.Entities, cfg.ControllerConfig(), appLogger),
		Health:     health.NewHandler(checker, "coursemirror", version),
		Tracing:    tracer,
		Logger:     appLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	appLogger.Info("coursemirror server configuration",
		zap.String("address", cfg.GetAddress()),
		zap.String("public_url", cfg.PublicURL),
		zap.String("api_prefix", cfg.APIPrefix),
		zap.Bool("tls_enabled", cfg.TLSEnabled),
		zap.Bool("admin_token", cfg.AdminToken != ""),
		zap.String("sync_log", cfg.SyncLog.Backend),
		zap.Bool("tracing", tracer.Enabled()),
		zap.Strings("providers", providerNames(registry)),
	)

	return srv.Start(ctx)
}

// loadConfig reads the file when given, then applies environment overrides
func loadConfig(loader *config.Loader, configFile string) (*server.Config, error) {
	cfg := server.GetDefaultConfig()
	if configFile != "" {
		if err := config.ValidateConfigPath(configFile); err != nil {
			return nil, err
		}
		if err := loader.Load(configFile, cfg); err != nil {
			return nil, err
		}
	} else if err := loader.LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyCallbackURLs()
	return cfg, nil
}

// applyGeneral seeds the configured sync defaults on first start and arms the
// scheduler from the stored settings
func applyGeneral(ctx context.Context, db *database.Database, scheduler *sync.Scheduler, cfg *server.Config) error {
	general, err := db.Settings.SeedGeneral(ctx, cfg.Sync.Defaults)
	if err != nil {
		return fmt.Errorf("failed to load general settings: %w", err)
	}
	return scheduler.Apply(general)
}

func providerNames(registry storage.ConnectorRegistry) []string {
	var names []string
	for _, p := range registry.List() {
		names = append(names, p.String())
	}
	return names
}
