package main

import (
    "context"
    "flag"
    "fmt"
    "net/http"
    "os"
    "os/signal"
    "syscall"

    "github.com/spf13/cobra"
    "github.com/spf13/viper"

    "github.com/voiceops/outdial/internal/api"
    "github.com/voiceops/outdial/internal/config"
    "github.com/voiceops/outdial/internal/db"
    "github.com/voiceops/outdial/internal/dialer"
    "github.com/voiceops/outdial/internal/health"
    "github.com/voiceops/outdial/internal/ledger"
    "github.com/voiceops/outdial/internal/lifecycle"
    "github.com/voiceops/outdial/internal/metrics"
    "github.com/voiceops/outdial/internal/models"
    "github.com/voiceops/outdial/internal/pool"
    "github.com/voiceops/outdial/internal/provider"
    "github.com/voiceops/outdial/internal/recovery"
    "github.com/voiceops/outdial/internal/store"
    "github.com/voiceops/outdial/pkg/logger"
)

var (
    configFile string
    initDB     bool
    serveMode  bool
    verbose    bool

    // Global services
    cfg          *config.Config
    database     *db.DB
    cache        *db.Cache
    unitStore    store.CallerIDStore
    recordStore  store.CallRecordStore
    balanceStore store.BalanceStore
    blockStore   store.BlacklistStore
    accountStore store.AccountStore
    poolMgr      *pool.Manager
    registry     *provider.Registry
    machine      *lifecycle.Machine
    ledgerSvc    *ledger.Service
    recoverySvc  *recovery.Service
    orchestrator *dialer.Orchestrator
    apiServer    *api.Server
    healthSvc    *health.HealthService
    metricsSvc   *metrics.PrometheusMetrics
)

func main() {
    // Parse flags for server mode
    flag.StringVar(&configFile, "config", "", "Configuration file path")
    flag.BoolVar(&initDB, "init-db", false, "Initialize database")
    flag.BoolVar(&serveMode, "serve", false, "Run the dialer service")
    flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
    flag.Parse()

    // If flags are set, run in server mode
    if flag.NFlag() > 0 {
        runServerMode()
        return
    }

    // Otherwise, run CLI mode
    runCLI()
}

func runServerMode() {
    ctx := context.Background()

    if err := loadConfig(); err != nil {
        fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
        os.Exit(1)
    }

    logConfig := logger.Config{
        Level:  cfg.Monitoring.Logging.Level,
        Format: cfg.Monitoring.Logging.Format,
        Output: cfg.Monitoring.Logging.Output,
        File: logger.FileConfig{
            Enabled:    cfg.Monitoring.Logging.File.Enabled,
            Path:       cfg.Monitoring.Logging.File.Path,
            MaxSize:    cfg.Monitoring.Logging.File.MaxSize,
            MaxBackups: cfg.Monitoring.Logging.File.MaxBackups,
            MaxAge:     cfg.Monitoring.Logging.File.MaxAge,
            Compress:   cfg.Monitoring.Logging.File.Compress,
        },
    }

    if verbose {
        logConfig.Level = "debug"
    }

    if err := logger.Init(logConfig); err != nil {
        fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
        os.Exit(1)
    }

    if err := initializeServices(); err != nil {
        logger.WithError(err).Fatal("Failed to initialize services")
    }

    if initDB {
        logger.Info("Initializing database schema")
        if err := db.RunMigrations(database.DB); err != nil {
            logger.WithError(err).Fatal("Failed to run migrations")
        }
        logger.Info("Database initialization completed")
        return
    }

    if serveMode {
        runService(ctx)
        return
    }

    fmt.Println("Usage:")
    fmt.Println("  outdial [command] [flags]")
    fmt.Println("  outdial -serve           # Run the dialer service")
    fmt.Println("  outdial -init-db         # Initialize database")
    fmt.Println("")
    fmt.Println("Run 'outdial --help' for more information")
}

func runCLI() {
    rootCmd := &cobra.Command{
        Use:   "outdial",
        Short: "Outbound dialer core",
        Long:  "Outbound dialing system with shared caller-ID pooling, balance ledger and self-healing recovery",
    }

    rootCmd.AddCommand(
        createCallerIDCommands(),
        createAccountCommands(),
        createBalanceCommands(),
        createBlacklistCommands(),
        createPoolCommands(),
        createCallsCommand(),
        createRecoveryCommands(),
        createMonitorCommand(),
    )

    if err := rootCmd.Execute(); err != nil {
        fmt.Fprintf(os.Stderr, "Error: %v\n", err)
        os.Exit(1)
    }
}

func loadConfig() error {
    if configFile != "" {
        viper.SetConfigFile(configFile)
    } else {
        viper.SetConfigName("production")
        viper.SetConfigType("yaml")
        viper.AddConfigPath("./configs")
        viper.AddConfigPath("/etc/outdial")
    }

    // Environment variables
    viper.SetEnvPrefix("OUTDIAL")
    viper.AutomaticEnv()

    // Defaults
    setDefaults()

    if err := viper.ReadInConfig(); err != nil {
        if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
            return err
        }
        logger.Warn("No config file found, using defaults and environment")
    }

    cfg = config.FromViper()
    return nil
}

func setDefaults() {
    // Database defaults
    viper.SetDefault("database.driver", "mysql")
    viper.SetDefault("database.host", "localhost")
    viper.SetDefault("database.port", 3306)
    viper.SetDefault("database.username", "outdial")
    viper.SetDefault("database.password", "outdial")
    viper.SetDefault("database.database", "outdial")
    viper.SetDefault("database.max_open_conns", 25)
    viper.SetDefault("database.max_idle_conns", 5)
    viper.SetDefault("database.conn_max_lifetime", "5m")
    viper.SetDefault("database.retry_attempts", 3)
    viper.SetDefault("database.retry_delay", "1s")

    // Pool defaults
    viper.SetDefault("pool.lease_ttl", "90s")
    viper.SetDefault("pool.lock_ttl", "5s")
    viper.SetDefault("pool.lock_retries", 40)
    viper.SetDefault("pool.lock_retry_delay", "25ms")
    viper.SetDefault("pool.status_cache_ttl", "15s")

    // Dialer defaults
    viper.SetDefault("dialer.unit_cost", 100)
    viper.SetDefault("dialer.attempt_timeout", "25s")
    viper.SetDefault("dialer.inter_attempt_delay", "2s")
    viper.SetDefault("dialer.max_lease_retries", 5)
    viper.SetDefault("dialer.provider_timeout", "10s")

    // Recovery defaults
    viper.SetDefault("recovery.enabled", true)
    viper.SetDefault("recovery.interval", "30s")
    viper.SetDefault("recovery.stuck_initiated_after", "2m")
    viper.SetDefault("recovery.force_complete_after", "5m")
    viper.SetDefault("recovery.verify_after", "45s")
    viper.SetDefault("recovery.verify_every_sweeps", 4)

    // API defaults
    viper.SetDefault("security.api.enabled", true)
    viper.SetDefault("security.api.port", 8085)

    // Monitoring defaults
    viper.SetDefault("monitoring.metrics.enabled", true)
    viper.SetDefault("monitoring.metrics.port", 9090)
    viper.SetDefault("monitoring.health.enabled", true)
    viper.SetDefault("monitoring.health.port", 8080)
    viper.SetDefault("monitoring.logging.level", "info")
    viper.SetDefault("monitoring.logging.format", "json")
}

func initializeServices() error {
    if err := initializeCore(); err != nil {
        return err
    }

    orchestrator = dialer.NewOrchestrator(poolMgr, ledgerSvc, registry, machine, recordStore, blockStore, metricsSvc, dialer.Config{
        UnitCost:          cfg.Dialer.UnitCost,
        AttemptTimeout:    cfg.Dialer.AttemptTimeout,
        InterAttemptDelay: cfg.Dialer.InterAttemptDelay,
        MaxLeaseRetries:   cfg.Dialer.MaxLeaseRetries,
        StatusCallbackURL: cfg.Dialer.StatusCallbackURL,
    })

    apiServer = api.NewServer(orchestrator, poolMgr, recoverySvc, machine, lifecycle.ParseWebhookForm, ledgerSvc, registry, recordStore, api.Config{
        Port:      cfg.Security.API.Port,
        AuthToken: cfg.Security.API.AuthToken,
    })

    if cfg.Monitoring.Health.Enabled {
        healthSvc = health.NewHealthService(cfg.Monitoring.Health.Port)

        healthSvc.RegisterLivenessCheck("database", health.CheckFunc(func(ctx context.Context) error {
            if !database.IsHealthy() {
                return fmt.Errorf("database not healthy")
            }
            return database.PingContext(ctx)
        }))

        healthSvc.RegisterReadinessCheck("database", health.CheckFunc(func(ctx context.Context) error {
            return database.PingContext(ctx)
        }))

        healthSvc.RegisterReadinessCheck("pool", health.CheckFunc(func(ctx context.Context) error {
            _, err := poolMgr.Status(ctx)
            return err
        }))

        go healthSvc.Start()
    }

    if cfg.Monitoring.Metrics.Enabled {
        go metricsSvc.ServeHTTP(cfg.Monitoring.Metrics.Port)
    }

    return nil
}

// initializeCore wires the database, stores and domain services shared by
// the server and the CLI. It does not start any listeners.
func initializeCore() error {
    dbConfig := db.Config{
        Driver:          cfg.Database.Driver,
        Host:            cfg.Database.Host,
        Port:            cfg.Database.Port,
        Username:        cfg.Database.Username,
        Password:        cfg.Database.Password,
        Database:        cfg.Database.Database,
        MaxOpenConns:    cfg.Database.MaxOpenConns,
        MaxIdleConns:    cfg.Database.MaxIdleConns,
        ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
        RetryAttempts:   cfg.Database.RetryAttempts,
        RetryDelay:      cfg.Database.RetryDelay,
    }

    if err := db.Initialize(dbConfig); err != nil {
        return err
    }

    database = db.GetDB()

    cacheConfig := db.CacheConfig{
        Host:         cfg.Redis.Host,
        Port:         cfg.Redis.Port,
        Password:     cfg.Redis.Password,
        DB:           cfg.Redis.DB,
        PoolSize:     cfg.Redis.PoolSize,
        MinIdleConns: cfg.Redis.MinIdleConns,
        MaxRetries:   cfg.Redis.MaxRetries,
    }

    if err := db.InitializeCache(cacheConfig, "outdial"); err != nil {
        logger.WithError(err).Warn("Failed to initialize Redis cache, continuing without it")
    }

    cache = db.GetCache()

    unitStore = store.NewMySQLCallerIDStore(database)
    recordStore = store.NewMySQLCallRecordStore(database.DB)
    balanceStore = store.NewMySQLBalanceStore(database)
    blockStore = store.NewMySQLBlacklistStore(database.DB)
    accountStore = store.NewMySQLAccountStore(database.DB)

    metricsSvc = metrics.NewPrometheusMetrics()

    poolMgr = pool.NewManager(unitStore, cache, metricsSvc, pool.Config{
        LeaseTTL:       cfg.Pool.LeaseTTL,
        LockTTL:        cfg.Pool.LockTTL,
        LockRetries:    cfg.Pool.LockRetries,
        LockRetryDelay: cfg.Pool.LockRetryDelay,
        StatusCacheTTL: cfg.Pool.StatusCacheTTL,
    })

    providerTimeout := cfg.Dialer.ProviderTimeout
    registry = provider.NewRegistry(accountStore, metricsSvc, func(account models.ProviderAccount) provider.CallController {
        return provider.NewHTTPController(account, providerTimeout)
    })

    machine = lifecycle.NewMachine(recordStore, poolMgr, registry, metricsSvc)
    ledgerSvc = ledger.NewService(balanceStore, metricsSvc)

    recoverySvc = recovery.NewService(recordStore, poolMgr, machine, registry, registry, metricsSvc, recovery.Config{
        Interval:            cfg.Recovery.Interval,
        StuckInitiatedAfter: cfg.Recovery.StuckInitiatedAfter,
        ForceCompleteAfter:  cfg.Recovery.ForceCompleteAfter,
        VerifyAfter:         cfg.Recovery.VerifyAfter,
        VerifyEverySweeps:   cfg.Recovery.VerifyEverySweeps,
    })

    return nil
}

func runService(ctx context.Context) {
    logger.Info("Starting outdial service")

    if cfg.Recovery.Enabled {
        recoverySvc.Start(ctx)
    }

    sigChan := make(chan os.Signal, 1)
    signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

    go func() {
        if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
            logger.WithError(err).Fatal("API server failed")
        }
    }()

    <-sigChan
    logger.Info("Shutting down outdial service")

    if err := apiServer.Stop(); err != nil {
        logger.WithError(err).Error("Error stopping API server")
    }

    if cfg.Recovery.Enabled {
        recoverySvc.Stop()
    }

    if healthSvc != nil {
        healthSvc.Stop()
    }

    logger.Info("Shutdown complete")
}
