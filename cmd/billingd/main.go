package main

import (
    "context"
    "flag"
    "fmt"
    "os"
    "os/signal"
    "syscall"

    "github.com/hamzaKhattat/voip-billing-engine/internal/accounting"
    "github.com/hamzaKhattat/voip-billing-engine/internal/db"
    "github.com/hamzaKhattat/voip-billing-engine/internal/directory"
    "github.com/hamzaKhattat/voip-billing-engine/internal/health"
    "github.com/hamzaKhattat/voip-billing-engine/internal/metrics"
    "github.com/hamzaKhattat/voip-billing-engine/internal/pipeline"
    "github.com/hamzaKhattat/voip-billing-engine/internal/rating"
    "github.com/hamzaKhattat/voip-billing-engine/internal/signaling"
    "github.com/hamzaKhattat/voip-billing-engine/internal/termination"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/logger"
    "github.com/spf13/cobra"
    "github.com/spf13/viper"
)

var (
    configFile string
    initDB     bool
    serveMode  bool
    verbose    bool

    // Global services
    database   *db.DB
    cache      *db.Cache
    store      *directory.Store
    rateCache  *rating.Cache
    engine     *pipeline.Engine
    acctEngine *accounting.Engine
    sigServer  *signaling.Server
    switchChan *termination.Channel
    healthSvc  *health.HealthService
    metricsSvc *metrics.PrometheusMetrics
)

func main() {
    flag.StringVar(&configFile, "config", "", "Configuration file path")
    flag.BoolVar(&initDB, "init-db", false, "Initialize database")
    flag.BoolVar(&serveMode, "serve", false, "Run the billing engine")
    flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
    flag.Parse()

    // Flags mean server mode, otherwise run the CLI.
    if flag.NFlag() > 0 {
        runServerMode()
        return
    }

    runCLI()
}

func runServerMode() {
    ctx := context.Background()

    if err := loadConfig(); err != nil {
        fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
        os.Exit(1)
    }

    logConfig := logger.Config{
        Level:  viper.GetString("monitoring.logging.level"),
        Format: viper.GetString("monitoring.logging.format"),
        Output: viper.GetString("monitoring.logging.output"),
        File: logger.FileConfig{
            Enabled:    viper.GetBool("monitoring.logging.file.enabled"),
            Path:       viper.GetString("monitoring.logging.file.path"),
            MaxSize:    viper.GetInt("monitoring.logging.file.max_size"),
            MaxBackups: viper.GetInt("monitoring.logging.file.max_backups"),
            MaxAge:     viper.GetInt("monitoring.logging.file.max_age"),
            Compress:   viper.GetBool("monitoring.logging.file.compress"),
        },
    }

    if verbose {
        logConfig.Level = "debug"
    }

    if err := logger.Init(logConfig); err != nil {
        fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
        os.Exit(1)
    }

    if initDB {
        if err := connectDatabase(); err != nil {
            logger.Fatal("Failed to connect to database", "error", err)
        }
        logger.Info("Initializing database schema")
        if err := db.InitializeDatabase(ctx, database.DB, true); err != nil {
            logger.Fatal("Failed to initialize database", "error", err)
        }
        logger.Info("Database initialization completed")
        return
    }

    if serveMode {
        runEngine(ctx)
        return
    }

    fmt.Println("Usage:")
    fmt.Println("  billingd [command] [flags]")
    fmt.Println("  billingd -serve            # Run the billing engine")
    fmt.Println("  billingd -init-db          # Initialize database")
    fmt.Println("")
    fmt.Println("Run 'billingd --help' for more information")
}

func runCLI() {
    rootCmd := &cobra.Command{
        Use:   "billingd",
        Short: "VoIP call routing and billing engine",
        Long:  "Real-time call admission, adaptive routing and billing engine",
    }

    rootCmd.AddCommand(
        createCallsCommand(),
        createRoutesCommand(),
        createQualityCommand(),
        createAccountsCommand(),
        createRatesCommand(),
        createStatsCommand(),
    )

    if err := rootCmd.Execute(); err != nil {
        fmt.Fprintf(os.Stderr, "Error: %v\n", err)
        os.Exit(1)
    }
}

func runEngine(parent context.Context) {
    ctx, cancel := context.WithCancel(parent)
    defer cancel()

    if err := bootstrap(ctx); err != nil {
        logger.Fatal("Failed to bootstrap engine", "error", err)
    }

    // Background loops: record flushing, deferred balance writes, rate
    // cache eviction, registry maintenance.
    go acctEngine.Writer().Start(ctx)
    if viper.GetBool("accounting.deferred_balance") {
        go acctEngine.StartBalanceFlush(ctx, viper.GetDuration("accounting.balance_period"))
    }
    go rateCache.StartRefresh(ctx)
    go engine.Run(ctx)

    sigConfig := signaling.Config{
        ListenAddress:   viper.GetString("signaling.listen_address"),
        Port:            viper.GetInt("signaling.port"),
        MaxConnections:  viper.GetInt("signaling.max_connections"),
        ReadTimeout:     viper.GetDuration("signaling.read_timeout"),
        WriteTimeout:    viper.GetDuration("signaling.write_timeout"),
        IdleTimeout:     viper.GetDuration("signaling.idle_timeout"),
        ShutdownTimeout: viper.GetDuration("signaling.shutdown_timeout"),
    }
    sigServer = signaling.NewServer(engine, sigConfig, metricsSvc)

    sigChan := make(chan os.Signal, 1)
    signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

    go func() {
        if err := sigServer.Start(); err != nil {
            logger.Fatal("Signaling server failed", "error", err)
        }
    }()

    <-sigChan
    logger.Info("Shutting down engine")

    if err := sigServer.Stop(); err != nil {
        logger.WithError(err).Error("Error stopping signaling server")
    }
    cancel()

    if switchChan != nil {
        switchChan.Close()
    }
    if healthSvc != nil {
        healthSvc.Stop()
    }

    logger.Info("Shutdown complete")
}
