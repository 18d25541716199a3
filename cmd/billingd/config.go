package main

import (
    "context"
    "fmt"
    "time"

    "github.com/hamzaKhattat/voip-billing-engine/internal/accounting"
    "github.com/hamzaKhattat/voip-billing-engine/internal/config"
    "github.com/hamzaKhattat/voip-billing-engine/internal/cps"
    "github.com/hamzaKhattat/voip-billing-engine/internal/db"
    "github.com/hamzaKhattat/voip-billing-engine/internal/directory"
    "github.com/hamzaKhattat/voip-billing-engine/internal/health"
    "github.com/hamzaKhattat/voip-billing-engine/internal/metrics"
    "github.com/hamzaKhattat/voip-billing-engine/internal/pipeline"
    "github.com/hamzaKhattat/voip-billing-engine/internal/quality"
    "github.com/hamzaKhattat/voip-billing-engine/internal/rating"
    "github.com/hamzaKhattat/voip-billing-engine/internal/registry"
    "github.com/hamzaKhattat/voip-billing-engine/internal/routing"
    "github.com/hamzaKhattat/voip-billing-engine/internal/termination"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/logger"
    "github.com/spf13/viper"
)

func loadConfig() error {
    if configFile != "" {
        viper.SetConfigFile(configFile)
    } else {
        viper.SetConfigName("production")
        viper.SetConfigType("yaml")
        viper.AddConfigPath("./configs")
        viper.AddConfigPath("/etc/voip-billing-engine")
    }

    viper.SetEnvPrefix("BILLING_ENGINE")
    viper.AutomaticEnv()

    setDefaults()

    if err := viper.ReadInConfig(); err != nil {
        if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
            return err
        }
        logger.Warn("No config file found, using defaults and environment")
    }

    return nil
}

func setDefaults() {
    // Database defaults
    viper.SetDefault("database.driver", "mysql")
    viper.SetDefault("database.host", "localhost")
    viper.SetDefault("database.port", 3306)
    viper.SetDefault("database.username", "billing")
    viper.SetDefault("database.password", "billing")
    viper.SetDefault("database.database", "billing_engine")
    viper.SetDefault("database.max_open_conns", 25)
    viper.SetDefault("database.max_idle_conns", 5)
    viper.SetDefault("database.conn_max_lifetime", "5m")

    // Signaling defaults
    viper.SetDefault("signaling.listen_address", "0.0.0.0")
    viper.SetDefault("signaling.port", 4573)
    viper.SetDefault("signaling.max_connections", 1000)
    viper.SetDefault("signaling.read_timeout", "30s")
    viper.SetDefault("signaling.write_timeout", "30s")
    viper.SetDefault("signaling.idle_timeout", "120s")
    viper.SetDefault("signaling.shutdown_timeout", "30s")

    // Engine defaults
    viper.SetDefault("engine.max_active_calls", 10000)
    viper.SetDefault("engine.max_call_attempts", 10)
    viper.SetDefault("engine.global_call_timeout", 7200)
    viper.SetDefault("engine.sweep_interval", "1s")
    viper.SetDefault("engine.profile_cache_ttl", "60s")
    viper.SetDefault("engine.rate_cache_ttl", "300s")
    viper.SetDefault("engine.quality_data_limit", 1000)
    viper.SetDefault("engine.shed_threshold", 0)
    viper.SetDefault("engine.shed_delay", "500ms")
    viper.SetDefault("engine.reject_cache_ttl.301", "10s")
    viper.SetDefault("engine.reject_cache_ttl.302", "1s")
    viper.SetDefault("engine.reject_cache_ttl.303", "1s")
    viper.SetDefault("engine.reject_cache_ttl.304", "1s")
    viper.SetDefault("engine.reject_cache_ttl.306", "5s")
    viper.SetDefault("engine.reject_cache_ttl.311", "10s")
    viper.SetDefault("engine.reject_cache_ttl.313", "1s")
    viper.SetDefault("engine.reject_cache_ttl.320", "5s")
    viper.SetDefault("engine.reject_cache_ttl.332", "10s")
    viper.SetDefault("engine.reject_cache_ttl.333", "10s")

    // Accounting defaults
    viper.SetDefault("accounting.batch_size", 100)
    viper.SetDefault("accounting.flush_interval", "2s")
    viper.SetDefault("accounting.async_flush", true)
    viper.SetDefault("accounting.deferred_balance", false)
    viper.SetDefault("accounting.balance_period", "10s")

    // Switch control defaults
    viper.SetDefault("switch.port", 5039)
    viper.SetDefault("switch.reconnect_interval", "5s")
    viper.SetDefault("switch.command_timeout", "5s")

    // Monitoring defaults
    viper.SetDefault("monitoring.metrics.enabled", true)
    viper.SetDefault("monitoring.metrics.port", 9090)
    viper.SetDefault("monitoring.health.enabled", true)
    viper.SetDefault("monitoring.health.port", 8080)
    viper.SetDefault("monitoring.logging.level", "info")
    viper.SetDefault("monitoring.logging.format", "json")
}

func connectDatabase() error {
    dbConfig := db.Config{
        Driver:          viper.GetString("database.driver"),
        Host:            viper.GetString("database.host"),
        Port:            viper.GetInt("database.port"),
        Username:        viper.GetString("database.username"),
        Password:        viper.GetString("database.password"),
        Database:        viper.GetString("database.database"),
        MaxOpenConns:    viper.GetInt("database.max_open_conns"),
        MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
        ConnMaxLifetime: viper.GetDuration("database.conn_max_lifetime"),
        RetryAttempts:   3,
        RetryDelay:      time.Second,
    }

    if err := db.Initialize(dbConfig); err != nil {
        return err
    }
    database = db.GetDB()

    cacheConfig := db.CacheConfig{
        Host:         viper.GetString("redis.host"),
        Port:         viper.GetInt("redis.port"),
        Password:     viper.GetString("redis.password"),
        DB:           viper.GetInt("redis.db"),
        PoolSize:     viper.GetInt("redis.pool_size"),
        MinIdleConns: viper.GetInt("redis.min_idle_conns"),
        MaxRetries:   viper.GetInt("redis.max_retries"),
    }

    if err := db.InitializeCache(cacheConfig, "billing-engine"); err != nil {
        logger.WithError(err).Warn("Failed to initialize Redis cache, running without cache tier")
    }
    cache = db.GetCache()

    return nil
}

func engineConfig() config.EngineConfig {
    ttls := make(map[int]time.Duration)
    for _, cause := range []int{301, 302, 303, 304, 306, 311, 313, 320, 332, 333} {
        key := fmt.Sprintf("engine.reject_cache_ttl.%d", cause)
        if d := viper.GetDuration(key); d > 0 {
            ttls[cause] = d
        }
    }

    return config.EngineConfig{
        MaxActiveCalls:    viper.GetInt("engine.max_active_calls"),
        MaxCallAttempts:   viper.GetInt("engine.max_call_attempts"),
        GlobalCallTimeout: viper.GetInt("engine.global_call_timeout"),
        SweepInterval:     viper.GetDuration("engine.sweep_interval"),
        ProfileCacheTTL:   viper.GetDuration("engine.profile_cache_ttl"),
        RateCacheTTL:      viper.GetDuration("engine.rate_cache_ttl"),
        QualityDataLimit:  viper.GetInt("engine.quality_data_limit"),
        ShedThreshold:     viper.GetFloat64("engine.shed_threshold"),
        ShedDelay:         viper.GetDuration("engine.shed_delay"),
        HGCCacheTTL:       ttls,
    }
}

// bootstrap wires the full service graph for server mode.
func bootstrap(ctx context.Context) error {
    if err := connectDatabase(); err != nil {
        return err
    }

    metricsSvc = metrics.NewPrometheusMetrics()

    engCfg := engineConfig()

    store = directory.NewStore(database.DB, cache, engCfg.ProfileCacheTTL)
    rateCache = rating.NewCache(store, engCfg.RateCacheTTL)
    limiter := cps.NewLimiter()
    reg := registry.New(engCfg.MaxActiveCalls)

    qualityTable := quality.NewTable(engCfg.QualityDataLimit, store)
    scorer := quality.NewScorer(qualityTable, quality.NewEvaluator())

    candidates := directory.NewCandidates(store, rateCache, limiter, pipeline.DeviceCounter(reg))
    builder := routing.NewBuilder(candidates, scorer, engCfg.MaxCallAttempts, time.Now().UnixNano())

    balances := accounting.NewBalances(store, viper.GetBool("accounting.deferred_balance"))
    writer := accounting.NewWriter(store,
        viper.GetInt("accounting.batch_size"),
        viper.GetDuration("accounting.flush_interval"),
        viper.GetBool("accounting.async_flush"))
    acctEngine = accounting.NewEngine(balances, writer)

    var term pipeline.Terminator
    if viper.GetString("switch.host") != "" {
        switchChan = termination.NewChannel(termination.Config{
            Host:              viper.GetString("switch.host"),
            Port:              viper.GetInt("switch.port"),
            Password:          viper.GetString("switch.password"),
            ReconnectInterval: viper.GetDuration("switch.reconnect_interval"),
            CommandTimeout:    viper.GetDuration("switch.command_timeout"),
        })
        if err := switchChan.Connect(ctx); err != nil {
            logger.WithError(err).Warn("Switch control channel unavailable, will retry in background")
        }
        switchChan.Start(ctx)
        term = switchChan
    } else {
        logger.Warn("Switch control not configured, system hangups disabled")
    }

    engine = pipeline.NewEngine(engCfg, store, builder, reg, limiter,
        rateCache, qualityTable, acctEngine, metricsSvc, term)

    if viper.GetBool("monitoring.health.enabled") {
        healthSvc = health.NewHealthService(viper.GetInt("monitoring.health.port"))

        healthSvc.RegisterLivenessCheck("database", health.CheckFunc(func(ctx context.Context) error {
            if !database.IsHealthy() {
                return fmt.Errorf("database not healthy")
            }
            return database.PingContext(ctx)
        }))
        healthSvc.RegisterReadinessCheck("database", health.CheckFunc(func(ctx context.Context) error {
            return database.PingContext(ctx)
        }))

        healthSvc.RegisterStats("engine", func() interface{} { return engine.Stats() })
        healthSvc.RegisterStats("writer", func() interface{} {
            return map[string]interface{}{"pending_cdrs": acctEngine.Writer().Pending()}
        })
        if switchChan != nil {
            healthSvc.RegisterStats("switch", func() interface{} { return switchChan.Stats() })
        }

        go healthSvc.Start()
    }

    if viper.GetBool("monitoring.metrics.enabled") {
        go metricsSvc.ServeHTTP(viper.GetInt("monitoring.metrics.port"))
    }

    return nil
}

// initializeForCLI brings up just enough for the read-only commands.
func initializeForCLI(ctx context.Context) error {
    if err := loadConfig(); err != nil {
        return fmt.Errorf("failed to load config: %v", err)
    }

    logConfig := logger.Config{
        Level:  "warn",
        Format: "text",
    }
    if verbose {
        logConfig.Level = "debug"
    }
    if err := logger.Init(logConfig); err != nil {
        return fmt.Errorf("failed to initialize logger: %v", err)
    }

    if err := connectDatabase(); err != nil {
        return fmt.Errorf("failed to connect to database: %v", err)
    }

    store = directory.NewStore(database.DB, cache, viper.GetDuration("engine.profile_cache_ttl"))
    return database.PingContext(ctx)
}
