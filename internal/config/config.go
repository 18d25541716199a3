package config

import (
    "time"
)

// Config holds all configuration for the engine
type Config struct {
    App         AppConfig
    Database    DatabaseConfig
    Redis       RedisConfig
    Signaling   SignalingConfig
    Switch      SwitchConfig
    Engine      EngineConfig
    Accounting  AccountingConfig
    Monitoring  MonitoringConfig
    API         APIConfig
    Performance PerformanceConfig
}

type AppConfig struct {
    Name        string
    Version     string
    Environment string
    Debug       bool
}

type DatabaseConfig struct {
    Driver          string
    Host            string
    Port            int
    Username        string
    Password        string
    Database        string
    MaxOpenConns    int
    MaxIdleConns    int
    ConnMaxLifetime time.Duration
    RetryAttempts   int
    RetryDelay      time.Duration
}

type RedisConfig struct {
    Host         string
    Port         int
    Password     string
    DB           int
    PoolSize     int
    MinIdleConns int
    MaxRetries   int
}

type SignalingConfig struct {
    ListenAddress   string
    Port            int
    MaxConnections  int
    ReadTimeout     time.Duration
    WriteTimeout    time.Duration
    IdleTimeout     time.Duration
    ShutdownTimeout time.Duration
}

// SwitchConfig points the termination command channel at the call
// control server.
type SwitchConfig struct {
    Host              string
    Port              int
    Password          string
    ReconnectInterval time.Duration
    CommandTimeout    time.Duration
}

type EngineConfig struct {
    MaxActiveCalls    int
    MaxCallAttempts   int
    GlobalCallTimeout int
    SweepInterval     time.Duration
    ProfileCacheTTL   time.Duration
    RateCacheTTL      time.Duration
    QualityDataLimit  int

    // Overload protection. Threshold is calls per second over a one
    // second window; zero disables shedding.
    ShedThreshold float64
    ShedDelay     time.Duration

    // Negative cache TTL per rejection cause.
    HGCCacheTTL map[int]time.Duration
}

type AccountingConfig struct {
    BatchSize        int
    FlushInterval    time.Duration
    AsyncFlush       bool
    DeferredBalance  bool
    BalancePeriod    time.Duration
    SnapshotInterval time.Duration
}

type MonitoringConfig struct {
    Metrics struct {
        Enabled bool
        Port    int
        Path    string
    }
    Health struct {
        Enabled       bool
        Port          int
        LivenessPath  string
        ReadinessPath string
    }
    Logging struct {
        Level  string
        Format string
        Output string
        File   struct {
            Enabled    bool
            Path       string
            MaxSize    int
            MaxBackups int
            MaxAge     int
            Compress   bool
        }
    }
}

type APIConfig struct {
    Enabled     bool
    Port        int
    AuthToken   string
    CORSEnabled bool
}

type PerformanceConfig struct {
    WorkerPoolSize int
    QueueSize      int
    GCInterval     time.Duration
}
