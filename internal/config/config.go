package config

import (
    "time"

    "github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
    App        AppConfig
    Database   DatabaseConfig
    Redis      RedisConfig
    Pool       PoolConfig
    Dialer     DialerConfig
    Recovery   RecoveryConfig
    Monitoring MonitoringConfig
    Security   SecurityConfig
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

type PoolConfig struct {
    LeaseTTL       time.Duration
    LockTTL        time.Duration
    LockRetries    int
    LockRetryDelay time.Duration
    StatusCacheTTL time.Duration
}

type DialerConfig struct {
    UnitCost          int64
    AttemptTimeout    time.Duration
    InterAttemptDelay time.Duration
    MaxLeaseRetries   int
    StatusCallbackURL string
    ProviderTimeout   time.Duration
}

type RecoveryConfig struct {
    Enabled             bool
    Interval            time.Duration
    StuckInitiatedAfter time.Duration
    ForceCompleteAfter  time.Duration
    VerifyAfter         time.Duration
    VerifyEverySweeps   int
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

type SecurityConfig struct {
    TLS struct {
        Enabled  bool
        CertFile string
        KeyFile  string
        CAFile   string
    }
    API struct {
        Enabled     bool
        Port        int
        AuthToken   string
        RateLimit   int
        CORSEnabled bool
    }
}

// FromViper materializes the typed configuration from the viper instance
// populated by the caller. Defaults and the config file must already be set.
func FromViper() *Config {
    cfg := &Config{
        App: AppConfig{
            Name:        viper.GetString("app.name"),
            Version:     viper.GetString("app.version"),
            Environment: viper.GetString("app.environment"),
            Debug:       viper.GetBool("app.debug"),
        },
        Database: DatabaseConfig{
            Driver:          viper.GetString("database.driver"),
            Host:            viper.GetString("database.host"),
            Port:            viper.GetInt("database.port"),
            Username:        viper.GetString("database.username"),
            Password:        viper.GetString("database.password"),
            Database:        viper.GetString("database.database"),
            MaxOpenConns:    viper.GetInt("database.max_open_conns"),
            MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
            ConnMaxLifetime: viper.GetDuration("database.conn_max_lifetime"),
            RetryAttempts:   viper.GetInt("database.retry_attempts"),
            RetryDelay:      viper.GetDuration("database.retry_delay"),
        },
        Redis: RedisConfig{
            Host:         viper.GetString("redis.host"),
            Port:         viper.GetInt("redis.port"),
            Password:     viper.GetString("redis.password"),
            DB:           viper.GetInt("redis.db"),
            PoolSize:     viper.GetInt("redis.pool_size"),
            MinIdleConns: viper.GetInt("redis.min_idle_conns"),
            MaxRetries:   viper.GetInt("redis.max_retries"),
        },
        Pool: PoolConfig{
            LeaseTTL:       viper.GetDuration("pool.lease_ttl"),
            LockTTL:        viper.GetDuration("pool.lock_ttl"),
            LockRetries:    viper.GetInt("pool.lock_retries"),
            LockRetryDelay: viper.GetDuration("pool.lock_retry_delay"),
            StatusCacheTTL: viper.GetDuration("pool.status_cache_ttl"),
        },
        Dialer: DialerConfig{
            UnitCost:          viper.GetInt64("dialer.unit_cost"),
            AttemptTimeout:    viper.GetDuration("dialer.attempt_timeout"),
            InterAttemptDelay: viper.GetDuration("dialer.inter_attempt_delay"),
            MaxLeaseRetries:   viper.GetInt("dialer.max_lease_retries"),
            StatusCallbackURL: viper.GetString("dialer.status_callback_url"),
            ProviderTimeout:   viper.GetDuration("dialer.provider_timeout"),
        },
        Recovery: RecoveryConfig{
            Enabled:             viper.GetBool("recovery.enabled"),
            Interval:            viper.GetDuration("recovery.interval"),
            StuckInitiatedAfter: viper.GetDuration("recovery.stuck_initiated_after"),
            ForceCompleteAfter:  viper.GetDuration("recovery.force_complete_after"),
            VerifyAfter:         viper.GetDuration("recovery.verify_after"),
            VerifyEverySweeps:   viper.GetInt("recovery.verify_every_sweeps"),
        },
    }

    cfg.Monitoring.Metrics.Enabled = viper.GetBool("monitoring.metrics.enabled")
    cfg.Monitoring.Metrics.Port = viper.GetInt("monitoring.metrics.port")
    cfg.Monitoring.Metrics.Path = viper.GetString("monitoring.metrics.path")
    cfg.Monitoring.Health.Enabled = viper.GetBool("monitoring.health.enabled")
    cfg.Monitoring.Health.Port = viper.GetInt("monitoring.health.port")
    cfg.Monitoring.Logging.Level = viper.GetString("monitoring.logging.level")
    cfg.Monitoring.Logging.Format = viper.GetString("monitoring.logging.format")
    cfg.Monitoring.Logging.Output = viper.GetString("monitoring.logging.output")
    cfg.Monitoring.Logging.File.Enabled = viper.GetBool("monitoring.logging.file.enabled")
    cfg.Monitoring.Logging.File.Path = viper.GetString("monitoring.logging.file.path")
    cfg.Monitoring.Logging.File.MaxSize = viper.GetInt("monitoring.logging.file.max_size")
    cfg.Monitoring.Logging.File.MaxBackups = viper.GetInt("monitoring.logging.file.max_backups")
    cfg.Monitoring.Logging.File.MaxAge = viper.GetInt("monitoring.logging.file.max_age")
    cfg.Monitoring.Logging.File.Compress = viper.GetBool("monitoring.logging.file.compress")

    cfg.Security.API.Enabled = viper.GetBool("security.api.enabled")
    cfg.Security.API.Port = viper.GetInt("security.api.port")
    cfg.Security.API.AuthToken = viper.GetString("security.api.auth_token")
    cfg.Security.TLS.Enabled = viper.GetBool("security.tls.enabled")
    cfg.Security.TLS.CertFile = viper.GetString("security.tls.cert_file")
    cfg.Security.TLS.KeyFile = viper.GetString("security.tls.key_file")

    return cfg
}
