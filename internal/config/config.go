package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"topology-coordinator/internal/coordinator"
	"topology-coordinator/internal/database"
	"topology-coordinator/internal/engine"
	"topology-coordinator/internal/leader"

	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Storage     StorageConfig     `yaml:"storage" mapstructure:"storage"`
	Database    DatabaseConfig    `yaml:"database" mapstructure:"database"`
	Redis       RedisConfig       `yaml:"redis" mapstructure:"redis"`
	Worker      WorkerConfig      `yaml:"worker" mapstructure:"worker"`
	Coordinator CoordinatorConfig `yaml:"coordinator" mapstructure:"coordinator"`
	Leader      LeaderConfig      `yaml:"leader" mapstructure:"leader"`
	Engine      EngineConfig      `yaml:"engine" mapstructure:"engine"`
	Logger      LoggerConfig      `yaml:"logger" mapstructure:"logger"`
	Metrics     MetricsConfig     `yaml:"metrics" mapstructure:"metrics"`
	Security    SecurityConfig    `yaml:"security" mapstructure:"security"`
	Auth        AuthConfig        `yaml:"auth" mapstructure:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" mapstructure:"rate_limit"`
	Tracing     TracingConfig     `yaml:"tracing" mapstructure:"tracing"`
}

type ServerConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

type StorageConfig struct {
	Backend      string        `yaml:"backend" mapstructure:"backend"`
	KeyPrefix    string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	CandidacyTTL time.Duration `yaml:"candidacy_ttl" mapstructure:"candidacy_ttl"`
	EnsureSchema bool          `yaml:"ensure_schema" mapstructure:"ensure_schema"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	User            string        `yaml:"user" mapstructure:"user"`
	Password        string        `yaml:"password" mapstructure:"password"`
	DBName          string        `yaml:"db_name" mapstructure:"db_name"`
	SSLMode         string        `yaml:"ssl_mode" mapstructure:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

type RedisConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	Password     string        `yaml:"password" mapstructure:"password"`
	DB           int           `yaml:"db" mapstructure:"db"`
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

type WorkerConfig struct {
	// Name identifies the worker in the fleet; defaults to the hostname
	Name            string        `yaml:"name" mapstructure:"name"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

type CoordinatorConfig struct {
	LoopInterval   time.Duration `yaml:"loop_interval" mapstructure:"loop_interval"`
	PingInterval   time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	SanityEvery    int           `yaml:"sanity_every" mapstructure:"sanity_every"`
	MaxErrorLength int           `yaml:"max_error_length" mapstructure:"max_error_length"`
}

type LeaderConfig struct {
	LoopInterval      time.Duration `yaml:"loop_interval" mapstructure:"loop_interval"`
	WorkerIdleTimeout time.Duration `yaml:"worker_idle_timeout" mapstructure:"worker_idle_timeout"`
	WaitingTimeout    time.Duration `yaml:"waiting_timeout" mapstructure:"waiting_timeout"`
	RebalanceInterval time.Duration `yaml:"rebalance_interval" mapstructure:"rebalance_interval"`
	CandidacyWait     time.Duration `yaml:"candidacy_wait" mapstructure:"candidacy_wait"`
	CandidacyJitter   time.Duration `yaml:"candidacy_jitter" mapstructure:"candidacy_jitter"`
	AffinityFactor    float64       `yaml:"affinity_factor" mapstructure:"affinity_factor"`
	MessageTTL        time.Duration `yaml:"message_ttl" mapstructure:"message_ttl"`
}

type EngineConfig struct {
	DormantStart string        `yaml:"dormant_start" mapstructure:"dormant_start"`
	DormantEnd   string        `yaml:"dormant_end" mapstructure:"dormant_end"`
	StopTimeout  time.Duration `yaml:"stop_timeout" mapstructure:"stop_timeout"`

	CrashThreshold int           `yaml:"crash_threshold" mapstructure:"crash_threshold"`
	CrashCooldown  time.Duration `yaml:"crash_cooldown" mapstructure:"crash_cooldown"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type SecurityConfig struct {
	Enabled               bool          `yaml:"enabled" mapstructure:"enabled"`
	TLSEnabled            bool          `yaml:"tls_enabled" mapstructure:"tls_enabled"`
	TLSCertFile           string        `yaml:"tls_cert_file" mapstructure:"tls_cert_file"`
	TLSKeyFile            string        `yaml:"tls_key_file" mapstructure:"tls_key_file"`
	CORSEnabled           bool          `yaml:"cors_enabled" mapstructure:"cors_enabled"`
	CORSAllowedOrigins    []string      `yaml:"cors_allowed_origins" mapstructure:"cors_allowed_origins"`
	RequestTimeout        time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	MaxRequestSize        int64         `yaml:"max_request_size" mapstructure:"max_request_size"`
	EnableSecurityHeaders bool          `yaml:"enable_security_headers" mapstructure:"enable_security_headers"`
}

type AuthConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	JWTSecret     string        `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	TokenDuration time.Duration `yaml:"token_duration" mapstructure:"token_duration"`
	RequireAuth   bool          `yaml:"require_auth" mapstructure:"require_auth"`
}

type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	WindowDuration    time.Duration `yaml:"window_duration" mapstructure:"window_duration"`
}

type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" mapstructure:"enabled"`
	ServiceName    string  `yaml:"service_name" mapstructure:"service_name"`
	JaegerEndpoint string  `yaml:"jaeger_endpoint" mapstructure:"jaeger_endpoint"`
	SampleRate     float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
}

// Load reads config.yaml from ./configs or the working directory. A missing
// file is fine; TOPO_* environment variables override both.
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return decode(v)
}

// LoadFrom reads the given config file, which must exist
func LoadFrom(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("TOPO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Worker.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve worker name: %w", err)
		}
		config.Worker.Name = hostname
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")

	v.SetDefault("storage.backend", BackendRedis)
	v.SetDefault("storage.key_prefix", "topo")
	v.SetDefault("storage.candidacy_ttl", "30s")
	v.SetDefault("storage.ensure_schema", true)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "topology")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.db_name", "topology")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.conn_max_idle_time", "5m")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	v.SetDefault("worker.name", "")
	v.SetDefault("worker.shutdown_timeout", "30s")

	v.SetDefault("coordinator.loop_interval", "2s")
	v.SetDefault("coordinator.ping_interval", "10s")
	v.SetDefault("coordinator.sanity_every", 5)
	v.SetDefault("coordinator.max_error_length", 1000)

	v.SetDefault("leader.loop_interval", "3s")
	v.SetDefault("leader.worker_idle_timeout", "30s")
	v.SetDefault("leader.waiting_timeout", "60s")
	v.SetDefault("leader.rebalance_interval", "1h")
	v.SetDefault("leader.candidacy_wait", "1s")
	v.SetDefault("leader.candidacy_jitter", "1s")
	v.SetDefault("leader.affinity_factor", 5.0)
	v.SetDefault("leader.message_ttl", "1m")

	v.SetDefault("engine.dormant_start", "")
	v.SetDefault("engine.dormant_end", "")
	v.SetDefault("engine.stop_timeout", "30s")
	v.SetDefault("engine.crash_threshold", 5)
	v.SetDefault("engine.crash_cooldown", "1m")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output_path", "stdout")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9091)

	v.SetDefault("security.enabled", true)
	v.SetDefault("security.tls_enabled", false)
	v.SetDefault("security.tls_cert_file", "")
	v.SetDefault("security.tls_key_file", "")
	v.SetDefault("security.cors_enabled", true)
	v.SetDefault("security.cors_allowed_origins", []string{"*"})
	v.SetDefault("security.request_timeout", "30s")
	v.SetDefault("security.max_request_size", 1048576)
	v.SetDefault("security.enable_security_headers", true)

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.jwt_secret", "your-secret-key-change-in-production")
	v.SetDefault("auth.token_duration", "24h")
	v.SetDefault("auth.require_auth", true)

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.requests_per_minute", 120)
	v.SetDefault("rate_limit.window_duration", "1m")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "topology-coordinator")
	v.SetDefault("tracing.jaeger_endpoint", "")
	v.SetDefault("tracing.sample_rate", 1.0)
}

func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Storage.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if config.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if config.Database.Port <= 0 || config.Database.Port > 65535 {
			return fmt.Errorf("invalid database port: %d", config.Database.Port)
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", config.Storage.Backend)
	}

	if config.Leader.WorkerIdleTimeout <= config.Coordinator.PingInterval {
		return fmt.Errorf("leader worker_idle_timeout %s must exceed coordinator ping_interval %s",
			config.Leader.WorkerIdleTimeout, config.Coordinator.PingInterval)
	}

	if config.Leader.LoopInterval <= 0 || config.Coordinator.LoopInterval <= 0 {
		return fmt.Errorf("loop intervals must be positive")
	}

	if config.Leader.AffinityFactor < 1 {
		return fmt.Errorf("leader affinity_factor must be at least 1, got: %v", config.Leader.AffinityFactor)
	}

	if config.Metrics.Enabled && (config.Metrics.Port <= 0 || config.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", config.Metrics.Port)
	}

	if config.Security.TLSEnabled && (config.Security.TLSCertFile == "" || config.Security.TLSKeyFile == "") {
		return fmt.Errorf("tls requires both tls_cert_file and tls_key_file")
	}

	return nil
}

func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) GetMetricsAddr() string {
	return fmt.Sprintf(":%d", c.Metrics.Port)
}

func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ToDatabase converts to the connection settings of the Postgres backend
func (d DatabaseConfig) ToDatabase() database.Config {
	return database.Config{
		Host:            d.Host,
		Port:            d.Port,
		User:            d.User,
		Password:        d.Password,
		DBName:          d.DBName,
		SSLMode:         d.SSLMode,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ConnMaxIdleTime: d.ConnMaxIdleTime,
	}
}

func (l LeaderConfig) ToLeader() leader.Config {
	return leader.Config{
		LoopInterval:      l.LoopInterval,
		WorkerIdleTimeout: l.WorkerIdleTimeout,
		WaitingTimeout:    l.WaitingTimeout,
		RebalanceInterval: l.RebalanceInterval,
		CandidacyWait:     l.CandidacyWait,
		CandidacyJitter:   l.CandidacyJitter,
		AffinityFactor:    l.AffinityFactor,
		MessageTTL:        l.MessageTTL,
	}
}

func (c CoordinatorConfig) ToCoordinator() coordinator.Config {
	return coordinator.Config{
		LoopInterval:   c.LoopInterval,
		PingInterval:   c.PingInterval,
		SanityEvery:    c.SanityEvery,
		MaxErrorLength: c.MaxErrorLength,
	}
}

func (e EngineConfig) ToEngine() engine.Config {
	return engine.Config{
		DormantStart:   e.DormantStart,
		DormantEnd:     e.DormantEnd,
		StopTimeout:    e.StopTimeout,
		CrashThreshold: e.CrashThreshold,
		CrashCooldown:  e.CrashCooldown,
	}
}
