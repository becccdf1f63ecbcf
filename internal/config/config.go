package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/oriys/cumulus/internal/domain"
)

// EnvPrefix prefixes environment overrides, e.g. CUMULUS_STORAGE_BACKEND.
const EnvPrefix = "CUMULUS"

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// PollConfig shapes the Future Store's status polling backoff
type PollConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

// CumulusConfig holds executor-wide settings
type CumulusConfig struct {
	Mode              string        `mapstructure:"mode"`
	Bucket            string        `mapstructure:"bucket"`
	Runtime           string        `mapstructure:"runtime"`
	RuntimeMemory     int           `mapstructure:"runtime_memory"`
	RuntimeTimeout    int           `mapstructure:"runtime_timeout"`
	ExecutionTimeout  time.Duration `mapstructure:"execution_timeout"`
	Concurrency       int           `mapstructure:"concurrency"`
	InlineResultLimit int           `mapstructure:"inline_result_limit"`
	TempDir           string        `mapstructure:"temp_dir"`
	CacheDir          string        `mapstructure:"cache_dir"`
	LogsDir           string        `mapstructure:"logs_dir"`
	Poll              PollConfig    `mapstructure:"poll"`
}

// LocalhostConfig holds in-process backend settings
type LocalhostConfig struct {
	Workers     int    `mapstructure:"workers"`
	RuntimesDir string `mapstructure:"runtimes_dir"`
}

// BreakerConfig guards backend dispatch
type BreakerConfig struct {
	ErrorPct       float64       `mapstructure:"error_pct"`
	Window         time.Duration `mapstructure:"window"`
	OpenDuration   time.Duration `mapstructure:"open_duration"`
	HalfOpenProbes int           `mapstructure:"half_open_probes"`
}

// StandaloneConfig holds provisioned-machine backend settings
type StandaloneConfig struct {
	Backend     string        `mapstructure:"backend"`
	Agents      []string      `mapstructure:"agents"`
	Registry    string        `mapstructure:"registry"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Breaker     BreakerConfig `mapstructure:"breaker"`
}

// ServerlessConfig holds function-service backend settings
type ServerlessConfig struct {
	Backend        string        `mapstructure:"backend"`
	Endpoint       string        `mapstructure:"endpoint"`
	APIKey         string        `mapstructure:"api_key"`
	Registry       string        `mapstructure:"registry"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

// LocalFSConfig roots the filesystem storage adapter
type LocalFSConfig struct {
	Root string `mapstructure:"root"`
}

// S3Config configures the S3-compatible storage adapter
type S3Config struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// PostgresConfig configures the Postgres storage adapter
type PostgresConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// StorageConfig selects and configures the Storage Port adapter
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"` // memory, localfs, redis, s3, postgres, storageless
	LocalFS  LocalFSConfig  `mapstructure:"localfs"`
	Redis    RedisConfig    `mapstructure:"redis"`
	S3       S3Config       `mapstructure:"s3"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// CacheConfig configures the runtime metadata cache tiers
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	L1TTL   time.Duration `mapstructure:"l1_ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// NotifyConfig selects the completion notifier
type NotifyConfig struct {
	Backend string      `mapstructure:"backend"` // channel, redis, redis-list, noop
	Redis   RedisConfig `mapstructure:"redis"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
	Addr      string `mapstructure:"addr"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Exporter    string  `mapstructure:"exporter"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Cumulus    CumulusConfig    `mapstructure:"cumulus"`
	Localhost  LocalhostConfig  `mapstructure:"localhost"`
	Standalone StandaloneConfig `mapstructure:"standalone"`
	Serverless ServerlessConfig `mapstructure:"serverless"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.TempDir()
	}
	base := filepath.Join(home, ".cumulus")

	return &Config{
		Cumulus: CumulusConfig{
			Mode:              string(domain.ModeLocalhost),
			Bucket:            "cumulus",
			Runtime:           "default",
			RuntimeMemory:     256,
			RuntimeTimeout:    600,
			ExecutionTimeout:  30 * time.Minute,
			Concurrency:       64,
			InlineResultLimit: 1 << 20,
			TempDir:           filepath.Join(os.TempDir(), "cumulus"),
			CacheDir:          filepath.Join(base, "cache"),
			LogsDir:           filepath.Join(base, "logs"),
			Poll: PollConfig{
				InitialInterval: 50 * time.Millisecond,
				MaxInterval:     2 * time.Second,
				Multiplier:      1.5,
			},
		},
		Localhost: LocalhostConfig{
			Workers:     8,
			RuntimesDir: filepath.Join(base, "runtimes"),
		},
		Standalone: StandaloneConfig{
			Backend:     "static",
			DialTimeout: 10 * time.Second,
			Breaker: BreakerConfig{
				ErrorPct:       50,
				Window:         30 * time.Second,
				OpenDuration:   10 * time.Second,
				HalfOpenProbes: 1,
			},
		},
		Serverless: ServerlessConfig{
			Backend:        "gateway",
			Endpoint:       "http://localhost:9000",
			RequestTimeout: 30 * time.Second,
			Breaker: BreakerConfig{
				ErrorPct:       50,
				Window:         30 * time.Second,
				OpenDuration:   10 * time.Second,
				HalfOpenProbes: 1,
			},
		},
		Storage: StorageConfig{
			Backend: "localfs",
			LocalFS: LocalFSConfig{Root: filepath.Join(base, "storage")},
			Redis:   RedisConfig{Addr: "localhost:6379", KeyPrefix: "cumulus:obj:"},
			S3:      S3Config{Region: "us-east-1"},
			Postgres: PostgresConfig{
				Table: "cumulus_objects",
			},
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     10 * time.Minute,
			L1TTL:   10 * time.Second,
			Redis:   RedisConfig{KeyPrefix: "cumulus:cache:"},
		},
		Notify: NotifyConfig{
			Backend: "channel",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Namespace: "cumulus",
		},
		Tracing: TracingConfig{
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "cumulus",
			SampleRate:  1.0,
		},
	}
}

// Load reads configuration from path (or ./cumulus.yaml, ~/.cumulus/config.yaml
// when empty), layered over DefaultConfig. Environment variables prefixed
// with CUMULUS_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cumulus")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".cumulus"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("cumulus.mode", d.Cumulus.Mode)
	v.SetDefault("cumulus.bucket", d.Cumulus.Bucket)
	v.SetDefault("cumulus.runtime", d.Cumulus.Runtime)
	v.SetDefault("cumulus.runtime_memory", d.Cumulus.RuntimeMemory)
	v.SetDefault("cumulus.runtime_timeout", d.Cumulus.RuntimeTimeout)
	v.SetDefault("cumulus.execution_timeout", d.Cumulus.ExecutionTimeout)
	v.SetDefault("cumulus.concurrency", d.Cumulus.Concurrency)
	v.SetDefault("cumulus.inline_result_limit", d.Cumulus.InlineResultLimit)
	v.SetDefault("cumulus.temp_dir", d.Cumulus.TempDir)
	v.SetDefault("cumulus.cache_dir", d.Cumulus.CacheDir)
	v.SetDefault("cumulus.logs_dir", d.Cumulus.LogsDir)
	v.SetDefault("cumulus.poll.initial_interval", d.Cumulus.Poll.InitialInterval)
	v.SetDefault("cumulus.poll.max_interval", d.Cumulus.Poll.MaxInterval)
	v.SetDefault("cumulus.poll.multiplier", d.Cumulus.Poll.Multiplier)

	v.SetDefault("localhost.workers", d.Localhost.Workers)
	v.SetDefault("localhost.runtimes_dir", d.Localhost.RuntimesDir)

	v.SetDefault("standalone.backend", d.Standalone.Backend)
	v.SetDefault("standalone.agents", d.Standalone.Agents)
	v.SetDefault("standalone.registry", d.Standalone.Registry)
	v.SetDefault("standalone.dial_timeout", d.Standalone.DialTimeout)
	setBreakerDefaults(v, "standalone.breaker", d.Standalone.Breaker)

	v.SetDefault("serverless.backend", d.Serverless.Backend)
	v.SetDefault("serverless.endpoint", d.Serverless.Endpoint)
	v.SetDefault("serverless.api_key", d.Serverless.APIKey)
	v.SetDefault("serverless.registry", d.Serverless.Registry)
	v.SetDefault("serverless.request_timeout", d.Serverless.RequestTimeout)
	setBreakerDefaults(v, "serverless.breaker", d.Serverless.Breaker)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.localfs.root", d.Storage.LocalFS.Root)
	setRedisDefaults(v, "storage.redis", d.Storage.Redis)
	v.SetDefault("storage.s3.region", d.Storage.S3.Region)
	v.SetDefault("storage.s3.endpoint", d.Storage.S3.Endpoint)
	v.SetDefault("storage.s3.access_key_id", d.Storage.S3.AccessKeyID)
	v.SetDefault("storage.s3.secret_access_key", d.Storage.S3.SecretAccessKey)
	v.SetDefault("storage.s3.use_path_style", d.Storage.S3.UsePathStyle)
	v.SetDefault("storage.postgres.dsn", d.Storage.Postgres.DSN)
	v.SetDefault("storage.postgres.table", d.Storage.Postgres.Table)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.l1_ttl", d.Cache.L1TTL)
	setRedisDefaults(v, "cache.redis", d.Cache.Redis)

	v.SetDefault("notify.backend", d.Notify.Backend)
	setRedisDefaults(v, "notify.redis", d.Notify.Redis)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
}

func setRedisDefaults(v *viper.Viper, prefix string, r RedisConfig) {
	v.SetDefault(prefix+".addr", r.Addr)
	v.SetDefault(prefix+".password", r.Password)
	v.SetDefault(prefix+".db", r.DB)
	v.SetDefault(prefix+".key_prefix", r.KeyPrefix)
}

func setBreakerDefaults(v *viper.Viper, prefix string, b BreakerConfig) {
	v.SetDefault(prefix+".error_pct", b.ErrorPct)
	v.SetDefault(prefix+".window", b.Window)
	v.SetDefault(prefix+".open_duration", b.OpenDuration)
	v.SetDefault(prefix+".half_open_probes", b.HalfOpenProbes)
}

var storageBackends = map[string]bool{
	"memory": true, "localfs": true, "redis": true, "s3": true, "postgres": true, "storageless": true,
}

// Validate rejects configurations no component can run with.
func (c *Config) Validate() error {
	if !domain.Mode(c.Cumulus.Mode).IsValid() {
		return fmt.Errorf("invalid mode %q (valid: localhost, standalone, serverless)", c.Cumulus.Mode)
	}
	if c.Cumulus.Bucket == "" {
		return fmt.Errorf("cumulus.bucket is required")
	}
	if err := domain.ValidateRuntimeName(c.Cumulus.Runtime); err != nil {
		return err
	}
	if c.Cumulus.RuntimeMemory <= 0 {
		return fmt.Errorf("cumulus.runtime_memory must be positive, got %d", c.Cumulus.RuntimeMemory)
	}
	if !storageBackends[c.Storage.Backend] {
		return fmt.Errorf("invalid storage backend %q", c.Storage.Backend)
	}
	if domain.Mode(c.Cumulus.Mode) == domain.ModeStandalone && len(c.Standalone.Agents) == 0 && c.Standalone.Backend == "static" {
		return fmt.Errorf("standalone.agents is required for the static provisioner")
	}
	return nil
}

// Mode returns the configured execution mode.
func (c *Config) Mode() domain.Mode {
	return domain.Mode(c.Cumulus.Mode)
}
