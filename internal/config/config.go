package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Extractor ExtractorConfig `yaml:"extractor" mapstructure:"extractor"`
	Resolver  ResolverConfig  `yaml:"resolver" mapstructure:"resolver"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Geo       GeoConfig       `yaml:"geo" mapstructure:"geo"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ExtractorConfig configures the external extraction service client.
type ExtractorConfig struct {
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey         string  `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	ChunkSize      int     `yaml:"chunk_size" mapstructure:"chunk_size"`
	ChunkOverlap   int     `yaml:"chunk_overlap" mapstructure:"chunk_overlap"`
	Model          string  `yaml:"model" mapstructure:"model"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// Timeout returns the extraction request timeout as a duration.
func (c ExtractorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// ResolverConfig holds identity resolution weights and decision thresholds.
// Weights apply to component scores in [0,100]; thresholds partition the
// aggregate range into auto-link, intervention, and create-new bands.
type ResolverConfig struct {
	NameWeight    float64 `yaml:"name_weight" mapstructure:"name_weight"`
	PhoneWeight   float64 `yaml:"phone_weight" mapstructure:"phone_weight"`
	WebsiteWeight float64 `yaml:"website_weight" mapstructure:"website_weight"`
	LicenseWeight float64 `yaml:"license_weight" mapstructure:"license_weight"`

	AutoLinkThreshold  float64 `yaml:"auto_link_threshold" mapstructure:"auto_link_threshold"`
	InterveneThreshold float64 `yaml:"intervene_threshold" mapstructure:"intervene_threshold"`
	MaxCandidates      int     `yaml:"max_candidates" mapstructure:"max_candidates"`
}

// SchedulerConfig configures the batch polling loop.
type SchedulerConfig struct {
	BatchSize        int `yaml:"batch_size" mapstructure:"batch_size"`
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	Concurrency      int `yaml:"concurrency" mapstructure:"concurrency"`
	LockTTLSecs      int `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
	ReconcileSecs    int `yaml:"reconcile_secs" mapstructure:"reconcile_secs"`
}

// PollInterval returns the poll interval as a duration.
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// LockTTL returns the execution lock time-to-live as a duration.
func (c SchedulerConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSecs) * time.Second
}

// ReconcileInterval returns the stale-lock sweep interval as a duration.
func (c SchedulerConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileSecs) * time.Second
}

// GeoConfig configures the geography lookup table.
type GeoConfig struct {
	TablePath string `yaml:"table_path" mapstructure:"table_path"`
}

// ServerConfig configures the operator HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROVIDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("extractor.timeout_secs", 60)
	v.SetDefault("extractor.chunk_size", 4000)
	v.SetDefault("extractor.chunk_overlap", 200)
	v.SetDefault("extractor.model", "default")
	v.SetDefault("extractor.requests_per_sec", 5)
	v.SetDefault("resolver.name_weight", 0.40)
	v.SetDefault("resolver.phone_weight", 0.30)
	v.SetDefault("resolver.website_weight", 0.20)
	v.SetDefault("resolver.license_weight", 0.10)
	v.SetDefault("resolver.auto_link_threshold", 85)
	v.SetDefault("resolver.intervene_threshold", 70)
	v.SetDefault("resolver.max_candidates", 3)
	v.SetDefault("scheduler.batch_size", 25)
	v.SetDefault("scheduler.poll_interval_secs", 30)
	v.SetDefault("scheduler.concurrency", 5)
	v.SetDefault("scheduler.lock_ttl_secs", 300)
	v.SetDefault("scheduler.reconcile_secs", 120)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
