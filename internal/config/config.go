// Package config loads pipeline settings from defaults, an optional YAML
// file, an optional .env file and TICKBARS_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"tickbars/internal/model"
	"tickbars/internal/utils"
)

// EnvPrefix is prepended to every environment variable, e.g. TICKBARS_INGEST_BATCH_SIZE.
const EnvPrefix = "TICKBARS"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration for the pipeline.
type Config struct {
	Log        LogConfig       `mapstructure:"log"`
	Exchange   ExchangeConfig  `mapstructure:"exchange"`
	Symbols    []string        `mapstructure:"symbols" validate:"required,min=1,dive,required"`
	Timeframes []string        `mapstructure:"timeframes" validate:"required,min=1,dive,required"`
	Stream     StreamConfig    `mapstructure:"stream"`
	Ingest     IngestConfig    `mapstructure:"ingest"`
	Resample   ResampleConfig  `mapstructure:"resample"`
	Store      StoreConfig     `mapstructure:"store"`
	Notify     NotifyConfig    `mapstructure:"notify"`
	Retention  RetentionConfig `mapstructure:"retention"`
	Server     ServerConfig    `mapstructure:"server"`

	// ParsedTimeframes is filled by Validate.
	ParsedTimeframes []model.Timeframe `mapstructure:"-"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
}

type ExchangeConfig struct {
	Name       string `mapstructure:"name" validate:"oneof=binance coinbase okx"`
	BaseURL    string `mapstructure:"base_url"`
	MaxSymbols int    `mapstructure:"max_symbols" validate:"gte=0"`
}

type StreamConfig struct {
	ReconnectBase   time.Duration `mapstructure:"reconnect_base" validate:"gt=0"`
	ReconnectMax    time.Duration `mapstructure:"reconnect_max" validate:"gt=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
	QueueSize       int           `mapstructure:"queue_size" validate:"gt=0"`
	Overflow        string        `mapstructure:"overflow" validate:"oneof=block drop_oldest"`
	TLSInsecureSkip bool          `mapstructure:"tls_insecure_skip"`
}

type IngestConfig struct {
	BatchSize     int           `mapstructure:"batch_size" validate:"gt=0"`
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"gt=0"`
	MaxRetries    int           `mapstructure:"max_retries" validate:"gt=0"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff" validate:"gt=0"`
	DedupCapacity int           `mapstructure:"dedup_capacity" validate:"gt=0"`
	StoreTimeout  time.Duration `mapstructure:"store_timeout" validate:"gt=0"`
}

type ResampleConfig struct {
	RunInterval  time.Duration `mapstructure:"run_interval" validate:"gt=0"`
	Lookback     time.Duration `mapstructure:"lookback" validate:"gt=0"`
	SafetyMargin time.Duration `mapstructure:"safety_margin" validate:"gte=0"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=postgres sqlite memory"`
	DSN    string `mapstructure:"dsn" validate:"required_unless=Driver memory"`
}

type NotifyConfig struct {
	// Dispatcher enables the in-process subscriber hub. Only callers that
	// embed the pipeline can subscribe to it.
	Dispatcher bool        `mapstructure:"dispatcher"`
	Redis      RedisConfig `mapstructure:"redis"`
	Kafka      KafkaConfig `mapstructure:"kafka"`
}

// RedisConfig enables the Redis notifier when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// KafkaConfig enables the Kafka notifier when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic" validate:"required_with=Brokers"`
}

type RetentionConfig struct {
	Days     int           `mapstructure:"days" validate:"gte=0"` // 0 disables the janitor
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

type ServerConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
	HealthAddr  string `mapstructure:"health_addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("exchange.name", "binance")
	v.SetDefault("exchange.base_url", "")
	v.SetDefault("exchange.max_symbols", 0)

	v.SetDefault("symbols", []string{"BTCUSDT"})
	v.SetDefault("timeframes", []string{"1m", "5m", "15m", "1h"})

	v.SetDefault("stream.reconnect_base", 5*time.Second)
	v.SetDefault("stream.reconnect_max", 60*time.Second)
	v.SetDefault("stream.idle_timeout", 30*time.Second)
	v.SetDefault("stream.probe_timeout", 10*time.Second)
	v.SetDefault("stream.queue_size", 1000)
	v.SetDefault("stream.overflow", "block")
	v.SetDefault("stream.tls_insecure_skip", false)

	v.SetDefault("ingest.batch_size", 100)
	v.SetDefault("ingest.flush_interval", 5*time.Second)
	v.SetDefault("ingest.max_retries", 3)
	v.SetDefault("ingest.retry_backoff", time.Second)
	v.SetDefault("ingest.dedup_capacity", 1000)
	v.SetDefault("ingest.store_timeout", 10*time.Second)

	v.SetDefault("resample.run_interval", 10*time.Second)
	v.SetDefault("resample.lookback", 60*time.Minute)
	v.SetDefault("resample.safety_margin", 2*time.Second)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "file:tickbars.db?_busy_timeout=5000")

	v.SetDefault("notify.dispatcher", false)
	v.SetDefault("notify.redis.addr", "")
	v.SetDefault("notify.redis.password", "")
	v.SetDefault("notify.redis.db", 0)
	v.SetDefault("notify.kafka.brokers", []string{})
	v.SetDefault("notify.kafka.topic", "candles")

	v.SetDefault("retention.days", 30)
	v.SetDefault("retention.interval", time.Hour)

	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.health_addr", ":50051")
}

// Load reads the configuration. path names a YAML file; when empty,
// ./config.yaml is used if present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, relying on environment variables")
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows; bind them explicitly
	// so nested keys resolve from flat variables.
	for _, key := range v.AllKeys() {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and cross-field rules, normalizes symbols and
// parses timeframes. It fails before anything connects.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	for i, s := range c.Symbols {
		c.Symbols[i] = utils.NormalizeSymbol(s)
	}
	maxSymbols := c.Exchange.MaxSymbols
	if maxSymbols == 0 {
		maxSymbols = len(c.Symbols)
	}
	if err := utils.ValidatePairs(c.Symbols, maxSymbols); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	tfs, err := model.ParseTimeframes(c.Timeframes)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	c.ParsedTimeframes = tfs

	if c.Stream.ReconnectBase > c.Stream.ReconnectMax {
		return fmt.Errorf("%w: stream.reconnect_base %s exceeds stream.reconnect_max %s",
			ErrInvalidConfig, c.Stream.ReconnectBase, c.Stream.ReconnectMax)
	}
	return nil
}
