package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"rewardScope/internal/backfill"
	"rewardScope/internal/cache"
	"rewardScope/internal/chain"
	"rewardScope/internal/estimate"
	"rewardScope/internal/model"
	"rewardScope/internal/scheduler"
)

const EnvPrefix = "REWARDSCOPE"

// Store backends.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL   string
	LogLevel string

	StoreBackend  string
	StoreDir      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PGDSN         string
	CachePrefix   string
	Retention     time.Duration

	ChunkSize       uint64
	InitialLookback uint64
	Concurrency     int
	ChunkTimeout    time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration

	PriceBaseURL  string
	PriceAPIKey   string
	PriceRPS      float64
	PriceRetries  int
	PriceDefaults map[string]float64

	Policy     string
	Window     int
	MinDaySpan float64

	Interval    time.Duration
	MetricsPort int

	KafkaBrokers []string
	KafkaTopic   string

	Subjects []model.Subject
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log-level", "info")
	v.SetDefault("store-backend", StoreFile)
	v.SetDefault("store-dir", "./data/cache")
	v.SetDefault("redis-addr", "localhost:6379")
	v.SetDefault("cache-prefix", cache.DefaultKeyPrefix)
	v.SetDefault("retention", cache.DefaultRetention)
	v.SetDefault("chunk-size", backfill.DefaultChunkSize)
	v.SetDefault("lookback", backfill.DefaultInitialLookback)
	v.SetDefault("concurrency", backfill.DefaultConcurrency)
	v.SetDefault("chunk-timeout", backfill.DefaultChunkTimeout)
	v.SetDefault("max-retries", backfill.DefaultMaxRetries)
	v.SetDefault("retry-backoff", backfill.DefaultRetryBackoff)
	v.SetDefault("price-base-url", "https://api.coingecko.com/api/v3")
	v.SetDefault("price-rps", 0.5)
	v.SetDefault("price-retries", 3)
	v.SetDefault("policy", estimate.DefaultPolicy)
	v.SetDefault("window", estimate.DefaultWindow)
	v.SetDefault("min-day-span", estimate.DefaultMinDaySpan)
	v.SetDefault("interval", scheduler.DefaultInterval)
	v.SetDefault("metrics-port", 2112)
	v.SetDefault("kafka-topic", "reward-estimates")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	priceDefaults, err := parsePriceMap(getStringMap(v, "price-defaults"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RPCURL:          v.GetString("rpc"),
		LogLevel:        v.GetString("log-level"),
		StoreBackend:    strings.ToLower(v.GetString("store-backend")),
		StoreDir:        v.GetString("store-dir"),
		RedisAddr:       v.GetString("redis-addr"),
		RedisPassword:   v.GetString("redis-password"),
		RedisDB:         v.GetInt("redis-db"),
		PGDSN:           v.GetString("pg-dsn"),
		CachePrefix:     v.GetString("cache-prefix"),
		Retention:       v.GetDuration("retention"),
		ChunkSize:       v.GetUint64("chunk-size"),
		InitialLookback: v.GetUint64("lookback"),
		Concurrency:     v.GetInt("concurrency"),
		ChunkTimeout:    v.GetDuration("chunk-timeout"),
		MaxRetries:      v.GetInt("max-retries"),
		RetryBackoff:    v.GetDuration("retry-backoff"),
		PriceBaseURL:    v.GetString("price-base-url"),
		PriceAPIKey:     v.GetString("price-api-key"),
		PriceRPS:        v.GetFloat64("price-rps"),
		PriceRetries:    v.GetInt("price-retries"),
		PriceDefaults:   priceDefaults,
		Policy:          v.GetString("policy"),
		Window:          v.GetInt("window"),
		MinDaySpan:      v.GetFloat64("min-day-span"),
		Interval:        v.GetDuration("interval"),
		MetricsPort:     v.GetInt("metrics-port"),
		KafkaBrokers:    getStringSlice(v, "kafka-brokers"),
		KafkaTopic:      v.GetString("kafka-topic"),
	}

	if err := v.UnmarshalKey("subjects", &cfg.Subjects); err != nil {
		return Config{}, fmt.Errorf("parse subjects: %w", err)
	}

	return cfg, nil
}

// Validate checks required values and fills subject defaults from the global settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCURL) == "" {
		return fmt.Errorf("rpc url is required")
	}
	if len(c.Subjects) == 0 {
		return fmt.Errorf("at least one subject is required")
	}

	switch c.StoreBackend {
	case StoreMemory, StoreRedis:
	case StoreFile:
		if strings.TrimSpace(c.StoreDir) == "" {
			return fmt.Errorf("store dir is required for the file backend")
		}
	case StorePostgres:
		if strings.TrimSpace(c.PGDSN) == "" {
			return fmt.Errorf("pg dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend: %q", c.StoreBackend)
	}

	if c.Interval < scheduler.MinInterval || c.Interval > scheduler.MaxInterval {
		return fmt.Errorf("interval %s outside [%s, %s]", c.Interval, scheduler.MinInterval, scheduler.MaxInterval)
	}
	if c.ChunkSize == 0 {
		return fmt.Errorf("chunk size must be greater than zero")
	}

	seen := make(map[string]struct{}, len(c.Subjects))
	for i := range c.Subjects {
		subject := &c.Subjects[i]
		if _, err := chain.ParseAddress(subject.Address); err != nil {
			return fmt.Errorf("subject %d: %w", i, err)
		}
		if _, err := chain.ParseAddress(subject.RewardToken); err != nil {
			return fmt.Errorf("subject %s reward token: %w", subject.ID(), err)
		}
		if _, dup := seen[subject.ID()]; dup {
			return fmt.Errorf("subject %s listed twice", subject.ID())
		}
		seen[subject.ID()] = struct{}{}

		if subject.Policy == "" {
			subject.Policy = c.Policy
		}
		if !knownPolicy(subject.Policy) {
			return fmt.Errorf("subject %s: %w: %q", subject.ID(), estimate.ErrUnknownPolicy, subject.Policy)
		}
		if strings.EqualFold(strings.TrimSpace(subject.Policy), estimate.CalendarDelta) {
			// the position value is read from the holder's stake token balance
			if _, err := chain.ParseAddress(subject.StakeToken); err != nil {
				return fmt.Errorf("subject %s: %s needs a stake token: %w", subject.ID(), estimate.CalendarDelta, err)
			}
			if _, err := chain.ParseAddress(subject.Holder); err != nil {
				return fmt.Errorf("subject %s: %s needs a holder: %w", subject.ID(), estimate.CalendarDelta, err)
			}
		}
		if subject.Window == 0 {
			subject.Window = c.Window
		}
	}
	return nil
}

func knownPolicy(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, known := range estimate.Names() {
		if name == known {
			return true
		}
	}
	return false
}

func parsePriceMap(raw map[string]string) (map[string]float64, error) {
	out := make(map[string]float64, len(raw))
	for id, value := range raw {
		usd, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("price default for %s: %w", id, err)
		}
		out[strings.ToLower(id)] = usd
	}
	return out, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func getStringMap(v *viper.Viper, key string) map[string]string {
	if !v.IsSet(key) {
		return map[string]string{}
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case map[string]string:
		return typed
	case map[string]interface{}:
		out := make(map[string]string, len(typed))
		for k, item := range typed {
			out[k] = fmt.Sprintf("%v", item)
		}
		return out
	case string:
		return parseStringMap(typed)
	default:
		return map[string]string{}
	}
}

func parseStringMap(input string) map[string]string {
	out := make(map[string]string)
	for _, pair := range splitAndClean(input) {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
