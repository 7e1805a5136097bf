package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// Config is the stitcher configuration. Values come from defaults, then the
// optional YAML file named by CONFIG_FILE, then the environment.
type Config struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Origin   OriginConfig  `yaml:"origin"`
	Ads      AdsConfig     `yaml:"ads"`
	Breaks   BreakConfig   `yaml:"breaks"`
	Sessions SessionConfig `yaml:"sessions"`
	Redis    RedisConfig   `yaml:"redis"`
	HTTP     HTTPConfig    `yaml:"http"`
}

// OriginConfig configures where source playlists come from. An empty
// URLTemplate serves the built-in demo channel.
type OriginConfig struct {
	URLTemplate  string        `yaml:"url_template"`
	Timeout      time.Duration `yaml:"timeout"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	Retries      int           `yaml:"retries"`
	AllowPrivate bool          `yaml:"allow_private"`
}

// AdsConfig configures ad decisions. An empty DecisionURL uses the static
// provider under SourceURL.
type AdsConfig struct {
	DecisionURL     string        `yaml:"decision_url"`
	DecisionTimeout time.Duration `yaml:"decision_timeout"`
	DecisionRPS     float64       `yaml:"decision_rps"`
	SourceURL       string        `yaml:"source_url"`
	SegmentDuration float64       `yaml:"segment_duration"`
	BaseURL         string        `yaml:"base_url"`
}

// BreakConfig tunes break handling. DefaultDuration and MaxDuration are in
// seconds; MaxDuration is the longest break a cue may declare.
type BreakConfig struct {
	MaxOpen         time.Duration `yaml:"max_open"`
	DefaultDuration float64       `yaml:"default_duration"`
	MaxDuration     float64       `yaml:"max_duration"`
}

// SessionConfig sizes the session store.
type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	Capacity      int           `yaml:"capacity"`
	Shards        int           `yaml:"shards"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RedisConfig enables the Redis session backend when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// HTTPConfig configures the inbound server.
type HTTPConfig struct {
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	PublicBasePath     string `yaml:"public_base_path"`
	AbsoluteSourceURIs bool   `yaml:"absolute_source_uris"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Port:      "8080",
		LogLevel:  "info",
		LogFormat: "json",
		Origin: OriginConfig{
			Timeout:  2 * time.Second,
			CacheTTL: time.Second,
			Retries:  2,
		},
		Ads: AdsConfig{
			DecisionTimeout: 50 * time.Millisecond,
			DecisionRPS:     200,
			SourceURL:       "https://ads.example.com/creative",
			SegmentDuration: 6,
		},
		Breaks: BreakConfig{
			MaxOpen:     5 * time.Minute,
			MaxDuration: 7200,
		},
		Sessions: SessionConfig{
			TTL:           10 * time.Minute,
			Capacity:      100000,
			Shards:        64,
			SweepInterval: 30 * time.Second,
		},
		HTTP: HTTPConfig{
			RateLimitPerMinute: 600,
		},
	}
}

// FromEnv builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE if any, then environment variables.
func FromEnv() (Config, error) {
	cfg := Defaults()
	if path := GetEnv("CONFIG_FILE", ""); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("config file: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadFile decodes a YAML file over cfg. Unknown keys are rejected.
func loadFile(path string, cfg *Config) error {
	path = filepath.Clean(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return fmt.Errorf("unsupported config format %q (only YAML supported)", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = GetEnv("PORT", cfg.Port)
	cfg.LogLevel = GetEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = GetEnv("LOG_FORMAT", cfg.LogFormat)

	cfg.Origin.URLTemplate = GetEnv("ORIGIN_URL_TEMPLATE", cfg.Origin.URLTemplate)
	cfg.Origin.Timeout = GetEnvDuration("ORIGIN_TIMEOUT", cfg.Origin.Timeout)
	cfg.Origin.CacheTTL = GetEnvDuration("ORIGIN_CACHE_TTL", cfg.Origin.CacheTTL)
	cfg.Origin.Retries = GetEnvInt("ORIGIN_RETRIES", cfg.Origin.Retries)
	cfg.Origin.AllowPrivate = GetEnvBool("ORIGIN_ALLOW_PRIVATE", cfg.Origin.AllowPrivate)

	cfg.Ads.DecisionURL = GetEnv("AD_DECISION_URL", cfg.Ads.DecisionURL)
	cfg.Ads.DecisionTimeout = GetEnvDuration("AD_DECISION_TIMEOUT", cfg.Ads.DecisionTimeout)
	cfg.Ads.DecisionRPS = GetEnvFloat("AD_DECISION_RPS", cfg.Ads.DecisionRPS)
	cfg.Ads.SourceURL = GetEnv("AD_SOURCE_URL", cfg.Ads.SourceURL)
	cfg.Ads.SegmentDuration = GetEnvFloat("AD_SEGMENT_DURATION", cfg.Ads.SegmentDuration)
	cfg.Ads.BaseURL = GetEnv("AD_BASE_URL", cfg.Ads.BaseURL)

	cfg.Breaks.MaxOpen = GetEnvDuration("MAX_OPEN_BREAK", cfg.Breaks.MaxOpen)
	cfg.Breaks.DefaultDuration = GetEnvFloat("DEFAULT_BREAK_DURATION", cfg.Breaks.DefaultDuration)
	cfg.Breaks.MaxDuration = GetEnvFloat("MAX_BREAK_DURATION", cfg.Breaks.MaxDuration)

	cfg.Sessions.TTL = GetEnvDuration("SESSION_TTL", cfg.Sessions.TTL)
	cfg.Sessions.Capacity = GetEnvInt("SESSION_CAPACITY", cfg.Sessions.Capacity)
	cfg.Sessions.Shards = GetEnvInt("SESSION_SHARDS", cfg.Sessions.Shards)
	cfg.Sessions.SweepInterval = GetEnvDuration("SESSION_SWEEP_INTERVAL", cfg.Sessions.SweepInterval)

	cfg.Redis.Addr = GetEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = GetEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = GetEnvInt("REDIS_DB", cfg.Redis.DB)

	cfg.HTTP.RateLimitPerMinute = GetEnvInt("RATE_LIMIT_PER_MINUTE", cfg.HTTP.RateLimitPerMinute)
	cfg.HTTP.PublicBasePath = GetEnv("PUBLIC_BASE_PATH", cfg.HTTP.PublicBasePath)
	cfg.HTTP.AbsoluteSourceURIs = GetEnvBool("ABSOLUTE_SOURCE_URIS", cfg.HTTP.AbsoluteSourceURIs)
}

// Validate rejects values the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("port %q is not a number", c.Port))
	}
	if c.Origin.URLTemplate != "" && !strings.Contains(c.Origin.URLTemplate, "{channel}") {
		errs = append(errs, fmt.Errorf("origin url template %q has no {channel} placeholder", c.Origin.URLTemplate))
	}
	if c.Origin.Timeout <= 0 {
		errs = append(errs, errors.New("origin timeout must be positive"))
	}
	if c.Ads.DecisionTimeout <= 0 {
		errs = append(errs, errors.New("ad decision timeout must be positive"))
	}
	if c.Ads.DecisionURL == "" && c.Ads.SegmentDuration <= 0 {
		errs = append(errs, errors.New("ad segment duration must be positive"))
	}
	if c.Breaks.DefaultDuration < 0 {
		errs = append(errs, errors.New("default break duration must not be negative"))
	}
	if c.Breaks.MaxDuration <= 0 || c.Breaks.DefaultDuration > c.Breaks.MaxDuration {
		errs = append(errs, errors.New("max break duration must be positive and cover the default break duration"))
	}
	if c.Sessions.TTL <= 0 {
		errs = append(errs, errors.New("session ttl must be positive"))
	}
	if c.Sessions.Capacity < 0 || c.Sessions.Shards < 0 {
		errs = append(errs, errors.New("session capacity and shards must not be negative"))
	}
	return errors.Join(errs...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvFloat is GetEnvInt for floating point values.
func GetEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetEnvBool accepts the values strconv.ParseBool does.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvDuration parses values such as "250ms" or "5m". A bare number is
// taken as seconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return fallback
}
