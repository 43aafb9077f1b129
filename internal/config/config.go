// File: internal/config/config.go
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type StorageConfig struct {
	Dir                  string        `yaml:"dir"`
	CacheTTL             time.Duration `yaml:"cache_ttl"`
	FlushInterval        time.Duration `yaml:"flush_interval"`
	PredictionFlushEvery int           `yaml:"prediction_flush_every"`
	RetentionMaxAge      time.Duration `yaml:"retention_max_age"` // 0 disables the retention worker
}

type SchedulerConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	Cooldown      time.Duration `yaml:"cooldown"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxHistory    int           `yaml:"max_history"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type TrainingConfig struct {
	Assets           []string      `yaml:"assets"`
	RetrainInterval  time.Duration `yaml:"retrain_interval"`
	CandleLimit      int           `yaml:"candle_limit"`
	Horizon          int           `yaml:"horizon"`           // candles ahead for the label
	NeutralThreshold float64       `yaml:"neutral_threshold"` // abs move below this is SIDEWAYS
	Epochs           int           `yaml:"epochs"`
	BatchSize        int           `yaml:"batch_size"`
	LearningRate     float64       `yaml:"learning_rate"`
}

type MarketDataConfig struct {
	Source      string        `yaml:"source"` // exchange | postgres
	BaseURL     string        `yaml:"base_url"`
	Interval    string        `yaml:"interval"` // kline interval in minutes
	DatabaseURL string        `yaml:"database_url"`
	RatePerSec  int           `yaml:"rate_per_sec"`
	Timeout     time.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type APIConfig struct {
	Port      int           `yaml:"port"`
	JWTSecret string        `yaml:"jwt_secret"`
	Timeout   time.Duration `yaml:"timeout"`
}

type Config struct {
	Log        LogConfig        `yaml:"log"`
	Storage    StorageConfig    `yaml:"storage"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Training   TrainingConfig   `yaml:"training"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Redis      RedisConfig      `yaml:"redis"`
	API        APIConfig        `yaml:"api"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads flags, then the YAML file they point at. Used by the
// daemon entrypoint; tools with their own flag handling use LoadFromFile.
func LoadConfig() (*Config, error) {
	var configPath string = ""
	var dev bool
	flag.StringVar(&configPath, "config", "config.yaml", "path to config yaml")
	flag.BoolVar(&dev, "dev", false, "development mode")
	flag.Parse()

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev
	return cfg, nil
}

func LoadFromFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)

	// Minimal validation
	if cfg.Storage.Dir == "" {
		return nil, errors.New("storage.dir is required")
	}
	if cfg.MarketData.Source == "postgres" && cfg.MarketData.DatabaseURL == "" {
		return nil, errors.New("market_data.database_url is required for postgres source")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Storage.CacheTTL <= 0 {
		cfg.Storage.CacheTTL = 5 * time.Minute
	}
	if cfg.Storage.FlushInterval <= 0 {
		cfg.Storage.FlushInterval = 5 * time.Minute
	}
	if cfg.Storage.PredictionFlushEvery <= 0 {
		cfg.Storage.PredictionFlushEvery = 10
	}
	if cfg.Scheduler.MaxConcurrent <= 0 {
		cfg.Scheduler.MaxConcurrent = 2
	}
	if cfg.Scheduler.Cooldown <= 0 {
		cfg.Scheduler.Cooldown = 30 * time.Minute
	}
	if cfg.Scheduler.RetryDelay <= 0 {
		cfg.Scheduler.RetryDelay = 30 * time.Second
	}
	if cfg.Scheduler.PollInterval <= 0 {
		cfg.Scheduler.PollInterval = 2 * time.Second
	}
	if cfg.Scheduler.MaxHistory <= 0 {
		cfg.Scheduler.MaxHistory = 200
	}
	if cfg.Scheduler.ShutdownGrace <= 0 {
		cfg.Scheduler.ShutdownGrace = 30 * time.Second
	}
	if cfg.Training.RetrainInterval <= 0 {
		cfg.Training.RetrainInterval = time.Hour
	}
	if cfg.Training.CandleLimit <= 0 {
		cfg.Training.CandleLimit = 500
	}
	if cfg.Training.Horizon <= 0 {
		cfg.Training.Horizon = 5
	}
	if cfg.Training.NeutralThreshold <= 0 {
		cfg.Training.NeutralThreshold = 0.001
	}
	if cfg.Training.Epochs <= 0 {
		cfg.Training.Epochs = 20
	}
	if cfg.Training.BatchSize <= 0 {
		cfg.Training.BatchSize = 32
	}
	if cfg.Training.LearningRate <= 0 {
		cfg.Training.LearningRate = 0.01
	}
	if cfg.MarketData.Source == "" {
		cfg.MarketData.Source = "exchange"
	}
	if cfg.MarketData.BaseURL == "" {
		cfg.MarketData.BaseURL = "https://api.bybit.com"
	}
	if cfg.MarketData.Interval == "" {
		cfg.MarketData.Interval = "1"
	}
	if cfg.MarketData.RatePerSec <= 0 {
		cfg.MarketData.RatePerSec = 5
	}
	if cfg.MarketData.Timeout <= 0 {
		cfg.MarketData.Timeout = 15 * time.Second
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = time.Hour
	}
	if cfg.API.Port <= 0 {
		cfg.API.Port = 8090
	}
	if cfg.API.Timeout <= 0 {
		cfg.API.Timeout = 30 * time.Second
	}
}
