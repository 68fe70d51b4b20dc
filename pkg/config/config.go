package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/obertruper/BOT-AI-V3-sub001/pkg/util"
)

type Config struct {
	Environment string `yaml:"environment"`
	Server      struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		SlowThreshold   time.Duration `yaml:"slow_threshold"`
		RateCapacity    float64       `yaml:"rate_capacity"`
		RateRefill      float64       `yaml:"rate_refill"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Backend struct {
		Type         string        `yaml:"type"`
		BatchSize    int           `yaml:"batch_size"`
		BatchTimeout time.Duration `yaml:"batch_timeout"`
	} `yaml:"backend"`
	Kafka struct {
		Brokers      []string `yaml:"brokers"`
		SignalsTopic string   `yaml:"signals_topic"`
		EventsTopic  string   `yaml:"events_topic"`
		FillsTopic   string   `yaml:"fills_topic"`
		AlertsTopic  string   `yaml:"alerts_topic"`
		RequiredAcks int      `yaml:"required_acks"`
		Compression  string   `yaml:"compression"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			Linger       time.Duration `yaml:"linger"`
			BatchBytes   int           `yaml:"batch_bytes"`
			BatchSize    int           `yaml:"batch_size"`
			WriteTimeout time.Duration `yaml:"write_timeout"`
			ReadTimeout  time.Duration `yaml:"read_timeout"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id"`
			Workers    int           `yaml:"workers"`
			BufferSize int           `yaml:"buffer_size"`
			RetryMax   int           `yaml:"retry_max"`
			BackoffMin time.Duration `yaml:"backoff_min"`
			BackoffMax time.Duration `yaml:"backoff_max"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes"`
			MaxBytes   int           `yaml:"max_bytes"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port"`
		Database         string        `yaml:"database"`
		User             string        `yaml:"user"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time"`
		Compression      string        `yaml:"compression"`
	} `yaml:"clickhouse"`
	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Queue    struct {
			Workers    int           `yaml:"workers"`
			MaxRetries int           `yaml:"max_retries"`
			RetryDelay time.Duration `yaml:"retry_delay"`
			KeyPrefix  string        `yaml:"key_prefix"`
		} `yaml:"queue"`
	} `yaml:"redis"`
	Bybit struct {
		RESTURL        string        `yaml:"rest_url"`
		WebSocketURL   string        `yaml:"websocket_url"`
		Symbols        []string      `yaml:"symbols"`
		Timeframe      string        `yaml:"timeframe"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		RateRPS        float64       `yaml:"rate_rps"`
		RateBurst      int           `yaml:"rate_burst"`
	} `yaml:"bybit"`
	MarketData struct {
		Lookback         int           `yaml:"lookback"`
		MaxCandles       int           `yaml:"max_candles"`
		StaleTolerance   time.Duration `yaml:"stale_tolerance"`
		FetchTimeout     time.Duration `yaml:"fetch_timeout"`
		EvictAfter       time.Duration `yaml:"evict_after"`
		FeatureCacheTTL  time.Duration `yaml:"feature_cache_ttl"`
		FeatureCacheSize int           `yaml:"feature_cache_size"`
	} `yaml:"market_data"`
	Model struct {
		URL      string        `yaml:"url"`
		Timeout  time.Duration `yaml:"timeout"`
		RetryMax int           `yaml:"retry_max"`
		RateRPS  float64       `yaml:"rate_rps"`
	} `yaml:"model"`
	Scheduler struct {
		Interval   time.Duration `yaml:"interval"`
		Workers    int           `yaml:"workers"`
		RunTimeout time.Duration `yaml:"run_timeout"`
		RetryMax   int           `yaml:"retry_max"`
		BackoffMin time.Duration `yaml:"backoff_min"`
		BackoffMax time.Duration `yaml:"backoff_max"`
	} `yaml:"scheduler"`
	Reconcile struct {
		StrategyID    string             `yaml:"strategy_id"`
		Weights       map[string]float64 `yaml:"weights"`
		LowThreshold  float64            `yaml:"low_threshold"`
		HighThreshold float64            `yaml:"high_threshold"`
		MinConfidence float64            `yaml:"min_confidence"`
		MinAgreement  float64            `yaml:"min_agreement"`
		MinLevelFrac  float64            `yaml:"min_level_frac"`
		MaxLevelFrac  float64            `yaml:"max_level_frac"`
		SignalTTL     time.Duration      `yaml:"signal_ttl"`
	} `yaml:"reconcile"`
	Risk struct {
		TickBuffer         int           `yaml:"tick_buffer"`
		TrailingActivation float64       `yaml:"trailing_activation"`
		TrailingDistance   float64       `yaml:"trailing_distance"`
		TPFractions        []float64     `yaml:"tp_fractions"`
		CloseRetryMax      int           `yaml:"close_retry_max"`
		CloseBackoffMin    time.Duration `yaml:"close_backoff_min"`
		CloseBackoffMax    time.Duration `yaml:"close_backoff_max"`
	} `yaml:"risk"`
	Execution struct {
		URL      string        `yaml:"url"`
		Timeout  time.Duration `yaml:"timeout"`
		RetryMax int           `yaml:"retry_max"`
	} `yaml:"execution"`
}

// Load parses and validates the YAML file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads the YAML file and applies environment overrides on top.
// A .env file in the working directory is picked up first when present.
func LoadWithEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Bybit.Symbols = strings.Split(v, ",")
	}
	if v := os.Getenv("BACKEND"); v != "" {
		c.Backend.Type = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("MODEL_URL"); v != "" {
		c.Model.URL = v
	}
	if v := os.Getenv("EXECUTION_URL"); v != "" {
		c.Execution.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	c.Server.Port = util.ParseIntDefault(os.Getenv("PORT"), c.Server.Port)

	return c, nil
}

// Validate rejects configurations the pipeline cannot run on. Field-level
// defaults are applied later by the components that own them.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if c.Backend.Type == "" {
		return fmt.Errorf("backend.type is required")
	}
	if c.Backend.Type != "kafka" && c.Backend.Type != "clickhouse" {
		return fmt.Errorf("backend.type must be 'kafka' or 'clickhouse', got '%s'", c.Backend.Type)
	}
	if len(c.Bybit.Symbols) == 0 {
		return fmt.Errorf("bybit.symbols cannot be empty")
	}
	if c.Model.URL == "" {
		return fmt.Errorf("model.url is required")
	}
	if c.Execution.URL == "" {
		return fmt.Errorf("execution.url is required")
	}
	if c.MarketData.Lookback <= 0 {
		return fmt.Errorf("market_data.lookback must be positive")
	}
	if c.MarketData.MaxCandles < c.MarketData.Lookback {
		return fmt.Errorf("market_data.max_candles must be >= lookback")
	}
	if c.Reconcile.MinConfidence < 0 || c.Reconcile.MinConfidence > 1 {
		return fmt.Errorf("reconcile.min_confidence must be in [0, 1]")
	}
	if c.Reconcile.MinAgreement < 0 || c.Reconcile.MinAgreement > 1 {
		return fmt.Errorf("reconcile.min_agreement must be in [0, 1]")
	}
	var tpSum float64
	for _, f := range c.Risk.TPFractions {
		if f <= 0 {
			return fmt.Errorf("risk.tp_fractions must all be positive")
		}
		tpSum += f
	}
	if tpSum > 1.0 {
		return fmt.Errorf("risk.tp_fractions sum to %.4f, must not exceed 1.0", tpSum)
	}
	return nil
}
