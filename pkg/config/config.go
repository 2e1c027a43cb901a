package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"AstroSeis/pkg/logger"
)

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"required"`
	Server      struct {
		Port            int           `yaml:"port" default:"8080" validate:"gt=0,lte=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"15s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"15s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
		// Max run submissions per second across all clients.
		RunsPerSecond   float64       `yaml:"runs_per_second" default:"1"`
		RunsBurst       int           `yaml:"runs_burst" default:"3"`
		MaxActiveRuns   int           `yaml:"max_active_runs" default:"2" validate:"gte=1"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
	Log        logger.Config    `yaml:"log"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Redis      RedisConfig      `yaml:"redis"`
	Ephemeris  EphemerisConfig  `yaml:"ephemeris"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
}

type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers" validate:"required_if=Enabled true"`
	ResultsTopic string   `yaml:"results_topic" default:"astroseis.results"`
	CatalogTopic string   `yaml:"catalog_topic" default:"astroseis.catalog.raw"`
	RequiredAcks int      `yaml:"required_acks" default:"-1"`
	Compression  string   `yaml:"compression" default:"snappy"`
	Producer     struct {
		MaxAttempts  int           `yaml:"max_attempts" default:"5"`
		Linger       time.Duration `yaml:"linger" default:"10ms"`
		BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
		BatchSize    int           `yaml:"batch_size" default:"100"`
		WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
		Async        bool          `yaml:"async"`
	} `yaml:"producer"`
	Consumer struct {
		GroupID    string        `yaml:"group_id" default:"astroseis-ingest"`
		Workers    int           `yaml:"workers" default:"2" validate:"gte=1"`
		BufferSize int           `yaml:"buffer_size" default:"500"`
		RetryMax   int           `yaml:"retry_max" default:"3"`
		BackoffMin time.Duration `yaml:"backoff_min" default:"200ms"`
		BackoffMax time.Duration `yaml:"backoff_max" default:"5s"`
		DLQTopic   string        `yaml:"dlq_topic"`
		MinBytes   int           `yaml:"min_bytes" default:"1"`
		MaxBytes   int           `yaml:"max_bytes" default:"10485760"`
	} `yaml:"consumer"`
	// EphemerisTopic carries daily samples from the ephemeris exporter.
	// Empty disables ephemeris ingest.
	EphemerisTopic string `yaml:"ephemeris_topic" default:"astroseis.ephemeris.daily"`
}

type ClickHouseConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Host             string        `yaml:"host" default:"localhost"`
	Port             int           `yaml:"port" default:"9000"`
	Database         string        `yaml:"database" default:"astroseis"`
	User             string        `yaml:"user" default:"default"`
	Password         string        `yaml:"password"`
	UseHTTP          bool          `yaml:"use_http"`
	AsyncInsert      bool          `yaml:"async_insert"`
	WaitForAsync     bool          `yaml:"wait_for_async_insert"`
	DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
	WriteTimeout     time.Duration `yaml:"write_timeout" default:"30s"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
	MaxOpenConns     int           `yaml:"max_open_conns" default:"10"`
	MaxIdleConns     int           `yaml:"max_idle_conns" default:"5"`
	ConnMaxLifetime  time.Duration `yaml:"conn_max_lifetime" default:"5m"`
	BatchRows        int           `yaml:"batch_rows" default:"2000"`
	InitSchema       bool          `yaml:"init_schema" default:"true"`
}

type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr" default:"localhost:6379"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	ResultTTL time.Duration `yaml:"result_ttl" default:"24h"`
}

type EphemerisConfig struct {
	// Source is "http" (external ephemeris service) or "clickhouse".
	Source     string        `yaml:"source" default:"http" validate:"oneof=http clickhouse"`
	ServiceURL string        `yaml:"service_url" default:"http://localhost:8090"`
	Timeout    time.Duration `yaml:"timeout" default:"30s"`
	Retries    int           `yaml:"retries" default:"2"`
	CacheTTL   time.Duration `yaml:"cache_ttl" default:"6h"`
}

// PipelineConfig carries the default analysis options. A run request may
// override any of them.
type PipelineConfig struct {
	ExternalTimeout time.Duration     `yaml:"external_timeout" default:"2m"`
	Catalog         CatalogConfig     `yaml:"catalog"`
	Decluster       DeclusterConfig   `yaml:"decluster"`
	Features        FeaturesConfig    `yaml:"features"`
	Regression      RegressionConfig  `yaml:"regression"`
	Periodicity     PeriodicityConfig `yaml:"periodicity"`
	MonteCarlo      MonteCarloConfig  `yaml:"monte_carlo"`
	Analysis        AnalysisConfig    `yaml:"analysis"`
	Diagnostics     DiagnosticsConfig `yaml:"diagnostics"`
}

type CatalogConfig struct {
	// Source is "clickhouse" or "file" (JSON array of raw records).
	Source             string              `yaml:"source" default:"file" validate:"oneof=clickhouse file"`
	Path               string              `yaml:"path"`
	DuplicateTimeTol   time.Duration       `yaml:"duplicate_time_tolerance" default:"30s"`
	DuplicateDistKm    float64             `yaml:"duplicate_distance_km" default:"50"`
	DuplicateMagTol    float64             `yaml:"duplicate_magnitude_tolerance" default:"0.3"`
	CompletenessFloors []CompletenessFloor `yaml:"completeness_floors" validate:"dive"`
	// MagnitudeTable replaces the built-in Mw bands of the scales it names.
	MagnitudeTable map[string][]MagnitudeBand `yaml:"magnitude_table" validate:"dive,dive"`
}

type MagnitudeBand struct {
	From      float64 `yaml:"from"`
	To        float64 `yaml:"to" validate:"gtfield=From"`
	Slope     float64 `yaml:"slope" validate:"gt=0"`
	Intercept float64 `yaml:"intercept"`
}

type CompletenessFloor struct {
	FromYear int     `yaml:"from_year" json:"fromYear"`
	ToYear   int     `yaml:"to_year" json:"toYear" validate:"gtefield=FromYear"`
	MinMw    float64 `yaml:"min_mw" json:"minMw" validate:"gte=0,lte=10"`
}

type DeclusterConfig struct {
	Strategy          string `yaml:"strategy" default:"gk_table" validate:"oneof=gk_table gk_formula reasenberg"`
	RetainFullCatalog bool   `yaml:"retain_full_catalog"`
}

type FeaturesConfig struct {
	DatePolicy      string   `yaml:"date_policy" default:"utc" validate:"oneof=utc local_by_longitude"`
	LocalOffsetMode string   `yaml:"local_offset_mode" default:"nominal" validate:"oneof=nominal hourly"`
	Bodies          []string `yaml:"bodies"`
	OnEphemerisGap  string   `yaml:"on_ephemeris_gap" default:"abort" validate:"oneof=abort exclude"`
}

type RegressionConfig struct {
	Harmonics     int     `yaml:"harmonics" default:"1" validate:"gte=0,lte=4"`
	MaxIterations int     `yaml:"max_iterations" default:"100" validate:"gte=1"`
	Tolerance     float64 `yaml:"tolerance" default:"1e-8" validate:"gt=0"`
	UDNLevels     []int   `yaml:"udn_levels"`
}

type PeriodicityConfig struct {
	CycleLength    int       `yaml:"cycle_length" default:"9" validate:"gte=2"`
	PhaseSource    string    `yaml:"phase_source" default:"epoch" validate:"oneof=epoch udn"`
	Epoch          time.Time `yaml:"epoch"`
	MinEvents      int       `yaml:"min_events" default:"30" validate:"gte=1"`
	UseDeclustered bool      `yaml:"use_declustered" default:"true"`
}

type MonteCarloConfig struct {
	Iterations        int     `yaml:"iterations" default:"1000" validate:"gte=1"`
	Workers           int     `yaml:"workers" default:"4" validate:"gte=1"`
	Statistic         string  `yaml:"statistic" default:"delta_aic" validate:"oneof=delta_aic pseudo_r2"`
	SignificanceLevel float64 `yaml:"significance_level" default:"0.05" validate:"gt=0,lt=1"`
	Seed              uint64  `yaml:"seed" default:"42"`
}

type AnalysisConfig struct {
	From                time.Time `yaml:"from"`
	To                  time.Time `yaml:"to"`
	MagnitudeThresholds []float64 `yaml:"magnitude_thresholds"`
	// Hypotheses names one feature per candidate, e.g. "udn", "udn=7",
	// "power:jupiter". "udn=*" declares one flag per UDN level.
	Hypotheses []string `yaml:"hypotheses"`
}

type DiagnosticsConfig struct {
	Enabled     bool   `yaml:"enabled" default:"true"`
	MaxLagDays  int    `yaml:"max_lag_days" default:"30" validate:"gte=0"`
	EpochWindow int    `yaml:"epoch_window_days" default:"10" validate:"gte=1"`
	TopEvents   int    `yaml:"top_events" default:"20" validate:"gte=1"`
	Feature     string `yaml:"feature" default:"power:jupiter"`
}

var validate = validator.New()

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("set config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("EPHEMERIS_URL"); v != "" {
		c.Ephemeris.ServiceURL = v
	}
	if v := os.Getenv("CATALOG_PATH"); v != "" {
		c.Pipeline.Catalog.Path = v
	}
	if v := os.Getenv("MC_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("MC_ITERATIONS: %w", err)
		}
		c.Pipeline.MonteCarlo.Iterations = n
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	p := c.Pipeline
	if p.Catalog.Source == "clickhouse" && !c.ClickHouse.Enabled {
		return fmt.Errorf("pipeline.catalog.source is clickhouse but clickhouse is disabled")
	}
	if p.Catalog.Source == "file" && p.Catalog.Path == "" {
		return fmt.Errorf("pipeline.catalog.path is required for file source")
	}
	if c.Ephemeris.Source == "clickhouse" && !c.ClickHouse.Enabled {
		return fmt.Errorf("ephemeris.source is clickhouse but clickhouse is disabled")
	}
	if p.Periodicity.PhaseSource == "udn" && p.Periodicity.CycleLength != 9 {
		return fmt.Errorf("pipeline.periodicity.phase_source udn requires cycle_length 9, got %d", p.Periodicity.CycleLength)
	}
	if !p.Analysis.From.IsZero() && !p.Analysis.To.IsZero() && p.Analysis.To.Before(p.Analysis.From) {
		return fmt.Errorf("pipeline.analysis.to must not be before from")
	}
	return nil
}
