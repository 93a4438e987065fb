package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Pacing    PacingConfig    `mapstructure:"pacing"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Agents    AgentsConfig    `mapstructure:"agents"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	HealthQuery     string        `mapstructure:"health_query"`
}

type ScyllaConfig struct {
	Hosts             []string      `mapstructure:"hosts"`
	Port              int           `mapstructure:"port"`
	Keyspace          string        `mapstructure:"keyspace"`
	Consistency       string        `mapstructure:"consistency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DisableInitSchema bool          `mapstructure:"disable_init_schema"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	DispatchTopic   string        `mapstructure:"dispatch_topic"`
	CallEventTopic  string        `mapstructure:"call_event_topic"`
	AgentEventTopic string        `mapstructure:"agent_event_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	ServiceName       string        `mapstructure:"service_name"`
	SampleRatio       float64       `mapstructure:"sample_ratio"`
	MetricsInterval   time.Duration `mapstructure:"metrics_interval"`
	MetricsEnabled    bool          `mapstructure:"metrics_enabled"`
	TracingEnabled    bool          `mapstructure:"tracing_enabled"`
	Propagators       []string      `mapstructure:"propagators"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	CollectorProtocol string        `mapstructure:"collector_protocol"`
}

// PacingConfig governs the scheduler control loop.
type PacingConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	StaggerDelay     time.Duration `mapstructure:"stagger_delay"`
	WorkerCount      int           `mapstructure:"worker_count"`
	CampaignLimit    int           `mapstructure:"campaign_limit"`
	MaxQueueBatch    int           `mapstructure:"max_queue_batch"`
	ArchiveInterval  time.Duration `mapstructure:"archive_interval"`
	ArchiveRetention time.Duration `mapstructure:"archive_retention"`
}

// EngineConfig exposes the decision engine's calibratable heuristics. The
// tolerance multipliers and the smoothing split are tuning knobs rather than
// fixed constants.
type EngineConfig struct {
	SafetyBuffer              float64       `mapstructure:"safety_buffer"`
	MinDialRatio              float64       `mapstructure:"min_dial_ratio"`
	MaxDialRatio              float64       `mapstructure:"max_dial_ratio"`
	CurrentSampleWeight       float64       `mapstructure:"current_sample_weight"`
	SmoothingWindow           int           `mapstructure:"smoothing_window"`
	PredictedAbandonTolerance float64       `mapstructure:"predicted_abandon_tolerance"`
	ObservedAbandonTolerance  float64       `mapstructure:"observed_abandon_tolerance"`
	MetricsWindow             time.Duration `mapstructure:"metrics_window"`
	MinOutcomeSamples         int           `mapstructure:"min_outcome_samples"`
	DefaultAnswerRate         float64       `mapstructure:"default_answer_rate"`
	DefaultCallDuration       time.Duration `mapstructure:"default_call_duration"`
}

// DispatchConfig bounds outbound call placement.
type DispatchConfig struct {
	ProviderName    string        `mapstructure:"provider_name"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	DefaultInFlight int           `mapstructure:"default_in_flight"`
	SlotTTL         time.Duration `mapstructure:"slot_ttl"`
}

// AgentsConfig governs the agent availability state machine.
type AgentsConfig struct {
	ACWDuration time.Duration `mapstructure:"acw_duration"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("DIALER")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
