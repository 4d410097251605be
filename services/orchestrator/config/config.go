package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the orchestrator service.
type Config struct {
	LogLevel     string
	HTTPPort     string
	MetricsAddr  string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	OTelEndpoint string

	// Mode selects the drive strategy: "direct" runs stages in-process,
	// "dispatched" publishes them to Kafka for stage runners.
	Mode                 string
	MaxImplementAttempts int
	StageTimeout         time.Duration
	ResumeConsumers      int

	// Delegate and environment settings, used only in direct mode where the
	// orchestrator hosts the stage workers itself.
	DelegateURL     string
	DelegateRetries int
	RetryBaseDelay  time.Duration
	EnvWorkDir      string
	EnvTTL          time.Duration
	EnvBaseDomain   string
	EnvPortFirst    int
	EnvPortLast     int

	RateLimit  int
	RateWindow time.Duration
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		HTTPPort:     v.GetString("http_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		Mode:                 v.GetString("mode"),
		MaxImplementAttempts: v.GetInt("max_implement_attempts"),
		StageTimeout:         v.GetDuration("stage_timeout"),
		ResumeConsumers:      v.GetInt("resume_consumers"),

		DelegateURL:     v.GetString("delegate_url"),
		DelegateRetries: v.GetInt("delegate_retries"),
		RetryBaseDelay:  v.GetDuration("retry_base_delay"),
		EnvWorkDir:      v.GetString("env_work_dir"),
		EnvTTL:          v.GetDuration("env_ttl"),
		EnvBaseDomain:   v.GetString("env_base_domain"),
		EnvPortFirst:    v.GetInt("env_port_first"),
		EnvPortLast:     v.GetInt("env_port_last"),

		RateLimit:  v.GetInt("rate_limit"),
		RateWindow: v.GetDuration("rate_window"),
	}
}
