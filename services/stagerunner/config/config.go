package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the stage runner service.
type Config struct {
	LogLevel        string
	KafkaBrokers    string
	PostgresDSN     string
	Stages          string
	DelegateURL     string
	DelegateRetries int
	RetryBaseDelay  time.Duration
	StageTimeout    time.Duration
	EnvWorkDir      string
	EnvTTL          time.Duration
	EnvBaseDomain   string
	EnvPortFirst    int
	EnvPortLast     int
	MetricsAddr     string
	OTelEndpoint    string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		KafkaBrokers:    v.GetString("kafka_brokers"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		Stages:          v.GetString("stages"),
		DelegateURL:     v.GetString("delegate_url"),
		DelegateRetries: v.GetInt("delegate_retries"),
		RetryBaseDelay:  v.GetDuration("retry_base_delay"),
		StageTimeout:    v.GetDuration("stage_timeout"),
		EnvWorkDir:      v.GetString("env_work_dir"),
		EnvTTL:          v.GetDuration("env_ttl"),
		EnvBaseDomain:   v.GetString("env_base_domain"),
		EnvPortFirst:    v.GetInt("env_port_first"),
		EnvPortLast:     v.GetInt("env_port_last"),
		MetricsAddr:     v.GetString("metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
	}
}
