package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the envd service.
type Config struct {
	LogLevel     string
	RedisAddr    string
	PostgresDSN  string
	MetricsAddr  string
	OTelEndpoint string

	EnvWorkDir    string
	EnvTTL        time.Duration
	EnvBaseDomain string
	EnvPortFirst  int
	EnvPortLast   int

	HealthInterval     time.Duration
	ExpiryInterval     time.Duration
	LeakReportSchedule string
	StaleAfter         time.Duration

	LeaderTTL time.Duration
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		EnvWorkDir:    v.GetString("env_work_dir"),
		EnvTTL:        v.GetDuration("env_ttl"),
		EnvBaseDomain: v.GetString("env_base_domain"),
		EnvPortFirst:  v.GetInt("env_port_first"),
		EnvPortLast:   v.GetInt("env_port_last"),

		HealthInterval:     v.GetDuration("health_interval"),
		ExpiryInterval:     v.GetDuration("expiry_interval"),
		LeakReportSchedule: v.GetString("leak_report_schedule"),
		StaleAfter:         v.GetDuration("stale_after"),

		LeaderTTL: v.GetDuration("leader_ttl"),
	}
}
